package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeBreakerStateChanged, BreakerStateChange{Entity: "api", From: "closed", To: "open"})

	ev := <-ch
	assert.Equal(t, TypeBreakerStateChanged, ev.Type)

	var payload BreakerStateChange
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "api", payload.Entity)
	assert.Equal(t, "open", payload.To)
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe()
	defer cancel()

	// Overflow the subscriber buffer; publishes must not block.
	for i := 0; i < 500; i++ {
		h.Publish(TypeDispatchRejected, DispatchRejection{Entity: "api", Reason: "circuit_open"})
	}
}

func TestSnapshotSinceReplaysRing(t *testing.T) {
	h := NewHub(5)
	for i := 0; i < 8; i++ {
		h.Publish(TypeEntityHealthChanged, EntityHealthChange{Entity: "t1", Healthy: i%2 == 0})
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 5, "ring keeps only the newest events")
	assert.Equal(t, int64(4), all[0].ID)

	tail := h.SnapshotSince(6)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(7), tail[0].ID)
}

func TestCancelStopsDelivery(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	cancel()

	h.Publish(TypeConfigReloaded, nil)
	_, open := <-ch
	assert.False(t, open)
}
