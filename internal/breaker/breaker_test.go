package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New("test-entity", cfg, nil)
	b.now = clock.now
	b.changedAt = clock.t
	return b, clock
}

func TestOpensExactlyAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: 5 * time.Second})

	b.Record(false)
	b.Record(false)
	assert.Equal(t, StateClosed, b.State(), "must not open before threshold")

	b.Record(false)
	assert.Equal(t, StateOpen, b.State(), "must open exactly at threshold")
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: 5 * time.Second})

	b.Record(false)
	b.Record(false)
	b.Record(true)
	b.Record(false)
	b.Record(false)
	assert.Equal(t, StateClosed, b.State(), "transient blips must not accumulate")

	b.Record(false)
	assert.Equal(t, StateOpen, b.State())
}

func TestOpenRejectsUntilRecoveryTimeout(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 5 * time.Second})

	b.Record(false)
	require.Equal(t, StateOpen, b.State())

	assert.ErrorIs(t, b.Admit(), ErrOpen)
	assert.False(t, b.Allows())

	clock.advance(4 * time.Second)
	assert.ErrorIs(t, b.Admit(), ErrOpen)

	clock.advance(1 * time.Second)
	assert.True(t, b.Allows())
	require.NoError(t, b.Admit(), "recovery window elapsed, trial admitted")
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 5 * time.Second})

	b.Record(false)
	clock.advance(5 * time.Second)
	require.NoError(t, b.Admit())

	b.Record(true)
	assert.Equal(t, StateClosed, b.State(), "single trial success closes with default trial limit")
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 5 * time.Second})

	b.Record(false)
	clock.advance(5 * time.Second)
	require.NoError(t, b.Admit())

	b.Record(false)
	assert.Equal(t, StateOpen, b.State())

	// Reopening resets the recovery timer: still rejected before timeout.
	clock.advance(4 * time.Second)
	assert.ErrorIs(t, b.Admit(), ErrOpen)
	clock.advance(1 * time.Second)
	assert.NoError(t, b.Admit())
}

func TestHalfOpenAdmitsLimitedConcurrentTrials(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 5 * time.Second, HalfOpenTrials: 2})

	b.Record(false)
	clock.advance(5 * time.Second)

	require.NoError(t, b.Admit(), "first trial")
	require.NoError(t, b.Admit(), "second trial")
	assert.ErrorIs(t, b.Admit(), ErrOpen, "third concurrent caller must be rejected")
	assert.False(t, b.Allows())

	// One trial resolves successfully: a slot frees but the breaker stays
	// half-open until trial-limit consecutive successes.
	b.Record(true)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.Allows())

	b.Record(true)
	assert.Equal(t, StateClosed, b.State())
}

func TestRecoveryScenario(t *testing.T) {
	// breaker(failure_threshold=3, recovery_timeout=5s): 3 failures -> Open;
	// immediate admit -> rejected; after 5s -> trial; success -> Closed.
	b, clock := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: 5 * time.Second})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Admit())
		b.Record(false)
	}
	require.Equal(t, StateOpen, b.State())
	require.ErrorIs(t, b.Admit(), ErrOpen)

	clock.advance(5 * time.Second)
	require.NoError(t, b.Admit())
	require.Equal(t, StateHalfOpen, b.State())

	b.Record(true)
	assert.Equal(t, StateClosed, b.State())
}

func TestStateChangeCallback(t *testing.T) {
	type change struct {
		from, to State
	}
	var changes []change

	clock := &fakeClock{t: time.Now()}
	b := New("cb-entity", Config{FailureThreshold: 1, RecoveryTimeout: time.Second}, func(name string, from, to State) {
		assert.Equal(t, "cb-entity", name)
		changes = append(changes, change{from, to})
	})
	b.now = clock.now

	b.Record(false)
	clock.advance(time.Second)
	require.NoError(t, b.Admit())
	b.Record(true)

	require.Len(t, changes, 3)
	assert.Equal(t, change{StateClosed, StateOpen}, changes[0])
	assert.Equal(t, change{StateOpen, StateHalfOpen}, changes[1])
	assert.Equal(t, change{StateHalfOpen, StateClosed}, changes[2])
}

func TestLateRecordWhileOpenIsIgnored(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	b.Record(false)
	require.Equal(t, StateOpen, b.State())

	// A call admitted before the breaker opened completes late.
	b.Record(true)
	assert.Equal(t, StateOpen, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
}
