package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwarkhq/bulwark/internal/balancer"
	"github.com/bulwarkhq/bulwark/internal/breaker"
	"github.com/bulwarkhq/bulwark/internal/config"
	"github.com/bulwarkhq/bulwark/internal/exec"
	"github.com/bulwarkhq/bulwark/internal/log"
	"github.com/bulwarkhq/bulwark/internal/metrics"
	"github.com/bulwarkhq/bulwark/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	m.Run()
}

func backendTarget(name, url string) *balancer.Target {
	return balancer.NewTarget(name, url, balancer.TargetOptions{
		Weight:           1,
		MaxExecutionTime: 2 * time.Second,
		Breaker:          breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Minute},
	}, nil)
}

func newProxy(t *testing.T, retries int, targets ...*balancer.Target) *Proxy {
	t.Helper()
	pool, err := balancer.NewPool(config.AlgorithmRoundRobin, targets)
	require.NoError(t, err)
	return New(pool, exec.New(), nil, retries)
}

func TestDispatchForwardsRequest(t *testing.T) {
	var seen atomic.Pointer[http.Request]
	var seenBody atomic.Pointer[string]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s := string(body)
		seenBody.Store(&s)
		seen.Store(r.Clone(context.Background()))
		w.Header().Set("X-Backend", "one")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("made"))
	}))
	defer srv.Close()

	p := newProxy(t, 0, backendTarget("one", srv.URL))
	res, err := p.Dispatch(context.Background(), &protocol.HTTPRequest{
		Method:   "POST",
		Path:     "/things",
		Query:    "dry_run=1",
		Headers:  map[string]string{"X-Custom": "v"},
		Body:     []byte(`{"a":1}`),
		ClientIP: "10.0.0.9",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "made", string(res.Body))
	assert.Equal(t, "one", res.Headers["X-Backend"])

	r := seen.Load()
	require.NotNil(t, r)
	assert.Equal(t, "POST", r.Method)
	assert.Equal(t, "/things", r.URL.Path)
	assert.Equal(t, "dry_run=1", r.URL.RawQuery)
	assert.Equal(t, "v", r.Header.Get("X-Custom"))
	assert.Equal(t, "10.0.0.9", r.Header.Get("X-Forwarded-For"))
	assert.Equal(t, `{"a":1}`, *seenBody.Load())
}

func TestDispatchClientErrorPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	p := newProxy(t, 0, backendTarget("one", srv.URL))
	res, err := p.Dispatch(context.Background(), &protocol.HTTPRequest{Method: "GET", Path: "/missing"})
	require.NoError(t, err, "a 4xx is the backend's answer, not a dispatch failure")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestDispatchRetriesNextTarget(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	var goodHits atomic.Int64
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits.Add(1)
		w.Write([]byte("ok"))
	}))
	defer good.Close()

	p := newProxy(t, 2, backendTarget("bad", bad.URL), backendTarget("good", good.URL))
	res, err := p.Dispatch(context.Background(), &protocol.HTTPRequest{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int64(1), goodHits.Load())
}

func TestDispatchRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newProxy(t, 1, backendTarget("one", srv.URL))
	_, err := p.Dispatch(context.Background(), &protocol.HTTPRequest{Method: "GET", Path: "/"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestDispatchNoEligibleTarget(t *testing.T) {
	target := backendTarget("one", "http://127.0.0.1:1")
	target.SetHealthy(false)
	p := newProxy(t, 2, target)

	_, err := p.Dispatch(context.Background(), &protocol.HTTPRequest{Method: "GET", Path: "/"})
	assert.ErrorIs(t, err, balancer.ErrNoEligibleTarget)
}

func TestDispatchFailuresTripTargetBreaker(t *testing.T) {
	var badHits atomic.Int64
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer good.Close()

	badTarget := backendTarget("bad", bad.URL)
	p := newProxy(t, 3, badTarget, backendTarget("good", good.URL))

	// Round robin alternates; the bad target's breaker opens after three
	// failures and it drops out of selection.
	for i := 0; i < 10; i++ {
		_, err := p.Dispatch(context.Background(), &protocol.HTTPRequest{Method: "GET", Path: "/"})
		require.NoError(t, err)
	}
	assert.Equal(t, breaker.StateOpen, badTarget.Breaker().Snapshot().State)
	hits := badHits.Load()
	assert.Equal(t, int64(3), hits)

	// With the breaker open the bad backend sees no more traffic.
	for i := 0; i < 5; i++ {
		_, err := p.Dispatch(context.Background(), &protocol.HTTPRequest{Method: "GET", Path: "/"})
		require.NoError(t, err)
	}
	assert.Equal(t, hits, badHits.Load())
}

func TestDispatchRecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	target := backendTarget("one", srv.URL)
	p := newProxy(t, 0, target)
	for i := 0; i < 4; i++ {
		_, err := p.Dispatch(context.Background(), &protocol.HTTPRequest{Method: "GET", Path: "/"})
		require.NoError(t, err)
	}

	sum := target.Metrics().Snapshot()
	assert.Equal(t, uint64(4), sum.Total)
	assert.Equal(t, uint64(4), sum.ByKind[metrics.KindSuccess])
}

func TestDispatchInFlightReturnsToZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	target := backendTarget("one", srv.URL)
	p := newProxy(t, 0, target)
	_, err := p.Dispatch(context.Background(), &protocol.HTTPRequest{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), target.InFlight())
}
