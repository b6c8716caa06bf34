package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwarkhq/bulwark/internal/health/mocks"
	"github.com/bulwarkhq/bulwark/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	m.Run()
}

func testSubject(name string, onStatus func(bool)) *subject {
	return &subject{name: name, onStatus: onStatus, healthy: true}
}

var testOpts = Options{
	Interval:           time.Second,
	Timeout:            time.Second,
	HealthyThreshold:   3,
	UnhealthyThreshold: 2,
}

func TestSingleFailureDoesNotFlip(t *testing.T) {
	s := testSubject("api", func(bool) { t.Fatal("status must not flip on one failure") })
	s.observe(errors.New("conn refused"), testOpts, log.Get())
	assert.True(t, s.isHealthy())
}

func TestConsecutiveFailuresFlipUnhealthy(t *testing.T) {
	var flips []bool
	s := testSubject("api", func(h bool) { flips = append(flips, h) })

	boom := errors.New("boom")
	s.observe(boom, testOpts, log.Get())
	s.observe(boom, testOpts, log.Get())

	assert.False(t, s.isHealthy())
	assert.Equal(t, []bool{false}, flips)

	// Further failures stay unhealthy without re-firing the callback.
	s.observe(boom, testOpts, log.Get())
	assert.Equal(t, []bool{false}, flips)
}

func TestSuccessStreakResetBreaksFailureCount(t *testing.T) {
	s := testSubject("api", func(bool) { t.Fatal("must not flip") })
	boom := errors.New("boom")

	// Alternating results never reach the threshold of 2.
	for i := 0; i < 10; i++ {
		s.observe(boom, testOpts, log.Get())
		s.observe(nil, testOpts, log.Get())
	}
	assert.True(t, s.isHealthy())
}

func TestRecoveryNeedsHealthyThreshold(t *testing.T) {
	var flips []bool
	s := testSubject("api", func(h bool) { flips = append(flips, h) })
	boom := errors.New("boom")

	s.observe(boom, testOpts, log.Get())
	s.observe(boom, testOpts, log.Get())
	require.False(t, s.isHealthy())

	s.observe(nil, testOpts, log.Get())
	s.observe(nil, testOpts, log.Get())
	assert.False(t, s.isHealthy(), "two successes are not enough")

	s.observe(nil, testOpts, log.Get())
	assert.True(t, s.isHealthy())
	assert.Equal(t, []bool{false, true}, flips)
}

func TestCheckerProbesInBackground(t *testing.T) {
	var probes atomic.Int64
	c := NewChecker(Options{
		Interval:           20 * time.Millisecond,
		Timeout:            time.Second,
		HealthyThreshold:   3,
		UnhealthyThreshold: 2,
	})
	c.Watch("api", ProbeFunc(func(ctx context.Context) error {
		probes.Add(1)
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool { return probes.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Healthy("api"))
}

func TestCheckerFlipsSubjectViaCallback(t *testing.T) {
	var mu sync.Mutex
	var lastStatus *bool

	c := NewChecker(Options{
		Interval:           10 * time.Millisecond,
		Timeout:            time.Second,
		HealthyThreshold:   3,
		UnhealthyThreshold: 2,
	})
	c.Watch("api", ProbeFunc(func(ctx context.Context) error {
		return errors.New("down")
	}), func(h bool) {
		mu.Lock()
		lastStatus = &h
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lastStatus != nil && !*lastStatus
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.Healthy("api"))
}

func TestCheckerUnwatchStopsProbing(t *testing.T) {
	var probes atomic.Int64
	c := NewChecker(Options{Interval: 10 * time.Millisecond})
	c.Watch("api", ProbeFunc(func(ctx context.Context) error {
		probes.Add(1)
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool { return probes.Load() >= 1 }, time.Second, 5*time.Millisecond)
	c.Unwatch("api")
	settled := probes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, probes.Load(), settled+1)
	assert.False(t, c.Healthy("api"))
}

func TestCheckerWatchAfterStart(t *testing.T) {
	var probes atomic.Int64
	c := NewChecker(Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	c.Watch("late", ProbeFunc(func(ctx context.Context) error {
		probes.Add(1)
		return nil
	}), nil)
	require.Eventually(t, func() bool { return probes.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestCheckerWithMockProber(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	prober := mocks.NewMockProber(ctrl)
	gomock.InOrder(
		prober.EXPECT().Probe(gomock.Any()).Return(nil),
		prober.EXPECT().Probe(gomock.Any()).Return(errors.New("down")).Times(2),
		prober.EXPECT().Probe(gomock.Any()).Return(nil).AnyTimes(),
	)

	c := NewChecker(Options{
		Interval:           5 * time.Millisecond,
		Timeout:            time.Second,
		HealthyThreshold:   3,
		UnhealthyThreshold: 2,
	})
	c.Watch("api", prober, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	// One success, two failures: marked unhealthy.
	require.Eventually(t, func() bool { return !c.Healthy("api") }, 2*time.Second, 5*time.Millisecond)
	// Then a success streak recovers it.
	require.Eventually(t, func() bool { return c.Healthy("api") }, 2*time.Second, 5*time.Millisecond)
}

func TestHTTPProber(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if hits.Add(1) > 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.Client(), srv.URL, "/healthz")
	assert.NoError(t, p.Probe(context.Background()))
	assert.NoError(t, p.Probe(context.Background()))
	assert.Error(t, p.Probe(context.Background()), "non-2xx is a failed probe")
}

func TestHTTPProberDefaultsPath(t *testing.T) {
	p := NewHTTPProber(nil, "http://backend.internal/", "")
	assert.Equal(t, "http://backend.internal/health", p.URL())
}
