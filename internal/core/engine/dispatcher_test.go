package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketbridge/marketbridge/internal/core"
)

type completions struct {
	mu   sync.Mutex
	wg   sync.WaitGroup
	errs []error
	at   []time.Time
}

func (c *completions) expect(n int) {
	c.wg.Add(n)
}

func (c *completions) callback() core.Completion {
	return func(_ *core.Response, err error) {
		c.mu.Lock()
		c.errs = append(c.errs, err)
		c.at = append(c.at, time.Now())
		c.mu.Unlock()
		c.wg.Done()
	}
}

func (c *completions) wait(t *testing.T, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for completions")
	}
}

func startDispatcher(t *testing.T, reg *Registry, opts DispatcherOptions) *Dispatcher {
	t.Helper()
	d := NewDispatcher(reg, opts)
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func TestQueueRequestRejectsBadInput(t *testing.T) {
	reg := newTestRegistry(t, okGateway(), nil, endpoint("coupang", 10, 10))
	d := NewDispatcher(reg, DispatcherOptions{})

	require.False(t, d.QueueRequest("amazon", core.MethodGet, "/x", nil, nil, 1, nil))
	require.False(t, d.QueueRequest("coupang", core.Method("PATCH"), "/x", nil, nil, 1, nil))
	require.True(t, d.QueueRequest("coupang", core.MethodGet, "/x", nil, nil, 1, nil))
	require.Equal(t, 1, d.QueueDepth("coupang"))

	require.ErrorIs(t, d.Enqueue(core.CallDescriptor{Marketplace: "amazon", Method: core.MethodGet}), core.ErrUnknownMarketplace)
	require.ErrorIs(t, d.Enqueue(core.CallDescriptor{Marketplace: "coupang", Method: "HEAD"}), core.ErrInvalidMethod)
}

func TestDispatcherWorkerSurvivesFailures(t *testing.T) {
	var calls atomic.Int64
	gw := GatewayFunc(func(ctx context.Context, req core.Request) (*core.Response, error) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return nil, &core.GatewayError{Kind: core.KindServerError, StatusCode: 503, Message: "unavailable"}
	})
	reg := newTestRegistry(t, gw, nil, endpoint("coupang", 1000, 1000))
	d := startDispatcher(t, reg, DispatcherOptions{})

	var c completions
	c.expect(100)
	for i := 0; i < 100; i++ {
		require.True(t, d.QueueRequest("coupang", core.MethodGet, "/orders", nil, nil, 1, c.callback()))
	}
	c.wait(t, 5*time.Second)

	require.Len(t, c.errs, 100)
	circuitOpen := 0
	for _, err := range c.errs {
		require.Error(t, err)
		if errors.Is(err, core.ErrCircuitOpen) {
			circuitOpen++
		}
	}
	require.EqualValues(t, DefaultBreakerSettings.FailureThreshold, calls.Load())
	require.Equal(t, 100-DefaultBreakerSettings.FailureThreshold, circuitOpen)

	m, _ := reg.Get("coupang")
	require.Equal(t, StateOpen, m.Breaker.State())
	snap := m.Metrics.Snapshot()
	require.EqualValues(t, 100, snap.TotalRequests)
	require.EqualValues(t, 100, snap.FailedRequests)
	require.GreaterOrEqual(t, snap.AvgResponseTime, 5*time.Millisecond)

	c.expect(1)
	require.True(t, d.QueueRequest("coupang", core.MethodGet, "/orders", nil, nil, 1, c.callback()))
	c.wait(t, time.Second)
}

func TestDispatcherPacesToBucket(t *testing.T) {
	reg := newTestRegistry(t, okGateway(), nil, endpoint("naver", 2, 2))
	d := NewDispatcher(reg, DispatcherOptions{})

	var c completions
	c.expect(5)
	for i := 0; i < 5; i++ {
		require.True(t, d.QueueRequest("naver", core.MethodGet, "/products", nil, nil, 1, c.callback()))
	}

	start := time.Now()
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	c.wait(t, 5*time.Second)

	expected := []time.Duration{0, 0, 500 * time.Millisecond, time.Second, 1500 * time.Millisecond}
	for i, at := range c.at {
		require.NoError(t, c.errs[i])
		require.InDelta(t, expected[i].Seconds(), at.Sub(start).Seconds(), 0.2, "call %d", i)
	}
}

func TestDispatcherServesByPriority(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	gw := GatewayFunc(func(ctx context.Context, req core.Request) (*core.Response, error) {
		mu.Lock()
		seen = append(seen, req.Endpoint)
		mu.Unlock()
		return &core.Response{StatusCode: 200}, nil
	})
	reg := newTestRegistry(t, gw, nil, endpoint("11st", 1000, 1000))
	d := NewDispatcher(reg, DispatcherOptions{})

	var c completions
	c.expect(3)
	require.True(t, d.QueueRequest("11st", core.MethodGet, "/low", nil, nil, 5, c.callback()))
	require.True(t, d.QueueRequest("11st", core.MethodGet, "/high", nil, nil, 1, c.callback()))
	require.True(t, d.QueueRequest("11st", core.MethodGet, "/mid", nil, nil, 3, c.callback()))

	d.Start(context.Background())
	t.Cleanup(d.Stop)
	c.wait(t, 2*time.Second)

	require.Equal(t, []string{"/high", "/mid", "/low"}, seen)
}

func TestDispatcherRecoversGatewayAndCallbackPanics(t *testing.T) {
	var calls atomic.Int64
	gw := GatewayFunc(func(ctx context.Context, req core.Request) (*core.Response, error) {
		if calls.Add(1) == 1 {
			panic("bad payload")
		}
		return &core.Response{StatusCode: 200}, nil
	})
	reg := newTestRegistry(t, gw, nil, endpoint("coupang", 1000, 1000))
	d := startDispatcher(t, reg, DispatcherOptions{})

	var c completions
	c.expect(1)
	require.True(t, d.QueueRequest("coupang", core.MethodGet, "/a", nil, nil, 1, c.callback()))
	c.wait(t, time.Second)
	require.ErrorContains(t, c.errs[0], "gateway panic")

	require.True(t, d.QueueRequest("coupang", core.MethodGet, "/b", nil, nil, 1, func(*core.Response, error) {
		panic("callback exploded")
	}))

	c.expect(1)
	require.True(t, d.QueueRequest("coupang", core.MethodGet, "/c", nil, nil, 1, c.callback()))
	c.wait(t, time.Second)
	require.NoError(t, c.errs[1])
}

func TestDispatcherRecordsRateLimitBackoff(t *testing.T) {
	gw := GatewayFunc(func(ctx context.Context, req core.Request) (*core.Response, error) {
		return nil, &core.GatewayError{Kind: core.KindRateLimited, StatusCode: 429, RetryAfter: 30 * time.Second}
	})
	reg := newTestRegistry(t, gw, nil, endpoint("naver", 1000, 1000))
	store := NewMemoryRateLimitStore()
	d := startDispatcher(t, reg, DispatcherOptions{Limiter: &WindowLimiter{Store: store}})

	var c completions
	c.expect(1)
	require.True(t, d.QueueRequest("naver", core.MethodGet, "/x", nil, nil, 1, c.callback()))
	c.wait(t, time.Second)

	require.True(t, core.IsRateLimited(c.errs[0]))
	m, _ := reg.Get("naver")
	require.EqualValues(t, 1, m.Metrics.Snapshot().RateLimitedRequests)

	state, err := store.GetRateLimit(context.Background(), "naver")
	require.NoError(t, err)
	require.NotNil(t, state.BackoffUntil)
	require.Equal(t, 1, state.Consecutive429)
	require.Equal(t, 1, state.RequestCount)
}

func TestDispatcherStopFailsQueued(t *testing.T) {
	reg := newTestRegistry(t, okGateway(), nil, endpoint("coupang", 1, 1))
	d := NewDispatcher(reg, DispatcherOptions{})

	var c completions
	c.expect(2)
	require.True(t, d.QueueRequest("coupang", core.MethodGet, "/a", nil, nil, 1, c.callback()))
	require.True(t, d.QueueRequest("coupang", core.MethodGet, "/b", nil, nil, 1, c.callback()))

	d.Stop()
	c.wait(t, time.Second)
	for _, err := range c.errs {
		require.ErrorIs(t, err, core.ErrDispatcherStopped)
	}
	require.False(t, d.QueueRequest("coupang", core.MethodGet, "/c", nil, nil, 1, nil))
	require.ErrorIs(t, d.Enqueue(core.CallDescriptor{Marketplace: "coupang", Method: core.MethodGet}), core.ErrDispatcherStopped)
}
