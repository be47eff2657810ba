package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollectorPersistsThenOptimizes(t *testing.T) {
	reg := newTestRegistry(t, okGateway(), nil, endpoint("coupang", 10, 10), endpoint("naver", 5, 5))
	m, _ := reg.Get("coupang")
	seedMetrics(m, 200, 50)

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	store := &recordingStore{}
	c := &MetricsCollector{
		Registry:  reg,
		Store:     store,
		Optimizer: NewOptimizer(reg),
		Clock:     func() time.Time { return now },
	}
	c.Collect(context.Background())

	require.Len(t, store.metrics, 2)
	require.Equal(t, "coupang", store.metrics[0].Marketplace)
	require.EqualValues(t, 200, store.metrics[0].Snapshot.TotalRequests)
	require.Equal(t, now, store.metrics[0].RecordedAt)
	require.Equal(t, "naver", store.metrics[1].Marketplace)

	require.InDelta(t, 8.0, m.RateLimit().MaxRequestsPerSecond, 1e-9)
}

func TestCollectorSurvivesStoreFailure(t *testing.T) {
	reg := newTestRegistry(t, okGateway(), nil, endpoint("coupang", 10, 10))
	m, _ := reg.Get("coupang")
	seedMetrics(m, 150, 150)

	c := &MetricsCollector{
		Registry:  reg,
		Store:     &recordingStore{err: errors.New("database is locked")},
		Optimizer: NewOptimizer(reg),
	}
	c.Collect(context.Background())
	require.InDelta(t, 8.0, m.RateLimit().MaxRequestsPerSecond, 1e-9)
}

func TestCollectorRunStopsWithContext(t *testing.T) {
	reg := newTestRegistry(t, okGateway(), nil, endpoint("coupang", 10, 10))
	store := &recordingStore{}
	c := &MetricsCollector{Registry: reg, Store: store, Interval: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.metrics) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
