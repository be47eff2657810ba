package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seedMetrics(m *Marketplace, total, rateLimited int) {
	for i := 0; i < total; i++ {
		if i < rateLimited {
			m.Metrics.RecordFailure(10*time.Millisecond, true)
			continue
		}
		m.Metrics.RecordSuccess(10 * time.Millisecond)
	}
}

func TestOptimizerNeedsEnoughSamples(t *testing.T) {
	reg := newTestRegistry(t, okGateway(), nil, endpoint("coupang", 10, 20))
	m, _ := reg.Get("coupang")
	seedMetrics(m, 99, 99)

	opt := NewOptimizer(reg)
	require.False(t, opt.Run("coupang"))
	require.Equal(t, 10.0, m.RateLimit().MaxRequestsPerSecond)
}

func TestOptimizerLowersRate(t *testing.T) {
	reg := newTestRegistry(t, okGateway(), nil, endpoint("coupang", 10, 20))
	m, _ := reg.Get("coupang")
	seedMetrics(m, 200, 30)
	before := m.Bucket()

	opt := NewOptimizer(reg)
	require.True(t, opt.Run("coupang"))
	require.InDelta(t, 8.0, m.RateLimit().MaxRequestsPerSecond, 1e-9)
	require.Same(t, before, m.Bucket())
	require.InDelta(t, 8.0, m.Bucket().Rate(), 1e-9)
	require.Equal(t, 20, m.Bucket().Capacity())
}

func TestOptimizerCutKeepsDrainedTokens(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	reg := newTestRegistry(t, okGateway(), clock.Now, endpoint("coupang", 10, 20))
	m, _ := reg.Get("coupang")
	require.True(t, m.Bucket().Consume(18))
	seedMetrics(m, 200, 30)

	require.True(t, NewOptimizer(reg).Run("coupang"))
	require.InDelta(t, 2.0, m.Bucket().Tokens(), 1e-9)
	require.True(t, m.Bucket().Consume(2))
	require.False(t, m.Bucket().Consume(1))
}

func TestOptimizerIgnoresHealthyRatio(t *testing.T) {
	reg := newTestRegistry(t, okGateway(), nil, endpoint("naver", 10, 10))
	m, _ := reg.Get("naver")
	seedMetrics(m, 200, 20)

	require.False(t, NewOptimizer(reg).Run("naver"))
	require.Equal(t, 10.0, m.RateLimit().MaxRequestsPerSecond)
}

func TestOptimizerRespectsFloor(t *testing.T) {
	reg := newTestRegistry(t, okGateway(), nil, endpoint("11st", 1.1, 1))
	m, _ := reg.Get("11st")
	seedMetrics(m, 100, 100)

	opt := NewOptimizer(reg)
	require.True(t, opt.Run("11st"))
	require.Equal(t, 1.0, m.RateLimit().MaxRequestsPerSecond)
	require.False(t, opt.Run("11st"), "never goes below the floor")
}

func TestOptimizerDisabled(t *testing.T) {
	reg := newTestRegistry(t, okGateway(), nil, endpoint("coupang", 10, 10))
	m, _ := reg.Get("coupang")
	seedMetrics(m, 200, 200)

	opt := NewOptimizer(reg)
	opt.Enabled = false
	require.False(t, opt.Run("coupang"))
	require.Empty(t, opt.RunAll())
}
