//go:build cgo

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketbridge/marketbridge/internal/config"
	"github.com/marketbridge/marketbridge/internal/core"
)

func openLocalStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, config.StoreConfig{
		Driver: "libsql",
		Path:   "file:" + t.TempDir() + "/marketbridge.db",
	})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMetricsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openLocalStore(t)
	base := time.Unix(1_700_000_000, 0).UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, core.MetricsRecord{
			Marketplace: "coupang",
			Snapshot:    core.MetricsSnapshot{TotalRequests: int64(i + 1), SuccessfulRequests: int64(i + 1)},
			RecordedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.Record(ctx, core.MetricsRecord{Marketplace: "naver", RecordedAt: base}))

	latest, err := s.LatestMetrics(ctx, "coupang")
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, int64(3), latest.Snapshot.TotalRequests)

	all, err := s.ListMetrics(ctx, MetricsQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	missing, err := s.LatestMetrics(ctx, "11st")
	require.NoError(t, err)
	require.Nil(t, missing)

	n, err := s.ResetMetrics(ctx, "coupang")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestHealthRoundTripAndUptime(t *testing.T) {
	ctx := context.Background()
	s := openLocalStore(t)
	base := time.Unix(1_700_000_000, 0).UTC()
	latency := 40 * time.Millisecond

	require.NoError(t, s.RecordHealth(ctx, core.HealthRecord{Marketplace: "naver", IsHealthy: true, ResponseTime: &latency, CheckedAt: base}))
	require.NoError(t, s.RecordHealth(ctx, core.HealthRecord{Marketplace: "naver", Error: "timeout", CheckedAt: base.Add(time.Minute)}))

	records, err := s.ListHealth(ctx, MetricsQuery{Marketplace: "naver"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.False(t, records[0].IsHealthy)
	require.Equal(t, "timeout", records[0].Error)
	require.NotNil(t, records[1].ResponseTime)
	require.Equal(t, latency, *records[1].ResponseTime)

	ratio, total, err := s.Uptime(ctx, "naver", base)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.InDelta(t, 0.5, ratio, 1e-9)
}

func TestRateLimitRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openLocalStore(t)
	start := time.Unix(1_700_000_000, 0).UTC()
	until := start.Add(8 * time.Second)

	state := &core.RateLimitState{
		RequestCount:   4,
		WindowStart:    start,
		HourCount:      40,
		HourStart:      start,
		BackoffUntil:   &until,
		Consecutive429: 3,
	}
	require.NoError(t, s.UpdateRateLimit(ctx, "coupang", state))

	got, err := s.GetRateLimit(ctx, "coupang")
	require.NoError(t, err)
	require.Equal(t, state, got)

	entries, err := s.ListRateLimits(ctx, RateLimitQuery{All: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "coupang", entries[0].Marketplace)

	count, err := s.CountRateLimits(ctx, RateLimitQuery{Marketplace: "coupang"})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	n, err := s.ResetRateLimits(ctx, RateLimitQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err = s.GetRateLimit(ctx, "coupang")
	require.NoError(t, err)
	require.Nil(t, got)
}
