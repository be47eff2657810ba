package store

import (
	"context"
	"time"

	"github.com/marketbridge/marketbridge/internal/core"
)

// History reads and clears persisted metrics and health records.
type History interface {
	ListMetrics(ctx context.Context, q MetricsQuery) ([]core.MetricsRecord, error)
	ListHealth(ctx context.Context, q MetricsQuery) ([]core.HealthRecord, error)
	ResetMetrics(ctx context.Context, marketplace string) (int64, error)
}

var (
	_ History = (*Store)(nil)
	_ History = (*RedisStore)(nil)
)

// UptimeReport is the healthy share of probes for one marketplace.
type UptimeReport struct {
	Marketplace string    `json:"marketplace"`
	Since       time.Time `json:"since"`
	Uptime      float64   `json:"uptime"`
	Probes      int       `json:"probes"`
}

// UptimeFromHealth computes a report from health records.
func UptimeFromHealth(marketplace string, since time.Time, records []core.HealthRecord) UptimeReport {
	report := UptimeReport{Marketplace: marketplace, Since: since}
	healthy := 0
	for _, rec := range records {
		if !since.IsZero() && rec.CheckedAt.Before(since) {
			continue
		}
		report.Probes++
		if rec.IsHealthy {
			healthy++
		}
	}
	if report.Probes > 0 {
		report.Uptime = float64(healthy) / float64(report.Probes)
	}
	return report
}
