package output

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/marketbridge/marketbridge/internal/core"
	"github.com/marketbridge/marketbridge/internal/core/engine"
	"github.com/marketbridge/marketbridge/internal/core/store"
)

// Tabulate builds a table for the known view types.
func Tabulate(v any) (table.Writer, bool) {
	switch value := v.(type) {
	case []engine.Status:
		return statusTable(value), true
	case engine.Status:
		return statusTable([]engine.Status{value}), true
	case []engine.Recommendation:
		return recommendationTable(value), true
	case engine.SimulationResult:
		return simulationTable([]engine.SimulationResult{value}), true
	case []engine.SimulationResult:
		return simulationTable(value), true
	case []engine.BulkResult:
		return bulkTable(value), true
	case []core.MetricsRecord:
		return metricsTable(value), true
	case []core.HealthRecord:
		return healthTable(value), true
	case []store.RateLimitEntry:
		return rateLimitTable(value), true
	case []store.RateLimitUsage:
		return usageTable(value), true
	case []store.UptimeReport:
		return uptimeTable(value), true
	case core.RateLimitConfig:
		return rateLimitConfigTable(value), true
	default:
		return nil, false
	}
}

func newTable(header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(header)
	return t
}

func statusTable(statuses []engine.Status) table.Writer {
	t := newTable(table.Row{"Marketplace", "Circuit", "Failures", "Tokens", "RPS", "Queue", "Requests", "Success", "Avg Latency", "Health"})
	for _, st := range statuses {
		t.AppendRow(table.Row{
			st.Name,
			st.CircuitState,
			st.FailureCount,
			fmt.Sprintf("%.1f", st.AvailableTokens),
			fmt.Sprintf("%.2f", st.RateLimit.MaxRequestsPerSecond),
			st.QueueDepth,
			st.TotalRequests,
			percent(st.SuccessRate, st.TotalRequests),
			latency(st.AvgResponseTime),
			healthLabel(st.LastHealth),
		})
	}
	return t
}

func recommendationTable(recs []engine.Recommendation) table.Writer {
	t := newTable(table.Row{"Severity", "Marketplace", "Issue", "Suggestion"})
	for _, r := range recs {
		t.AppendRow(table.Row{r.Severity.String(), r.Marketplace, r.Issue, r.Suggestion})
	}
	if len(recs) == 0 {
		t.AppendRow(table.Row{"-", "-", "no issues detected", "-"})
	}
	return t
}

func simulationTable(results []engine.SimulationResult) table.Writer {
	t := newTable(table.Row{"Marketplace", "Requested", "Succeeded", "Failed", "Rate Limited", "Circuit Open", "Elapsed"})
	for _, r := range results {
		t.AppendRow(table.Row{
			r.Marketplace, r.Requested, r.Succeeded, r.Failed, r.RateLimited, r.CircuitOpen,
			r.Elapsed.Round(time.Millisecond).String(),
		})
	}
	for _, r := range results {
		for _, msg := range r.Errors {
			t.AppendFooter(table.Row{r.Marketplace, msg})
		}
	}
	return t
}

func bulkTable(results []engine.BulkResult) table.Writer {
	t := newTable(table.Row{"#", "Marketplace", "Endpoint", "Status", "Duration", "Error"})
	for i, r := range results {
		status, duration := "-", "-"
		if r.Response != nil {
			status = fmt.Sprintf("%d", r.Response.StatusCode)
			duration = latency(r.Response.Duration)
		}
		t.AppendRow(table.Row{i + 1, r.Marketplace, r.Endpoint, status, duration, r.Error})
	}
	return t
}

func metricsTable(records []core.MetricsRecord) table.Writer {
	t := newTable(table.Row{"Recorded", "Marketplace", "Total", "OK", "Failed", "429", "Success", "Avg Latency"})
	for _, rec := range records {
		s := rec.Snapshot
		t.AppendRow(table.Row{
			timestamp(rec.RecordedAt),
			rec.Marketplace,
			s.TotalRequests,
			s.SuccessfulRequests,
			s.FailedRequests,
			s.RateLimitedRequests,
			percent(s.SuccessRate(), s.TotalRequests),
			latency(s.AvgResponseTime),
		})
	}
	return t
}

func healthTable(records []core.HealthRecord) table.Writer {
	t := newTable(table.Row{"Checked", "Marketplace", "Healthy", "Latency", "Error"})
	for _, rec := range records {
		lat := "-"
		if rec.ResponseTime != nil {
			lat = latency(*rec.ResponseTime)
		}
		t.AppendRow(table.Row{timestamp(rec.CheckedAt), rec.Marketplace, rec.IsHealthy, lat, rec.Error})
	}
	return t
}

func rateLimitTable(entries []store.RateLimitEntry) table.Writer {
	t := newTable(table.Row{"Marketplace", "Minute Count", "Minute Start", "Hour Count", "Hour Start", "Backoff Until", "Consecutive 429"})
	for _, e := range entries {
		backoff := "-"
		if e.State.BackoffUntil != nil {
			backoff = timestamp(*e.State.BackoffUntil)
		}
		t.AppendRow(table.Row{
			e.Marketplace,
			e.State.RequestCount,
			timestamp(e.State.WindowStart),
			e.State.HourCount,
			timestamp(e.State.HourStart),
			backoff,
			e.State.Consecutive429,
		})
	}
	return t
}

func usageTable(usage []store.RateLimitUsage) table.Writer {
	t := newTable(table.Row{"Marketplace", "Per Second", "Burst", "Minute", "Hour", "Backoff Until", "Consecutive 429"})
	for _, u := range usage {
		backoff := "-"
		if u.BackoffUntil != nil {
			backoff = timestamp(*u.BackoffUntil)
		}
		t.AppendRow(table.Row{
			u.Marketplace,
			u.PerSecond,
			u.Burst,
			windowUsage(u.MinuteUsed, u.MinuteLimit),
			windowUsage(u.HourUsed, u.HourLimit),
			backoff,
			u.Recent429s,
		})
	}
	return t
}

func windowUsage(used, limit int) string {
	if limit <= 0 {
		return fmt.Sprintf("%d/-", used)
	}
	return fmt.Sprintf("%d/%d", used, limit)
}

func uptimeTable(reports []store.UptimeReport) table.Writer {
	t := newTable(table.Row{"Marketplace", "Since", "Probes", "Uptime"})
	for _, r := range reports {
		t.AppendRow(table.Row{r.Marketplace, timestamp(r.Since), r.Probes, percent(r.Uptime, int64(r.Probes))})
	}
	return t
}

func rateLimitConfigTable(cfg core.RateLimitConfig) table.Writer {
	t := newTable(table.Row{"Setting", "Value"})
	t.AppendRows([]table.Row{
		{"max_requests_per_second", cfg.MaxRequestsPerSecond},
		{"max_requests_per_minute", cfg.MaxRequestsPerMinute},
		{"max_requests_per_hour", cfg.MaxRequestsPerHour},
		{"burst_allowance", cfg.BurstAllowance},
		{"backoff_base", cfg.BackoffBase},
		{"max_backoff", cfg.MaxBackoff},
	})
	return t
}

func percent(ratio float64, total int64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", ratio*100)
}

func latency(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func healthLabel(rec *core.HealthRecord) string {
	switch {
	case rec == nil:
		return "unknown"
	case rec.IsHealthy:
		return "healthy"
	default:
		return "unhealthy"
	}
}
