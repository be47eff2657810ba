package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketbridge/marketbridge/internal/core"
)

// MetricsQuery filters historical metrics and health reads.
type MetricsQuery struct {
	Marketplace string
	Since       time.Time
	Limit       int
}

func (q MetricsQuery) where(column string) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if name := strings.TrimSpace(q.Marketplace); name != "" {
		clauses = append(clauses, "marketplace = ?")
		args = append(args, name)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, column+" >= ?")
		args = append(args, q.Since.UTC().Unix())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (q MetricsQuery) limit() string {
	if q.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf("LIMIT %d", q.Limit)
}

// Record appends a metrics sample.
func (s *Store) Record(ctx context.Context, rec core.MetricsRecord) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(rec.Marketplace) == "" {
		return errors.New("marketplace is required")
	}

	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	snap := rec.Snapshot
	var lastRequest sql.NullInt64
	if !snap.LastRequestTime.IsZero() {
		lastRequest = sql.NullInt64{Int64: snap.LastRequestTime.UTC().Unix(), Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO marketplace_metrics (
			marketplace, total_requests, successful_requests, failed_requests,
			rate_limited_requests, avg_response_time_ms, last_request_at, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Marketplace,
		snap.TotalRequests, snap.SuccessfulRequests, snap.FailedRequests,
		snap.RateLimitedRequests, durationToMillis(snap.AvgResponseTime),
		lastRequest, recordedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("store metrics: %w", err)
	}
	return nil
}

// RecordHealth appends a health probe outcome.
func (s *Store) RecordHealth(ctx context.Context, rec core.HealthRecord) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(rec.Marketplace) == "" {
		return errors.New("marketplace is required")
	}

	checkedAt := rec.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}

	var responseTime sql.NullFloat64
	if rec.ResponseTime != nil {
		responseTime = sql.NullFloat64{Float64: durationToMillis(*rec.ResponseTime), Valid: true}
	}
	var errText sql.NullString
	if rec.Error != "" {
		errText = sql.NullString{String: rec.Error, Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO marketplace_health (marketplace, is_healthy, response_time_ms, error, checked_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Marketplace, boolToInt(rec.IsHealthy), responseTime, errText, checkedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("store health: %w", err)
	}
	return nil
}

// ListMetrics returns metrics samples newest first.
func (s *Store) ListMetrics(ctx context.Context, q MetricsQuery) ([]core.MetricsRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args := q.where("recorded_at")
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT marketplace, total_requests, successful_requests, failed_requests,
			rate_limited_requests, avg_response_time_ms, last_request_at, recorded_at
		FROM marketplace_metrics
		%s
		ORDER BY recorded_at DESC, id DESC
		%s
	`, where, q.limit()), args...)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	records := []core.MetricsRecord{}
	for rows.Next() {
		rec, err := scanMetrics(rows)
		if err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	return records, nil
}

// LatestMetrics returns the newest sample for a marketplace, or nil.
func (s *Store) LatestMetrics(ctx context.Context, marketplace string) (*core.MetricsRecord, error) {
	marketplace = strings.TrimSpace(marketplace)
	if marketplace == "" {
		return nil, errors.New("marketplace is required")
	}
	records, err := s.ListMetrics(ctx, MetricsQuery{Marketplace: marketplace, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// ListHealth returns health records newest first.
func (s *Store) ListHealth(ctx context.Context, q MetricsQuery) ([]core.HealthRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args := q.where("checked_at")
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT marketplace, is_healthy, response_time_ms, error, checked_at
		FROM marketplace_health
		%s
		ORDER BY checked_at DESC, id DESC
		%s
	`, where, q.limit()), args...)
	if err != nil {
		return nil, fmt.Errorf("list health: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	records := []core.HealthRecord{}
	for rows.Next() {
		var (
			rec          core.HealthRecord
			healthy      int
			responseTime sql.NullFloat64
			errText      sql.NullString
			checkedAt    int64
		)
		if err := rows.Scan(&rec.Marketplace, &healthy, &responseTime, &errText, &checkedAt); err != nil {
			return nil, fmt.Errorf("scan health: %w", err)
		}
		rec.IsHealthy = healthy != 0
		if responseTime.Valid {
			d := millisToDuration(responseTime.Float64)
			rec.ResponseTime = &d
		}
		rec.Error = errText.String
		rec.CheckedAt = time.Unix(checkedAt, 0).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list health: %w", err)
	}
	return records, nil
}

// Uptime returns the healthy fraction of probes since the given time, and
// the number of probes considered. It is 0 when no probes exist.
func (s *Store) Uptime(ctx context.Context, marketplace string, since time.Time) (float64, int, error) {
	if s == nil || s.DB == nil {
		return 0, 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args := MetricsQuery{Marketplace: marketplace, Since: since}.where("checked_at")
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(is_healthy), 0)
		FROM marketplace_health
		%s
	`, where), args...)

	var total, healthy int
	if err := row.Scan(&total, &healthy); err != nil {
		return 0, 0, fmt.Errorf("compute uptime: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(healthy) / float64(total), total, nil
}

// ResetMetrics deletes stored metrics and health history. An empty
// marketplace clears every marketplace.
func (s *Store) ResetMetrics(ctx context.Context, marketplace string) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args := MetricsQuery{Marketplace: marketplace}.where("")
	var affected int64
	for _, table := range []string{"marketplace_metrics", "marketplace_health"} {
		result, err := s.DB.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s %s", table, where), args...)
		if err != nil {
			return affected, fmt.Errorf("reset %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return affected, fmt.Errorf("reset %s: %w", table, err)
		}
		affected += n
	}
	return affected, nil
}

func scanMetrics(row rowScanner) (core.MetricsRecord, error) {
	var (
		rec         core.MetricsRecord
		avgMillis   float64
		lastRequest sql.NullInt64
		recordedAt  int64
	)
	snap := &rec.Snapshot
	if err := row.Scan(&rec.Marketplace, &snap.TotalRequests, &snap.SuccessfulRequests,
		&snap.FailedRequests, &snap.RateLimitedRequests, &avgMillis, &lastRequest, &recordedAt); err != nil {
		return rec, err
	}
	snap.AvgResponseTime = millisToDuration(avgMillis)
	if lastRequest.Valid {
		snap.LastRequestTime = time.Unix(lastRequest.Int64, 0).UTC()
	}
	rec.RecordedAt = time.Unix(recordedAt, 0).UTC()
	return rec, nil
}

func durationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func millisToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
