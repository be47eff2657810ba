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

const rateLimitColumns = `request_count, window_start, hour_count, hour_start, backoff_until, last_429_at, consecutive_429`

// GetRateLimit returns stored window limiter state for a marketplace.
func (s *Store) GetRateLimit(ctx context.Context, marketplace string) (*core.RateLimitState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	marketplace = strings.TrimSpace(marketplace)
	if marketplace == "" {
		return nil, errors.New("marketplace is required")
	}
	return getRateLimit(ctx, s.DB, marketplace)
}

// UpdateRateLimit persists window limiter state for a marketplace.
func (s *Store) UpdateRateLimit(ctx context.Context, marketplace string, state *core.RateLimitState) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	marketplace = strings.TrimSpace(marketplace)
	if marketplace == "" {
		return errors.New("marketplace is required")
	}
	if state == nil {
		return errors.New("rate limit state is required")
	}
	return putRateLimit(ctx, s.DB, marketplace, state)
}

// ModifyRateLimit reads, applies fn and writes back the marketplace's state
// inside one transaction. A missing row reaches fn as zero state.
func (s *Store) ModifyRateLimit(ctx context.Context, marketplace string, fn func(*core.RateLimitState) bool) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	marketplace = strings.TrimSpace(marketplace)
	if marketplace == "" {
		return errors.New("marketplace is required")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rate limit update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	state, err := getRateLimit(ctx, tx, marketplace)
	if err != nil {
		return err
	}
	if state == nil {
		state = &core.RateLimitState{}
	}
	if !fn(state) {
		return nil
	}
	if err := putRateLimit(ctx, tx, marketplace, state); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rate limit update: %w", err)
	}
	return nil
}

// sqlRunner is satisfied by *sql.DB and *sql.Tx.
type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRateLimit(ctx context.Context, db sqlRunner, marketplace string) (*core.RateLimitState, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+rateLimitColumns+`
		FROM rate_limits
		WHERE marketplace = ?
	`, marketplace)

	state, err := scanRateLimit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}
	return state, nil
}

func putRateLimit(ctx context.Context, db sqlRunner, marketplace string, state *core.RateLimitState) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO rate_limits (marketplace, `+rateLimitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(marketplace) DO UPDATE SET
			request_count = excluded.request_count,
			window_start = excluded.window_start,
			hour_count = excluded.hour_count,
			hour_start = excluded.hour_start,
			backoff_until = excluded.backoff_until,
			last_429_at = excluded.last_429_at,
			consecutive_429 = excluded.consecutive_429
	`, marketplace,
		state.RequestCount, unixOrZero(state.WindowStart),
		state.HourCount, unixOrZero(state.HourStart),
		nullUnix(state.BackoffUntil), nullUnix(state.Last429At),
		state.Consecutive429)
	if err != nil {
		return fmt.Errorf("store rate limit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRateLimit(row rowScanner, prefix ...any) (*core.RateLimitState, error) {
	var (
		requestCount   int
		windowStart    int64
		hourCount      int
		hourStart      int64
		backoffUntil   sql.NullInt64
		last429At      sql.NullInt64
		consecutive429 int
	)

	dest := append(prefix, &requestCount, &windowStart, &hourCount, &hourStart, &backoffUntil, &last429At, &consecutive429)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	state := &core.RateLimitState{
		RequestCount:   requestCount,
		WindowStart:    fromUnix(windowStart),
		HourCount:      hourCount,
		HourStart:      fromUnix(hourStart),
		Consecutive429: consecutive429,
	}
	if backoffUntil.Valid {
		value := time.Unix(backoffUntil.Int64, 0).UTC()
		state.BackoffUntil = &value
	}
	if last429At.Valid {
		value := time.Unix(last429At.Int64, 0).UTC()
		state.Last429At = &value
	}
	return state, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}
