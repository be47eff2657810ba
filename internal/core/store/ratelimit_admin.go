package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketbridge/marketbridge/internal/core"
)

// RateLimitEntry is the persisted window limiter state of one marketplace.
type RateLimitEntry struct {
	Marketplace string              `json:"marketplace"`
	State       core.RateLimitState `json:"state"`
}

// RateLimitQuery selects rate_limits rows. Exactly one selector is honored,
// checked in the order All, Marketplace, Prefix.
type RateLimitQuery struct {
	All         bool
	Marketplace string
	Prefix      string
}

var errNoSelector = errors.New("must specify --all, --marketplace, or --prefix")

func (q RateLimitQuery) Validate() error {
	_, _, err := q.filter()
	return err
}

func (q RateLimitQuery) filter() (string, []any, error) {
	switch {
	case q.All:
		return "", nil, nil
	case strings.TrimSpace(q.Marketplace) != "":
		return " WHERE marketplace = ?", []any{strings.TrimSpace(q.Marketplace)}, nil
	case strings.TrimSpace(q.Prefix) != "":
		// LIKE wildcards in the prefix are matched literally.
		escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.TrimSpace(q.Prefix))
		return ` WHERE marketplace LIKE ? ESCAPE '\'`, []any{escaped + "%"}, nil
	default:
		return "", nil, errNoSelector
	}
}

// scoped checks the receiver and builds the statement for q.
func (s *Store) scoped(ctx context.Context, q RateLimitQuery, head, tail string) (context.Context, string, []any, error) {
	if s == nil || s.DB == nil {
		return ctx, "", nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	where, args, err := q.filter()
	if err != nil {
		return ctx, "", nil, err
	}
	return ctx, head + " FROM rate_limits" + where + tail, args, nil
}

// ListRateLimits returns matching entries ordered by marketplace.
func (s *Store) ListRateLimits(ctx context.Context, q RateLimitQuery) ([]RateLimitEntry, error) {
	ctx, stmt, args, err := s.scoped(ctx, q, "SELECT marketplace, "+rateLimitColumns, " ORDER BY marketplace")
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []RateLimitEntry{}
	for rows.Next() {
		var entry RateLimitEntry
		state, err := scanRateLimit(rows, &entry.Marketplace)
		if err != nil {
			return nil, fmt.Errorf("scan rate limits: %w", err)
		}
		entry.State = *state
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	return entries, nil
}

// CountRateLimits reports how many entries a reset with q would delete.
func (s *Store) CountRateLimits(ctx context.Context, q RateLimitQuery) (int, error) {
	ctx, stmt, args, err := s.scoped(ctx, q, "SELECT COUNT(*)", "")
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, stmt, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rate limits: %w", err)
	}
	return count, nil
}

// ResetRateLimits deletes matching entries, clearing window counters and
// backoff for those marketplaces.
func (s *Store) ResetRateLimits(ctx context.Context, q RateLimitQuery) (int64, error) {
	ctx, stmt, args, err := s.scoped(ctx, q, "DELETE", "")
	if err != nil {
		return 0, err
	}
	result, err := s.DB.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}
	return affected, nil
}

// RateLimitUsage joins a marketplace's configured limits with its persisted
// window counters.
type RateLimitUsage struct {
	Marketplace  string     `json:"marketplace"`
	PerSecond    float64    `json:"max_requests_per_second"`
	Burst        int        `json:"burst_allowance"`
	MinuteUsed   int        `json:"minute_used"`
	MinuteLimit  int        `json:"minute_limit"`
	HourUsed     int        `json:"hour_used"`
	HourLimit    int        `json:"hour_limit"`
	BackoffUntil *time.Time `json:"backoff_until,omitempty"`
	Recent429s   int        `json:"consecutive_429"`
}

// UsageOf builds the usage view for one marketplace. Windows that have
// rolled over by now read as unused, and so does an expired backoff.
func UsageOf(marketplace string, cfg core.RateLimitConfig, state *core.RateLimitState, now time.Time) RateLimitUsage {
	u := RateLimitUsage{
		Marketplace: marketplace,
		PerSecond:   cfg.MaxRequestsPerSecond,
		Burst:       cfg.BurstAllowance,
		MinuteLimit: cfg.MaxRequestsPerMinute,
		HourLimit:   cfg.MaxRequestsPerHour,
	}
	if state == nil {
		return u
	}
	if now.Sub(state.WindowStart) < time.Minute {
		u.MinuteUsed = state.RequestCount
	}
	if now.Sub(state.HourStart) < time.Hour {
		u.HourUsed = state.HourCount
	}
	if state.BackoffUntil != nil && state.BackoffUntil.After(now) {
		u.BackoffUntil = state.BackoffUntil
	}
	u.Recent429s = state.Consecutive429
	return u
}
