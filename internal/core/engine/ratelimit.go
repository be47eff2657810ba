package engine

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/marketbridge/marketbridge/internal/core"
)

// WindowLimiter enforces per-minute and per-hour ceilings plus the backoff
// window opened by a 429 response. Sub-second smoothing is the token
// bucket's job. Each marketplace's read-modify-write is serialized within
// the process, and across processes when the store is an
// AtomicRateLimitStore.
type WindowLimiter struct {
	Store RateLimitStore
	Clock func() time.Time

	locks sync.Map
}

// RateLimitStore stores window limiter state.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, marketplace string) (*core.RateLimitState, error)
	UpdateRateLimit(ctx context.Context, marketplace string, state *core.RateLimitState) error
}

// AtomicRateLimitStore applies fn to the stored state in one transaction.
// fn receives a non-nil state and reports whether to write it back; it may
// run more than once when the transaction retries.
type AtomicRateLimitStore interface {
	ModifyRateLimit(ctx context.Context, marketplace string, fn func(*core.RateLimitState) bool) error
}

// Allow checks if a request is allowed and returns the wait duration if not.
// It does not count the request; Reserve checks and counts in one step.
func (r *WindowLimiter) Allow(ctx context.Context, marketplace string, cfg core.RateLimitConfig) (bool, time.Duration, error) {
	if r == nil || r.Store == nil {
		return true, 0, nil
	}
	defer r.lock(marketplace)()

	state, err := r.load(ctx, marketplace)
	if err != nil {
		return true, 0, err
	}
	allowed, wait := check(state, cfg, r.now())
	return allowed, wait, nil
}

// Reserve admits and counts one request if both windows have room and no
// backoff is open. A denied reservation leaves the counters untouched.
func (r *WindowLimiter) Reserve(ctx context.Context, marketplace string, cfg core.RateLimitConfig) (bool, time.Duration, error) {
	if r == nil || r.Store == nil {
		return true, 0, nil
	}

	var allowed bool
	var wait time.Duration
	err := r.modify(ctx, marketplace, func(state *core.RateLimitState) bool {
		allowed, wait = check(state, cfg, r.now())
		if !allowed {
			return false
		}
		state.RequestCount++
		state.HourCount++
		return true
	})
	if err != nil {
		return true, 0, err
	}
	return allowed, wait, nil
}

// check rolls state's windows forward to now and reports whether one more
// request fits.
func check(state *core.RateLimitState, cfg core.RateLimitConfig, now time.Time) (bool, time.Duration) {
	if state.BackoffUntil != nil && now.Before(*state.BackoffUntil) {
		return false, state.BackoffUntil.Sub(now)
	}

	rollWindows(state, now)

	if cfg.MaxRequestsPerMinute > 0 && state.RequestCount >= cfg.MaxRequestsPerMinute {
		return false, state.WindowStart.Add(time.Minute).Sub(now)
	}
	if cfg.MaxRequestsPerHour > 0 && state.HourCount >= cfg.MaxRequestsPerHour {
		return false, state.HourStart.Add(time.Hour).Sub(now)
	}
	return true, 0
}

// Record counts one admitted request without checking the limits.
func (r *WindowLimiter) Record(ctx context.Context, marketplace string) error {
	if r == nil || r.Store == nil {
		return nil
	}
	return r.modify(ctx, marketplace, func(state *core.RateLimitState) bool {
		rollWindows(state, r.now())
		state.RequestCount++
		state.HourCount++
		return true
	})
}

// Record429 opens a backoff window after a rate-limited response. A
// server-provided retryAfter wins; otherwise the backoff grows
// exponentially from cfg.BackoffBase up to cfg.MaxBackoff.
func (r *WindowLimiter) Record429(ctx context.Context, marketplace string, cfg core.RateLimitConfig, retryAfter time.Duration) (time.Duration, error) {
	if r == nil || r.Store == nil {
		return 0, nil
	}

	var wait time.Duration
	err := r.modify(ctx, marketplace, func(state *core.RateLimitState) bool {
		now := r.now()
		state.Last429At = &now
		state.Consecutive429++

		wait = retryAfter
		if wait <= 0 {
			wait = backoffFor(cfg, state.Consecutive429)
		}
		if wait > 0 {
			until := now.Add(wait)
			state.BackoffUntil = &until
		}
		return true
	})
	return wait, err
}

// RecordSuccess clears the consecutive 429 streak.
func (r *WindowLimiter) RecordSuccess(ctx context.Context, marketplace string) error {
	if r == nil || r.Store == nil {
		return nil
	}
	return r.modify(ctx, marketplace, func(state *core.RateLimitState) bool {
		if state.Consecutive429 == 0 {
			return false
		}
		state.Consecutive429 = 0
		return true
	})
}

// Reset clears the window counters and any open backoff.
func (r *WindowLimiter) Reset(ctx context.Context, marketplace string) error {
	if r == nil || r.Store == nil {
		return nil
	}
	defer r.lock(marketplace)()
	return r.Store.UpdateRateLimit(ctx, marketplace, &core.RateLimitState{})
}

// modify runs fn over the marketplace's state under its lock and writes the
// result back when fn asks for it.
func (r *WindowLimiter) modify(ctx context.Context, marketplace string, fn func(*core.RateLimitState) bool) error {
	defer r.lock(marketplace)()

	if tx, ok := r.Store.(AtomicRateLimitStore); ok {
		return tx.ModifyRateLimit(ctx, marketplace, fn)
	}

	state, err := r.load(ctx, marketplace)
	if err != nil {
		return err
	}
	if !fn(state) {
		return nil
	}
	return r.Store.UpdateRateLimit(ctx, marketplace, state)
}

// lock takes the marketplace's mutex and returns its release.
func (r *WindowLimiter) lock(marketplace string) func() {
	mu, _ := r.locks.LoadOrStore(strings.TrimSpace(marketplace), &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (r *WindowLimiter) load(ctx context.Context, marketplace string) (*core.RateLimitState, error) {
	state, err := r.Store.GetRateLimit(ctx, marketplace)
	if err != nil {
		return nil, err
	}
	if state == nil {
		now := r.now()
		state = &core.RateLimitState{WindowStart: now, HourStart: now}
	}
	return state, nil
}

func (r *WindowLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func rollWindows(state *core.RateLimitState, now time.Time) {
	if state.WindowStart.IsZero() || !now.Before(state.WindowStart.Add(time.Minute)) {
		state.RequestCount = 0
		state.WindowStart = now
	}
	if state.HourStart.IsZero() || !now.Before(state.HourStart.Add(time.Hour)) {
		state.HourCount = 0
		state.HourStart = now
	}
}

func backoffFor(cfg core.RateLimitConfig, attempt int) time.Duration {
	if cfg.BackoffBase <= 0 || attempt < 1 {
		return 0
	}
	seconds := cfg.BackoffBase * math.Pow(2, float64(attempt-1))
	if cfg.MaxBackoff > 0 && seconds > cfg.MaxBackoff {
		seconds = cfg.MaxBackoff
	}
	return time.Duration(seconds * float64(time.Second))
}

// MemoryRateLimitStore keeps window state in process memory.
type MemoryRateLimitStore struct {
	mu    sync.Mutex
	state map[string]core.RateLimitState
}

// NewMemoryRateLimitStore returns an empty store.
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{state: make(map[string]core.RateLimitState)}
}

func (m *MemoryRateLimitStore) GetRateLimit(ctx context.Context, marketplace string) (*core.RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.state[strings.TrimSpace(marketplace)]
	if !ok {
		return nil, nil
	}
	return &val, nil
}

func (m *MemoryRateLimitStore) UpdateRateLimit(ctx context.Context, marketplace string, state *core.RateLimitState) error {
	if state == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		m.state = make(map[string]core.RateLimitState)
	}
	m.state[strings.TrimSpace(marketplace)] = *state
	return nil
}
