package engine

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a local, in-process admission gate approximating a
// requests/second ceiling with burst tolerance. Reads and grants are
// evaluated at the injected clock's time, never earlier than a previous one.
type TokenBucket struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	clock   func() time.Time
	last    time.Time
}

// NewTokenBucket returns a full bucket. A nil clock uses wall time.
func NewTokenBucket(rps float64, capacity int, clock func() time.Time) *TokenBucket {
	if clock == nil {
		clock = time.Now
	}
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), capacity),
		clock:   clock,
	}
}

// Consume grants n tokens if available. It never blocks.
func (b *TokenBucket) Consume(n int) bool {
	if n <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter.AllowN(b.now(), n)
}

// TimeUntilAvailable estimates the wait before n tokens can be granted
// without reserving them.
func (b *TokenBucket) TimeUntilAvailable(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	missing := float64(n) - b.Tokens()
	if missing <= 0 {
		return 0
	}
	rps := float64(b.limiter.Limit())
	if rps <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(missing / rps * float64(time.Second))
}

// Tokens returns the currently available token count.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter.TokensAt(b.now())
}

// Rate returns the refill rate in tokens per second.
func (b *TokenBucket) Rate() float64 {
	return float64(b.limiter.Limit())
}

// Capacity returns the maximum number of stored tokens.
func (b *TokenBucket) Capacity() int {
	return b.limiter.Burst()
}

// Retune changes rate and capacity in place. Stored tokens carry over,
// capped at the new capacity.
func (b *TokenBucket) Retune(rps float64, capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.limiter.SetLimitAt(now, rate.Limit(rps))
	b.limiter.SetBurstAt(now, capacity)
}

// now reads the clock, holding it at the latest time already seen. The
// caller holds mu.
func (b *TokenBucket) now() time.Time {
	t := b.clock()
	if t.Before(b.last) {
		return b.last
	}
	b.last = t
	return t
}
