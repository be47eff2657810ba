package gateway

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/marketbridge/marketbridge/internal/core"
)

// SimulatedProfile shapes the behavior of a Simulated gateway.
type SimulatedProfile struct {
	Latency time.Duration `json:"latency" yaml:"latency" mapstructure:"latency"`
	// FailureRate is the probability in [0,1] of a 503.
	FailureRate float64 `json:"failure_rate" yaml:"failure_rate" mapstructure:"failure_rate"`
	// RateLimitAfter returns 429 once more than this many calls were made in
	// the current second. Zero disables it.
	RateLimitAfter int           `json:"rate_limit_after" yaml:"rate_limit_after" mapstructure:"rate_limit_after"`
	RetryAfter     time.Duration `json:"retry_after" yaml:"retry_after" mapstructure:"retry_after"`
}

// Simulated is an in-process marketplace stand-in for dry runs and load
// rehearsals. It never touches the network.
type Simulated struct {
	profile SimulatedProfile
	clock   func() time.Time

	mu          sync.Mutex
	rng         *rand.Rand
	windowStart time.Time
	inWindow    int
	calls       int64
}

// NewSimulated returns a simulated gateway.
func NewSimulated(profile SimulatedProfile) *Simulated {
	return &Simulated{
		profile: profile,
		clock:   time.Now,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6d62)),
	}
}

// IssueCall sleeps for the configured latency, then answers.
func (s *Simulated) IssueCall(ctx context.Context, req core.Request) (*core.Response, error) {
	if s.profile.Latency > 0 {
		timer := time.NewTimer(s.profile.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &core.GatewayError{Kind: core.KindTimeout, Message: ctx.Err().Error(), Err: ctx.Err()}
		case <-timer.C:
		}
	}

	s.mu.Lock()
	s.calls++
	now := s.clock()
	if now.Sub(s.windowStart) >= time.Second {
		s.windowStart = now
		s.inWindow = 0
	}
	s.inWindow++
	limited := s.profile.RateLimitAfter > 0 && s.inWindow > s.profile.RateLimitAfter
	failed := !limited && s.profile.FailureRate > 0 && s.rng.Float64() < s.profile.FailureRate
	s.mu.Unlock()

	switch {
	case limited:
		return nil, &core.GatewayError{
			Kind:       core.KindRateLimited,
			StatusCode: 429,
			RetryAfter: s.profile.RetryAfter,
			Message:    "simulated rate limit",
		}
	case failed:
		return nil, &core.GatewayError{Kind: core.KindServerError, StatusCode: 503, Message: "simulated outage"}
	}

	return &core.Response{
		StatusCode: 200,
		Headers:    map[string]string{"content-type": "application/json"},
		Data:       []byte(`{"success":true}`),
		Duration:   s.profile.Latency,
	}, nil
}

// Calls returns how many calls reached the gateway.
func (s *Simulated) Calls() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
