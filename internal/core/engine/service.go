package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marketbridge/marketbridge/internal/core"
)

// Status is the operator view of one marketplace.
type Status struct {
	Name            string               `json:"name"`
	BaseURL         string               `json:"base_url"`
	Priority        int                  `json:"priority"`
	CircuitState    string               `json:"circuit_state"`
	FailureCount    int                  `json:"failure_count"`
	AvailableTokens float64              `json:"available_tokens"`
	SuccessRate     float64              `json:"success_rate"`
	TotalRequests   int64                `json:"total_requests"`
	AvgResponseTime time.Duration        `json:"avg_response_time_ns"`
	QueueDepth      int                  `json:"queue_depth"`
	RateLimit       core.RateLimitConfig `json:"rate_limit"`
	Metrics         core.MetricsSnapshot `json:"metrics"`
	LastHealth      *core.HealthRecord   `json:"last_health,omitempty"`
}

// Severity ranks a recommendation. Lower values sort first.
type Severity int

const (
	SeverityCritical Severity = iota
	SeverityHigh
	SeverityMedium
	SeverityLow
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// MarshalText renders the severity name in JSON and YAML.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Recommendation is one suggested operator action.
type Recommendation struct {
	Marketplace string   `json:"marketplace"`
	Severity    Severity `json:"severity"`
	Issue       string   `json:"issue"`
	Suggestion  string   `json:"suggestion"`
	Score       float64  `json:"score"`
}

// Recommendation thresholds.
const (
	recommendRateLimitedRatio = 0.1
	recommendSuccessRate      = 0.9
	recommendSlowResponse     = 2 * time.Second
)

// SimulationResult summarizes a Simulate run.
type SimulationResult struct {
	Marketplace string        `json:"marketplace"`
	Requested   int           `json:"requested"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	RateLimited int           `json:"rate_limited"`
	CircuitOpen int           `json:"circuit_open"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Errors      []string      `json:"errors,omitempty"`
}

// Service is the control surface over the dispatch core.
type Service struct {
	Dispatcher *Dispatcher
	Health     *HealthChecker
	Optimizer  *Optimizer
	Limiter    *WindowLimiter
}

func (s *Service) registry() *Registry {
	return s.Dispatcher.Registry()
}

// Statuses returns every marketplace status in name order.
func (s *Service) Statuses() []Status {
	all := s.registry().All()
	out := make([]Status, 0, len(all))
	for _, m := range all {
		out = append(out, s.status(m))
	}
	return out
}

// Status returns one marketplace status.
func (s *Service) Status(name string) (Status, error) {
	m, err := s.registry().Lookup(name)
	if err != nil {
		return Status{}, err
	}
	return s.status(m), nil
}

func (s *Service) status(m *Marketplace) Status {
	ep := m.Endpoint()
	snap := m.Metrics.Snapshot()
	st := Status{
		Name:            ep.Name,
		BaseURL:         ep.BaseURL,
		Priority:        ep.Priority,
		CircuitState:    m.Breaker.State().String(),
		FailureCount:    m.Breaker.FailureCount(),
		AvailableTokens: m.Bucket().Tokens(),
		SuccessRate:     snap.SuccessRate(),
		TotalRequests:   snap.TotalRequests,
		AvgResponseTime: snap.AvgResponseTime,
		QueueDepth:      m.Queue.Len(),
		RateLimit:       ep.RateLimit,
		Metrics:         snap,
	}
	if s.Health != nil {
		if rec, ok := s.Health.Last(ep.Name); ok {
			st.LastHealth = &rec
		}
	}
	return st
}

// RateLimit returns the active rate limit for a marketplace.
func (s *Service) RateLimit(name string) (core.RateLimitConfig, error) {
	m, err := s.registry().Lookup(name)
	if err != nil {
		return core.RateLimitConfig{}, err
	}
	return m.RateLimit(), nil
}

// UpdateRateLimit replaces the rate limit and rebuilds the token bucket.
func (s *Service) UpdateRateLimit(name string, cfg core.RateLimitConfig) (core.RateLimitConfig, error) {
	m, err := s.registry().Lookup(name)
	if err != nil {
		return core.RateLimitConfig{}, err
	}
	if err := m.SetRateLimit(cfg); err != nil {
		return core.RateLimitConfig{}, err
	}
	return m.RateLimit(), nil
}

// ResetMetrics zeroes the live counters of a marketplace.
func (s *Service) ResetMetrics(name string) error {
	m, err := s.registry().Lookup(name)
	if err != nil {
		return err
	}
	m.Metrics.Reset()
	return nil
}

// ResetBreaker closes a marketplace's circuit.
func (s *Service) ResetBreaker(name string) error {
	m, err := s.registry().Lookup(name)
	if err != nil {
		return err
	}
	m.Breaker.Reset()
	return nil
}

// ResetBackoff clears window and backoff state kept by the limiter.
func (s *Service) ResetBackoff(ctx context.Context, name string) error {
	if _, err := s.registry().Lookup(name); err != nil {
		return err
	}
	return s.Limiter.Reset(ctx, name)
}

// Simulate enqueues count GET calls against the health path and waits for
// every completion or ctx.
func (s *Service) Simulate(ctx context.Context, name string, count, priority int) (SimulationResult, error) {
	m, err := s.registry().Lookup(name)
	if err != nil {
		return SimulationResult{}, err
	}
	if count <= 0 {
		return SimulationResult{}, fmt.Errorf("simulation count must be positive, got %d", count)
	}

	result := SimulationResult{Marketplace: m.Name(), Requested: count}
	path := m.Endpoint().HealthCheckPath

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < count; i++ {
		wg.Add(1)
		err := s.Dispatcher.Enqueue(core.CallDescriptor{
			Marketplace: m.Name(),
			Method:      core.MethodGet,
			Endpoint:    path,
			Priority:    priority,
			Completion: func(_ *core.Response, callErr error) {
				defer wg.Done()
				mu.Lock()
				defer mu.Unlock()
				tallySimulation(&result, callErr)
			},
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			tallySimulation(&result, err)
			mu.Unlock()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		result.Elapsed = time.Since(start)
		return result, ctx.Err()
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

const maxSimulationErrors = 10

func tallySimulation(result *SimulationResult, err error) {
	switch {
	case err == nil:
		result.Succeeded++
		return
	case core.IsRateLimited(err):
		result.RateLimited++
	case errors.Is(err, core.ErrCircuitOpen):
		result.CircuitOpen++
	}
	result.Failed++
	if len(result.Errors) < maxSimulationErrors {
		result.Errors = append(result.Errors, err.Error())
	}
}

// Bulk runs descs on the dispatcher's bulk pool.
func (s *Service) Bulk(ctx context.Context, descs []core.CallDescriptor) []BulkResult {
	return s.Dispatcher.BulkRequest(ctx, descs)
}

// Recommendations inspects every marketplace and returns suggested actions
// ordered by severity, then by score descending.
func (s *Service) Recommendations() []Recommendation {
	var out []Recommendation
	for _, m := range s.registry().All() {
		out = append(out, recommend(m.Name(), m.Breaker.State(), m.Metrics.Snapshot(), m.RateLimit())...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity < out[j].Severity
		}
		return out[i].Score > out[j].Score
	})
	return out
}

func recommend(name string, state BreakerState, snap core.MetricsSnapshot, cfg core.RateLimitConfig) []Recommendation {
	var out []Recommendation

	if state == StateOpen {
		out = append(out, Recommendation{
			Marketplace: name,
			Severity:    SeverityCritical,
			Issue:       "circuit breaker is open",
			Suggestion:  "check marketplace availability and credentials, then reset the breaker",
			Score:       1,
		})
	}

	if snap.TotalRequests == 0 {
		return out
	}

	if ratio := snap.RateLimitedRatio(); ratio > recommendRateLimitedRatio {
		out = append(out, Recommendation{
			Marketplace: name,
			Severity:    SeverityHigh,
			Issue:       fmt.Sprintf("%.1f%% of requests were rate limited", ratio*100),
			Suggestion:  fmt.Sprintf("lower max_requests_per_second below %.2f", cfg.MaxRequestsPerSecond),
			Score:       ratio,
		})
	}

	if rate := snap.SuccessRate(); rate < recommendSuccessRate {
		out = append(out, Recommendation{
			Marketplace: name,
			Severity:    SeverityMedium,
			Issue:       fmt.Sprintf("success rate is %.1f%%", rate*100),
			Suggestion:  "inspect failing calls and gateway errors",
			Score:       1 - rate,
		})
	}

	if snap.AvgResponseTime > recommendSlowResponse {
		out = append(out, Recommendation{
			Marketplace: name,
			Severity:    SeverityLow,
			Issue:       fmt.Sprintf("average response time is %s", snap.AvgResponseTime.Round(time.Millisecond)),
			Suggestion:  "reduce payload sizes or raise call timeouts",
			Score:       snap.AvgResponseTime.Seconds(),
		})
	}

	return out
}
