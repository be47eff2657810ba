package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marketbridge/marketbridge/internal/core"
)

// Gateway issues calls against one marketplace API.
type Gateway interface {
	IssueCall(ctx context.Context, req core.Request) (*core.Response, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req core.Request) (*core.Response, error)

// IssueCall calls f.
func (f GatewayFunc) IssueCall(ctx context.Context, req core.Request) (*core.Response, error) {
	return f(ctx, req)
}

// GatewayFactory builds the gateway for an endpoint.
type GatewayFactory func(endpoint core.MarketplaceEndpoint) (Gateway, error)

// BreakerSettings configures the per-marketplace circuit breakers.
type BreakerSettings struct {
	FailureThreshold int
	Timeout          time.Duration
}

// DefaultBreakerSettings mirrors the stock marketplace breaker.
var DefaultBreakerSettings = BreakerSettings{FailureThreshold: 5, Timeout: 60 * time.Second}

// DefaultHealthCheckInterval applies when an endpoint leaves it unset.
const DefaultHealthCheckInterval = 300 * time.Second

// Marketplace bundles the per-marketplace admission and accounting state.
type Marketplace struct {
	mu       sync.RWMutex
	endpoint core.MarketplaceEndpoint
	bucket   *TokenBucket

	Breaker *CircuitBreaker
	Metrics *RequestMetrics
	Queue   *PriorityQueue
	Gateway Gateway
}

// Name returns the marketplace key.
func (m *Marketplace) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoint.Name
}

// Endpoint returns a copy of the endpoint description.
func (m *Marketplace) Endpoint() core.MarketplaceEndpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoint
}

// RateLimit returns the active rate limit snapshot.
func (m *Marketplace) RateLimit() core.RateLimitConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoint.RateLimit
}

// Bucket returns the marketplace token bucket.
func (m *Marketplace) Bucket() *TokenBucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bucket
}

// SetRateLimit replaces the whole rate limit and retunes the bucket.
func (m *Marketplace) SetRateLimit(cfg core.RateLimitConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoint.RateLimit = cfg
	m.bucket.Retune(cfg.MaxRequestsPerSecond, cfg.BucketCapacity())
	return nil
}

// setRate swaps in a new per-second rate, keeping the bucket capacity.
func (m *Marketplace) setRate(rate float64) core.RateLimitConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.endpoint.RateLimit
	cfg.MaxRequestsPerSecond = rate
	m.endpoint.RateLimit = cfg
	m.bucket.Retune(rate, m.bucket.Capacity())
	return cfg
}

// Registry owns one Marketplace bundle per name.
type Registry struct {
	byName map[string]*Marketplace
	names  []string
}

// RegistryOptions tunes registry construction.
type RegistryOptions struct {
	Breaker BreakerSettings
	Clock   func() time.Time
}

// NewRegistry builds the bundles for endpoints using factory for gateways.
func NewRegistry(endpoints []core.MarketplaceEndpoint, factory GatewayFactory, opts RegistryOptions) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("gateway factory is required")
	}
	if opts.Breaker.FailureThreshold <= 0 {
		opts.Breaker.FailureThreshold = DefaultBreakerSettings.FailureThreshold
	}
	if opts.Breaker.Timeout <= 0 {
		opts.Breaker.Timeout = DefaultBreakerSettings.Timeout
	}

	reg := &Registry{byName: make(map[string]*Marketplace, len(endpoints))}
	for _, ep := range endpoints {
		ep.Name = strings.TrimSpace(ep.Name)
		if ep.Name == "" {
			return nil, errors.New("marketplace name is required")
		}
		if _, exists := reg.byName[ep.Name]; exists {
			return nil, fmt.Errorf("duplicate marketplace %q", ep.Name)
		}
		if err := ep.RateLimit.Validate(); err != nil {
			return nil, fmt.Errorf("marketplace %q: %w", ep.Name, err)
		}
		if ep.HealthCheckInterval <= 0 {
			ep.HealthCheckInterval = DefaultHealthCheckInterval
		}
		if strings.TrimSpace(ep.HealthCheckPath) == "" {
			ep.HealthCheckPath = "/"
		}

		gw, err := factory(ep)
		if err != nil {
			return nil, fmt.Errorf("marketplace %q gateway: %w", ep.Name, err)
		}
		if gw == nil {
			return nil, fmt.Errorf("marketplace %q gateway is nil", ep.Name)
		}

		reg.byName[ep.Name] = &Marketplace{
			endpoint: ep,
			bucket:   NewTokenBucket(ep.RateLimit.MaxRequestsPerSecond, ep.RateLimit.BucketCapacity(), opts.Clock),
			Breaker:  NewCircuitBreaker(opts.Breaker.FailureThreshold, opts.Breaker.Timeout, opts.Clock),
			Metrics:  NewRequestMetrics(opts.Clock),
			Queue:    NewPriorityQueue(),
			Gateway:  gw,
		}
		reg.names = append(reg.names, ep.Name)
	}
	sort.Strings(reg.names)

	return reg, nil
}

// Get returns the bundle for name.
func (r *Registry) Get(name string) (*Marketplace, bool) {
	if r == nil {
		return nil, false
	}
	m, ok := r.byName[strings.TrimSpace(name)]
	return m, ok
}

// Lookup is Get with a typed error.
func (r *Registry) Lookup(name string) (*Marketplace, error) {
	m, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownMarketplace, name)
	}
	return m, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// All returns the bundles in name order.
func (r *Registry) All() []*Marketplace {
	if r == nil {
		return nil
	}
	out := make([]*Marketplace, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.byName[name])
	}
	return out
}
