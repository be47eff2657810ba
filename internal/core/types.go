package core

import (
	"fmt"
	"strings"
	"time"
)

// Method is an outbound HTTP verb accepted by the dispatcher.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// ParseMethod validates and normalizes a method string.
func ParseMethod(value string) (Method, error) {
	switch Method(strings.ToUpper(strings.TrimSpace(value))) {
	case MethodGet:
		return MethodGet, nil
	case MethodPost:
		return MethodPost, nil
	case MethodPut:
		return MethodPut, nil
	case MethodDelete:
		return MethodDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, value)
	}
}

// Valid reports whether m is one of the supported methods.
func (m Method) Valid() bool {
	_, err := ParseMethod(string(m))
	return err == nil
}

// RateLimitConfig is an immutable rate limit snapshot for one marketplace.
// It is replaced whole, never patched in place.
type RateLimitConfig struct {
	MaxRequestsPerSecond float64 `json:"max_requests_per_second" yaml:"max_requests_per_second" mapstructure:"max_requests_per_second"`
	MaxRequestsPerMinute int     `json:"max_requests_per_minute" yaml:"max_requests_per_minute" mapstructure:"max_requests_per_minute"`
	MaxRequestsPerHour   int     `json:"max_requests_per_hour" yaml:"max_requests_per_hour" mapstructure:"max_requests_per_hour"`
	BurstAllowance       int     `json:"burst_allowance" yaml:"burst_allowance" mapstructure:"burst_allowance"`
	BackoffBase          float64 `json:"backoff_base" yaml:"backoff_base" mapstructure:"backoff_base"`
	MaxBackoff           float64 `json:"max_backoff" yaml:"max_backoff" mapstructure:"max_backoff"`
}

// Validate checks the config for values the limiters cannot work with.
func (c RateLimitConfig) Validate() error {
	switch {
	case c.MaxRequestsPerSecond <= 0:
		return fmt.Errorf("max_requests_per_second must be positive")
	case c.MaxRequestsPerMinute < 0:
		return fmt.Errorf("max_requests_per_minute must not be negative")
	case c.MaxRequestsPerHour < 0:
		return fmt.Errorf("max_requests_per_hour must not be negative")
	case c.BurstAllowance < 0:
		return fmt.Errorf("burst_allowance must not be negative")
	case c.BackoffBase < 0 || c.MaxBackoff < 0:
		return fmt.Errorf("backoff values must not be negative")
	}
	return nil
}

// BucketCapacity returns the token bucket capacity implied by the config.
func (c RateLimitConfig) BucketCapacity() int {
	if c.BurstAllowance > 0 {
		return c.BurstAllowance
	}
	capacity := int(c.MaxRequestsPerSecond)
	if float64(capacity) < c.MaxRequestsPerSecond {
		capacity++
	}
	if capacity < 1 {
		capacity = 1
	}
	return capacity
}

// MarketplaceEndpoint describes one marketplace integration target.
type MarketplaceEndpoint struct {
	Name                string          `json:"name" yaml:"name"`
	BaseURL             string          `json:"base_url" yaml:"base_url"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Priority            int             `json:"priority" yaml:"priority"`
	HealthCheckInterval time.Duration   `json:"health_check_interval" yaml:"health_check_interval"`
	HealthCheckPath     string          `json:"health_check_path,omitempty" yaml:"health_check_path,omitempty"`
}

// Request is the marketplace-agnostic call handed to a gateway.
type Request struct {
	Method   Method            `json:"method"`
	Endpoint string            `json:"endpoint"`
	Params   map[string]string `json:"params,omitempty"`
	Body     map[string]any    `json:"body,omitempty"`
}

// Response is what a gateway returns for a successful call.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Data       []byte            `json:"data,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// Completion receives the outcome of a dispatched call. Exactly one of the
// arguments is non-nil.
type Completion func(resp *Response, err error)

// CallDescriptor is a single unit of work for the dispatcher.
type CallDescriptor struct {
	ID          string
	Marketplace string
	Method      Method
	Endpoint    string
	Params      map[string]string
	Body        map[string]any
	Priority    int
	EnqueuedAt  time.Time
	Completion  Completion
}

// Request converts the descriptor into a gateway request.
func (d CallDescriptor) Request() Request {
	return Request{
		Method:   d.Method,
		Endpoint: d.Endpoint,
		Params:   d.Params,
		Body:     d.Body,
	}
}

// MetricsSnapshot is a point-in-time copy of a marketplace's request counters.
type MetricsSnapshot struct {
	TotalRequests       int64         `json:"total_requests"`
	SuccessfulRequests  int64         `json:"successful_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	RateLimitedRequests int64         `json:"rate_limited_requests"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	LastRequestTime     time.Time     `json:"last_request_time"`
}

// SuccessRate returns successful/total, or 0 when nothing completed yet.
func (s MetricsSnapshot) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests)
}

// RateLimitedRatio returns rate_limited/total, or 0 when nothing completed yet.
func (s MetricsSnapshot) RateLimitedRatio() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.RateLimitedRequests) / float64(s.TotalRequests)
}

// MetricsRecord is a persisted metrics sample.
type MetricsRecord struct {
	Marketplace string          `json:"marketplace"`
	Snapshot    MetricsSnapshot `json:"snapshot"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// HealthRecord is one health probe outcome.
type HealthRecord struct {
	Marketplace  string         `json:"marketplace"`
	IsHealthy    bool           `json:"is_healthy"`
	ResponseTime *time.Duration `json:"response_time,omitempty"`
	Error        string         `json:"error,omitempty"`
	CheckedAt    time.Time      `json:"checked_at"`
}
