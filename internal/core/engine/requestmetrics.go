package engine

import (
	"sync"
	"time"

	"github.com/marketbridge/marketbridge/internal/core"
)

// RequestMetrics holds live counters for one marketplace.
type RequestMetrics struct {
	mu       sync.Mutex
	snapshot core.MetricsSnapshot
	timed    int64
	clock    func() time.Time
}

// NewRequestMetrics returns zeroed counters. A nil clock uses UTC wall time.
func NewRequestMetrics(clock func() time.Time) *RequestMetrics {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &RequestMetrics{clock: clock}
}

// RecordSuccess counts a successful call.
func (m *RequestMetrics) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.SuccessfulRequests++
	m.observe(latency)
}

// RecordFailure counts a failed call. rateLimited additionally bumps the
// rate-limited counter.
func (m *RequestMetrics) RecordFailure(latency time.Duration, rateLimited bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.FailedRequests++
	if rateLimited {
		m.snapshot.RateLimitedRequests++
	}
	m.observe(latency)
}

// RecordRejected counts a call the breaker refused. It never reached the
// marketplace, so the response time mean is left alone.
func (m *RequestMetrics) RecordRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.FailedRequests++
	m.snapshot.TotalRequests++
	m.snapshot.LastRequestTime = m.clock()
}

// observe updates the running mean over issued calls; the caller holds mu.
func (m *RequestMetrics) observe(latency time.Duration) {
	m.snapshot.TotalRequests++
	m.timed++
	prev := m.snapshot.AvgResponseTime
	m.snapshot.AvgResponseTime = prev + (latency-prev)/time.Duration(m.timed)
	m.snapshot.LastRequestTime = m.clock()
}

// Snapshot returns a copy of the counters.
func (m *RequestMetrics) Snapshot() core.MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Reset zeroes the counters. Only operators call this.
func (m *RequestMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = core.MetricsSnapshot{}
	m.timed = 0
}
