package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/core"
	"github.com/marketbridge/marketbridge/internal/metrics"
)

// MetricsStore persists metrics samples and health records.
type MetricsStore interface {
	Record(ctx context.Context, record core.MetricsRecord) error
	RecordHealth(ctx context.Context, record core.HealthRecord) error
}

// NopMetricsStore discards everything.
type NopMetricsStore struct{}

func (NopMetricsStore) Record(context.Context, core.MetricsRecord) error      { return nil }
func (NopMetricsStore) RecordHealth(context.Context, core.HealthRecord) error { return nil }

const defaultProbeTimeout = 10 * time.Second

// HealthChecker probes each marketplace on its own interval. Probes go
// straight to the gateway, skipping the token bucket and the breaker, so
// recovery is visible while a circuit is open.
type HealthChecker struct {
	Registry     *Registry
	Store        MetricsStore
	Logger       *logging.Logger
	Clock        func() time.Time
	ProbeTimeout time.Duration

	mu   sync.RWMutex
	last map[string]core.HealthRecord
	wg   sync.WaitGroup
}

// Start launches one probe loop per marketplace. Loops exit with ctx.
func (h *HealthChecker) Start(ctx context.Context) {
	for _, m := range h.Registry.All() {
		h.wg.Add(1)
		go h.loop(ctx, m)
	}
}

// Wait blocks until every probe loop has exited.
func (h *HealthChecker) Wait() {
	h.wg.Wait()
}

func (h *HealthChecker) loop(ctx context.Context, m *Marketplace) {
	defer h.wg.Done()

	interval := m.Endpoint().HealthCheckInterval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.check(ctx, m)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.check(ctx, m)
		}
	}
}

// CheckNow probes one marketplace immediately.
func (h *HealthChecker) CheckNow(ctx context.Context, name string) (core.HealthRecord, error) {
	m, err := h.Registry.Lookup(name)
	if err != nil {
		return core.HealthRecord{}, err
	}
	return h.check(ctx, m), nil
}

// Last returns the most recent record for a marketplace.
func (h *HealthChecker) Last(name string) (core.HealthRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.last[name]
	return rec, ok
}

func (h *HealthChecker) check(ctx context.Context, m *Marketplace) core.HealthRecord {
	ep := m.Endpoint()

	timeout := h.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := h.now()
	_, err := safeIssue(probeCtx, m.Gateway, core.Request{Method: core.MethodGet, Endpoint: ep.HealthCheckPath})
	elapsed := h.now().Sub(start)

	rec := core.HealthRecord{
		Marketplace: ep.Name,
		IsHealthy:   err == nil,
		CheckedAt:   h.now().UTC(),
	}
	if err == nil {
		rec.ResponseTime = &elapsed
	} else {
		rec.Error = err.Error()
	}

	h.mu.Lock()
	if h.last == nil {
		h.last = make(map[string]core.HealthRecord)
	}
	h.last[ep.Name] = rec
	h.mu.Unlock()

	metrics.RecordHealthCheck(ep.Name, rec.IsHealthy, elapsed)

	if h.Store != nil {
		if storeErr := h.Store.RecordHealth(ctx, rec); storeErr != nil {
			metrics.RecordPersistenceError("record_health")
			if h.Logger != nil {
				h.Logger.Warn("Failed to persist health record",
					zap.String("marketplace", ep.Name),
					zap.Error(storeErr))
			}
		}
	}

	if h.Logger != nil && !rec.IsHealthy {
		h.Logger.Warn("Marketplace health check failed",
			zap.String("marketplace", ep.Name),
			zap.String("error", rec.Error))
	}

	return rec
}

func (h *HealthChecker) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}
