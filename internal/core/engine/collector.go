package engine

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/core"
	"github.com/marketbridge/marketbridge/internal/metrics"
)

// DefaultCollectInterval is the flush period when none is configured.
const DefaultCollectInterval = 60 * time.Second

// MetricsCollector periodically persists every marketplace's live metrics
// and then gives the optimizer a pass.
type MetricsCollector struct {
	Registry  *Registry
	Store     MetricsStore
	Optimizer *Optimizer
	Interval  time.Duration
	Logger    *logging.Logger
	Clock     func() time.Time
}

// Run flushes on every tick until ctx is done.
func (c *MetricsCollector) Run(ctx context.Context) {
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect performs one flush and optimizer pass.
func (c *MetricsCollector) Collect(ctx context.Context) {
	now := time.Now
	if c.Clock != nil {
		now = c.Clock
	}

	for _, m := range c.Registry.All() {
		name := m.Name()
		metrics.SetCircuitState(name, int(m.Breaker.State()))
		metrics.SetTokensAvailable(name, m.Bucket().Tokens())
		metrics.SetQueueDepth(name, m.Queue.Len())

		if c.Store != nil {
			rec := core.MetricsRecord{
				Marketplace: name,
				Snapshot:    m.Metrics.Snapshot(),
				RecordedAt:  now().UTC(),
			}
			if err := c.Store.Record(ctx, rec); err != nil {
				metrics.RecordPersistenceError("record_metrics")
				if c.Logger != nil {
					c.Logger.Warn("Failed to persist marketplace metrics",
						zap.String("marketplace", name),
						zap.Error(err))
				}
			}
		}

		c.Optimizer.Run(name)
	}
}
