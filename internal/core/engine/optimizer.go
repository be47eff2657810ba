package engine

import (
	"math"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/metrics"
)

// Optimizer defaults.
const (
	DefaultOptimizerMinRequests = 100
	DefaultOptimizerThreshold   = 0.1
	DefaultOptimizerFactor      = 0.8
	DefaultOptimizerFloor       = 1.0
)

// Optimizer lowers a marketplace's per-second rate when too many calls are
// answered with 429. It never raises a rate.
type Optimizer struct {
	Registry    *Registry
	Enabled     bool
	MinRequests int64
	Threshold   float64
	Factor      float64
	Floor       float64
	Logger      *logging.Logger
}

// NewOptimizer returns an enabled optimizer with default thresholds.
func NewOptimizer(reg *Registry) *Optimizer {
	return &Optimizer{
		Registry:    reg,
		Enabled:     true,
		MinRequests: DefaultOptimizerMinRequests,
		Threshold:   DefaultOptimizerThreshold,
		Factor:      DefaultOptimizerFactor,
		Floor:       DefaultOptimizerFloor,
	}
}

// Run evaluates one marketplace and reports whether its rate changed.
func (o *Optimizer) Run(name string) bool {
	if o == nil || !o.Enabled {
		return false
	}
	m, ok := o.Registry.Get(name)
	if !ok {
		return false
	}

	snap := m.Metrics.Snapshot()
	minRequests := o.MinRequests
	if minRequests <= 0 {
		minRequests = DefaultOptimizerMinRequests
	}
	if snap.TotalRequests < minRequests {
		return false
	}
	if snap.RateLimitedRatio() <= o.threshold() {
		return false
	}

	current := m.RateLimit().MaxRequestsPerSecond
	next := math.Max(o.floor(), current*o.factor())
	if next >= current {
		return false
	}

	m.setRate(next)
	metrics.RecordRateAdjustment(name)
	if o.Logger != nil {
		o.Logger.Info("Lowered marketplace rate limit",
			zap.String("marketplace", name),
			zap.Float64("from_rps", current),
			zap.Float64("to_rps", next),
			zap.Float64("rate_limited_ratio", snap.RateLimitedRatio()))
	}
	return true
}

// RunAll evaluates every marketplace and returns the names that changed.
func (o *Optimizer) RunAll() []string {
	if o == nil {
		return nil
	}
	var changed []string
	for _, name := range o.Registry.Names() {
		if o.Run(name) {
			changed = append(changed, name)
		}
	}
	return changed
}

func (o *Optimizer) threshold() float64 {
	if o.Threshold <= 0 {
		return DefaultOptimizerThreshold
	}
	return o.Threshold
}

func (o *Optimizer) factor() float64 {
	if o.Factor <= 0 || o.Factor >= 1 {
		return DefaultOptimizerFactor
	}
	return o.Factor
}

func (o *Optimizer) floor() float64 {
	if o.Floor <= 0 {
		return DefaultOptimizerFloor
	}
	return o.Floor
}
