package metrics

import (
	"time"

	"github.com/marketbridge/marketbridge/internal/observability"
)

// Dispatch, optimizer and health series. Every dispatch series carries a
// marketplace label.
const (
	DispatchTotal    = "dispatch_requests_total"
	DispatchDuration = "dispatch_request_duration_ms"
	QueueDepth       = "dispatch_queue_depth"
	TokensAvailable  = "dispatch_tokens_available"
	CircuitState     = "dispatch_circuit_state"
	RateAdjustments  = "dispatch_rate_adjustments_total"

	HealthProbesTotal    = "marketplace_health_probes_total"
	HealthProbeDuration  = "marketplace_health_probe_duration_ms"
	PersistenceErrors    = "persistence_errors_total"
	ServerStartTimestamp = "server_start_time_seconds"
)

func gauge(name string, value float64, labels map[string]string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Gauge(name, value, labels)
}

func observe(name string, d time.Duration, labels map[string]string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Histogram(name, d, labels)
}

func market(name string) map[string]string {
	return map[string]string{"marketplace": name}
}

// RecordDispatch records one completed marketplace call. outcome is one of
// success, failure, rate_limited or circuit_open.
func RecordDispatch(marketplace, outcome string, duration time.Duration) {
	inc(DispatchTotal, map[string]string{"marketplace": marketplace, "outcome": outcome})
	observe(DispatchDuration, duration, market(marketplace))
}

func SetQueueDepth(marketplace string, depth int) {
	gauge(QueueDepth, float64(depth), market(marketplace))
}

func SetTokensAvailable(marketplace string, tokens float64) {
	gauge(TokensAvailable, tokens, market(marketplace))
}

// SetCircuitState records the breaker position: 0 closed, 1 open, 2 half-open.
func SetCircuitState(marketplace string, state int) {
	gauge(CircuitState, float64(state), market(marketplace))
}

// RecordRateAdjustment counts an optimizer rate decrease.
func RecordRateAdjustment(marketplace string) {
	inc(RateAdjustments, market(marketplace))
}

// RecordHealthCheck counts one marketplace health probe and its latency.
func RecordHealthCheck(marketplace string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	inc(HealthProbesTotal, map[string]string{"marketplace": marketplace, "status": status})
	observe(HealthProbeDuration, duration, market(marketplace))
}

// RecordPersistenceError counts a store failure that was logged and dropped.
func RecordPersistenceError(operation string) {
	inc(PersistenceErrors, map[string]string{"operation": operation})
}

// SetServerStartTime records when serve began accepting traffic.
func SetServerStartTime(at time.Time) {
	gauge(ServerStartTimestamp, float64(at.Unix()), nil)
}
