package metrics

import (
	"strconv"

	"github.com/marketbridge/marketbridge/internal/observability"
)

// Error series. Control-surface errors carry the envelope code; gateway
// errors carry the failure kind reported by the marketplace adapter.
const (
	ControlErrorsTotal  = "control_errors_total"
	ControlErrorsByPath = "control_errors_by_route_total"
	GatewayErrorsTotal  = "dispatch_gateway_errors_total"
	PanicsTotal         = "panics_total"
)

func inc(name string, labels map[string]string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(name, 1, labels)
}

// RecordError counts an error envelope written by the control surface.
func RecordError(code string, status int) {
	inc(ControlErrorsTotal, map[string]string{
		"error_code":  code,
		"http_status": strconv.Itoa(status),
	})
}

// RecordErrorByEndpoint counts an error envelope against its chi route pattern.
func RecordErrorByEndpoint(route, code string) {
	inc(ControlErrorsByPath, map[string]string{
		"route":      route,
		"error_code": code,
	})
}

// RecordGatewayError counts a failed marketplace call by kind.
func RecordGatewayError(marketplace, kind string) {
	if kind == "" {
		kind = "unknown"
	}
	inc(GatewayErrorsTotal, map[string]string{
		"marketplace": marketplace,
		"kind":        kind,
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	inc(PanicsTotal, nil)
}
