package observability

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
)

// DefaultMetricsPort is used when the exporter address cannot be resolved.
const DefaultMetricsPort = 9090

var (
	// TelemetrySystem is the global telemetry system. Nil means metrics are off.
	TelemetrySystem *telemetry.System

	// PrometheusExporter serves the dispatch metrics in Prometheus format.
	PrometheusExporter *exporters.PrometheusExporter

	metricsPort int
)

// InitMetrics starts a Prometheus exporter on port (0 picks a free port)
// and installs a telemetry system that emits to it. Every metric is
// prefixed with namespace.
func InitMetrics(namespace string, port int) error {
	if namespace == "" {
		return errors.New("metrics namespace is required")
	}
	if port < 0 {
		port = 0
	}
	metricsPort = port

	exporter := exporters.NewPrometheusExporter(namespace, fmt.Sprintf(":%d", port))
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start prometheus exporter: %w", err)
	}

	if actual, err := resolvePort(exporter.GetAddr()); err == nil {
		metricsPort = actual
	} else if port == 0 {
		metricsPort = DefaultMetricsPort
	}

	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: exporter,
	})
	if err != nil {
		return fmt.Errorf("create telemetry system: %w", err)
	}

	PrometheusExporter = exporter
	TelemetrySystem = sys
	return nil
}

// DisableMetrics installs a disabled global telemetry system so library
// code that emits through gofulmen stays quiet on the CLI.
func DisableMetrics() {
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}
}

// GetMetricsPort returns the port the Prometheus exporter is listening on.
func GetMetricsPort() int {
	return metricsPort
}

func resolvePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
