package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/marketbridge/marketbridge/internal/errors"
	"github.com/marketbridge/marketbridge/internal/observability"
)

var metricsProxyClient = &http.Client{Timeout: 5 * time.Second}

// hopHeaders are not copied from the exporter response.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func exporterURL() string {
	port := observability.GetMetricsPort()
	if port == 0 {
		port = observability.DefaultMetricsPort
	}
	return fmt.Sprintf("http://127.0.0.1:%d/metrics", port)
}

// MetricsHandler serves the Prometheus exporter output on the control
// port, so one scrape target covers dispatch and HTTP series.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if observability.PrometheusExporter == nil {
		HandleError(w, r, apperrors.Wrap(r.Context(), apperrors.CodeServiceUnavailable, nil, "Metrics exporter not initialized"))
		return
	}

	target := exporterURL()
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		HandleError(w, r, apperrors.WrapInternal(r.Context(), err, "Unable to build exporter request"))
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := metricsProxyClient.Do(req)
	if err != nil {
		HandleError(w, r, apperrors.Wrap(r.Context(), apperrors.CodeExternalService, err, "Prometheus exporter unavailable"))
		return
	}
	defer resp.Body.Close() // nolint:errcheck // read-only proxy body

	for key, values := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && observability.ServerLogger != nil {
		observability.ServerLogger.Warn("Failed to stream exporter output", zap.String("exporter", target), zap.Error(err))
	}
}
