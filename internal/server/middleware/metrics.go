package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/observability"
)

// statusRecorder captures the status code and body size a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	n, err := s.ResponseWriter.Write(b)
	s.written += int64(n)
	return n, err
}

// getEndpointPattern returns the chi route pattern, or a coarse bucket when
// the request did not go through a chi router. Raw paths never become
// label values.
func getEndpointPattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/health"):
		return "/health/*"
	case path == "/", path == "/version", path == "/metrics",
		path == "/v1/marketplaces", path == "/v1/bulk", path == "/v1/recommendations":
		return path
	case strings.HasPrefix(path, "/v1/marketplaces/"):
		return "/v1/marketplaces/{name}/*"
	default:
		return "/unknown"
	}
}

func errorClass(status int) string {
	if status >= 500 {
		return "server_error"
	}
	return "client_error"
}

// RequestMetrics emits request count, latency and size series for every
// control API call. Marketplace names are bounded by configuration and
// are safe as a label.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tel := observability.TelemetrySystem
		if tel == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		endpoint := getEndpointPattern(r)
		marketplace := chi.URLParam(r, "name")
		status := strconv.Itoa(rec.status)
		requestSize := r.ContentLength
		if requestSize < 0 {
			requestSize = 0
		}

		labels := map[string]string{"method": r.Method, "endpoint": endpoint, "status": status}
		if marketplace != "" {
			labels["marketplace"] = marketplace
		}
		sizeLabels := map[string]string{"method": r.Method, "endpoint": endpoint}

		_ = tel.Counter("http_requests_total", 1, labels)
		_ = tel.Histogram("http_request_duration_ms", elapsed, labels)
		_ = tel.Gauge("http_request_size_bytes", float64(requestSize), sizeLabels)
		_ = tel.Gauge("http_response_size_bytes", float64(rec.written), sizeLabels)
		if rec.status >= 400 {
			_ = tel.Counter("http_errors_total", 1, map[string]string{
				"method":     r.Method,
				"endpoint":   endpoint,
				"status":     status,
				"error_type": errorClass(rec.status),
			})
		}

		logger := observability.ServerLogger
		if logger == nil {
			return
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("endpoint", endpoint),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
			zap.Int64("response_size", rec.written),
			zap.String("request_id", GetRequestID(r.Context())),
		}
		if marketplace != "" {
			fields = append(fields, zap.String("marketplace", marketplace))
		}
		// Probes and scrapes arrive every few seconds.
		if strings.HasPrefix(endpoint, "/health") || endpoint == "/metrics" {
			logger.Debug("HTTP request completed", fields...)
			return
		}
		logger.Info("HTTP request completed", fields...)
	})
}
