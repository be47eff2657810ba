package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/telemetry/exporters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketbridge/marketbridge/internal/observability"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func stubExporter(t *testing.T, transport http.RoundTripper) {
	t.Helper()
	prevClient, prevExporter := metricsProxyClient, observability.PrometheusExporter
	metricsProxyClient = &http.Client{Transport: transport}
	observability.PrometheusExporter = exporters.NewPrometheusExporter("test", ":9090")
	t.Cleanup(func() {
		metricsProxyClient = prevClient
		observability.PrometheusExporter = prevExporter
	})
}

func TestMetricsHandlerStreamsExporterOutput(t *testing.T) {
	var seenAccept string
	stubExporter(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		seenAccept = req.Header.Get("Accept")
		resp := &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("dispatch_requests_total{marketplace=\"coupang\",outcome=\"success\"} 3\n")),
		}
		resp.Header.Set("Content-Type", "text/plain; version=0.0.4")
		resp.Header.Set("Connection", "close")
		return resp, nil
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "text/plain")
	rec := httptest.NewRecorder()
	MetricsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", seenAccept)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Contains(t, rec.Body.String(), `dispatch_requests_total{marketplace="coupang"`)
}

func TestMetricsHandlerExporterDown(t *testing.T) {
	stubExporter(t, roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, io.ErrUnexpectedEOF
	}))

	rec := httptest.NewRecorder()
	MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMetricsHandlerWithoutExporter(t *testing.T) {
	prev := observability.PrometheusExporter
	observability.PrometheusExporter = nil
	t.Cleanup(func() { observability.PrometheusExporter = prev })

	rec := httptest.NewRecorder()
	MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
}
