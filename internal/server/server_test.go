package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketbridge/marketbridge/internal/config"
	"github.com/marketbridge/marketbridge/internal/core"
	"github.com/marketbridge/marketbridge/internal/core/engine"
	apperrors "github.com/marketbridge/marketbridge/internal/errors"
)

func newEngineService(t *testing.T) *engine.Service {
	t.Helper()

	gw := engine.GatewayFunc(func(ctx context.Context, req core.Request) (*core.Response, error) {
		return &core.Response{StatusCode: http.StatusOK, Data: []byte(`{"ok":true}`)}, nil
	})
	reg, err := engine.NewRegistry([]core.MarketplaceEndpoint{{
		Name:            "coupang",
		BaseURL:         "https://api.coupang.test",
		HealthCheckPath: "/ping",
		RateLimit:       core.RateLimitConfig{MaxRequestsPerSecond: 100, BurstAllowance: 100},
	}}, func(core.MarketplaceEndpoint) (engine.Gateway, error) { return gw, nil }, engine.RegistryOptions{})
	require.NoError(t, err)

	d := engine.NewDispatcher(reg, engine.DispatcherOptions{BulkTimeout: time.Second})
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	return &engine.Service{
		Dispatcher: d,
		Health:     &engine.HealthChecker{Registry: reg},
		Optimizer:  engine.NewOptimizer(reg),
	}
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New(config.ServerConfig{Host: "127.0.0.1"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	var body apperrors.HTTPErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected error code NOT_FOUND, got %s", body.Error.Code)
	}
}

func TestServerWithoutServiceOmitsAPI(t *testing.T) {
	srv := New(config.ServerConfig{}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/marketplaces", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerRoutesToEngine(t *testing.T) {
	srv := New(config.ServerConfig{}, newEngineService(t))
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/marketplaces/coupang", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var status engine.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, "coupang", status.Name)
	require.Equal(t, "closed", status.CircuitState)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/marketplaces/coupang/simulate",
		strings.NewReader(`{"count": 4}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var result engine.SimulationResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.Equal(t, 4, result.Succeeded)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/bulk",
		strings.NewReader(`{"requests": [{"marketplace": "coupang", "endpoint": "/v2/orders"}, {"marketplace": "amazon", "endpoint": "/"}]}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown marketplace")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/marketplaces/coupang/simulate", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
