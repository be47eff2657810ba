package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketbridge/marketbridge/internal/core"
	"github.com/marketbridge/marketbridge/internal/core/engine"
	apperrors "github.com/marketbridge/marketbridge/internal/errors"
)

type fakeControl struct {
	rateLimits map[string]core.RateLimitConfig
	resets     []string
	simulated  []int
	bulk       []core.CallDescriptor
	recs       []engine.Recommendation
}

func newFakeControl() *fakeControl {
	return &fakeControl{rateLimits: map[string]core.RateLimitConfig{
		"coupang": {MaxRequestsPerSecond: 10, BurstAllowance: 20},
	}}
}

func (f *fakeControl) lookup(name string) error {
	if _, ok := f.rateLimits[name]; !ok {
		return fmt.Errorf("%w: %q", core.ErrUnknownMarketplace, name)
	}
	return nil
}

func (f *fakeControl) Statuses() []engine.Status {
	return []engine.Status{{Name: "coupang", CircuitState: "closed"}}
}

func (f *fakeControl) Status(name string) (engine.Status, error) {
	if err := f.lookup(name); err != nil {
		return engine.Status{}, err
	}
	return engine.Status{Name: name, CircuitState: "closed", RateLimit: f.rateLimits[name]}, nil
}

func (f *fakeControl) RateLimit(name string) (core.RateLimitConfig, error) {
	if err := f.lookup(name); err != nil {
		return core.RateLimitConfig{}, err
	}
	return f.rateLimits[name], nil
}

func (f *fakeControl) UpdateRateLimit(name string, cfg core.RateLimitConfig) (core.RateLimitConfig, error) {
	if err := f.lookup(name); err != nil {
		return core.RateLimitConfig{}, err
	}
	f.rateLimits[name] = cfg
	return cfg, nil
}

func (f *fakeControl) Simulate(_ context.Context, name string, count, _ int) (engine.SimulationResult, error) {
	if err := f.lookup(name); err != nil {
		return engine.SimulationResult{}, err
	}
	f.simulated = append(f.simulated, count)
	return engine.SimulationResult{Marketplace: name, Requested: count, Succeeded: count}, nil
}

func (f *fakeControl) ResetBreaker(name string) error {
	if err := f.lookup(name); err != nil {
		return err
	}
	f.resets = append(f.resets, "breaker:"+name)
	return nil
}

func (f *fakeControl) ResetMetrics(name string) error {
	if err := f.lookup(name); err != nil {
		return err
	}
	f.resets = append(f.resets, "metrics:"+name)
	return nil
}

func (f *fakeControl) ResetBackoff(_ context.Context, name string) error {
	if err := f.lookup(name); err != nil {
		return err
	}
	f.resets = append(f.resets, "backoff:"+name)
	return nil
}

func (f *fakeControl) Recommendations() []engine.Recommendation {
	return f.recs
}

func (f *fakeControl) Bulk(_ context.Context, descs []core.CallDescriptor) []engine.BulkResult {
	f.bulk = descs
	out := make([]engine.BulkResult, len(descs))
	for i, d := range descs {
		out[i] = engine.BulkResult{Marketplace: d.Marketplace, Endpoint: d.Endpoint}
		if d.Marketplace != "coupang" {
			out[i].Error = core.ErrUnknownMarketplace.Error()
		}
	}
	return out
}

func newAPI(t *testing.T, svc ControlService) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/v1", NewMarketplaceHandler(svc).Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestListMarketplaces(t *testing.T) {
	h := newAPI(t, newFakeControl())

	rec := do(t, h, http.MethodGet, "/v1/marketplaces", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body MarketplaceList
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Marketplaces, 1)
	assert.Equal(t, "coupang", body.Marketplaces[0].Name)
}

func TestGetMarketplaceUnknownIs404(t *testing.T) {
	h := newAPI(t, newFakeControl())

	rec := do(t, h, http.MethodGet, "/v1/marketplaces/amazon", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, errorCode(t, rec))
}

func TestPutRateLimit(t *testing.T) {
	svc := newFakeControl()
	h := newAPI(t, svc)

	rec := do(t, h, http.MethodPut, "/v1/marketplaces/coupang/rate-limit",
		`{"max_requests_per_second": 4, "burst_allowance": 8}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4.0, svc.rateLimits["coupang"].MaxRequestsPerSecond)

	rec = do(t, h, http.MethodGet, "/v1/marketplaces/coupang/rate-limit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg core.RateLimitConfig
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cfg))
	assert.Equal(t, 8, cfg.BurstAllowance)
}

func TestPutRateLimitRejectsInvalid(t *testing.T) {
	svc := newFakeControl()
	h := newAPI(t, svc)

	rec := do(t, h, http.MethodPut, "/v1/marketplaces/coupang/rate-limit", `{"max_requests_per_second": 0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeValidationFailed, errorCode(t, rec))

	rec = do(t, h, http.MethodPut, "/v1/marketplaces/coupang/rate-limit", `{"rps": 3}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeInvalidInput, errorCode(t, rec))

	assert.Equal(t, 10.0, svc.rateLimits["coupang"].MaxRequestsPerSecond)
}

func TestSimulate(t *testing.T) {
	svc := newFakeControl()
	h := newAPI(t, svc)

	rec := do(t, h, http.MethodPost, "/v1/marketplaces/coupang/simulate", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/marketplaces/coupang/simulate", `{"count": 3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var result engine.SimulationResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, []int{defaultSimulateCount, 3}, svc.simulated)

	rec = do(t, h, http.MethodPost, "/v1/marketplaces/coupang/simulate", `{"count": 5000}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResets(t *testing.T) {
	svc := newFakeControl()
	h := newAPI(t, svc)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/marketplaces/coupang/breaker/reset", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/marketplaces/coupang/metrics/reset", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/marketplaces/coupang/backoff/reset", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/marketplaces/nope/breaker/reset", "").Code)
	assert.Equal(t, []string{"breaker:coupang", "metrics:coupang", "backoff:coupang"}, svc.resets)
}

func TestBulk(t *testing.T) {
	svc := newFakeControl()
	h := newAPI(t, svc)

	rec := do(t, h, http.MethodPost, "/v1/bulk", `{"requests": [
		{"marketplace": "coupang", "endpoint": "/v2/products"},
		{"marketplace": "amazon", "method": "post", "endpoint": "/orders", "body": {"id": 1}}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body BulkResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Results, 2)
	assert.Empty(t, body.Results[0].Error)
	assert.NotEmpty(t, body.Results[1].Error)

	require.Len(t, svc.bulk, 2)
	assert.Equal(t, core.MethodGet, svc.bulk[0].Method)
	assert.Equal(t, core.MethodPost, svc.bulk[1].Method)
}

func TestBulkRejectsBadInput(t *testing.T) {
	h := newAPI(t, newFakeControl())

	rec := do(t, h, http.MethodPost, "/v1/bulk", `{"requests": []}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/bulk", `{"requests": [{"marketplace": "coupang", "method": "PATCH"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeInvalidInput, errorCode(t, rec))
}

func TestRecommendationsNeverNull(t *testing.T) {
	svc := newFakeControl()
	h := newAPI(t, svc)

	rec := do(t, h, http.MethodGet, "/v1/recommendations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"recommendations": []}`, rec.Body.String())

	svc.recs = []engine.Recommendation{{Marketplace: "coupang", Severity: engine.SeverityCritical, Issue: "circuit breaker is open"}}
	rec = do(t, h, http.MethodGet, "/v1/recommendations", "")
	require.Contains(t, rec.Body.String(), `"severity":"critical"`)
}
