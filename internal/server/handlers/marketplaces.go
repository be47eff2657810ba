package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marketbridge/marketbridge/internal/core"
	"github.com/marketbridge/marketbridge/internal/core/engine"
	apperrors "github.com/marketbridge/marketbridge/internal/errors"
)

const (
	defaultSimulateCount = 10
	maxSimulateCount     = 1000
	maxBulkRequests      = 500
	maxRequestBodyBytes  = 1 << 20
)

// ControlService is the dispatch control surface the API exposes.
type ControlService interface {
	Statuses() []engine.Status
	Status(name string) (engine.Status, error)
	RateLimit(name string) (core.RateLimitConfig, error)
	UpdateRateLimit(name string, cfg core.RateLimitConfig) (core.RateLimitConfig, error)
	Simulate(ctx context.Context, name string, count, priority int) (engine.SimulationResult, error)
	ResetBreaker(name string) error
	ResetMetrics(name string) error
	ResetBackoff(ctx context.Context, name string) error
	Recommendations() []engine.Recommendation
	Bulk(ctx context.Context, descs []core.CallDescriptor) []engine.BulkResult
}

// MarketplaceHandler serves the /v1 API.
type MarketplaceHandler struct {
	svc ControlService
}

func NewMarketplaceHandler(svc ControlService) *MarketplaceHandler {
	return &MarketplaceHandler{svc: svc}
}

// Routes mounts the /v1 endpoints on r.
func (h *MarketplaceHandler) Routes(r chi.Router) {
	r.Get("/marketplaces", h.List)
	r.Route("/marketplaces/{name}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/rate-limit", h.GetRateLimit)
		r.Put("/rate-limit", h.PutRateLimit)
		r.Post("/simulate", h.Simulate)
		r.Post("/breaker/reset", h.ResetBreaker)
		r.Post("/metrics/reset", h.ResetMetrics)
		r.Post("/backoff/reset", h.ResetBackoff)
	})
	r.Post("/bulk", h.Bulk)
	r.Get("/recommendations", h.Recommendations)
}

// MarketplaceList is the GET /v1/marketplaces body.
type MarketplaceList struct {
	Marketplaces []engine.Status `json:"marketplaces"`
}

func (h *MarketplaceHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MarketplaceList{Marketplaces: h.svc.Statuses()})
}

func (h *MarketplaceHandler) Get(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(chi.URLParam(r, "name"))
	if err != nil {
		respondWithError(w, r, apperrors.FromDispatch(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *MarketplaceHandler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.RateLimit(chi.URLParam(r, "name"))
	if err != nil {
		respondWithError(w, r, apperrors.FromDispatch(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *MarketplaceHandler) PutRateLimit(w http.ResponseWriter, r *http.Request) {
	var cfg core.RateLimitConfig
	if err := decodeBody(r, &cfg); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Invalid rate limit body"))
		return
	}
	if err := cfg.Validate(); err != nil {
		respondWithError(w, r, apperrors.Wrap(r.Context(), apperrors.CodeValidationFailed, err, err.Error()))
		return
	}

	updated, err := h.svc.UpdateRateLimit(chi.URLParam(r, "name"), cfg)
	if err != nil {
		respondWithError(w, r, apperrors.FromDispatch(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// SimulateRequest is the POST /v1/marketplaces/{name}/simulate body.
type SimulateRequest struct {
	Count    int `json:"count"`
	Priority int `json:"priority"`
}

func (h *MarketplaceHandler) Simulate(w http.ResponseWriter, r *http.Request) {
	req := SimulateRequest{Count: defaultSimulateCount}
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Invalid simulate body"))
		return
	}
	if req.Count <= 0 || req.Count > maxSimulateCount {
		respondWithError(w, r, apperrors.NewValidationError(
			fmt.Sprintf("count must be between 1 and %d", maxSimulateCount)))
		return
	}

	result, err := h.svc.Simulate(r.Context(), chi.URLParam(r, "name"), req.Count, req.Priority)
	if err != nil {
		respondWithError(w, r, apperrors.FromDispatch(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ResetResponse acknowledges an operator reset.
type ResetResponse struct {
	Marketplace string `json:"marketplace"`
	Reset       string `json:"reset"`
}

func (h *MarketplaceHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.ResetBreaker(name); err != nil {
		respondWithError(w, r, apperrors.FromDispatch(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{Marketplace: name, Reset: "breaker"})
}

func (h *MarketplaceHandler) ResetMetrics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.ResetMetrics(name); err != nil {
		respondWithError(w, r, apperrors.FromDispatch(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{Marketplace: name, Reset: "metrics"})
}

// ResetBackoff clears persisted window counters and 429 backoff.
func (h *MarketplaceHandler) ResetBackoff(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.ResetBackoff(r.Context(), name); err != nil {
		respondWithError(w, r, apperrors.FromDispatch(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{Marketplace: name, Reset: "backoff"})
}

// BulkCall is one entry of a bulk request.
type BulkCall struct {
	Marketplace string            `json:"marketplace"`
	Method      string            `json:"method"`
	Endpoint    string            `json:"endpoint"`
	Params      map[string]string `json:"params,omitempty"`
	Body        map[string]any    `json:"body,omitempty"`
	Priority    int               `json:"priority"`
}

// BulkRequest is the POST /v1/bulk body.
type BulkRequest struct {
	Requests []BulkCall `json:"requests"`
}

// BulkResponse carries one result per request in submission order.
type BulkResponse struct {
	Results []engine.BulkResult `json:"results"`
}

func (h *MarketplaceHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Invalid bulk body"))
		return
	}
	if len(req.Requests) == 0 {
		respondWithError(w, r, apperrors.NewValidationError("requests must not be empty"))
		return
	}
	if len(req.Requests) > maxBulkRequests {
		respondWithError(w, r, apperrors.NewValidationError(
			fmt.Sprintf("at most %d requests per bulk call", maxBulkRequests)))
		return
	}

	descs := make([]core.CallDescriptor, 0, len(req.Requests))
	for _, call := range req.Requests {
		method := core.MethodGet
		if call.Method != "" {
			parsed, err := core.ParseMethod(call.Method)
			if err != nil {
				respondWithError(w, r, apperrors.FromDispatch(r.Context(), err))
				return
			}
			method = parsed
		}
		descs = append(descs, core.CallDescriptor{
			Marketplace: call.Marketplace,
			Method:      method,
			Endpoint:    call.Endpoint,
			Params:      call.Params,
			Body:        call.Body,
			Priority:    call.Priority,
		})
	}

	writeJSON(w, http.StatusOK, BulkResponse{Results: h.svc.Bulk(r.Context(), descs)})
}

// RecommendationList is the GET /v1/recommendations body.
type RecommendationList struct {
	Recommendations []engine.Recommendation `json:"recommendations"`
}

func (h *MarketplaceHandler) Recommendations(w http.ResponseWriter, r *http.Request) {
	recs := h.svc.Recommendations()
	if recs == nil {
		recs = []engine.Recommendation{}
	}
	writeJSON(w, http.StatusOK, RecommendationList{Recommendations: recs})
}

// decodeBody decodes a JSON body into dst. An empty body leaves dst as is.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}
