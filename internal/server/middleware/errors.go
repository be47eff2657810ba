package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/metrics"
	"github.com/marketbridge/marketbridge/internal/observability"
)

// Recovery turns a handler panic into a 500 INTERNAL_ERROR envelope.
// The stack is logged, never returned to the caller.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := GetRequestID(r.Context())
			metrics.RecordPanic()
			if logger := observability.ServerLogger; logger != nil {
				logger.Error("Recovered handler panic",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("marketplace", chi.URLParam(r, "name")),
					zap.String("request_id", requestID),
					zap.ByteString("stack", debug.Stack()),
				)
			}

			envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", fmt.Sprintf("internal error handling %s %s", r.Method, r.URL.Path)).
				WithCorrelationID(requestID)
			envelope, _ = envelope.WithSeverity(errors.SeverityCritical)
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

// ErrorResponse is the JSON error body of the control API.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// writeErrorResponse renders envelope without importing internal/errors,
// which itself depends on this package.
func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	body := ErrorResponse{Error: ErrorDetail{
		Code:      envelope.Code,
		Message:   envelope.Message,
		Details:   envelope.Context,
		RequestID: envelope.CorrelationID,
	}}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
