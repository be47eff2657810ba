package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/metrics"
	"github.com/marketbridge/marketbridge/internal/observability"
)

// HTTPErrorDetail is the body of an error response.
type HTTPErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPErrorDetail.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// EnsureEnvelope returns err as an envelope, wrapping plain errors as
// INTERNAL_ERROR.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	var envelope *errors.ErrorEnvelope
	switch {
	case err == nil:
		envelope = errors.NewErrorEnvelope(CodeInternal, "unexpected nil error")
		envelope, _ = envelope.WithSeverity(errors.SeverityCritical)
		return envelope
	case stderrors.As(err, &envelope) && envelope != nil:
		return envelope
	}
	envelope = withContext(errors.NewErrorEnvelope(CodeInternal, "unexpected error"),
		map[string]any{"wrapped_error": err.Error()})
	envelope, _ = envelope.WithSeverity(errors.SeverityHigh)
	return envelope
}

// ResponseDetails merges envelope details and context. Details win on
// key clashes.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]any {
	if envelope == nil || len(envelope.Details)+len(envelope.Context) == 0 {
		return nil
	}
	out := make(map[string]any, len(envelope.Details)+len(envelope.Context))
	for k, v := range envelope.Context {
		out[k] = v
	}
	for k, v := range envelope.Details {
		out[k] = v
	}
	return out
}

func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	RespondWithEnvelope(w, r, EnsureEnvelope(err))
}

// RespondWithEnvelope logs envelope, records error metrics and writes the
// JSON body. RATE_LIMITED responses get a Retry-After header when the
// envelope knows the wait.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}
	if envelope == nil {
		envelope = EnsureEnvelope(nil)
	}
	if envelope.CorrelationID == "" {
		var id string
		if r != nil {
			id = correlationID(r.Context())
		} else {
			id = "fallback-" + errors.GenerateCorrelationID()
		}
		envelope = envelope.WithCorrelationID(id)
	}

	status := HTTPStatusFromEnvelope(envelope)
	logHTTPError(envelope, status)
	metrics.RecordError(envelope.Code, status)
	if r != nil {
		metrics.RecordErrorByEndpoint(routeOf(r), envelope.Code)
	}

	if envelope.Code == CodeRateLimited {
		if secs, ok := retryAfterSeconds(envelope); ok {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: HTTPErrorDetail{
		Code:      envelope.Code,
		Message:   envelope.Message,
		Details:   ResponseDetails(envelope),
		RequestID: envelope.CorrelationID,
	}})
}

func retryAfterSeconds(envelope *errors.ErrorEnvelope) (int, bool) {
	switch v := envelope.Context["retry_after_seconds"].(type) {
	case int:
		return v, v > 0
	case int64:
		return int(v), v > 0
	case float64:
		return int(v), v > 0
	}
	return 0, false
}

// routeOf keeps raw marketplace paths out of metric labels.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

func logHTTPError(envelope *errors.ErrorEnvelope, status int) {
	logger := observability.ServerLogger
	if logger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", status),
		zap.String("request_id", envelope.CorrelationID),
	}
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}
	for k, v := range envelope.Context {
		fields = append(fields, zap.Any(k, v))
	}

	switch {
	case envelope.Severity == errors.SeverityCritical, envelope.Severity == errors.SeverityHigh, status >= 500:
		logger.Error(envelope.Message, fields...)
	case envelope.Severity == errors.SeverityMedium, status == http.StatusTooManyRequests:
		logger.Warn(envelope.Message, fields...)
	default:
		logger.Info(fmt.Sprintf("%s (%d)", envelope.Message, status), fields...)
	}
}
