// Package errors maps dispatch failures onto gofulmen error envelopes and
// renders them as control API responses.
package errors

import (
	"context"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"

	"github.com/marketbridge/marketbridge/internal/server/middleware"
)

// Error codes used in envelopes and HTTP bodies.
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeDatabase           = "DATABASE_ERROR"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeTimeout            = "TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeConfigInvalid      = "CONFIG_INVALID"
)

var codeStatus = map[string]int{
	CodeInvalidInput:       http.StatusBadRequest,
	CodeValidationFailed:   http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeMethodNotAllowed:   http.StatusMethodNotAllowed,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeTimeout:            http.StatusGatewayTimeout,
	CodeExternalService:    http.StatusBadGateway,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
}

// HTTPStatusFromCode returns the response status for code. Unknown codes
// map to 500.
func HTTPStatusFromCode(code string) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusFromCode(envelope.Code)
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeNotFound, message)
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeMethodNotAllowed, message)
}

func NewValidationError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeValidationFailed, message)
}

func NewInternalError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInternal, message)
}

func NewConfigInvalidError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeConfigInvalid, message)
}

// Wrap builds an envelope with the request ID on ctx as correlation and
// trace ID. A non-nil err is kept as Original and as wrapped_error context.
func Wrap(ctx context.Context, code string, err error, message string) *errors.ErrorEnvelope {
	id := correlationID(ctx)
	envelope := errors.NewErrorEnvelope(code, message).
		WithCorrelationID(id).
		WithTraceID(id)
	if err == nil {
		return envelope
	}
	envelope.Original = err
	return withContext(envelope, map[string]any{"wrapped_error": err.Error()})
}

func WrapInvalidInput(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeInvalidInput, err, message)
}

func WrapInternal(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeInternal, err, message)
}

func WrapDatabaseError(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeDatabase, err, message)
}

func WrapConfigInvalid(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeConfigInvalid, err, message)
}

func correlationID(ctx context.Context) string {
	if ctx != nil {
		if id := middleware.GetRequestID(ctx); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

// withContext merges fields into the envelope context, keeping existing keys.
func withContext(envelope *errors.ErrorEnvelope, fields map[string]any) *errors.ErrorEnvelope {
	merged := make(map[string]any, len(envelope.Context)+len(fields))
	for k, v := range fields {
		merged[k] = v
	}
	for k, v := range envelope.Context {
		merged[k] = v
	}
	updated, err := envelope.WithContext(merged)
	if err != nil {
		return envelope
	}
	return updated
}
