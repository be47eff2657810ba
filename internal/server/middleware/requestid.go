package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// RequestIDHeader carries the correlation ID in and out of the control API.
const RequestIDHeader = "X-Request-ID"

// CorrelationIDHeader is accepted on input when RequestIDHeader is absent.
const CorrelationIDHeader = "X-Correlation-ID"

const maxRequestIDLen = 128

type requestIDKey struct{}

// RequestID propagates a caller supplied request ID or assigns a new UUID.
// The ID is echoed in RequestIDHeader and flows into error envelopes and
// dispatch logs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := inboundRequestID(r)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// WithRequestID returns ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns the request ID on ctx, falling back to chi's.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return middleware.GetReqID(ctx)
}

func inboundRequestID(r *http.Request) string {
	candidates := []string{
		middleware.GetReqID(r.Context()),
		r.Header.Get(RequestIDHeader),
		r.Header.Get(CorrelationIDHeader),
	}
	for _, c := range candidates {
		if c = strings.TrimSpace(c); validRequestID(c) {
			return c
		}
	}
	return ""
}

// validRequestID accepts printable ASCII without spaces, so IDs are safe
// to echo into headers and log fields.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}
