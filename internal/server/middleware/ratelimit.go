package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"golang.org/x/time/rate"

	"github.com/marketbridge/marketbridge/internal/metrics"
)

// ControlRateLimit sheds /v1 requests beyond perSecond with burst headroom.
// A non-positive rate disables it.
func ControlRateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = int(math.Ceil(perSecond))
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				writeRateLimited(w, r, delay)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	metrics.RecordError("RATE_LIMITED", http.StatusTooManyRequests)

	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))

	envelope := errors.NewErrorEnvelope("RATE_LIMITED", "control surface rate limit exceeded").
		WithCorrelationID(GetRequestID(r.Context()))
	writeErrorResponse(w, envelope, http.StatusTooManyRequests)
}
