package errors

import (
	"context"
	stderrors "errors"
	"math"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/marketbridge/marketbridge/internal/core"
)

// FromDispatch classifies a registry, dispatcher or gateway error. Rate
// limited envelopes carry retry_after_seconds when the marketplace sent
// a Retry-After hint.
func FromDispatch(ctx context.Context, err error) *errors.ErrorEnvelope {
	if err == nil {
		return nil
	}

	var gwErr *core.GatewayError
	switch {
	case stderrors.Is(err, core.ErrUnknownMarketplace):
		return Wrap(ctx, CodeNotFound, err, "Marketplace is not registered")
	case stderrors.Is(err, core.ErrInvalidMethod):
		return Wrap(ctx, CodeInvalidInput, err, "Unsupported HTTP method")
	case stderrors.Is(err, core.ErrCircuitOpen):
		return Wrap(ctx, CodeServiceUnavailable, err, "Marketplace circuit breaker is open")
	case stderrors.Is(err, core.ErrDispatcherStopped):
		return Wrap(ctx, CodeServiceUnavailable, err, "Dispatcher is shutting down")
	case stderrors.Is(err, core.ErrBulkTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(ctx, CodeTimeout, err, "Marketplace call timed out")
	case !stderrors.As(err, &gwErr):
		return Wrap(ctx, CodeInternal, err, "Dispatch failed")
	}

	switch gwErr.Kind {
	case core.KindRateLimited:
		env := Wrap(ctx, CodeRateLimited, err, "Marketplace rate limit exceeded")
		if gwErr.RetryAfter > 0 {
			env = withContext(env, map[string]any{
				"retry_after_seconds": int(math.Ceil(gwErr.RetryAfter.Seconds())),
			})
		}
		return env
	case core.KindTimeout:
		return Wrap(ctx, CodeTimeout, err, "Marketplace call timed out")
	default:
		env := Wrap(ctx, CodeExternalService, err, "Marketplace call failed")
		if gwErr.StatusCode > 0 {
			env = withContext(env, map[string]any{"upstream_status": gwErr.StatusCode})
		}
		return env
	}
}
