package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is returned while a marketplace breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrUnknownMarketplace is returned for names missing from the registry.
	ErrUnknownMarketplace = errors.New("unknown marketplace")
	// ErrDispatcherStopped is returned for work submitted after shutdown.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	// ErrInvalidMethod is returned for unsupported HTTP verbs.
	ErrInvalidMethod = errors.New("invalid method")
	// ErrBulkTimeout marks a bulk entry that exceeded its per-call timeout.
	ErrBulkTimeout = errors.New("bulk call timed out")
)

// GatewayErrorKind classifies a failed marketplace call.
type GatewayErrorKind string

const (
	KindRateLimited GatewayErrorKind = "rate_limited"
	KindTimeout     GatewayErrorKind = "timeout"
	KindServerError GatewayErrorKind = "server_error"
	KindClientError GatewayErrorKind = "client_error"
	KindNetwork     GatewayErrorKind = "network"
)

// GatewayError is the typed failure returned by marketplace gateways.
type GatewayError struct {
	Kind       GatewayErrorKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, msg)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err carries a rate-limited gateway classification.
func IsRateLimited(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Kind == KindRateLimited
}

// RetryAfter extracts the server-provided retry hint, if any.
func RetryAfter(err error) time.Duration {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.RetryAfter
	}
	return 0
}
