package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// CredentialProvider decorates outbound requests with marketplace
// credentials. Implementations must be safe for concurrent use.
type CredentialProvider interface {
	Apply(ctx context.Context, req *http.Request) error
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context, req *http.Request) error

// Apply calls f.
func (f CredentialFunc) Apply(ctx context.Context, req *http.Request) error {
	return f(ctx, req)
}

// BearerToken sets an Authorization: Bearer header.
type BearerToken string

// Apply sets the header. An empty token is an error.
func (t BearerToken) Apply(_ context.Context, req *http.Request) error {
	token := strings.TrimSpace(string(t))
	if token == "" {
		return errors.New("bearer token is empty")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// StaticHeaders sets a fixed set of headers, e.g. vendor API keys.
type StaticHeaders map[string]string

// Apply sets every header, overwriting existing values.
func (h StaticHeaders) Apply(_ context.Context, req *http.Request) error {
	for k, v := range h {
		req.Header.Set(k, v)
	}
	return nil
}
