package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketbridge/marketbridge/internal/core"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 4 << 20
	userAgent           = "marketbridge-dispatch"
)

// HTTPGateway issues marketplace calls over HTTP and classifies failures
// into *core.GatewayError.
type HTTPGateway struct {
	BaseURL      string
	Client       *http.Client
	Credentials  CredentialProvider
	MaxBodyBytes int64
	Clock        func() time.Time
}

// NewHTTPGateway returns a gateway rooted at baseURL.
func NewHTTPGateway(baseURL string, creds CredentialProvider) (*HTTPGateway, error) {
	if _, err := parseBase(baseURL); err != nil {
		return nil, err
	}
	return &HTTPGateway{BaseURL: baseURL, Credentials: creds}, nil
}

// IssueCall performs req. Any non-2xx status is returned as an error; the
// response body is captured into the error message.
func (g *HTTPGateway) IssueCall(ctx context.Context, req core.Request) (*core.Response, error) {
	if g == nil {
		return nil, errors.New("http gateway is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidMethod, req.Method)
	}

	target, err := g.resolve(req.Endpoint, req.Params)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), target, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("X-Request-ID", uuid.New().String())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if g.Credentials != nil {
		if err := g.Credentials.Apply(ctx, httpReq); err != nil {
			return nil, fmt.Errorf("apply credentials: %w", err)
		}
	}

	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	start := g.now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	limit := g.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, classifyTransport(err)
	}

	out := &core.Response{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Data:       data,
		Duration:   g.now().Sub(start),
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return out, nil
	}
	return nil, classifyStatus(resp, data)
}

func (g *HTTPGateway) resolve(endpoint string, params map[string]string) (string, error) {
	base, err := parseBase(g.BaseURL)
	if err != nil {
		return "", err
	}

	ref, err := url.Parse(strings.TrimLeft(strings.TrimSpace(endpoint), "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() {
		return "", fmt.Errorf("endpoint %q must be relative", endpoint)
	}

	target := base.ResolveReference(ref)
	if len(params) > 0 {
		query := target.Query()
		for k, v := range params {
			query.Set(k, v)
		}
		target.RawQuery = query.Encode()
	}
	return target.String(), nil
}

func (g *HTTPGateway) now() time.Time {
	if g.Clock != nil {
		return g.Clock()
	}
	return time.Now()
}

func parseBase(raw string) (*url.URL, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", raw, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", raw)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base, nil
}

func classifyTransport(err error) error {
	kind := core.KindNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = core.KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = core.KindTimeout
	}
	return &core.GatewayError{Kind: kind, Message: err.Error(), Err: err}
}

func classifyStatus(resp *http.Response, body []byte) error {
	gwErr := &core.GatewayError{
		StatusCode: resp.StatusCode,
		Message:    statusMessage(resp.StatusCode, body),
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		gwErr.Kind = core.KindRateLimited
		gwErr.RetryAfter = retryAfterHeader(resp)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		gwErr.Kind = core.KindTimeout
	case resp.StatusCode >= 500:
		gwErr.Kind = core.KindServerError
	default:
		gwErr.Kind = core.KindClientError
	}
	return gwErr
}

const maxErrorSnippet = 256

func statusMessage(status int, body []byte) string {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet] + "..."
	}
	if snippet == "" {
		return http.StatusText(status)
	}
	return snippet
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) > 0 {
			out[strings.ToLower(k)] = vals[0]
		}
	}
	return out
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}

	retry := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retry == "" {
		return 0
	}

	if seconds, err := time.ParseDuration(retry + "s"); err == nil && seconds > 0 {
		return seconds
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		if wait := time.Until(parsed); wait > 0 {
			return wait
		}
	}
	return 0
}
