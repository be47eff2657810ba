package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketbridge/marketbridge/internal/core"
)

func okGateway() Gateway {
	return GatewayFunc(func(ctx context.Context, req core.Request) (*core.Response, error) {
		return &core.Response{StatusCode: 200, Data: []byte(`{}`)}, nil
	})
}

func endpoint(name string, rps float64, burst int) core.MarketplaceEndpoint {
	return core.MarketplaceEndpoint{
		Name:    name,
		BaseURL: "https://" + name + ".example",
		RateLimit: core.RateLimitConfig{
			MaxRequestsPerSecond: rps,
			BurstAllowance:       burst,
			BackoffBase:          1,
			MaxBackoff:           60,
		},
		HealthCheckPath: "/ping",
	}
}

func newTestRegistry(t *testing.T, gw Gateway, clock func() time.Time, endpoints ...core.MarketplaceEndpoint) *Registry {
	t.Helper()
	reg, err := NewRegistry(endpoints, func(core.MarketplaceEndpoint) (Gateway, error) {
		return gw, nil
	}, RegistryOptions{Clock: clock})
	require.NoError(t, err)
	return reg
}
