package gateway

import (
	"net/http"

	"github.com/marketbridge/marketbridge/internal/core"
	"github.com/marketbridge/marketbridge/internal/core/engine"
)

// Factory builds HTTP gateways for a registry. creds is keyed by
// marketplace name; marketplaces without an entry are called anonymously.
func Factory(client *http.Client, creds map[string]CredentialProvider) engine.GatewayFactory {
	return func(ep core.MarketplaceEndpoint) (engine.Gateway, error) {
		gw, err := NewHTTPGateway(ep.BaseURL, creds[ep.Name])
		if err != nil {
			return nil, err
		}
		gw.Client = client
		return gw, nil
	}
}

// SimulatedFactory builds a Simulated gateway for every marketplace.
func SimulatedFactory(profile SimulatedProfile) engine.GatewayFactory {
	return func(core.MarketplaceEndpoint) (engine.Gateway, error) {
		return NewSimulated(profile), nil
	}
}
