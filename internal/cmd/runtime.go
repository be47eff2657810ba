package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/fulmenhq/gofulmen/logging"

	"github.com/marketbridge/marketbridge/internal/config"
	"github.com/marketbridge/marketbridge/internal/core"
	"github.com/marketbridge/marketbridge/internal/core/engine"
	"github.com/marketbridge/marketbridge/internal/core/gateway"
)

// dispatchRuntime is the assembled dispatch core for one process.
type dispatchRuntime struct {
	Registry   *engine.Registry
	Dispatcher *engine.Dispatcher
	Health     *engine.HealthChecker
	Optimizer  *engine.Optimizer
	Collector  *engine.MetricsCollector
	Limiter    *engine.WindowLimiter
	Service    *engine.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// buildRuntime wires the registry, dispatcher and background workers from
// cfg. Nothing runs until start is called.
func buildRuntime(cfg *config.Config, p *persistence, logger *logging.Logger) (*dispatchRuntime, error) {
	factory, err := gatewayFactory(cfg)
	if err != nil {
		return nil, err
	}

	reg, err := engine.NewRegistry(cfg.Endpoints(), factory, engine.RegistryOptions{
		Breaker: engine.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Timeout:          cfg.Breaker.Timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build marketplace registry: %w", err)
	}

	var limiter *engine.WindowLimiter
	if cfg.Dispatch.WindowLimits && p.RateLimits != nil {
		limiter = &engine.WindowLimiter{Store: p.RateLimits}
	}

	dispatcher := engine.NewDispatcher(reg, engine.DispatcherOptions{
		Limiter:      limiter,
		MaxTokenWait: cfg.Dispatch.MaxTokenWait,
		BulkWorkers:  cfg.Dispatch.BulkWorkers,
		BulkTimeout:  cfg.Dispatch.BulkTimeout,
		Logger:       logger,
	})

	optimizer := engine.NewOptimizer(reg)
	optimizer.Enabled = cfg.Optimizer.Enabled
	optimizer.MinRequests = cfg.Optimizer.MinRequests
	optimizer.Threshold = cfg.Optimizer.Threshold
	optimizer.Factor = cfg.Optimizer.Factor
	optimizer.Floor = cfg.Optimizer.Floor
	optimizer.Logger = logger

	health := &engine.HealthChecker{
		Registry:     reg,
		Store:        p.Metrics,
		Logger:       logger,
		ProbeTimeout: cfg.Health.ProbeTimeout,
	}

	collector := &engine.MetricsCollector{
		Registry:  reg,
		Store:     p.Metrics,
		Optimizer: optimizer,
		Interval:  cfg.Dispatch.MetricsInterval,
		Logger:    logger,
	}

	return &dispatchRuntime{
		Registry:   reg,
		Dispatcher: dispatcher,
		Health:     health,
		Optimizer:  optimizer,
		Collector:  collector,
		Limiter:    limiter,
		Service: &engine.Service{
			Dispatcher: dispatcher,
			Health:     health,
			Optimizer:  optimizer,
			Limiter:    limiter,
		},
	}, nil
}

// start launches the dispatcher workers and the metrics collector, which
// also drives the optimizer. The health checker only runs with healthProbes.
func (rt *dispatchRuntime) start(ctx context.Context, healthProbes bool) {
	ctx, rt.cancel = context.WithCancel(ctx)
	rt.Dispatcher.Start(ctx)
	if healthProbes {
		rt.Health.Start(ctx)
	}
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.Collector.Run(ctx)
	}()
}

// stop drains the dispatcher, stops background loops and flushes metrics
// once more so the last interval is not lost.
func (rt *dispatchRuntime) stop(ctx context.Context) {
	rt.Dispatcher.Stop()
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.Health.Wait()
	rt.wg.Wait()
	rt.Collector.Collect(ctx)
}

func gatewayFactory(cfg *config.Config) (engine.GatewayFactory, error) {
	switch cfg.Gateway.Mode {
	case "simulated":
		sim := cfg.Gateway.Simulated
		return gateway.SimulatedFactory(gateway.SimulatedProfile{
			Latency:        sim.Latency,
			FailureRate:    sim.FailureRate,
			RateLimitAfter: sim.RateLimitAfter,
			RetryAfter:     sim.RetryAfter,
		}), nil
	case "", "http":
		creds, err := credentialProviders(cfg.Credentials)
		if err != nil {
			return nil, err
		}
		client := &http.Client{Timeout: cfg.Gateway.Timeout}
		base := gateway.Factory(client, creds)
		if cfg.Gateway.MaxBodyBytes <= 0 {
			return base, nil
		}
		return func(ep core.MarketplaceEndpoint) (engine.Gateway, error) {
			gw, err := base(ep)
			if err != nil {
				return nil, err
			}
			if hg, ok := gw.(*gateway.HTTPGateway); ok {
				hg.MaxBodyBytes = cfg.Gateway.MaxBodyBytes
			}
			return gw, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Gateway.Mode)
	}
}

func credentialProviders(creds map[string]config.CredentialConfig) (map[string]gateway.CredentialProvider, error) {
	out := make(map[string]gateway.CredentialProvider, len(creds))
	for name, cred := range creds {
		switch cred.Type {
		case "bearer":
			out[name] = gateway.BearerToken(cred.Token)
		case "headers":
			out[name] = gateway.StaticHeaders(cred.Headers)
		default:
			return nil, fmt.Errorf("credentials.%s: unsupported type %q", name, cred.Type)
		}
	}
	return out, nil
}
