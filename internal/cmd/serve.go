package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/config"
	"github.com/marketbridge/marketbridge/internal/core"
	errwrap "github.com/marketbridge/marketbridge/internal/errors"
	"github.com/marketbridge/marketbridge/internal/metrics"
	"github.com/marketbridge/marketbridge/internal/observability"
	"github.com/marketbridge/marketbridge/internal/server"
	"github.com/marketbridge/marketbridge/internal/server/handlers"
)

// telemetryHealthChecker degrades health while the Prometheus exporter is
// down. Dispatch keeps working without it.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return fmt.Errorf("%w: telemetry exporter not running", handlers.ErrDegraded)
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher and the HTTP control surface",
	Long: `Run the marketplace dispatcher, health probes and metrics collector, and
serve the HTTP control surface under /v1.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read the config file and apply changed marketplace rate limits`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := loadConfig()
		if err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "configuration is invalid")
		}

		namespace := observability.Namespace(config.AppName)
		observability.InitServerLogger(observability.ServerLoggerOptions{
			Service:     config.AppName,
			Level:       cfg.Logging.Level,
			Profile:     cfg.Logging.Profile,
			Namespace:   namespace,
			Environment: environmentName(cfg),
		})
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(namespace, cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		p, err := openPersistence(ctx, cfg.Store)
		if err != nil {
			return errwrap.WrapDatabaseError(ctx, err, "failed to open store")
		}

		rt, err := buildRuntime(cfg, p, logger)
		if err != nil {
			_ = p.Close()
			return errwrap.WrapConfigInvalid(ctx, err, "failed to build dispatcher")
		}

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			zap.Int("metrics_port", observability.GetMetricsPort()),
			zap.String("store_driver", p.Driver()),
			zap.String("gateway_mode", cfg.Gateway.Mode),
			zap.Strings("marketplaces", rt.Registry.Names()))

		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("marketplaces", handlers.MarketplaceChecker{Statuses: rt.Service.Statuses})
		hm.RegisterChecker("store", handlers.PingChecker(p.Ping))
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{}, handlers.ProbeAggregate)
		}

		rt.start(ctx, cfg.Health.Enabled)
		hm.MarkStarted()
		metrics.SetServerStartTime(time.Now())

		srv := server.New(cfg.Server, rt.Service)

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Shutdown handlers run LIFO: HTTP first, then the dispatcher, then the store and logger.
		signals.OnShutdown(func(ctx context.Context) error {
			if err := p.Close(); err != nil {
				logger.Warn("Failed to close store", zap.Error(err))
			}
			observability.Sync()
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Stopping dispatcher...")
			flushCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			rt.stop(flushCtx)
			logger.Info("Dispatcher stopped")
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		current := cfg
		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: reloading configuration")
			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); ok {
					logger.Info("No config file found - using defaults and environment variables")
					return nil
				}
				logger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			next, err := loadConfig()
			if err != nil {
				logger.Error("Reloaded config is invalid, keeping current settings", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			changed, err := applyReload(rt, current, next)
			current = next
			if err != nil {
				logger.Warn("Some rate limits were not applied", zap.Error(err))
			}

			logger.Info("Configuration reloaded",
				zap.String("file", viper.ConfigFileUsed()),
				zap.Strings("rate_limits_changed", changed))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(ctx, err, "server error")
		}
		return nil
	},
}

// applyReload pushes rate limit changes between prev and next into the
// running registry and returns the marketplaces that changed. Endpoints,
// credentials and store settings need a restart.
func applyReload(rt *dispatchRuntime, prev, next *config.Config) ([]string, error) {
	before := make(map[string]core.RateLimitConfig, len(prev.Marketplaces))
	for _, m := range prev.Marketplaces {
		before[m.Name] = m.RateLimit
	}

	var (
		changed []string
		errs    []error
	)
	for _, m := range next.Marketplaces {
		old, ok := before[m.Name]
		if !ok || old == m.RateLimit {
			continue
		}
		if _, err := rt.Service.UpdateRateLimit(m.Name, m.RateLimit); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
			continue
		}
		changed = append(changed, m.Name)
	}
	return changed, errors.Join(errs...)
}

func environmentName(cfg *config.Config) string {
	if cfg.Debug.Enabled {
		return "development"
	}
	return "production"
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "server host (overrides server.host)")
	serveCmd.Flags().IntP("port", "p", 0, "server port (overrides server.port)")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
