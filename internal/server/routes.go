package server

import (
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/config"
	"github.com/marketbridge/marketbridge/internal/observability"
	"github.com/marketbridge/marketbridge/internal/server/handlers"
	servermw "github.com/marketbridge/marketbridge/internal/server/middleware"
)

// AdminTokenEnv enables POST /admin/signal when set.
const AdminTokenEnv = config.EnvPrefix + "_ADMIN_TOKEN"

func (s *Server) registerRoutes() {
	s.router.Route("/health", func(r chi.Router) {
		r.Get("/", handlers.HealthHandler)
		r.Get("/live", handlers.LivenessHandler)
		r.Get("/ready", handlers.ReadinessHandler)
		r.Get("/startup", handlers.StartupHandler)
	})
	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	if s.svc != nil {
		s.router.Route("/v1", func(r chi.Router) {
			r.Use(servermw.ControlRateLimit(s.cfg.ControlRate, s.cfg.ControlBurst))
			handlers.NewMarketplaceHandler(s.svc).Routes(r)
		})
	}

	if token := strings.TrimSpace(os.Getenv(AdminTokenEnv)); token != "" {
		s.registerAdminSignal(token)
	} else if logger := observability.ServerLogger; logger != nil {
		logger.Debug("Admin signal endpoint disabled", zap.String("env", AdminTokenEnv))
	}
}

// registerAdminSignal exposes gofulmen's signal endpoint so operators can
// trigger a SIGHUP rate limit reload without shell access.
func (s *Server) registerAdminSignal(token string) {
	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: token,
		RateLimit: 10,
		RateBurst: 5,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger := observability.ServerLogger; logger != nil {
		logger.Warn("Admin signal endpoint enabled; keep the control port off public networks",
			zap.String("path", "/admin/signal"),
			zap.String("rate_limit", "10/min, burst 5"))
	}
}
