package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/config"
	apperrors "github.com/marketbridge/marketbridge/internal/errors"
	"github.com/marketbridge/marketbridge/internal/observability"
	"github.com/marketbridge/marketbridge/internal/server/handlers"
	servermw "github.com/marketbridge/marketbridge/internal/server/middleware"
)

// Server is the operator HTTP surface: health probes, version, metrics
// and the /v1 control API.
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    config.ServerConfig
	svc    handlers.ControlService
}

// New builds the router. A nil svc serves only health, version and
// metrics.
func New(cfg config.ServerConfig, svc handlers.ControlService) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{router: r, cfg: cfg, svc: svc}
	s.registerRoutes()
	return s
}

// HandleError writes err as a JSON error envelope.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       orDefault(s.cfg.ReadTimeout, 30*time.Second),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      orDefault(s.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       orDefault(s.cfg.IdleTimeout, 120*time.Second),
	}

	if logger := observability.ServerLogger; logger != nil {
		logger.Info("Starting HTTP server",
			zap.String("addr", s.server.Addr),
			zap.Bool("control_api", s.svc != nil),
			zap.Float64("control_rate", s.cfg.ControlRate))
	}

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if logger := observability.ServerLogger; logger != nil {
		logger.Info("Shutting down HTTP server", zap.String("addr", s.server.Addr))
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.cfg.Port
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
