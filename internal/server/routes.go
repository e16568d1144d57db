package server

import (
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/appid"
	"github.com/brokerguard/brokerguard/internal/observability"
	"github.com/brokerguard/brokerguard/internal/server/handlers"
)

func (s *Server) registerRoutes() {
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	if s.opts.Status != nil {
		status := handlers.NewStatusHandlers(s.opts.Status)
		s.router.Get("/status", status.Status)
		s.router.Get("/status/alerts", status.Alerts)
	}

	if s.opts.Pprof {
		s.router.Mount("/debug", chimw.Profiler())
	}

	s.registerAdminEndpoint()
}

// registerAdminEndpoint exposes POST /admin/signal when an admin token is set.
func (s *Server) registerAdminEndpoint() {
	tokenVar := appid.EnvVar("admin_token")
	token := s.opts.AdminToken
	if token == "" {
		token = os.Getenv(tokenVar)
	}

	logger := observability.ServerLogger
	if token == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled", zap.String("env", tokenVar))
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: token,
		RateLimit: 10,
		RateBurst: 5,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Warn("Admin signal endpoint enabled; keep this server off public networks",
			zap.String("path", "/admin/signal"),
			zap.String("rate_limit", "10/min, burst 5"))
	}
}
