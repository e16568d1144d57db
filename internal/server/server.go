package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/appid"
	"github.com/brokerguard/brokerguard/internal/config"
	apperrors "github.com/brokerguard/brokerguard/internal/errors"
	"github.com/brokerguard/brokerguard/internal/observability"
	"github.com/brokerguard/brokerguard/internal/server/handlers"
	servermw "github.com/brokerguard/brokerguard/internal/server/middleware"
)

// Options configure optional server features.
type Options struct {
	// Status backs /status and /status/alerts; nil leaves them unrouted.
	Status handlers.StatusSource
	// Trace wraps the router with OpenTelemetry HTTP spans.
	Trace bool
	// AdminToken enables POST /admin/signal; empty reads BROKERGUARD_ADMIN_TOKEN.
	AdminToken string
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool
}

// Server is the admin HTTP server.
type Server struct {
	router  *chi.Mux
	handler http.Handler
	cfg     config.ServerConfig
	opts    Options

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New builds the router and registers routes.
func New(cfg config.ServerConfig, opts Options) *Server {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{router: r, cfg: cfg, opts: opts}
	handlers.ErrorResponder = HandleError
	s.registerRoutes()

	s.handler = r
	if opts.Trace {
		s.handler = otelhttp.NewHandler(r, appid.BinaryName,
			otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
				return req.Method + " " + req.URL.Path
			}))
	}
	return s
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Listen binds the listen address. Start calls it when needed.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       orDefault(s.cfg.ReadTimeout, 30*time.Second),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      orDefault(s.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       orDefault(s.cfg.IdleTimeout, 120*time.Second),
	}
	srv, ln := s.server, s.listener
	s.mu.Unlock()

	if logger := observability.ServerLogger; logger != nil {
		logger.Info("Starting HTTP server",
			zap.String("host", s.cfg.Host),
			zap.Int("port", s.cfg.Port),
			zap.String("addr", addr.String()))
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, ln := s.server, s.listener
	s.mu.Unlock()

	if logger := observability.ServerLogger; logger != nil {
		logger.Info("Shutting down HTTP server")
	}
	if srv == nil {
		if ln != nil {
			return ln.Close()
		}
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
