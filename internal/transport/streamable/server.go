package streamable

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hatago/gateway/internal/metrics"
	"github.com/hatago/gateway/internal/session"
)

// Server is the gateway's top-level HTTP listener, assembling the
// Streamable HTTP endpoint, health/drain probes, and the Prometheus
// exposition behind one mux and middleware chain, built with functional
// options and a fixed middleware ordering (MetricsMiddleware outermost, then RequestID, RealIP,
// DNSRebindingProtection, Handler).
type Server struct {
	addr           string
	allowedOrigins []string
	logger         *slog.Logger
	sink           metrics.Sink
	sessions       *session.Store
	gateway        Gateway
	health         *HealthChecker
	extraRoutes    map[string]http.Handler
	extraMiddleware []func(http.Handler) http.Handler

	registry   *prometheus.Registry
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address. Default "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithAllowedOrigins configures DNS-rebinding protection's allowlist.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithLogger sets the server's base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsSink installs the metrics sink MetricsMiddleware records
// through. When unset, a PrometheusSink backed by the server's own
// registry is installed automatically.
func WithMetricsSink(sink metrics.Sink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithHealthChecker installs the health checker backing /health/*.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) { s.health = hc }
}

// WithRoute mounts an extra handler at pattern, for plugin-registered
// routes.
func WithRoute(pattern string, handler http.Handler) Option {
	return func(s *Server) {
		if s.extraRoutes == nil {
			s.extraRoutes = make(map[string]http.Handler)
		}
		s.extraRoutes[pattern] = handler
	}
}

// WithMiddleware appends plugin-attached middleware, applied innermost-first in registration order, between
// DNSRebindingProtection and the MCP handler itself.
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.extraMiddleware = append(s.extraMiddleware, mw) }
}

// New builds a Server around sessions and gw, the tool surface's Gateway
// implementation.
func New(sessions *session.Store, gw Gateway, opts ...Option) *Server {
	s := &Server{
		addr:     "127.0.0.1:8080",
		logger:   slog.Default(),
		sessions: sessions,
		gateway:  gw,
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = NewHealthChecker(sessions)
	}
	if s.sink == nil {
		s.sink = metrics.NewPrometheusSink(s.registry)
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Sink returns the server's metrics sink, so callers wiring circuit
// breakers and tool dispatch can feed it observations outside the HTTP
// request path.
func (s *Server) Sink() metrics.Sink { return s.sink }

// Health returns the server's health checker, for the boot sequence to flip
// SetReady/SetStartupComplete once wiring finishes.
func (s *Server) Health() *HealthChecker { return s.health }

func (s *Server) buildHandler() http.Handler {
	reg := newRegistry()
	mcp := mcpHandler(s.sessions, s.gateway, reg, s.logger)

	for _, mw := range s.extraMiddleware {
		mcp = mw(mcp)
	}
	mcp = DNSRebindingProtection(s.allowedOrigins)(mcp)
	mcp = RealIPMiddleware(mcp)
	mcp = RequestIDMiddleware(s.logger)(mcp)
	mcp = MetricsMiddleware(s.sink)(mcp)

	mux := http.NewServeMux()
	mux.Handle("/health/live", s.health.LiveHandler())
	mux.Handle("/health/ready", s.health.ReadyHandler())
	mux.Handle("/health/startup", s.health.StartupHandler())
	mux.Handle("/drain", s.health.DrainHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for pattern, handler := range s.extraRoutes {
		mux.Handle(pattern, handler)
	}
	mux.Handle("/mcp", mcp)
	mux.Handle("/mcp/", mcp)

	return mux
}

// Start builds the mux and begins accepting connections. It blocks until
// ctx is canceled or the server fails, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.buildHandler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.health.SetDraining(true)

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server outside of Start's own ctx
// handling, for callers driving shutdown from a signal handler directly.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.shutdown()
}
