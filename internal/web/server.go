// Package web provides the HTTP API for listing reports and downloading
// exports and bundles.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/certexport/internal/config"
	"github.com/JonMunkholm/certexport/internal/export"
	mw "github.com/JonMunkholm/certexport/internal/web/middleware"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server is the HTTP server for the export service.
type Server struct {
	service  *export.Service
	cfg      *config.Config
	gatherer prometheus.Gatherer
	health   HealthCheck
	auth     mw.Authorizer
	router   *chi.Mux
	server   *http.Server
	limiters []*rateLimiter
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves metrics from g at cfg.Metrics.Path.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck adds a dependency probe to /healthz.
func WithHealthCheck(h HealthCheck) Option {
	return func(s *Server) { s.health = h }
}

// WithAuthorizer replaces the API-key check on /api routes.
func WithAuthorizer(a mw.Authorizer) Option {
	return func(s *Server) { s.auth = a }
}

// NewServer creates a new Server instance.
func NewServer(service *export.Service, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		service: service,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
//
// Timeout and Compress are not global: a compressed or deadline-bound
// download would defeat streaming, so they only wrap the JSON routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(s.securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/api", func(r chi.Router) {
		if s.auth != nil {
			r.Use(mw.RequireAuth(s.auth))
		} else {
			r.Use(mw.APIKeyAuth(&s.cfg.Security))
		}
		if s.cfg.Rate.Enabled {
			r.Use(s.newRateLimiter(s.cfg.Rate.RequestsPerMinute).middleware)
		}

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
			r.Use(chimw.Compress(5, "application/json"))
			r.Get("/reports", s.handleListReports)
		})

		r.Group(func(r chi.Router) {
			if s.cfg.Rate.Enabled {
				r.Use(s.newRateLimiter(s.cfg.Rate.ExportLimit).middleware)
			}
			r.Get("/reports/bundle", s.handleBundle)
			r.Get("/reports/{report}/export", s.handleExport)
		})
	})
}

func (s *Server) newRateLimiter(perMinute int) *rateLimiter {
	rl := newRateLimiter(perMinute)
	s.limiters = append(s.limiters, rl)
	return rl
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	sc := s.cfg.Server
	s.server = &http.Server{
		Addr:         sc.Addr(),
		Handler:      s.router,
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
		IdleTimeout:  sc.IdleTimeout,
	}

	slog.Info("starting server", "addr", sc.Addr())
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, then waits for in-flight exports to
// release their slots.
func (s *Server) Shutdown(ctx context.Context) error {
	defer func() {
		for _, rl := range s.limiters {
			rl.Close()
		}
	}()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
	}
	if err := s.service.Limiter().WaitForDrain(ctx); err != nil {
		return fmt.Errorf("drain exports: %w", err)
	}
	return nil
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		if s.cfg.Security.EnableCSP {
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}
		next.ServeHTTP(w, r)
	})
}

// healthResponse is the /healthz body.
type healthResponse struct {
	Status  string               `json:"status"`
	Error   string               `json:"error,omitempty"`
	Exports export.LimiterStatus `json:"exports"`
	Time    time.Time            `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Exports: s.service.Limiter().Status(),
		Time:    time.Now().UTC(),
	}
	status := http.StatusOK

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Error = MapError(err).Message
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, status, resp)
}
