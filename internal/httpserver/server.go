// Package httpserver wires the gateway's middleware chain and exposes
// its HTTP surface (§6): health/status, pricing and reliability
// lookups, bundle-session lifecycle endpoints, and the catch-all
// proxy hot path. Router assembly (chi.Router, a handlers struct
// carrying every collaborator, grouped middleware registration) is
// adapted from the teacher's internal/httpserver/server.go, trimmed to
// this gateway's own dependency set.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nexusx/gateway/internal/auth"
	"github.com/nexusx/gateway/internal/billing"
	"github.com/nexusx/gateway/internal/bundle"
	"github.com/nexusx/gateway/internal/circuitbreaker"
	"github.com/nexusx/gateway/internal/config"
	"github.com/nexusx/gateway/internal/demandsignal"
	"github.com/nexusx/gateway/internal/idempotency"
	"github.com/nexusx/gateway/internal/logger"
	"github.com/nexusx/gateway/internal/metrics"
	"github.com/nexusx/gateway/internal/paywall"
	"github.com/nexusx/gateway/internal/proxy"
	"github.com/nexusx/gateway/internal/ratelimit"
	"github.com/nexusx/gateway/internal/reliability"
	"github.com/nexusx/gateway/internal/resolver"
	"github.com/nexusx/gateway/internal/store"
)

var startTime = time.Now()

// Deps bundles every collaborator the router needs. Built once in
// cmd/gatewayd and passed to New.
type Deps struct {
	Config      *config.Config
	Store       store.Store
	Authn       *auth.Authenticator
	Challenger  *paywall.Challenger
	RateLimiter *ratelimit.Limiter
	Resolver    *resolver.Resolver
	Proxy       *proxy.Engine
	Biller      *billing.Biller
	Bundles     *bundle.Engine
	Reliability *reliability.Aggregator
	Breaker     *circuitbreaker.Manager
	Metrics     *metrics.Metrics
	Emitter     demandsignal.Emitter
	Idempotency idempotency.Store
	// Submit schedules a detached task, matching internal/worker.Pool's
	// Submit signature. A nil Submit falls back to a bare goroutine per
	// call, used to record reliability outcomes without blocking the
	// response.
	Submit func(task func(ctx context.Context))
	Logger zerolog.Logger
}

// Server owns the chi router and the net/http.Server wrapping it.
type Server struct {
	handlers
	httpServer *http.Server
}

// New builds a Server ready to ListenAndServe.
func New(d Deps) *Server {
	if d.Idempotency == nil {
		d.Idempotency = idempotency.NewMemoryStore()
	}

	router := chi.NewRouter()
	h := handlers{Deps: d}

	configureRouter(router, h)

	return &Server{
		handlers: h,
		httpServer: &http.Server{
			Addr:         d.Config.Server.Address,
			ReadTimeout:  d.Config.Server.ReadTimeout.Duration,
			WriteTimeout: d.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  d.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
}

// ListenAndServe starts the HTTP listener; it blocks until the server
// stops (or fails to start).
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight connections within ctx's
// deadline, called by cmd/gatewayd's signal handler ahead of the rest
// of the collaborator teardown.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func configureRouter(router chi.Router, h handlers) {
	if len(h.Config.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   h.Config.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-NexusX-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(h.Logger))
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)

	router.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(5 * time.Second))
		r.Get("/health", h.health)
		r.Get("/ready", h.ready)
		r.Get("/status", h.status)
		r.Get("/pricing/{slug}", h.pricing)
		r.Get("/reliability/{slug}", h.reliabilityScore)
		r.Handle("/metrics", promhttp.Handler())
	})

	router.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		// Register and Finalize are replay-sensitive: a client retrying
		// after a dropped response must not create a second bundle
		// session or re-run settlement. Idempotency-Key scopes the
		// cached response by method+path+key (§5).
		idempotent := idempotency.Middleware(h.Idempotency, 10*time.Minute)
		r.With(h.requireAuth, idempotent).Post("/bundle-sessions/register", h.registerBundle)
		r.With(h.requireAuth).Get("/bundle-sessions/{id}", h.getBundle)
		r.With(h.requireAuth, idempotent).Post("/bundle-sessions/{id}/finalize", h.finalizeBundle)
	})

	router.Group(func(r chi.Router) {
		upstreamTimeout := time.Duration(h.Config.Upstream.TimeoutMs) * time.Millisecond
		r.Use(chimw.Timeout(upstreamTimeout + 5*time.Second))
		r.Handle("/v1/{listingSlug}/*", http.HandlerFunc(h.proxyCall))
	})
}
