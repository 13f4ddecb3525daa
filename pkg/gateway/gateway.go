// Package gateway exposes the bridge's operations over HTTP. Routes live
// under /api/bridge/v1alpha1; mutating routes require the operator role.
package gateway

import (
	"crypto/ed25519"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/decentid/identity-bridge/pkg/attestation"
	"github.com/decentid/identity-bridge/pkg/events"
	"github.com/decentid/identity-bridge/pkg/heartbeat"
	"github.com/decentid/identity-bridge/pkg/succession"
)

// BasePath is the route prefix for the bridge API.
const BasePath = "/api/bridge/v1alpha1"

// Gateway is the HTTP surface over the attestation manager, heartbeat
// ledger, succession plans and event trail.
type Gateway struct {
	manager        *attestation.Manager
	ledger         *heartbeat.Ledger
	plans          *succession.PlanStore
	trail          *events.Trail
	auth           *Authenticator
	allowedOrigins []string
	logger         *slog.Logger
	startedAt      time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithOperatorKey sets the public key used to verify operator bearer
// tokens. Without it the gateway runs in trusted-proxy mode.
func WithOperatorKey(key ed25519.PublicKey) Option {
	return func(g *Gateway) {
		g.auth = NewAuthenticator(key)
	}
}

// WithAllowedOrigins sets the CORS allowed origins.
func WithAllowedOrigins(origins []string) Option {
	return func(g *Gateway) {
		g.allowedOrigins = origins
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New creates a gateway over the given collaborators.
func New(
	manager *attestation.Manager,
	ledger *heartbeat.Ledger,
	plans *succession.PlanStore,
	trail *events.Trail,
	opts ...Option,
) *Gateway {
	g := &Gateway{
		manager:        manager,
		ledger:         ledger,
		plans:          plans,
		trail:          trail,
		auth:           NewAuthenticator(nil),
		allowedOrigins: []string{"*"},
		logger:         slog.Default(),
		startedAt:      time.Now(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Router builds the chi router with all bridge routes mounted.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(g.auth.identityMiddleware)
	r.Use(g.requestLogger)

	r.Route(BasePath, func(r chi.Router) {
		r.Post("/attest", g.auth.requireOperator(g.attestHandler))
		r.Post("/tokens/{tokenId}:validate", g.validateHandler)
		r.Post("/tokens/{tokenId}:revoke", g.auth.requireOperator(g.revokeHandler))

		r.Post("/actors", g.auth.requireOperator(g.registerActorHandler))
		r.Get("/actors/{actorId}", g.getActorHandler)
		r.Post("/actors/{actorId}/heartbeat", g.heartbeatHandler)
		r.Post("/actors/{actorId}:evaluate", g.auth.requireOperator(g.evaluateHandler))

		r.Post("/plans", g.auth.requireOperator(g.createPlanHandler))
		r.Get("/plans/{actorId}", g.getPlanHandler)
		r.Delete("/plans/{actorId}", g.auth.requireOperator(g.deletePlanHandler))

		r.Get("/events", g.listEventsHandler)
	})

	r.Get("/healthz", g.healthHandler)
	r.Get("/livez", g.healthHandler)

	return r
}

// requestLogger logs every request with method, path and duration.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Microsecond).String())
	})
}
