// Package router assembles the relay and management HTTP surface.
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/thorgate/relay/internal/handlers"
	"github.com/thorgate/relay/internal/metrics"
	"github.com/thorgate/relay/internal/middleware"
	"github.com/thorgate/relay/internal/schema"
)

type Handlers struct {
	Relay    *handlers.RelayHandler
	Accounts *handlers.AccountHandler
	Channels *handlers.ChannelHandler
}

type Config struct {
	Sessions middleware.TokenValidator
	Accounts middleware.AccountLookup
	Bodies   middleware.BodyValidator
	Metrics  *metrics.Metrics
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer           prometheus.Gatherer
	CORSAllowedOrigins []string
	MaxBodyBytes       int64
	// Health reports readiness for /healthz. Nil is always healthy.
	Health func(ctx context.Context) error
}

// New returns the root handler:
//
//	/v1/*       relay, access-key auth inside the dispatcher
//	/api/v1/*   management, session auth (admin for accounts and channels)
//	/metrics    Prometheus
//	/healthz    liveness and database ping
func New(h Handlers, cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Instrument(cfg.Metrics))

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", healthz(cfg.Health))

	r.Route("/v1", func(r chi.Router) {
		r.With(middleware.ValidateBody(cfg.Bodies, schema.KindChat, cfg.MaxBodyBytes)).
			Post("/chat/completions", h.Relay.ChatCompletions)
		r.With(middleware.ValidateBody(cfg.Bodies, schema.KindEmbedding, cfg.MaxBodyBytes)).
			Post("/embeddings", h.Relay.Embeddings)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SessionAuth(cfg.Sessions, cfg.Accounts))

		r.Route("/account", func(r chi.Router) {
			r.Get("/me", h.Accounts.Me)
			r.Patch("/me", h.Accounts.UpdateMe)
			r.Post("/password", h.Accounts.UpdatePassword)
			r.Get("/keys", h.Accounts.ListKeys)
			r.Post("/keys", h.Accounts.IssueKey)
			r.Delete("/keys/{keyID}", h.Accounts.RevokeKey)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", h.Accounts.List)
				r.Post("/", h.Accounts.Create)
				r.Get("/{id}", h.Accounts.Get)
				r.Delete("/{id}", h.Accounts.Delete)
				r.Post("/{id}/credit", h.Accounts.AdjustCredit)
				r.Post("/{id}/disable", h.Accounts.ToggleDisabled)
			})

			r.Route("/channels", func(r chi.Router) {
				r.Get("/", h.Channels.List)
				r.Post("/", h.Channels.Create)
				r.Get("/{id}", h.Channels.Get)
				r.Put("/{id}", h.Channels.Update)
				r.Delete("/{id}", h.Channels.Delete)
				r.Post("/{id}/disable", h.Channels.ToggleEnabled)
				r.Post("/{id}/control-automatically", h.Channels.ToggleAutomatic)
				r.Post("/{id}/order", h.Channels.SetOrder)
				r.Post("/{id}/test", h.Channels.Test)
			})

			r.Get("/providers", h.Channels.ListProviders)
		})
	})

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handlers.HeaderChannelID},
		ExposedHeaders:   []string{handlers.HeaderChannelID, handlers.HeaderSettlement, handlers.HeaderCreditCost},
		AllowCredentials: true,
	}).Handler(r)
}

func healthz(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}
