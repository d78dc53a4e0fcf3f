package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/noah-isme/toko-paygate/internal/auth"
	"github.com/noah-isme/toko-paygate/internal/common"
	"github.com/noah-isme/toko-paygate/internal/events"
	"github.com/noah-isme/toko-paygate/internal/health"
	"github.com/noah-isme/toko-paygate/internal/obs"
	"github.com/noah-isme/toko-paygate/internal/payment"
	"github.com/noah-isme/toko-paygate/internal/ratelimit"
	"github.com/noah-isme/toko-paygate/internal/security"
)

// NewRouter builds the HTTP surface of the gateway.
func NewRouter(d *Dependencies) http.Handler {
	cfg := d.Config

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if d.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: d.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: d.Logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(security.Headers{EnableHSTS: cfg.HSTSEnabled}.Middleware)

	healthHandler := health.Handler{
		Checker:      health.Probes{DB: d.DB, Redis: d.Redis},
		Processor:    health.BreakerState{Breaker: d.Breaker},
		DBTimeout:    2 * time.Second,
		RedisTimeout: time.Second,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	payments := &payment.Handler{
		Gateway:    d.Gateway,
		Carts:      d.Carts(),
		CartCookie: cfg.CartCookieName,
		Validate:   d.Validator,
	}
	limited := ratelimit.Handler{
		Limiter: d.Limiter,
		OnError: func(err error) {
			d.Logger.Warn().Err(err).Msg("callback rate limiter unavailable")
		},
	}
	r.With(limited.Middleware).Get("/paypal/callback", payments.Callback)

	idem := common.Idem{R: d.Redis, TTL: cfg.IdempotencyTTL}
	operator := auth.Middleware{Service: d.Auth, Scope: auth.ScopeRefund}
	notes := events.NotesHandler{Events: d.Stores.Events}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(security.BodyLimit{Max: cfg.MaxBodyBytes}.Middleware)
		api.Get("/gateway", payments.Settings)
		api.With(idem.Middleware).Post("/checkout/{orderId}/paypal", payments.Checkout)

		api.Route("/admin/orders/{orderId}", func(admin chi.Router) {
			admin.Use(operator.RequireOperator)
			admin.Post("/refund", payments.Refund)
			admin.Get("/notes", notes.List)
		})
	})
	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
