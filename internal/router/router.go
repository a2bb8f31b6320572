package router

import (
	"net/http"

	"crypto-payment-service/internal/handler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer
	// Limiter is optional; nil disables rate limiting.
	Limiter *RateLimiter
}

func SetupRoutes(r chi.Router, payments *handler.PaymentHandler, ws http.Handler, opts Options) chi.Router {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// ---- Global Middleware ----
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if ws != nil {
		r.Handle("/ws", ws)
	}

	// ============================================================
	// PAYMENT ROUTES
	// ============================================================
	r.Route("/api/v1", func(api chi.Router) {
		if opts.Limiter != nil {
			api.Use(opts.Limiter.Middleware)
		}

		api.Route("/payments", func(p chi.Router) {
			p.Post("/", payments.Create)
			p.Get("/{id}", payments.Get)
			p.Post("/{id}/cancel", payments.Cancel)
			p.Get("/external/{externalID}", payments.GetByExternal)
		})
		api.Get("/buyers/{buyerID}/payments", payments.ListByBuyer)
	})

	return r
}
