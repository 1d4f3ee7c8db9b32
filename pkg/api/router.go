// Package api provides HTTP API server components.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ordersaga/ordersaga/config"
	"github.com/ordersaga/ordersaga/pkg/api/handlers"
	"github.com/ordersaga/ordersaga/pkg/api/middleware"
	"github.com/ordersaga/ordersaga/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Orders handles order admission, order views and payment callbacks
	Orders *handlers.OrderHandler

	// Sagas handles saga inspection
	Sagas *handlers.SagaHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// WebSocket pushes order status changes
	WebSocket *handlers.WebSocketHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes. The
// websocket endpoint sits outside the wrapping middleware so the connection
// can be hijacked.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(log))

	if handlers.WebSocket != nil {
		r.Get("/ws/orders", handlers.WebSocket.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger(log))
		if cfg.Tracing.Enabled {
			r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
		}
		if handlers.Metrics != nil {
			r.Use(middleware.Metrics(handlers.Metrics, cfg.Metrics.Path))
		}
		r.Use(middleware.CORS(&cfg.Server.CORS))
		if cfg.Server.HTTP.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))
		}

		var admission func(http.Handler) http.Handler
		if rl := cfg.Server.RateLimit; rl.Enabled && rl.RequestsPerSecond > 0 {
			admission = middleware.RateLimit(rl.RequestsPerSecond, rl.Burst)
		}
		RegisterRoutes(r, handlers, admission)
	})

	return r
}

// RegisterRoutes registers all API routes. admission, when set, wraps order
// creation only.
func RegisterRoutes(r chi.Router, handlers *Handlers, admission func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		if handlers.Orders != nil {
			r.Route("/orders", func(r chi.Router) {
				if admission != nil {
					r.With(admission).Post("/", handlers.Orders.SubmitOrder)
				} else {
					r.Post("/", handlers.Orders.SubmitOrder)
				}
				r.Get("/{orderNo}", handlers.Orders.GetOrder)
				r.Post("/{orderNo}/payment", handlers.Orders.PaymentResult)
			})
		}

		if handlers.Sagas != nil {
			r.Route("/sagas", func(r chi.Router) {
				r.Get("/", handlers.Sagas.ListSagas)
				r.Get("/{id}", handlers.Sagas.GetSaga)
			})
		}
	})

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
		r.Get("/status", handlers.Health.Status)
	}
}
