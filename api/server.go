/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Tracing:    W3C trace context extraction
  4. Logger:     zap request logging
  5. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/bots/{botID}/chats/{chatID}/*   Ledger of one chat
  /api/scenarios                       Demo scenarios
  /metrics                             Prometheus exposition
  /healthz                             Store liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind the bot gateway or a private
  network; the operator check is the only authorization.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/observability"
)

// RouterOptions tunes NewRouter.
type RouterOptions struct {
	Metrics        http.Handler // served at /metrics when set
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.ZapLoggerMiddleware(opts.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Get("/api/scenarios", h.ListScenarios)

	r.Route("/api/bots/{botID}/chats/{chatID}", func(r chi.Router) {
		r.Post("/commands", h.PostCommand)
		r.Get("/summary", h.GetSummary)
		r.Get("/items", h.GetItems)
		r.Post("/undo", h.Undo)
		r.Post("/save", h.Save)
		r.Get("/history", h.GetHistory)
		r.Post("/scenario", h.LoadScenario)

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.PutSettings)

		r.Route("/delete-all", func(r chi.Router) {
			r.Post("/", h.RequestDeleteAll)
			r.Post("/confirm", h.ConfirmDeleteAll)
			r.Post("/cancel", h.CancelDeleteAll)
		})
	})

	return r
}
