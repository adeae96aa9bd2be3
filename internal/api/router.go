package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openclaw/clawsend/internal/api/middleware"
	"github.com/openclaw/clawsend/internal/handlers"
	"github.com/openclaw/clawsend/internal/store"
)

// maxBodyBytes bounds any request body: a 64 KiB payload plus envelope,
// signature and base64 expansion of an encrypted body fits comfortably.
const maxBodyBytes = 128 * 1024

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, s store.Store, h *handlers.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS - allow all origins (agents call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.HeaderVaultID, middleware.HeaderSignature},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	auth := middleware.NewAuthMiddleware(s)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Post("/register/challenge", h.Challenge)
	r.Post("/register", h.Register)
	r.Post("/send", h.Send) // authenticated by the envelope signature
	r.Get("/receive/{vault_id}", h.Receive)
	r.Get("/resolve/{alias}", h.ResolveAlias)
	r.Get("/agents", h.Agents)
	r.Get("/messages/{conversation_id}/log", h.ConversationLog)
	r.Get("/logs/{vault_id}", h.Logs)

	// Signed-request routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/ack/{message_id}", h.Ack)
		r.Post("/alias", h.SetAlias)
		r.Post("/messages/{conversation_id}/outcome", h.SetOutcome)
	})

	return r
}
