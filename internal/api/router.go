package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wmaynard/chat-service-sub000/internal/api/middleware"
	"github.com/wmaynard/chat-service-sub000/internal/handlers"
)

// RouterDeps are the collaborators of the HTTP router.
type RouterDeps struct {
	Logger  zerolog.Logger
	Handler *handlers.Handler
	Auth    *middleware.AuthMiddleware
	Limiter *middleware.RateLimiter
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(16 * 1024))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(d.Logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.AccountHeader, middleware.AdminHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := d.Handler

	// Public routes
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Get("/api", h.Root)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(d.Auth.RequireAuth)
		if d.Limiter != nil {
			r.Use(d.Limiter.Middleware)
		}

		r.Get("/me/rooms", h.MyRooms)

		r.Route("/rooms", func(r chi.Router) {
			r.Get("/global/{language}", h.ListGlobal)
			r.Post("/global/{language}/join", h.JoinGlobal)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/leave", h.Leave)
				r.Get("/messages", h.GetMessages)
				r.Post("/messages", h.PostMessage)
				r.Get("/messages/{msgID}/context", h.MessageContext)
				r.Post("/messages/{msgID}/report", h.ReportMessage)
				r.With(middleware.RequireAdmin).Delete("/", h.DeleteRoom)
			})
		})

		r.Get("/guilds/{id}/room", h.GuildRoom)
		r.Post("/dm/{account}", h.OpenDM)

		r.Get("/stickies", h.ListStickies)
		r.With(middleware.RequireAdmin).Post("/stickies", h.PostSticky)
	})

	return r
}
