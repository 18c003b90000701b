package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/AgentForge/internal/middleware"
)

// RouterOptions configures the middleware stack built by NewRouter.
type RouterOptions struct {
	CORSOrigin string
	// Tracing wraps every request; nil disables it.
	Tracing func(http.Handler) http.Handler
	// RunLimiter throttles run requests; nil disables it.
	RunLimiter *middleware.RateLimiter
	// WebSocket serves /ws; nil leaves the route unmounted.
	WebSocket http.HandlerFunc
}

// NewRouter builds the chi router with middleware, health, websocket and
// API routes.
func NewRouter(h *Handlers, opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	if opts.Tracing != nil {
		r.Use(opts.Tracing)
	}
	r.Use(middleware.RequestID)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(CORS(opts.CORSOrigin))
	r.Use(SecurityHeaders)

	r.Get("/health", h.Health)
	if opts.WebSocket != nil {
		r.Get("/ws", opts.WebSocket)
	}

	MountRoutes(r, h, opts.RunLimiter)
	return r
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, runLimiter *middleware.RateLimiter) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Agents
		r.Get("/agents", h.ListAgents)

		// Tasks
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/commits", h.ListTaskCommits)
		r.Post("/tasks/{id}/stop", h.StopTask)
		if runLimiter != nil {
			r.With(runLimiter.Handler).Post("/tasks/{id}/run", h.RunTask)
		} else {
			r.Post("/tasks/{id}/run", h.RunTask)
		}
	})
}
