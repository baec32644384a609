package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Resinat/Ballast/internal/service"
)

// Options configures the admin server.
type Options struct {
	Addr         string
	AdminToken   string
	MaxBodyBytes int64
}

// Server wraps the HTTP server and router for the admin API.
type Server struct {
	httpServer *http.Server
	router     chi.Router
}

// NewServer creates an API server wired with all routes.
func NewServer(opts Options, cp *service.ControlPlaneService) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog)
	r.Use(recoverer)

	// Public.
	r.Get("/healthz", HandleHealthz())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(opts.AdminToken))
		r.Use(RequestBodyLimitMiddleware(opts.MaxBodyBytes))

		r.Get("/system/info", HandleSystemInfo(cp))

		r.Get("/models", HandleListModels(cp))
		r.Get("/models/{model}", HandleGetModel(cp))
		r.Post("/models/{model}/actions/optimize", HandleOptimizeModel(cp))

		r.Post("/topology/actions/reload", HandleReloadTopology(cp))
		r.Post("/topology/actions/build", HandleBuildTopology(cp))

		r.Post("/weights/actions/optimize", HandleOptimizeWeights(cp))

		r.Get("/recovery/tickets", HandleListRecoveryTickets(cp))
		r.Get("/recovery/failures", HandleListFailures(cp))
		r.Post("/recovery/actions/trigger", HandleTriggerRecovery(cp))

		r.Get("/events", HandleListEvents(cp))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed on "+r.URL.Path)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		router: r,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the router for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}
