package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apimiddleware "github.com/voxnote/voxnote-api/internal/api/middleware"
	"github.com/voxnote/voxnote-api/internal/service/auth"
	"github.com/voxnote/voxnote-api/internal/status"
	"github.com/voxnote/voxnote-api/internal/store"
)

// RouterDeps carries the dependencies the HTTP surface needs.
type RouterDeps struct {
	Tasks      store.TaskStore
	Queue      Enqueuer
	Registry   *status.Registry
	JWTService auth.JWTService
	Logger     *slog.Logger
}

// NewRouter creates and configures the application router with all
// routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.TraceMiddleware)

	taskHandler := NewTaskHandler(deps.Tasks, deps.Logger)
	ingestHandler := NewIngestHandler(deps.Tasks, deps.Queue, deps.Logger)
	streamHandler := NewStreamHandler(deps.Tasks, deps.Registry, deps.Logger)
	authMiddleware := apimiddleware.NewAuthMiddleware(deps.JWTService)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.Post("/ingest", ingestHandler.Ingest)
			r.Get("/tasks/{id}", taskHandler.GetTask)
			r.Get("/tasks/{id}/events", streamHandler.StreamEvents)
		})
	})

	// Health check endpoint
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			deps.Logger.Error("failed to write health check response", "error", err)
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
