package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voxnote/voxnote-api/internal/api/middleware"
	"github.com/voxnote/voxnote-api/internal/api/shared"
	"github.com/voxnote/voxnote-api/internal/domain"
	"github.com/voxnote/voxnote-api/internal/status"
	"github.com/voxnote/voxnote-api/internal/store"
)

// heartbeatInterval keeps idle SSE connections from being closed by
// intermediaries.
const heartbeatInterval = 15 * time.Second

// StreamHandler serves per-task status streams over SSE. On connect the
// client receives the recorded history as one frame, then live events
// as they happen.
type StreamHandler struct {
	tasks    store.TaskStore
	registry *status.Registry
	logger   *slog.Logger
}

// NewStreamHandler creates a new StreamHandler
func NewStreamHandler(tasks store.TaskStore, registry *status.Registry, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for StreamHandler")
	}

	return &StreamHandler{
		tasks:    tasks,
		registry: registry,
		logger:   logger.With(slog.String("component", "stream_handler")),
	}
}

// StreamEvents handles GET /api/tasks/{id}/events requests.
func (h *StreamHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.GetOwnerID(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	taskID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	task, err := h.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to retrieve task", err)
		return
	}
	if task.OwnerID != ownerID {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		shared.RespondWithError(w, r, http.StatusInternalServerError,
			"Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := &sseSubscriber{w: w, flusher: flusher}
	h.registry.Subscribe(taskID, sub)
	defer h.registry.Unsubscribe(taskID, sub)

	log := h.logger.With(slog.String("task_id", taskID.String()))
	log.DebugContext(r.Context(), "SSE stream opened")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.DebugContext(r.Context(), "SSE stream closed by client")
			return
		case <-ticker.C:
			if err := sub.sendComment("ping"); err != nil {
				log.DebugContext(r.Context(), "SSE heartbeat failed, closing stream")
				return
			}
		}
	}
}

// sseSubscriber implements status.Subscriber over one SSE connection.
// The status actor and the heartbeat loop write concurrently, so every
// write holds the mutex.
type sseSubscriber struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSubscriber) SendReplay(frame status.ReplayFrame) error {
	return s.send("history", frame)
}

func (s *sseSubscriber) SendEvent(event domain.StageEvent) error {
	return s.send("stage", event)
}

func (s *sseSubscriber) send(eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventName, data); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSubscriber) sendComment(comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, ": %s\n\n", comment); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
