package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxnote/voxnote-api/internal/api/middleware"
	"github.com/voxnote/voxnote-api/internal/api/shared"
	"github.com/voxnote/voxnote-api/internal/domain"
	"github.com/voxnote/voxnote-api/internal/platform/redisq"
	"github.com/voxnote/voxnote-api/internal/store"
)

// IngestRequest asks for a new transcription task for an uploaded audio
// object.
type IngestRequest struct {
	AudioRef string `json:"audioRef" validate:"required"`
}

// IngestResponse acknowledges an accepted ingestion request.
type IngestResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// Enqueuer places a processing message on the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *redisq.Message) error
}

// IngestHandler handles ingestion requests: it records the task and
// queues it for asynchronous processing.
type IngestHandler struct {
	tasks  store.TaskStore
	queue  Enqueuer
	logger *slog.Logger
}

// NewIngestHandler creates a new IngestHandler
func NewIngestHandler(tasks store.TaskStore, queue Enqueuer, logger *slog.Logger) *IngestHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for IngestHandler")
	}

	return &IngestHandler{
		tasks:  tasks,
		queue:  queue,
		logger: logger.With(slog.String("component", "ingest_handler")),
	}
}

// Ingest handles POST /api/ingest requests. Processing is asynchronous:
// the response only acknowledges that the task was queued.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.GetOwnerID(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req IngestRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "audioRef is required")
		return
	}

	task, err := domain.NewTask(ownerID, req.AudioRef)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid audio reference")
		return
	}

	if err := h.tasks.Create(r.Context(), task); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to create task", err)
		return
	}

	msg := &redisq.Message{
		ObjectRef:      task.AudioRef,
		EventName:      "object:created",
		EventTimestamp: time.Now().UTC(),
		TaskID:         task.ID.String(),
		OwnerID:        ownerID.String(),
	}
	if err := h.queue.Enqueue(r.Context(), msg); err != nil {
		// The task row stays pending; without a queue entry nothing
		// will pick it up, so fail the request.
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to queue task", err)
		return
	}

	h.logger.InfoContext(r.Context(), "task queued",
		slog.String("task_id", task.ID.String()),
		slog.String("object_ref", task.AudioRef))

	shared.RespondWithJSON(w, r, http.StatusAccepted, IngestResponse{
		TaskID: task.ID.String(),
		Status: string(task.Status),
	})
}
