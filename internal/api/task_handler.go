// Package api provides HTTP handlers for the API.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voxnote/voxnote-api/internal/api/middleware"
	"github.com/voxnote/voxnote-api/internal/api/shared"
	"github.com/voxnote/voxnote-api/internal/domain"
	"github.com/voxnote/voxnote-api/internal/store"
)

// TaskResponse represents the response data for a task
type TaskResponse struct {
	ID             string                 `json:"id"`
	Status         string                 `json:"status"`
	AudioRef       string                 `json:"audio_ref"`
	Transcript     string                 `json:"transcript,omitempty"`
	ExtractedItems []domain.ExtractedItem `json:"extracted_items,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// NewTaskResponse maps a domain task to its API representation.
func NewTaskResponse(task *domain.Task) TaskResponse {
	return TaskResponse{
		ID:             task.ID.String(),
		Status:         string(task.Status),
		AudioRef:       task.AudioRef,
		Transcript:     task.Transcript,
		ExtractedItems: task.ExtractedItems,
		ErrorMessage:   task.ErrorMessage,
		CreatedAt:      task.CreatedAt,
		UpdatedAt:      task.UpdatedAt,
	}
}

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	tasks  store.TaskStore
	logger *slog.Logger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(tasks store.TaskStore, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}

	return &TaskHandler{
		tasks:  tasks,
		logger: logger.With(slog.String("component", "task_handler")),
	}
}

// GetTask handles GET /api/tasks/{id} requests. It returns the task's
// current record, scoped to the authenticated owner.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
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

	// Another owner's task is indistinguishable from a missing one.
	if task.OwnerID != ownerID {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(task))
}
