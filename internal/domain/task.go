package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the processing state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Common validation errors for Task
var (
	ErrEmptyTaskID        = errors.New("task ID cannot be empty")
	ErrEmptyTaskOwnerID   = errors.New("task owner ID cannot be empty")
	ErrEmptyAudioRef      = errors.New("task audio reference cannot be empty")
	ErrInvalidTaskStatus  = errors.New("invalid task status")
	ErrStatusNotMonotone  = errors.New("task status cannot move backwards")
	ErrEmptyItemText      = errors.New("extracted item description cannot be empty")
)

// Task represents one audio recording submitted by a user for
// transcription and action-item extraction. It tracks the original
// object reference, the processing state, and the pipeline outputs.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	OwnerID        uuid.UUID       `json:"owner_id"`
	Status         TaskStatus      `json:"status"`
	AudioRef       string          `json:"audio_ref"`
	Transcript     string          `json:"transcript,omitempty"`
	ExtractedItems []ExtractedItem `json:"extracted_items,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ExtractedItem is one action item pulled out of a transcript.
// GeneratedContent is only ever set when the item carried a generation
// prompt and the generation call succeeded.
type ExtractedItem struct {
	Description      string     `json:"description"`
	DueAt            *time.Time `json:"dueAt,omitempty"`
	GenerationPrompt string     `json:"generationPrompt,omitempty"`
	GeneratedContent string     `json:"generatedContent,omitempty"`
}

// Validate checks that the item carries the one required field.
func (i ExtractedItem) Validate() error {
	if i.Description == "" {
		return ErrEmptyItemText
	}
	return nil
}

// NewTask creates a new Task with the given owner and audio object
// reference. It generates a new UUID for the task ID, sets the status
// to pending, and sets the creation/update timestamps.
// Returns an error if validation fails.
func NewTask(ownerID uuid.UUID, audioRef string) (*Task, error) {
	task := &Task{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Status:    TaskStatusPending,
		AudioRef:  audioRef,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
// Returns an error if any field fails validation.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if t.OwnerID == uuid.Nil {
		return ErrEmptyTaskOwnerID
	}

	if t.AudioRef == "" {
		return ErrEmptyAudioRef
	}

	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}

	return nil
}

// UpdateStatus moves the task to a new status and refreshes the
// UpdatedAt timestamp. Transitions are monotone: pending → processing →
// {completed | failed}; a terminal task never changes status again.
func (t *Task) UpdateStatus(status TaskStatus) error {
	if !isValidTaskStatus(status) {
		return ErrInvalidTaskStatus
	}

	if !isValidTransition(t.Status, status) {
		return ErrStatusNotMonotone
	}

	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// IsTerminal reports whether the task has finished processing.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// isValidTaskStatus checks if the given status is a valid TaskStatus.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// isValidTransition enforces the monotone task state machine edges.
func isValidTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case TaskStatusPending:
		return to == TaskStatusProcessing || to == TaskStatusCompleted || to == TaskStatusFailed
	case TaskStatusProcessing:
		return to == TaskStatusCompleted || to == TaskStatusFailed
	default:
		return false
	}
}
