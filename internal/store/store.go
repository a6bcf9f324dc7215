// Package store defines the persistence interfaces consumed by the
// pipeline and the API layer, together with the sentinel errors all
// implementations map their backend failures onto.
package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/voxnote/voxnote-api/internal/domain"
)

// DBTX is an interface that abstracts the database access layer.
// It is implemented by both *sql.DB and *sql.Tx, allowing our code
// to work with either a database connection or a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TaskStore defines the interface for task metadata persistence.
// The pipeline orchestrator is the only writer of status transitions;
// the API layer reads through GetTask.
type TaskStore interface {
	// Create saves a new task record. It handles domain validation
	// internally and returns the domain validation error if data is
	// invalid.
	Create(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// SetProcessing marks the task as processing.
	SetProcessing(ctx context.Context, id uuid.UUID) error

	// SetCompleted writes the final transcript and extracted items and
	// marks the task completed. The write is an idempotent overwrite:
	// at-least-once queue delivery may run the same pipeline twice.
	SetCompleted(ctx context.Context, id uuid.UUID, transcript string, items []domain.ExtractedItem) error

	// SetFailed marks the task failed with a user-visible error message.
	SetFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
}

// HistoryStore persists a status actor's event history, best-effort.
// The actor never blocks on it and treats failures as log-only.
type HistoryStore interface {
	// SaveHistory overwrites the stored history and completion flag
	// for a task.
	SaveHistory(ctx context.Context, taskID uuid.UUID, events []domain.StageEvent, completed bool) error

	// LoadHistory retrieves the stored history for a task.
	// Returns ErrHistoryNotFound when nothing has been stored yet.
	LoadHistory(ctx context.Context, taskID uuid.UUID) ([]domain.StageEvent, bool, error)
}

// ObjectStore retrieves uploaded audio bytes by object reference.
type ObjectStore interface {
	// Get fetches the object's bytes. Returns nil bytes (no error)
	// when the object does not exist.
	Get(ctx context.Context, ref string) ([]byte, error)
}
