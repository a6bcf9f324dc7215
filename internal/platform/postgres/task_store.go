// Package postgres implements the store interfaces against PostgreSQL
// through database/sql with the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxnote/voxnote-api/internal/domain"
	"github.com/voxnote/voxnote-api/internal/platform/logger"
	"github.com/voxnote/voxnote-api/internal/store"
)

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the
// TaskStore interface. It accepts a database connection or transaction
// that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, log *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}

	if log == nil {
		log = slog.Default()
	}

	return &PostgresTaskStore{
		db:     db,
		logger: log.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// Create implements store.TaskStore.Create
// It saves a new task to the database, handling domain validation.
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return err
	}

	query := `
		INSERT INTO tasks (id, owner_id, status, audio_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		task.ID,
		task.OwnerID,
		task.Status,
		task.AudioRef,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return MapError(err)
	}

	log.Info("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("owner_id", task.OwnerID.String()))
	return nil
}

// GetTask implements store.TaskStore.GetTask
// Returns store.ErrTaskNotFound if the task does not exist.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, owner_id, status, audio_ref, transcript, extracted_items,
		       error_message, created_at, updated_at
		FROM tasks
		WHERE id = $1
	`

	var (
		task       domain.Task
		transcript sql.NullString
		itemsJSON  []byte
		errMsg     sql.NullString
	)

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&task.ID,
		&task.OwnerID,
		&task.Status,
		&task.AudioRef,
		&transcript,
		&itemsJSON,
		&errMsg,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, MapError(err)
	}

	task.Transcript = transcript.String
	task.ErrorMessage = errMsg.String

	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &task.ExtractedItems); err != nil {
			log.Error("failed to decode extracted items",
				slog.String("error", err.Error()),
				slog.String("task_id", id.String()))
			return nil, fmt.Errorf("failed to decode extracted items: %w", err)
		}
	}

	return &task, nil
}

// SetProcessing implements store.TaskStore.SetProcessing
// Returns store.ErrTaskFinalized without touching the row when the task
// already holds a terminal status, so a redelivered queue message for a
// finished task cannot move it back to processing.
func (s *PostgresTaskStore) SetProcessing(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE tasks
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status NOT IN ('completed', 'failed')
	`
	return s.exec(ctx, id, query, domain.TaskStatusProcessing, time.Now().UTC(), id)
}

// SetCompleted implements store.TaskStore.SetCompleted
// The write is a full overwrite of transcript and items. A row that is
// already terminal is left untouched and store.ErrTaskFinalized is
// returned.
func (s *PostgresTaskStore) SetCompleted(
	ctx context.Context,
	id uuid.UUID,
	transcript string,
	items []domain.ExtractedItem,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	itemsJSON, err := json.Marshal(items)
	if err != nil {
		log.Error("failed to encode extracted items",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return fmt.Errorf("failed to encode extracted items: %w", err)
	}

	query := `
		UPDATE tasks
		SET status = $1, transcript = $2, extracted_items = $3,
		    error_message = NULL, updated_at = $4
		WHERE id = $5 AND status NOT IN ('completed', 'failed')
	`
	return s.exec(ctx, id, query,
		domain.TaskStatusCompleted, transcript, itemsJSON, time.Now().UTC(), id)
}

// SetFailed implements store.TaskStore.SetFailed
// Like SetCompleted, a terminal row is never rewritten; the caller
// observes store.ErrTaskFinalized instead.
func (s *PostgresTaskStore) SetFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE tasks
		SET status = $1, error_message = $2, updated_at = $3
		WHERE id = $4 AND status NOT IN ('completed', 'failed')
	`
	return s.exec(ctx, id, query, domain.TaskStatusFailed, errorMessage, time.Now().UTC(), id)
}

// exec runs a single-row status UPDATE. The queries guard on the
// current status, so a zero-row result is ambiguous: the task is either
// missing or already terminal. A follow-up status read resolves which,
// mapping onto ErrTaskNotFound or ErrTaskFinalized.
func (s *PostgresTaskStore) exec(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to update task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return MapError(err)
	}
	if rows == 0 {
		return s.classifyUnmatched(ctx, id)
	}

	return nil
}

// classifyUnmatched resolves a zero-row guarded UPDATE into the
// sentinel the caller needs.
func (s *PostgresTaskStore) classifyUnmatched(ctx context.Context, id uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	var current domain.TaskStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			log.Warn("no task found with ID to update", slog.String("task_id", id.String()))
			return store.ErrTaskNotFound
		}
		return MapError(err)
	}

	if current == domain.TaskStatusCompleted || current == domain.TaskStatusFailed {
		log.Info("status update skipped for finalized task",
			slog.String("task_id", id.String()),
			slog.String("status", string(current)))
		return store.ErrTaskFinalized
	}

	// The row exists and is not terminal, so the guard could not have
	// filtered it; treat the miss as a lost row.
	return store.ErrTaskNotFound
}
