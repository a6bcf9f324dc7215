package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voxnote/voxnote-api/internal/domain"
	"github.com/voxnote/voxnote-api/internal/store"
)

// historyKey is the hash holding one JSON document per task id.
const historyKey = "voxnote:status_history"

// storedHistory is the persisted shape of an actor's state.
type storedHistory struct {
	Events    []domain.StageEvent `json:"events"`
	Completed bool                `json:"completed"`
}

// HistoryStore persists status actor histories in a Redis hash.
// Writes are best-effort from the actor's point of view: the actor
// logs failures and moves on.
type HistoryStore struct {
	client *redis.Client
}

// NewHistoryStore creates a HistoryStore over the given client.
func NewHistoryStore(client *redis.Client) *HistoryStore {
	return &HistoryStore{client: client}
}

// Ensure HistoryStore implements store.HistoryStore
var _ store.HistoryStore = (*HistoryStore)(nil)

// SaveHistory overwrites the stored history and completion flag for a task.
func (s *HistoryStore) SaveHistory(
	ctx context.Context,
	taskID uuid.UUID,
	events []domain.StageEvent,
	completed bool,
) error {
	doc, err := json.Marshal(storedHistory{Events: events, Completed: completed})
	if err != nil {
		return fmt.Errorf("failed to encode status history: %w", err)
	}

	return s.client.HSet(ctx, historyKey, taskID.String(), doc).Err()
}

// LoadHistory retrieves the stored history for a task.
// Returns store.ErrHistoryNotFound when nothing has been stored yet.
func (s *HistoryStore) LoadHistory(
	ctx context.Context,
	taskID uuid.UUID,
) ([]domain.StageEvent, bool, error) {
	doc, err := s.client.HGet(ctx, historyKey, taskID.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, store.ErrHistoryNotFound
		}
		return nil, false, fmt.Errorf("failed to load status history: %w", err)
	}

	var stored storedHistory
	if err := json.Unmarshal([]byte(doc), &stored); err != nil {
		return nil, false, fmt.Errorf("failed to decode status history: %w", err)
	}

	return stored.Events, stored.Completed, nil
}
