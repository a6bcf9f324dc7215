package status

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/voxnote/voxnote-api/internal/domain"
	"github.com/voxnote/voxnote-api/internal/store"
)

// Publisher is the producer-facing surface of the status layer. The
// orchestrator and the queue consumer publish through it without
// knowing about actors or subscriptions.
type Publisher interface {
	Publish(ctx context.Context, event domain.StageEvent, guarantee DeliveryGuarantee) error
}

// Registry maps task ids to their actor instances, creating actors
// lazily on first reference. The map lock only guards actor lookup;
// event flow itself is partitioned per task with no shared locking.
type Registry struct {
	mu     sync.Mutex
	actors map[uuid.UUID]*Actor

	capacity     int
	historyStore store.HistoryStore
	logger       *slog.Logger
}

// Ensure Registry implements Publisher
var _ Publisher = (*Registry)(nil)

// NewRegistry creates an empty actor registry. historyStore may be nil
// to disable history persistence (tests).
func NewRegistry(capacity int, historyStore store.HistoryStore, log *slog.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	if log == nil {
		log = slog.Default()
	}

	return &Registry{
		actors:       make(map[uuid.UUID]*Actor),
		capacity:     capacity,
		historyStore: historyStore,
		logger:       log,
	}
}

// Actor returns the actor bound to the given task id, creating and
// starting it on first reference.
func (r *Registry) Actor(taskID uuid.UUID) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[taskID]; ok {
		return a
	}

	a := newActor(taskID, r.capacity, r.historyStore, r.logger)
	r.actors[taskID] = a
	return a
}

// Publish routes the event to its task's actor under the requested
// delivery guarantee.
func (r *Registry) Publish(ctx context.Context, event domain.StageEvent, guarantee DeliveryGuarantee) error {
	return r.Actor(event.TaskID).Publish(ctx, event, guarantee)
}

// Subscribe attaches a connection to the given task's actor.
func (r *Registry) Subscribe(taskID uuid.UUID, sub Subscriber) {
	r.Actor(taskID).Subscribe(sub)
}

// Unsubscribe detaches a connection; a no-op for unknown tasks.
func (r *Registry) Unsubscribe(taskID uuid.UUID, sub Subscriber) {
	r.mu.Lock()
	a, ok := r.actors[taskID]
	r.mu.Unlock()

	if ok {
		a.Unsubscribe(sub)
	}
}

// Stop terminates every actor goroutine. Called at process shutdown.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.actors {
		a.Stop()
	}
}
