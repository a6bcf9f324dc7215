// Package status implements the per-task broadcast actor: a bounded
// ordered history of stage events, a set of live subscribers, and a
// completion gate, all mutated through a single serialized mailbox per
// task. Distinct tasks' actors run fully independently; there is no
// global lock anywhere in the fan-out path.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxnote/voxnote-api/internal/domain"
	"github.com/voxnote/voxnote-api/internal/metrics"
	"github.com/voxnote/voxnote-api/internal/store"
)

// DeliveryGuarantee selects how Publish waits on the actor.
type DeliveryGuarantee int

const (
	// BestEffort enqueues the event without waiting. A full mailbox
	// drops the event; the publisher is never blocked.
	BestEffort DeliveryGuarantee = iota

	// Confirmed blocks until the actor has processed the event (or the
	// context expires). Used only for the terminal persist event, so a
	// caller observing task completion in the metadata store can rely
	// on subscribers having been told first.
	Confirmed
)

// DefaultHistoryCapacity bounds the per-task event history.
const DefaultHistoryCapacity = 20

// mailboxSize bounds pending operations per actor. Best-effort events
// past this are dropped rather than blocking the pipeline.
const mailboxSize = 64

// persistTimeout bounds the async best-effort history write.
const persistTimeout = 3 * time.Second

// Actor owns one task's status state. All state transitions run on the
// actor's own goroutine; external callers interact only through
// Publish, Subscribe and Unsubscribe.
type Actor struct {
	taskID   uuid.UUID
	capacity int

	history     []domain.StageEvent
	subscribers map[Subscriber]struct{}
	completed   bool

	ops  chan func()
	stop chan struct{}

	historyStore store.HistoryStore
	logger       *slog.Logger
}

// newActor creates and starts an actor bound to the given task id.
// historyStore may be nil, in which case persistence is skipped.
func newActor(taskID uuid.UUID, capacity int, historyStore store.HistoryStore, log *slog.Logger) *Actor {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	if log == nil {
		log = slog.Default()
	}

	a := &Actor{
		taskID:       taskID,
		capacity:     capacity,
		subscribers:  make(map[Subscriber]struct{}),
		ops:          make(chan func(), mailboxSize),
		stop:         make(chan struct{}),
		historyStore: historyStore,
		logger:       log.With(slog.String("component", "status_actor"), slog.String("task_id", taskID.String())),
	}

	go a.run()
	return a
}

// run is the actor's single-writer loop. Every mutation of history,
// subscribers and the completed flag happens here.
func (a *Actor) run() {
	for {
		select {
		case op := <-a.ops:
			op()
		case <-a.stop:
			return
		}
	}
}

// Publish hands one event to the actor under the requested guarantee.
//
// With BestEffort the call never blocks: a full mailbox drops the event
// and returns nil. With Confirmed the call returns once the actor has
// fully processed the event (history appended, subscribers notified),
// or the context's error if it expires first.
func (a *Actor) Publish(ctx context.Context, event domain.StageEvent, guarantee DeliveryGuarantee) error {
	if guarantee == BestEffort {
		select {
		case a.ops <- func() { a.accept(event) }:
		default:
			a.logger.Warn("actor mailbox full, dropping best-effort event",
				slog.String("stage", string(event.Stage)),
				slog.String("phase", string(event.Phase)))
			metrics.RecordEventDropped()
		}
		return nil
	}

	done := make(chan struct{})
	op := func() {
		a.accept(event)
		close(done)
	}

	select {
	case a.ops <- op:
	case <-ctx.Done():
		return fmt.Errorf("confirmed publish not enqueued: %w", ctx.Err())
	case <-a.stop:
		return fmt.Errorf("actor stopped before confirmed publish")
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("confirmed publish not acknowledged: %w", ctx.Err())
	}
}

// Subscribe registers a connection and synchronously delivers the
// replay frame. When Subscribe returns, the replay has been sent and
// every later event the actor accepts will reach the subscriber as a
// live frame, so a late joiner reconstructs progress deterministically.
func (a *Actor) Subscribe(sub Subscriber) {
	done := make(chan struct{})
	op := func() {
		a.subscribe(sub)
		close(done)
	}

	select {
	case a.ops <- op:
	case <-a.stop:
		return
	}

	select {
	case <-done:
	case <-a.stop:
	}
}

// Unsubscribe removes a connection from the live set; idempotent.
// It returns only after the actor has processed the removal, so the
// caller can free the connection knowing no further send will touch it.
func (a *Actor) Unsubscribe(sub Subscriber) {
	done := make(chan struct{})
	op := func() {
		if _, ok := a.subscribers[sub]; ok {
			delete(a.subscribers, sub)
			metrics.RecordUnsubscribed()
		}
		close(done)
	}

	select {
	case a.ops <- op:
	case <-a.stop:
		return
	}

	select {
	case <-done:
	case <-a.stop:
	}
}

// Completed reports whether the actor has seen a terminal event.
// Snapshot read through the mailbox; used by tests and diagnostics.
func (a *Actor) Completed() bool {
	result := make(chan bool, 1)
	select {
	case a.ops <- func() { result <- a.completed }:
		return <-result
	case <-a.stop:
		return false
	}
}

// HistoryLen reports the current history length through the mailbox.
func (a *Actor) HistoryLen() int {
	result := make(chan int, 1)
	select {
	case a.ops <- func() { result <- len(a.history) }:
		return <-result
	case <-a.stop:
		return 0
	}
}

// accept applies one incoming event. Runs on the actor goroutine.
func (a *Actor) accept(event domain.StageEvent) {
	// An event for a different task must never mutate this actor.
	if event.TaskID != a.taskID {
		a.logger.Warn("rejecting event with mismatched task id",
			slog.String("event_task_id", event.TaskID.String()))
		metrics.RecordEventDropped()
		return
	}

	// After a terminal event the task's story is over; late duplicates
	// from redelivered queue messages are dropped silently.
	if a.completed {
		metrics.RecordEventDropped()
		return
	}

	a.history = append(a.history, event)
	if len(a.history) > a.capacity {
		a.history = a.history[len(a.history)-a.capacity:]
	}

	metrics.RecordStageEvent(string(event.Stage), string(event.Phase))

	terminal := event.IsTerminal()
	a.persistAsync(terminal)

	for sub := range a.subscribers {
		if err := sub.SendEvent(event); err != nil {
			a.logger.Debug("pruning subscriber after failed send",
				slog.String("error", err.Error()))
			delete(a.subscribers, sub)
			metrics.RecordSubscriberPruned()
		}
	}

	if terminal {
		a.completed = true
	}
}

// subscribe registers the connection and sends the replay frame.
// Runs on the actor goroutine.
func (a *Actor) subscribe(sub Subscriber) {
	frame := NewReplayFrame(a.history, a.completed)
	if err := sub.SendReplay(frame); err != nil {
		a.logger.Debug("subscriber failed during replay, not registering",
			slog.String("error", err.Error()))
		return
	}

	a.subscribers[sub] = struct{}{}
	metrics.RecordSubscribed()
}

// persistAsync snapshots the current history and writes it to the
// history store in the background. Failures are logged only; the
// broadcast path never waits on persistence.
func (a *Actor) persistAsync(completed bool) {
	if a.historyStore == nil {
		return
	}

	snapshot := make([]domain.StageEvent, len(a.history))
	copy(snapshot, a.history)
	taskID := a.taskID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := a.historyStore.SaveHistory(ctx, taskID, snapshot, completed); err != nil {
			a.logger.Warn("failed to persist status history",
				slog.String("error", err.Error()))
		}
	}()
}

// Stop terminates the actor's goroutine. Only used at process
// shutdown; actors are otherwise permanent for the task's lifetime.
func (a *Actor) Stop() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
}
