package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxnote/voxnote-api/internal/domain"
	"github.com/voxnote/voxnote-api/internal/store"
)

// fakeSubscriber records the frames it receives. The actor delivers
// from its own goroutine, so access is mutex-guarded for the test side.
type fakeSubscriber struct {
	mu        sync.Mutex
	replays   []ReplayFrame
	events    []domain.StageEvent
	failSends bool
}

func (s *fakeSubscriber) SendReplay(frame ReplayFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSends {
		return errors.New("connection gone")
	}
	s.replays = append(s.replays, frame)
	return nil
}

func (s *fakeSubscriber) SendEvent(event domain.StageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSends {
		return errors.New("connection gone")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSubscriber) snapshot() ([]ReplayFrame, []domain.StageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replays := append([]ReplayFrame(nil), s.replays...)
	events := append([]domain.StageEvent(nil), s.events...)
	return replays, events
}

func (s *fakeSubscriber) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSends = true
}

// fakeHistoryStore records SaveHistory calls.
type fakeHistoryStore struct {
	mu    sync.Mutex
	saves int
	err   error
}

func (s *fakeHistoryStore) SaveHistory(_ context.Context, _ uuid.UUID, _ []domain.StageEvent, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return s.err
}

func (s *fakeHistoryStore) LoadHistory(context.Context, uuid.UUID) ([]domain.StageEvent, bool, error) {
	return nil, false, store.ErrHistoryNotFound
}

func (s *fakeHistoryStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// publishConfirmed pushes an event synchronously so tests observe a
// deterministic actor state afterwards.
func publishConfirmed(t *testing.T, a *Actor, event domain.StageEvent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Publish(ctx, event, Confirmed))
}

func progressEvent(taskID uuid.UUID, stage domain.Stage, phase domain.StagePhase) domain.StageEvent {
	return domain.NewStageEvent(taskID, stage, phase)
}

func terminalEvent(taskID uuid.UUID, status domain.TaskStatus) domain.StageEvent {
	event := domain.NewStageEvent(taskID, domain.StagePersist, domain.PhaseCompleted)
	if status == domain.TaskStatusFailed {
		event = domain.NewStageEvent(taskID, domain.StagePersist, domain.PhaseFailed)
	}
	event.OverallStatus = status
	return event
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	a := newActor(taskID, 5, nil, nil)
	defer a.Stop()

	for i := 0; i < 12; i++ {
		publishConfirmed(t, a, progressEvent(taskID, domain.StageGenerate, domain.PhaseStarted))
		assert.LessOrEqual(t, a.HistoryLen(), 5)
	}
	assert.Equal(t, 5, a.HistoryLen())
}

func TestOldestEventsAreEvicted(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	a := newActor(taskID, 3, nil, nil)
	defer a.Stop()

	var sent []domain.StageEvent
	for i := 0; i < 6; i++ {
		event := progressEvent(taskID, domain.StageGenerate, domain.PhaseStarted)
		event.TimestampMs = int64(i) // distinguishable
		sent = append(sent, event)
		publishConfirmed(t, a, event)
	}

	sub := &fakeSubscriber{}
	a.Subscribe(sub)

	replays, _ := sub.snapshot()
	require.Len(t, replays, 1)
	assert.Equal(t, sent[3:], replays[0].Events)
}

func TestMismatchedTaskIDIsRejected(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	a := newActor(taskID, 5, nil, nil)
	defer a.Stop()

	sub := &fakeSubscriber{}
	a.Subscribe(sub)

	publishConfirmed(t, a, progressEvent(uuid.New(), domain.StageTranscribe, domain.PhaseStarted))

	assert.Equal(t, 0, a.HistoryLen())
	_, events := sub.snapshot()
	assert.Empty(t, events)
}

// gatedSubscriber holds every SendEvent open until the gate is closed,
// so a test can pin the actor goroutine inside a delivery.
type gatedSubscriber struct {
	fakeSubscriber
	gate chan struct{}
}

func (s *gatedSubscriber) SendEvent(event domain.StageEvent) error {
	<-s.gate
	return s.fakeSubscriber.SendEvent(event)
}

func TestUnsubscribeWaitsForInFlightSend(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	a := newActor(taskID, 10, nil, nil)
	defer a.Stop()

	sub := &gatedSubscriber{gate: make(chan struct{})}
	a.Subscribe(sub)

	// occupy the actor goroutine inside a send to this subscriber
	require.NoError(t, a.Publish(context.Background(),
		progressEvent(taskID, domain.StageTranscribe, domain.PhaseStarted), BestEffort))

	returned := make(chan struct{})
	go func() {
		a.Unsubscribe(sub)
		close(returned)
	}()

	// Unsubscribe must not return while the delivery is still running
	select {
	case <-returned:
		t.Fatal("Unsubscribe returned before the in-flight send finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(sub.gate)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Unsubscribe did not return after the send finished")
	}

	// the subscriber is out of the live set; later events cannot reach it
	publishConfirmed(t, a, progressEvent(taskID, domain.StageExtract, domain.PhaseStarted))
	_, events := sub.snapshot()
	assert.Len(t, events, 1)
}

func TestCompletedGateDropsLaterEvents(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	a := newActor(taskID, 10, nil, nil)
	defer a.Stop()

	sub := &fakeSubscriber{}
	a.Subscribe(sub)

	publishConfirmed(t, a, terminalEvent(taskID, domain.TaskStatusCompleted))
	require.True(t, a.Completed())
	lenAfterTerminal := a.HistoryLen()

	// a redelivered pipeline run produces duplicate events; all dropped
	publishConfirmed(t, a, progressEvent(taskID, domain.StageTranscribe, domain.PhaseStarted))
	publishConfirmed(t, a, terminalEvent(taskID, domain.TaskStatusCompleted))

	assert.Equal(t, lenAfterTerminal, a.HistoryLen())
	_, events := sub.snapshot()
	assert.Len(t, events, 1) // only the first terminal broadcast
}

func TestReplayPrecedesLiveEvents(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	a := newActor(taskID, 10, nil, nil)
	defer a.Stop()

	var history []domain.StageEvent
	for _, phase := range []domain.StagePhase{domain.PhaseStarted, domain.PhaseCompleted} {
		event := progressEvent(taskID, domain.StageTranscribe, phase)
		history = append(history, event)
		publishConfirmed(t, a, event)
	}

	sub := &fakeSubscriber{}
	a.Subscribe(sub)

	live := progressEvent(taskID, domain.StageExtract, domain.PhaseStarted)
	publishConfirmed(t, a, live)

	replays, events := sub.snapshot()
	require.Len(t, replays, 1)
	assert.Equal(t, ReplayFrameType, replays[0].Type)
	assert.Equal(t, history, replays[0].Events)
	assert.False(t, replays[0].Completed)

	// the live frame arrives only after the full replay
	require.Len(t, events, 1)
	assert.Equal(t, live, events[0])
}

func TestReplayCarriesCompletedFlag(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	a := newActor(taskID, 10, nil, nil)
	defer a.Stop()

	publishConfirmed(t, a, terminalEvent(taskID, domain.TaskStatusFailed))

	sub := &fakeSubscriber{}
	a.Subscribe(sub)

	replays, _ := sub.snapshot()
	require.Len(t, replays, 1)
	assert.True(t, replays[0].Completed)
}

func TestFailingSubscriberIsPruned(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	a := newActor(taskID, 10, nil, nil)
	defer a.Stop()

	healthy := &fakeSubscriber{}
	flaky := &fakeSubscriber{}
	a.Subscribe(healthy)
	a.Subscribe(flaky)

	flaky.fail()

	publishConfirmed(t, a, progressEvent(taskID, domain.StageTranscribe, domain.PhaseStarted))
	publishConfirmed(t, a, progressEvent(taskID, domain.StageTranscribe, domain.PhaseCompleted))

	_, healthyEvents := sub2events(healthy)
	assert.Len(t, healthyEvents, 2)

	// the flaky subscriber was dropped on the first failed send and
	// received nothing afterwards
	_, flakyEvents := sub2events(flaky)
	assert.Empty(t, flakyEvents)
}

func sub2events(s *fakeSubscriber) ([]ReplayFrame, []domain.StageEvent) {
	return s.snapshot()
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	a := newActor(taskID, 10, nil, nil)
	defer a.Stop()

	sub := &fakeSubscriber{}
	a.Subscribe(sub)
	a.Unsubscribe(sub)
	a.Unsubscribe(sub)

	publishConfirmed(t, a, progressEvent(taskID, domain.StageTranscribe, domain.PhaseStarted))
	_, events := sub.snapshot()
	assert.Empty(t, events)
}

func TestHistoryPersistedBestEffort(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	hs := &fakeHistoryStore{}
	a := newActor(taskID, 10, hs, nil)
	defer a.Stop()

	publishConfirmed(t, a, progressEvent(taskID, domain.StageTranscribe, domain.PhaseStarted))

	// the write is async; wait for it
	require.Eventually(t, func() bool {
		return hs.saveCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPersistFailureDoesNotAffectBroadcast(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	hs := &fakeHistoryStore{err: errors.New("redis down")}
	a := newActor(taskID, 10, hs, nil)
	defer a.Stop()

	sub := &fakeSubscriber{}
	a.Subscribe(sub)

	publishConfirmed(t, a, progressEvent(taskID, domain.StageTranscribe, domain.PhaseStarted))

	_, events := sub.snapshot()
	assert.Len(t, events, 1)
	assert.Equal(t, 1, a.HistoryLen())
}

func TestConfirmedPublishTimesOutWhenActorStopped(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	a := newActor(taskID, 10, nil, nil)
	a.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := a.Publish(ctx, progressEvent(taskID, domain.StageTranscribe, domain.PhaseStarted), Confirmed)
	assert.Error(t, err)
}

func TestActorsAreIndependent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(10, nil, nil)
	defer r.Stop()

	const tasks = 8
	const eventsPerTask = 25

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, tasks)
	for i := range ids {
		ids[i] = uuid.New()
	}

	for _, id := range ids {
		wg.Add(1)
		go func(taskID uuid.UUID) {
			defer wg.Done()
			for j := 0; j < eventsPerTask; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				err := r.Publish(ctx, progressEvent(taskID, domain.StageGenerate, domain.PhaseStarted), Confirmed)
				cancel()
				if err != nil {
					panic(fmt.Sprintf("publish failed: %v", err))
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, 10, r.Actor(id).HistoryLen())
	}
}
