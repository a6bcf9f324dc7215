package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxnote/voxnote-api/internal/domain"
	"github.com/voxnote/voxnote-api/internal/status"
	"github.com/voxnote/voxnote-api/internal/store"
)

// fakeTaskStore records status writes.
type fakeTaskStore struct {
	mu sync.Mutex

	processing    []uuid.UUID
	completed     map[uuid.UUID]completedWrite
	failed        map[uuid.UUID]string
	existing      *domain.Task
	processingErr error
	completeErr   error
	failErr       error
}

type completedWrite struct {
	transcript string
	items      []domain.ExtractedItem
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		completed: make(map[uuid.UUID]completedWrite),
		failed:    make(map[uuid.UUID]string),
	}
}

func (s *fakeTaskStore) Create(context.Context, *domain.Task) error { return nil }

func (s *fakeTaskStore) GetTask(context.Context, uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existing != nil {
		return s.existing, nil
	}
	return nil, store.ErrTaskNotFound
}

func (s *fakeTaskStore) SetProcessing(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processingErr != nil {
		return s.processingErr
	}
	s.processing = append(s.processing, id)
	return nil
}

func (s *fakeTaskStore) SetCompleted(_ context.Context, id uuid.UUID, transcript string, items []domain.ExtractedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	s.completed[id] = completedWrite{transcript: transcript, items: items}
	return nil
}

func (s *fakeTaskStore) SetFailed(_ context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.failed[id] = msg
	return nil
}

// fakeObjectStore serves one object.
type fakeObjectStore struct {
	objects map[string][]byte
	err     error
}

func (s *fakeObjectStore) Get(_ context.Context, ref string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.objects[ref], nil
}

// stage fakes

type fakeTranscriber struct {
	transcript string
	err        error
	calls      int
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte) (string, error) {
	f.calls++
	return f.transcript, f.err
}

type fakeExtractor struct {
	items []domain.ExtractedItem
	err   error
	calls int
}

func (f *fakeExtractor) ExtractItems(context.Context, string) ([]domain.ExtractedItem, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	// hand out copies so the orchestrator's mutations stay its own
	items := make([]domain.ExtractedItem, len(f.items))
	copy(items, f.items)
	return items, nil
}

type fakeGenerator struct {
	content string
	errFor  map[string]error // keyed by prompt
	calls   int
}

func (f *fakeGenerator) GenerateContent(_ context.Context, prompt, _ string) (string, error) {
	f.calls++
	if err := f.errFor[prompt]; err != nil {
		return "", err
	}
	return f.content, nil
}

// capturePublisher records every published event with its guarantee.
type capturePublisher struct {
	mu         sync.Mutex
	events     []domain.StageEvent
	guarantees []status.DeliveryGuarantee
	confirmErr error
}

func (p *capturePublisher) Publish(_ context.Context, event domain.StageEvent, g status.DeliveryGuarantee) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.guarantees = append(p.guarantees, g)
	if g == status.Confirmed && p.confirmErr != nil {
		return p.confirmErr
	}
	return nil
}

func (p *capturePublisher) byStagePhase(stage domain.Stage, phase domain.StagePhase) []domain.StageEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.StageEvent
	for _, e := range p.events {
		if e.Stage == stage && e.Phase == phase {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	orch        *Orchestrator
	tasks       *fakeTaskStore
	objects     *fakeObjectStore
	transcriber *fakeTranscriber
	extractor   *fakeExtractor
	generator   *fakeGenerator
	publisher   *capturePublisher
	taskID      uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{
		tasks:       newFakeTaskStore(),
		objects:     &fakeObjectStore{objects: map[string][]byte{"audio/a.ogg": []byte("OggS...")}},
		transcriber: &fakeTranscriber{transcript: "hello"},
		extractor:   &fakeExtractor{items: []domain.ExtractedItem{{Description: "x"}}},
		generator:   &fakeGenerator{content: "generated"},
		publisher:   &capturePublisher{},
		taskID:      uuid.New(),
	}
	f.orch = NewOrchestrator(
		f.tasks, f.objects, f.transcriber, f.extractor, f.generator, f.publisher, 0, nil)
	return f
}

func TestHappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture()

	result, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, result.Status)
	assert.Empty(t, result.ErrorMessage)

	// end-to-end expectation: transcript and items persisted verbatim,
	// no generated content when no prompt was set
	write, ok := f.tasks.completed[f.taskID]
	require.True(t, ok)
	assert.Equal(t, "hello", write.transcript)
	require.Len(t, write.items, 1)
	assert.Equal(t, "x", write.items[0].Description)
	assert.Nil(t, write.items[0].DueAt)
	assert.Empty(t, write.items[0].GenerationPrompt)
	assert.Empty(t, write.items[0].GeneratedContent)

	assert.Equal(t, []uuid.UUID{f.taskID}, f.tasks.processing)
	assert.Empty(t, f.tasks.failed)
	assert.Zero(t, f.generator.calls) // no prompts, no generation calls
}

func TestStageEventSequence(t *testing.T) {
	t.Parallel()

	f := newFixture()

	_, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	require.NoError(t, err)

	wantOrder := []struct {
		stage domain.Stage
		phase domain.StagePhase
	}{
		{domain.StageTranscribe, domain.PhaseStarted},
		{domain.StageTranscribe, domain.PhaseCompleted},
		{domain.StageExtract, domain.PhaseStarted},
		{domain.StageExtract, domain.PhaseCompleted},
		{domain.StageGenerate, domain.PhaseStarted},
		{domain.StageGenerate, domain.PhaseCompleted},
		{domain.StagePersist, domain.PhaseStarted},
		{domain.StagePersist, domain.PhaseCompleted},
	}

	require.Len(t, f.publisher.events, len(wantOrder))
	for i, want := range wantOrder {
		assert.Equal(t, want.stage, f.publisher.events[i].Stage, "event %d stage", i)
		assert.Equal(t, want.phase, f.publisher.events[i].Phase, "event %d phase", i)
		assert.Equal(t, f.taskID, f.publisher.events[i].TaskID)
	}

	// only the terminal persist event uses confirmed delivery
	for i, g := range f.publisher.guarantees {
		if i == len(f.publisher.guarantees)-1 {
			assert.Equal(t, status.Confirmed, g)
		} else {
			assert.Equal(t, status.BestEffort, g)
		}
	}

	terminal := f.publisher.events[len(f.publisher.events)-1]
	assert.Equal(t, domain.TaskStatusCompleted, terminal.OverallStatus)

	snippets := f.publisher.byStagePhase(domain.StageTranscribe, domain.PhaseCompleted)
	require.Len(t, snippets, 1)
	assert.Equal(t, "hello", snippets[0].TranscriptSnippet)
}

func TestTranscriptionFailureShortCircuits(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.transcriber.err = errors.New("model returned empty transcript")

	result, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	require.NoError(t, err) // business failure stays in-band
	assert.Equal(t, domain.TaskStatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "empty transcript")

	// later stages are never invoked
	assert.Zero(t, f.extractor.calls)
	assert.Zero(t, f.generator.calls)

	// stored error reflects the transcription failure
	assert.Contains(t, f.tasks.failed[f.taskID], "empty transcript")
	assert.Empty(t, f.tasks.completed)

	failures := f.publisher.byStagePhase(domain.StageTranscribe, domain.PhaseFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, domain.TaskStatusFailed, failures[0].OverallStatus)
	assert.Contains(t, failures[0].ErrorMessage, "empty transcript")
}

func TestExtractionFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.extractor.err = errors.New("malformed item list")

	result, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.Zero(t, f.generator.calls)
	assert.Contains(t, f.tasks.failed[f.taskID], "malformed item list")
}

func TestPerItemGenerationIsolation(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.extractor.items = []domain.ExtractedItem{
		{Description: "draft email", GenerationPrompt: "write the email"},
		{Description: "book room", GenerationPrompt: "doomed prompt"},
	}
	f.generator.errFor = map[string]error{"doomed prompt": errors.New("blocked by safety filter")}

	result, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, result.Status)

	write := f.tasks.completed[f.taskID]
	require.Len(t, write.items, 2)
	assert.Equal(t, "generated", write.items[0].GeneratedContent)
	assert.Empty(t, write.items[1].GeneratedContent)

	// generate never emits a failed event
	assert.Empty(t, f.publisher.byStagePhase(domain.StageGenerate, domain.PhaseFailed))
}

func TestItemsWithoutPromptSkipGeneration(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.extractor.items = []domain.ExtractedItem{
		{Description: "no prompt"},
		{Description: "with prompt", GenerationPrompt: "p"},
	}

	_, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	require.NoError(t, err)
	assert.Equal(t, 1, f.generator.calls)
}

func TestMissingAudioObjectFailsTask(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.objects.objects = nil

	result, err := f.orch.Run(context.Background(), f.taskID, "audio/missing.ogg")
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.Contains(t, f.tasks.failed[f.taskID], "not found")
	assert.Zero(t, f.transcriber.calls)
}

func TestObjectStoreOutageIsInfrastructure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.objects.err = errors.New("connection refused")

	_, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	require.Error(t, err)
	assert.True(t, IsInfra(err))
	assert.Empty(t, f.tasks.failed) // infra failures never write task state
}

func TestMetadataOutageIsInfrastructure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.tasks.processingErr = errors.New("db down")

	_, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	assert.True(t, IsInfra(err))
}

func TestPersistOutageIsInfrastructure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.tasks.completeErr = errors.New("db down")

	_, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	assert.True(t, IsInfra(err))
}

func TestFailedStatusWriteOutageIsInfrastructure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.transcriber.err = errors.New("bad audio")
	f.tasks.failErr = errors.New("db down")

	_, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	assert.True(t, IsInfra(err))
}

func TestDuplicateDeliverySkipsCompletedTask(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.tasks.processingErr = store.ErrTaskFinalized
	f.tasks.existing = &domain.Task{
		ID:         f.taskID,
		Status:     domain.TaskStatusCompleted,
		Transcript: "hello",
	}

	result, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, result.Status)

	// no stage reruns, no new writes, no new events
	assert.Zero(t, f.transcriber.calls)
	assert.Empty(t, f.tasks.completed)
	assert.Empty(t, f.tasks.failed)
	assert.Empty(t, f.publisher.events)
}

func TestDuplicateDeliveryKeepsFailedOutcome(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.tasks.processingErr = store.ErrTaskFinalized
	f.tasks.existing = &domain.Task{
		ID:           f.taskID,
		Status:       domain.TaskStatusFailed,
		ErrorMessage: "bad audio",
	}

	result, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.Equal(t, "bad audio", result.ErrorMessage)
	assert.Zero(t, f.transcriber.calls)
}

func TestFinalizedReadFailureIsInfrastructure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.tasks.processingErr = store.ErrTaskFinalized
	// GetTask has nothing to return, so the outcome cannot be reported
	// and the message must come back.
	_, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	require.Error(t, err)
	assert.True(t, IsInfra(err))
}

func TestConcurrentFinalizeDuringPersist(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.tasks.completeErr = store.ErrTaskFinalized
	f.tasks.existing = &domain.Task{
		ID:           f.taskID,
		Status:       domain.TaskStatusFailed,
		ErrorMessage: "raced",
	}

	result, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.Equal(t, "raced", result.ErrorMessage)
}

func TestSnippetKeepsRuneBoundary(t *testing.T) {
	t.Parallel()

	// place a two-byte rune across the cut position
	long := strings.Repeat("a", transcriptSnippetLen-1) + "é" + strings.Repeat("b", 10)
	got := snippet(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", transcriptSnippetLen-1), got)

	ascii := strings.Repeat("x", transcriptSnippetLen+5)
	assert.Equal(t, strings.Repeat("x", transcriptSnippetLen), snippet(ascii))

	short := "fits"
	assert.Equal(t, short, snippet(short))
}

func TestConfirmTimeoutIsNonFatal(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.publisher.confirmErr = context.DeadlineExceeded

	result, err := f.orch.Run(context.Background(), f.taskID, "audio/a.ogg")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, result.Status)
	assert.Contains(t, f.tasks.completed, f.taskID)
}
