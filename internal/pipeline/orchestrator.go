// Package pipeline implements the audio processing orchestrator: a
// fixed stage sequence (retrieve audio, transcribe, extract, generate
// per item, persist) that writes terminal task state to the metadata
// store and publishes progress through the status layer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/voxnote/voxnote-api/internal/domain"
	"github.com/voxnote/voxnote-api/internal/status"
	"github.com/voxnote/voxnote-api/internal/store"
)

// transcriptSnippetLen bounds the preview carried on the transcribe
// completion event.
const transcriptSnippetLen = 120

// DefaultConfirmTimeout bounds the wait for confirmed delivery of the
// terminal event when no explicit timeout is configured.
const DefaultConfirmTimeout = 5 * time.Second

// Transcriber converts audio bytes into a transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Extractor pulls action items out of a transcript.
type Extractor interface {
	ExtractItems(ctx context.Context, transcript string) ([]domain.ExtractedItem, error)
}

// ItemGenerator produces auxiliary content for one extracted item's
// generation prompt.
type ItemGenerator interface {
	GenerateContent(ctx context.Context, prompt, transcript string) (string, error)
}

// Orchestrator runs the stage sequence for one task at a time. It is
// stateless between runs and safe for concurrent use across tasks.
type Orchestrator struct {
	tasks       store.TaskStore
	objects     store.ObjectStore
	transcriber Transcriber
	extractor   Extractor
	generator   ItemGenerator
	publisher   status.Publisher

	confirmTimeout time.Duration
	logger         *slog.Logger
}

// NewOrchestrator wires the pipeline's collaborators. confirmTimeout
// bounds the wait on the terminal event's confirmed delivery; zero
// selects DefaultConfirmTimeout.
func NewOrchestrator(
	tasks store.TaskStore,
	objects store.ObjectStore,
	transcriber Transcriber,
	extractor Extractor,
	generator ItemGenerator,
	publisher status.Publisher,
	confirmTimeout time.Duration,
	log *slog.Logger,
) *Orchestrator {
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Orchestrator{
		tasks:          tasks,
		objects:        objects,
		transcriber:    transcriber,
		extractor:      extractor,
		generator:      generator,
		publisher:      publisher,
		confirmTimeout: confirmTimeout,
		logger:         log.With(slog.String("component", "pipeline")),
	}
}

// Run executes the full stage sequence for the task. The returned
// error is non-nil only for infrastructure failures (object store or
// metadata store unreachable); those must bubble to the queue consumer
// and trigger redelivery. Every other failure ends the task in the
// failed terminal state and is reported through the Result.
//
// Once started, a run executes to completion or terminal failure;
// there is no mid-flight cancellation.
func (o *Orchestrator) Run(ctx context.Context, taskID uuid.UUID, audioRef string) (Result, error) {
	log := o.logger.With(slog.String("task_id", taskID.String()))

	if err := o.tasks.SetProcessing(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrTaskFinalized) {
			// Duplicate delivery of a finished task. The stored outcome
			// stands; report it without re-running any stage.
			return o.finalizedResult(ctx, taskID, log)
		}
		return Result{}, Infra("set processing status", err)
	}

	// retrieve-audio: no stage events of its own; a missing object is a
	// business failure surfaced on the transcribe stage, an unreachable
	// store is infrastructure.
	audio, err := o.objects.Get(ctx, audioRef)
	if err != nil {
		return Result{}, Infra("retrieve audio object", err)
	}
	if len(audio) == 0 {
		log.Warn("audio object not found", slog.String("audio_ref", audioRef))
		return o.failStage(ctx, taskID, domain.StageTranscribe,
			fmt.Errorf("audio object %q not found", audioRef))
	}

	// transcribe
	o.emit(ctx, domain.NewStageEvent(taskID, domain.StageTranscribe, domain.PhaseStarted))
	transcribeStart := time.Now()

	transcript, err := o.transcriber.Transcribe(ctx, audio)
	if err != nil {
		log.Warn("transcription failed", slog.String("error", err.Error()))
		return o.failStage(ctx, taskID, domain.StageTranscribe, err)
	}

	completed := domain.NewStageEvent(taskID, domain.StageTranscribe, domain.PhaseCompleted)
	completed.DurationMs = time.Since(transcribeStart).Milliseconds()
	completed.TranscriptSnippet = snippet(transcript)
	o.emit(ctx, completed)

	// extract
	o.emit(ctx, domain.NewStageEvent(taskID, domain.StageExtract, domain.PhaseStarted))
	extractStart := time.Now()

	items, err := o.extractor.ExtractItems(ctx, transcript)
	if err != nil {
		log.Warn("item extraction failed", slog.String("error", err.Error()))
		return o.failStage(ctx, taskID, domain.StageExtract, err)
	}

	completed = domain.NewStageEvent(taskID, domain.StageExtract, domain.PhaseCompleted)
	completed.DurationMs = time.Since(extractStart).Milliseconds()
	o.emit(ctx, completed)

	// generate: each item with a prompt is processed independently. A
	// failure on one item is logged and the item is kept without
	// generated content; the rest of the batch is unaffected. This is
	// the only stage with per-unit fault tolerance.
	o.emit(ctx, domain.NewStageEvent(taskID, domain.StageGenerate, domain.PhaseStarted))
	generateStart := time.Now()

	for i := range items {
		if items[i].GenerationPrompt == "" {
			continue
		}

		content, err := o.generator.GenerateContent(ctx, items[i].GenerationPrompt, transcript)
		if err != nil {
			log.Warn("content generation failed for item",
				slog.Int("item_index", i),
				slog.String("error", err.Error()))
			continue
		}
		items[i].GeneratedContent = content
	}

	completed = domain.NewStageEvent(taskID, domain.StageGenerate, domain.PhaseCompleted)
	completed.DurationMs = time.Since(generateStart).Milliseconds()
	o.emit(ctx, completed)

	// persist
	o.emit(ctx, domain.NewStageEvent(taskID, domain.StagePersist, domain.PhaseStarted))
	persistStart := time.Now()

	if err := o.tasks.SetCompleted(ctx, taskID, transcript, items); err != nil {
		if !errors.Is(err, store.ErrTaskFinalized) {
			return Result{}, Infra("persist completed task", err)
		}
		// A concurrent run already finalized the row; its outcome wins.
		return o.finalizedResult(ctx, taskID, log)
	}

	// The terminal event is the only one with confirmed delivery: the
	// caller must not observe completion in the metadata store before
	// subscribers have been told the task is done.
	terminal := domain.NewStageEvent(taskID, domain.StagePersist, domain.PhaseCompleted)
	terminal.DurationMs = time.Since(persistStart).Milliseconds()
	terminal.OverallStatus = domain.TaskStatusCompleted

	confirmCtx, cancel := context.WithTimeout(ctx, o.confirmTimeout)
	defer cancel()
	if err := o.publisher.Publish(confirmCtx, terminal, status.Confirmed); err != nil {
		// Expiry is non-fatal: the task is durably completed and a
		// subscriber can still recover state through the replay frame.
		log.Warn("confirmed delivery of terminal event not acknowledged",
			slog.String("error", err.Error()))
	}

	log.Info("pipeline completed",
		slog.Int("extracted_items", len(items)),
		slog.Int("transcript_length", len(transcript)))

	return Result{Status: domain.TaskStatusCompleted}, nil
}

// failStage records a business failure on the given stage: a failed
// stage event carrying the terminal status, the failed metadata write,
// and an in-band failure result. A metadata store failure while
// recording the failure is itself infrastructure and propagates.
func (o *Orchestrator) failStage(
	ctx context.Context,
	taskID uuid.UUID,
	stage domain.Stage,
	cause error,
) (Result, error) {
	event := domain.NewStageEvent(taskID, stage, domain.PhaseFailed)
	event.ErrorMessage = cause.Error()
	event.OverallStatus = domain.TaskStatusFailed
	o.emit(ctx, event)

	if err := o.tasks.SetFailed(ctx, taskID, cause.Error()); err != nil {
		if !errors.Is(err, store.ErrTaskFinalized) {
			return Result{}, Infra("set failed status", err)
		}
		return o.finalizedResult(ctx, taskID, o.logger.With(slog.String("task_id", taskID.String())))
	}

	return Result{Status: domain.TaskStatusFailed, ErrorMessage: cause.Error()}, nil
}

// finalizedResult reads back the terminal outcome already recorded for
// the task. The read failing is infrastructure; the message must come
// back so the outcome can be reported on redelivery.
func (o *Orchestrator) finalizedResult(ctx context.Context, taskID uuid.UUID, log *slog.Logger) (Result, error) {
	task, err := o.tasks.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, Infra("read finalized task", err)
	}

	log.Info("task already finalized, skipping run",
		slog.String("status", string(task.Status)))
	return Result{Status: task.Status, ErrorMessage: task.ErrorMessage}, nil
}

// emit publishes a best-effort stage event. Best-effort publishes
// never fail and never block the pipeline.
func (o *Orchestrator) emit(ctx context.Context, event domain.StageEvent) {
	_ = o.publisher.Publish(ctx, event, status.BestEffort)
}

// snippet truncates a transcript for the progress stream, backing up
// to a rune boundary so the cut never produces invalid UTF-8.
func snippet(transcript string) string {
	if len(transcript) <= transcriptSnippetLen {
		return transcript
	}
	cut := transcriptSnippetLen
	for cut > 0 && !utf8.RuneStart(transcript[cut]) {
		cut--
	}
	return transcript[:cut]
}
