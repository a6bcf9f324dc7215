package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Stage identifies one step of the processing pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageTranscribe Stage = "transcribe"
	StageExtract    Stage = "extract"
	StageGenerate   Stage = "generate"
	StagePersist    Stage = "persist"
)

// StagePhase identifies where within a stage an event was emitted.
type StagePhase string

// Stage phases.
const (
	PhaseStarted   StagePhase = "started"
	PhaseCompleted StagePhase = "completed"
	PhaseFailed    StagePhase = "failed"
)

// Validation errors for StageEvent
var (
	ErrEventEmptyTaskID = errors.New("stage event task ID cannot be empty")
	ErrEventBadStage    = errors.New("stage event has unknown stage")
	ErrEventBadPhase    = errors.New("stage event has unknown phase")
)

// StageEvent is one immutable progress notification for a stage/phase
// of a task's pipeline. Fields after TimestampMs are optional and only
// present where they carry information: DurationMs on completions,
// ErrorMessage on failures, OverallStatus on terminal events,
// TranscriptSnippet on the transcribe completion.
type StageEvent struct {
	TaskID            uuid.UUID  `json:"taskId"`
	Stage             Stage      `json:"stage"`
	Phase             StagePhase `json:"phase"`
	TimestampMs       int64      `json:"timestampMs"`
	DurationMs        int64      `json:"durationMs,omitempty"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	OverallStatus     TaskStatus `json:"overallStatus,omitempty"`
	TranscriptSnippet string     `json:"transcriptSnippet,omitempty"`
}

// NewStageEvent creates a StageEvent for the given task, stage and
// phase, stamped with the current wall clock.
func NewStageEvent(taskID uuid.UUID, stage Stage, phase StagePhase) StageEvent {
	return StageEvent{
		TaskID:      taskID,
		Stage:       stage,
		Phase:       phase,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// Validate checks the event's fixed fields.
func (e StageEvent) Validate() error {
	if e.TaskID == uuid.Nil {
		return ErrEventEmptyTaskID
	}
	switch e.Stage {
	case StageTranscribe, StageExtract, StageGenerate, StagePersist:
	default:
		return ErrEventBadStage
	}
	switch e.Phase {
	case PhaseStarted, PhaseCompleted, PhaseFailed:
	default:
		return ErrEventBadPhase
	}
	return nil
}

// IsTerminal reports whether the event carries a terminal overall
// status, i.e. it is the last event the task will ever emit.
func (e StageEvent) IsTerminal() bool {
	return e.OverallStatus == TaskStatusCompleted || e.OverallStatus == TaskStatusFailed
}
