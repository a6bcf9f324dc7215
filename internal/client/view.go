// Package client follows a task's status stream and maintains a local
// view of its progress. It reconnects with exponential backoff when the
// stream drops and falls back to polling when the stream keeps failing.
package client

import (
	"github.com/google/uuid"

	"github.com/voxnote/voxnote-api/internal/domain"
)

// ConnState describes the follower's connection to the status stream.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StatePolling      ConnState = "polling"
	StateTerminal     ConnState = "terminal"
)

// TaskView is the follower's materialized picture of one task. Values
// are copies; the follower goroutine owns the underlying state.
type TaskView struct {
	TaskID     uuid.UUID
	Connection ConnState

	// Stages records the latest phase seen per stage.
	Stages map[domain.Stage]domain.StagePhase

	// TranscriptSnippet is the preview carried on the transcribe
	// completion event.
	TranscriptSnippet string

	// OverallStatus is set once a terminal event or poll result arrives.
	OverallStatus domain.TaskStatus

	// LastError is the most recent stage error message.
	LastError string

	// Completed reports whether the stream reached its terminal event.
	Completed bool
}

func newTaskView(taskID uuid.UUID) TaskView {
	return TaskView{
		TaskID:     taskID,
		Connection: StateDisconnected,
		Stages:     make(map[domain.Stage]domain.StagePhase),
	}
}

// clone returns an independent copy safe to hand to consumers.
func (v TaskView) clone() TaskView {
	stages := make(map[domain.Stage]domain.StagePhase, len(v.Stages))
	for stage, phase := range v.Stages {
		stages[stage] = phase
	}
	v.Stages = stages
	return v
}

// apply folds one stage event into the view.
func (v *TaskView) apply(event domain.StageEvent) {
	v.Stages[event.Stage] = event.Phase

	if event.TranscriptSnippet != "" {
		v.TranscriptSnippet = event.TranscriptSnippet
	}
	if event.ErrorMessage != "" {
		v.LastError = event.ErrorMessage
	}
	if event.OverallStatus != "" {
		v.OverallStatus = event.OverallStatus
	}
	if event.IsTerminal() {
		v.Completed = true
	}
}
