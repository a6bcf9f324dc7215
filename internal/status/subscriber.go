package status

import "github.com/voxnote/voxnote-api/internal/domain"

// Subscriber is one live observer connection attached to a task's
// status actor. Implementations are owned by the transport layer (SSE
// handler, test fakes); the actor only ever calls them from its own
// goroutine, so implementations need no internal locking against the
// actor.
type Subscriber interface {
	// SendReplay delivers the one-time history frame. The actor calls
	// this exactly once, at subscription time, before any live event.
	SendReplay(frame ReplayFrame) error

	// SendEvent delivers one live stage event. A returned error prunes
	// the subscriber from the actor's live set.
	SendEvent(event domain.StageEvent) error
}

// ReplayFrame is the bulk history message sent once per subscription.
type ReplayFrame struct {
	Type      string              `json:"type"`
	Events    []domain.StageEvent `json:"events"`
	Completed bool                `json:"completed"`
}

// ReplayFrameType is the fixed wire discriminator of a replay frame.
const ReplayFrameType = "history"

// NewReplayFrame builds a replay frame over a copy of the given events.
func NewReplayFrame(events []domain.StageEvent, completed bool) ReplayFrame {
	copied := make([]domain.StageEvent, len(events))
	copy(copied, events)
	return ReplayFrame{
		Type:      ReplayFrameType,
		Events:    copied,
		Completed: completed,
	}
}
