package redisq

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// startedChannel is the pub/sub channel carrying workflow-started
// notifications for interested services (cache warmers, audit log).
const startedChannel = "voxnote:workflow:started"

// Announcer publishes best-effort workflow notifications over Redis
// pub/sub. Delivery is fire-and-forget: pub/sub has no persistence and
// subscribers that are offline simply miss the notification.
type Announcer struct {
	client *redis.Client
}

// NewAnnouncer creates an Announcer over the given client.
func NewAnnouncer(client *redis.Client) *Announcer {
	return &Announcer{client: client}
}

// NotifyStarted announces that processing has begun for the task.
func (a *Announcer) NotifyStarted(ctx context.Context, taskID uuid.UUID) error {
	return a.client.Publish(ctx, startedChannel, taskID.String()).Err()
}
