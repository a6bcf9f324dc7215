// Package redisq implements the durable ingestion queue on Redis
// streams and the best-effort status history store on a Redis hash.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the single stream entry field carrying the JSON message.
const payloadField = "payload"

// Message is one ingestion event: an audio object landed in object
// storage and a task should be processed for it.
type Message struct {
	ObjectRef      string    `json:"objectRef"`
	EventName      string    `json:"eventName"`
	EventTimestamp time.Time `json:"eventTimestamp"`
	TaskID         string    `json:"taskId"`
	OwnerID        string    `json:"ownerId"`
}

// ToJSON serializes the message for the stream entry.
func (m *Message) ToJSON() (string, error) {
	data, err := json.Marshal(m)
	return string(data), err
}

// MessageFromJSON deserializes a stream entry payload.
func MessageFromJSON(data string) (*Message, error) {
	var msg Message
	err := json.Unmarshal([]byte(data), &msg)
	return &msg, err
}

// Delivery is one undecoded entry read from the stream. Decoding is
// left to the consumer so that a malformed payload is handled under
// the consumer's redelivery policy rather than dropped here.
type Delivery struct {
	ID      string
	Payload string
}

// Queue is a durable at-least-once queue over a Redis stream with a
// consumer group. Entries stay pending until acknowledged; entries
// whose consumer died are picked back up through Reclaim.
type Queue struct {
	client *redis.Client
	stream string
	group  string
}

// NewQueue creates the queue and ensures the stream and consumer group
// exist.
func NewQueue(client *redis.Client, stream, group string) (*Queue, error) {
	if err := client.XGroupCreateMkStream(context.Background(), stream, group, "0").Err(); err != nil {
		// The group surviving across restarts is expected.
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("failed to create consumer group: %w", err)
		}
	}

	return &Queue{
		client: client,
		stream: stream,
		group:  group,
	}, nil
}

// Enqueue appends one message to the stream.
func (q *Queue) Enqueue(ctx context.Context, msg *Message) error {
	payload, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode queue message: %w", err)
	}

	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{payloadField: payload},
	}).Err()
}

// ReadBatch blocks up to block waiting for up to count new entries for
// the given consumer. Returns an empty slice on timeout.
func (q *Queue) ReadBatch(ctx context.Context, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var deliveries []Delivery
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			deliveries = append(deliveries, toDelivery(entry))
		}
	}
	return deliveries, nil
}

// Ack removes the entry from the group's pending list. An unacked
// entry is redelivered through Reclaim once its idle time passes the
// reclaim threshold.
func (q *Queue) Ack(ctx context.Context, id string) error {
	return q.client.XAck(ctx, q.stream, q.group, id).Err()
}

// Reclaim transfers ownership of entries that have been pending longer
// than minIdle to the given consumer and returns them for
// reprocessing. This is the crash-recovery path: a consumer that died
// mid-batch leaves its entries pending until another instance reclaims
// them.
func (q *Queue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Delivery, error) {
	entries, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim pending entries: %w", err)
	}

	deliveries := make([]Delivery, 0, len(entries))
	for _, entry := range entries {
		deliveries = append(deliveries, toDelivery(entry))
	}
	return deliveries, nil
}

// toDelivery extracts the payload field from a stream entry. A missing
// or non-string payload yields an empty payload, which the consumer
// treats as malformed.
func toDelivery(entry redis.XMessage) Delivery {
	payload, _ := entry.Values[payloadField].(string)
	return Delivery{ID: entry.ID, Payload: payload}
}
