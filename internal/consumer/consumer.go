// Package consumer drives the pipeline from the durable ingestion
// queue: it reads batches of delivery messages, invokes the
// orchestrator once per message, and decides message disposition:
// acknowledge for any business outcome, redeliver only for
// infrastructure failures.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxnote/voxnote-api/internal/metrics"
	"github.com/voxnote/voxnote-api/internal/pipeline"
	"github.com/voxnote/voxnote-api/internal/platform/redisq"
)

// Source is the queue surface the consumer reads from.
// *redisq.Queue implements it.
type Source interface {
	ReadBatch(ctx context.Context, consumer string, count int64, block time.Duration) ([]redisq.Delivery, error)
	Ack(ctx context.Context, id string) error
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]redisq.Delivery, error)
}

// Runner is the orchestrator surface the consumer invokes.
// *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, taskID uuid.UUID, audioRef string) (pipeline.Result, error)
}

// Notifier emits the best-effort workflow-started notification.
// *redisq.Announcer implements it.
type Notifier interface {
	NotifyStarted(ctx context.Context, taskID uuid.UUID) error
}

// Config holds consumer tuning knobs.
type Config struct {
	// Consumer is this instance's name within the consumer group.
	Consumer string

	// BatchSize is the maximum messages fetched per read.
	BatchSize int64

	// Block bounds each blocking read.
	Block time.Duration

	// ReclaimInterval is how often to scan for entries abandoned by a
	// crashed consumer.
	ReclaimInterval time.Duration

	// ReclaimIdle is how long an entry must sit pending before it is
	// considered abandoned.
	ReclaimIdle time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Consumer:        "voxnote-" + uuid.NewString()[:8],
		BatchSize:       8,
		Block:           5 * time.Second,
		ReclaimInterval: time.Minute,
		ReclaimIdle:     5 * time.Minute,
	}
}

// Consumer runs the consume and reclaim loops.
type Consumer struct {
	source   Source
	runner   Runner
	notifier Notifier
	config   Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Consumer. notifier may be nil to disable the
// workflow-started notification.
func New(source Source, runner Runner, notifier Notifier, config Config, log *slog.Logger) *Consumer {
	if config.BatchSize <= 0 {
		config.BatchSize = 8
	}
	if config.Block <= 0 {
		config.Block = 5 * time.Second
	}
	if config.ReclaimInterval <= 0 {
		config.ReclaimInterval = time.Minute
	}
	if config.ReclaimIdle <= 0 {
		config.ReclaimIdle = 5 * time.Minute
	}
	if config.Consumer == "" {
		config.Consumer = "voxnote-" + uuid.NewString()[:8]
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		source:   source,
		runner:   runner,
		notifier: notifier,
		config:   config,
		logger:   log.With(slog.String("component", "queue_consumer"), slog.String("consumer", config.Consumer)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the consume and reclaim loops.
func (c *Consumer) Start() {
	c.wg.Add(2)
	go c.consumeLoop()
	go c.reclaimLoop()
}

// Stop cancels both loops and waits for in-flight work to finish.
// A message being processed at shutdown runs to completion; its
// pipeline is never cancelled mid-flight.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
}

// consumeLoop reads batches until the consumer is stopped.
func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		deliveries, err := c.source.ReadBatch(c.ctx, c.config.Consumer, c.config.BatchSize, c.config.Block)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to read batch", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}

		c.ProcessBatch(deliveries)
	}
}

// reclaimLoop periodically adopts entries left pending by a crashed
// consumer and runs them through the normal processing path.
func (c *Consumer) reclaimLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deliveries, err := c.source.Reclaim(c.ctx, c.config.Consumer, c.config.ReclaimIdle, c.config.BatchSize)
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Error("failed to reclaim pending entries", slog.String("error", err.Error()))
				}
				continue
			}
			if len(deliveries) == 0 {
				continue
			}

			c.logger.Info("reclaimed abandoned entries", slog.Int("count", len(deliveries)))
			metrics.RecordReclaimed(len(deliveries))
			c.ProcessBatch(deliveries)
		}
	}
}

// ProcessBatch handles each delivery independently: a failure on one
// message never prevents processing of the others.
func (c *Consumer) ProcessBatch(deliveries []redisq.Delivery) {
	for _, delivery := range deliveries {
		c.processDelivery(delivery)
	}
}

// processDelivery runs one message through the pipeline and decides
// its disposition. Acknowledgment is withheld, requesting redelivery,
// only when infrastructure failed: a malformed payload that cannot
// reach the orchestrator, an infrastructure error from the pipeline,
// or a panic. Business outcomes, success and failure alike, ack the
// message; the orchestrator has already written the terminal state.
func (c *Consumer) processDelivery(delivery redisq.Delivery) {
	start := time.Now()
	outcome := metrics.OutcomeRedelivered

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while processing message, requesting redelivery",
				slog.String("delivery_id", delivery.ID),
				slog.Any("panic", r))
			outcome = metrics.OutcomeRedelivered
		}
		// The metric is best-effort by construction: prometheus counter
		// updates cannot fail and never affect disposition.
		metrics.RecordMessage(outcome, time.Since(start))
	}()

	log := c.logger.With(slog.String("delivery_id", delivery.ID))

	msg, taskID, err := decode(delivery)
	if err != nil {
		// Malformed before the orchestrator's own error handling:
		// leave unacked so the queue redelivers it.
		log.Error("malformed queue message, requesting redelivery",
			slog.String("error", err.Error()))
		return
	}

	log = log.With(slog.String("task_id", taskID.String()))

	// Once a message is being processed it runs to completion even if
	// Stop cancels the read loops, so the pipeline and the ack execute
	// under a context detached from shutdown.
	runCtx := context.WithoutCancel(c.ctx)

	if c.notifier != nil {
		if err := c.notifier.NotifyStarted(runCtx, taskID); err != nil {
			// Best-effort: never fatal.
			log.Warn("failed to emit workflow-started notification",
				slog.String("error", err.Error()))
		}
	}

	result, err := c.runner.Run(runCtx, taskID, msg.ObjectRef)
	if err != nil {
		// Only genuine infrastructure errors reach this branch; the
		// entry stays pending and will be redelivered.
		log.Error("pipeline infrastructure failure, requesting redelivery",
			slog.String("error", err.Error()))
		return
	}

	if result.Failed() {
		log.Info("pipeline ended in business failure",
			slog.String("error_message", result.ErrorMessage))
		outcome = metrics.OutcomeFailed
	} else {
		log.Info("pipeline completed", slog.Duration("elapsed", time.Since(start)))
		outcome = metrics.OutcomeCompleted
	}

	// Ack for any business outcome. An ack failure is logged only; the
	// resulting duplicate delivery is tolerated because the duplicate
	// run short-circuits on the finalized row and the actor's completed
	// gate drops duplicate events.
	if err := c.source.Ack(runCtx, delivery.ID); err != nil {
		log.Error("failed to acknowledge message", slog.String("error", err.Error()))
	}
}

// decode parses and validates a delivery payload.
func decode(delivery redisq.Delivery) (*redisq.Message, uuid.UUID, error) {
	if delivery.Payload == "" {
		return nil, uuid.Nil, fmt.Errorf("empty payload")
	}

	msg, err := redisq.MessageFromJSON(delivery.Payload)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("invalid payload JSON: %w", err)
	}

	taskID, err := uuid.Parse(msg.TaskID)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("invalid task id %q: %w", msg.TaskID, err)
	}

	if msg.ObjectRef == "" {
		return nil, uuid.Nil, fmt.Errorf("missing object ref")
	}

	return msg, taskID, nil
}
