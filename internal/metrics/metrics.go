// Package metrics provides Prometheus metrics for monitoring the
// ingestion queue, the pipeline, and the status broadcast layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxnote_queue_messages_consumed_total",
			Help: "Total number of queue messages processed, by disposition",
		},
		[]string{"outcome"},
	)
	MessageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxnote_queue_message_duration_seconds",
			Help:    "End-to-end processing duration per queue message",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)
	MessagesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxnote_queue_messages_reclaimed_total",
			Help: "Total number of pending queue entries reclaimed after a consumer crash",
		},
	)
	StageEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxnote_stage_events_total",
			Help: "Total number of stage events accepted by status actors",
		},
		[]string{"stage", "phase"},
	)
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxnote_stage_events_dropped_total",
			Help: "Total number of stage events rejected by status actors (mismatch, completed gate, or full mailbox)",
		},
	)
	LiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxnote_live_subscribers",
			Help: "Current number of live status stream subscribers",
		},
	)
	SubscribersPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxnote_subscribers_pruned_total",
			Help: "Total number of subscribers dropped after a failed send",
		},
	)
)

// Message outcome labels.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeRedelivered = "redelivered"
)

func RecordMessage(outcome string, duration time.Duration) {
	MessagesConsumed.WithLabelValues(outcome).Inc()
	MessageDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordReclaimed(count int) {
	MessagesReclaimed.Add(float64(count))
}

func RecordStageEvent(stage, phase string) {
	StageEvents.WithLabelValues(stage, phase).Inc()
}

func RecordEventDropped() {
	EventsDropped.Inc()
}

func RecordSubscribed() {
	LiveSubscribers.Inc()
}

func RecordUnsubscribed() {
	LiveSubscribers.Dec()
}

func RecordSubscriberPruned() {
	SubscribersPruned.Inc()
	LiveSubscribers.Dec()
}
