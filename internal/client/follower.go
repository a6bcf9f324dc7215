package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"resty.dev/v3"

	"github.com/voxnote/voxnote-api/internal/config"
	"github.com/voxnote/voxnote-api/internal/domain"
	"github.com/voxnote/voxnote-api/internal/status"
)

// Reconnection defaults, used when the configuration leaves them unset.
const (
	defaultBackoffBase   = time.Second
	defaultBackoffCap    = 30 * time.Second
	defaultFallbackAfter = 5
	defaultPollInterval  = 10 * time.Second

	snapshotTTL = time.Hour
)

// Follower tracks tasks through the server's SSE status stream. Each
// Follow call owns one goroutine that maintains the connection, folds
// events into a TaskView and emits a snapshot after every change.
type Follower struct {
	baseURL string
	httpc   *http.Client
	rest    *resty.Client
	token   string
	cfg     config.ClientConfig
	cache   *gocache.Cache
	logger  *slog.Logger
}

// New creates a Follower for the given API base URL and bearer token.
func New(baseURL, token string, cfg config.ClientConfig, logger *slog.Logger) *Follower {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.FallbackAfter <= 0 {
		cfg.FallbackAfter = defaultFallbackAfter
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	rest := resty.New()
	rest.SetBaseURL(baseURL)
	if token != "" {
		rest.SetAuthToken(token)
	}

	return &Follower{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc: &http.Client{
			Transport: http.DefaultTransport,
			// No overall timeout: the SSE stream is long-lived. The
			// request context bounds it instead.
		},
		rest:   rest,
		cfg:    cfg,
		cache:  gocache.New(snapshotTTL, 2*snapshotTTL),
		logger: logger.With(slog.String("component", "status_client")),
		token:  token,
	}
}

// Snapshot returns the last view emitted for a task, if any.
func (f *Follower) Snapshot(taskID uuid.UUID) (TaskView, bool) {
	cached, ok := f.cache.Get(taskID.String())
	if !ok {
		return TaskView{}, false
	}
	view, ok := cached.(TaskView)
	return view, ok
}

// Follow starts tracking a task. The returned channel receives a view
// snapshot after every state change and is closed once the task reaches
// a terminal state or the context is cancelled.
func (f *Follower) Follow(ctx context.Context, taskID uuid.UUID) (<-chan TaskView, error) {
	if taskID == uuid.Nil {
		return nil, errors.New("task ID cannot be empty")
	}

	ch := make(chan TaskView, 16)
	go f.run(ctx, taskID, ch)
	return ch, nil
}

func (f *Follower) run(ctx context.Context, taskID uuid.UUID, ch chan<- TaskView) {
	defer close(ch)

	log := f.logger.With(slog.String("task_id", taskID.String()))
	view := newTaskView(taskID)

	emit := func() {
		snapshot := view.clone()
		f.cache.Set(taskID.String(), snapshot, gocache.DefaultExpiration)
		select {
		case ch <- snapshot:
		case <-ctx.Done():
		}
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if failures == 0 && view.Connection == StateDisconnected {
			view.Connection = StateConnecting
		} else {
			view.Connection = StateReconnecting
		}
		emit()

		connected, err := f.stream(ctx, &view, emit)
		if view.Completed {
			f.finish(ctx, &view, emit)
			return
		}
		if ctx.Err() != nil {
			return
		}

		// A connection that delivered its replay counts as success;
		// the failure budget only tracks consecutive failed attempts.
		if connected {
			failures = 0
		}
		failures++

		delay := backoff(f.cfg.BackoffBase, f.cfg.BackoffCap, failures-1)
		polling := failures >= f.cfg.FallbackAfter
		log.Info("stream disconnected, retrying",
			slog.Int("consecutive_failures", failures),
			slog.Duration("delay", delay),
			slog.Bool("polling_fallback", polling),
			slog.String("error", errString(err)))

		if polling {
			view.Connection = StatePolling
		} else {
			view.Connection = StateDisconnected
		}
		emit()

		// Wait out the backoff. Once the failure budget is spent, the
		// wait doubles as a polling loop so progress keeps arriving
		// even while reconnect attempts keep failing; the fallback
		// ends as soon as a connection succeeds or the task finishes.
		deadline := time.Now().Add(delay)
		for {
			if polling {
				if terminal := f.pollOnce(ctx, &view, emit); terminal {
					view.Completed = true
					view.Connection = StateTerminal
					emit()
					return
				}
			}

			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			wait := remaining
			if polling && f.cfg.PollInterval < wait {
				wait = f.cfg.PollInterval
			}

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

// stream opens the SSE connection and folds frames into the view until
// the stream ends. connected reports whether the replay frame arrived.
func (f *Follower) stream(ctx context.Context, view *TaskView, emit func()) (connected bool, err error) {
	url := fmt.Sprintf("%s/api/tasks/%s/events", f.baseURL, view.TaskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream request returned status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	var eventName, data string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return connected, err
		}
		line = strings.TrimRight(line, "\n")

		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && eventName != "":
			if err := f.handleFrame(view, eventName, data); err != nil {
				return connected, err
			}
			if eventName == "history" {
				connected = true
				view.Connection = StateConnected
			}
			eventName, data = "", ""
			emit()
			if view.Completed {
				// Terminal state reached; closing is intentional, not
				// a connection failure.
				return connected, nil
			}
		}
	}
}

func (f *Follower) handleFrame(view *TaskView, eventName, data string) error {
	switch eventName {
	case "history":
		var frame status.ReplayFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return fmt.Errorf("malformed history frame: %w", err)
		}
		// The replay supersedes anything folded in so far.
		view.Stages = make(map[domain.Stage]domain.StagePhase)
		for _, event := range frame.Events {
			view.apply(event)
		}
		if frame.Completed {
			view.Completed = true
		}
		return nil
	case "stage":
		var event domain.StageEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("malformed stage frame: %w", err)
		}
		view.apply(event)
		return nil
	default:
		// Unknown frame types are ignored for forward compatibility.
		return nil
	}
}

// finish resolves the final overall status when the history was
// truncated past the terminal event, then emits the terminal view.
func (f *Follower) finish(ctx context.Context, view *TaskView, emit func()) {
	if view.OverallStatus == "" {
		if record, err := f.fetchTask(ctx, view.TaskID); err == nil {
			view.OverallStatus = domain.TaskStatus(record.Status)
			if record.ErrorMessage != "" {
				view.LastError = record.ErrorMessage
			}
		}
	}
	view.Connection = StateTerminal
	emit()
}

// taskRecord is the slice of the task resource the poller needs.
type taskRecord struct {
	Status       string `json:"status"`
	Transcript   string `json:"transcript"`
	ErrorMessage string `json:"error_message"`
}

func (f *Follower) fetchTask(ctx context.Context, taskID uuid.UUID) (*taskRecord, error) {
	var record taskRecord
	resp, err := f.rest.R().
		SetContext(ctx).
		SetResult(&record).
		Get("/api/tasks/" + taskID.String())
	if err != nil {
		return nil, fmt.Errorf("task poll failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("task poll returned status %d", resp.StatusCode())
	}
	return &record, nil
}

// pollOnce queries the task record directly and folds the overall
// status into the view. Stage-level progress is unavailable through
// this path; only the overall status moves. Returns true once the
// polled status is terminal.
func (f *Follower) pollOnce(ctx context.Context, view *TaskView, emit func()) bool {
	record, err := f.fetchTask(ctx, view.TaskID)
	if err != nil {
		f.logger.Warn("task poll failed",
			slog.String("task_id", view.TaskID.String()),
			slog.String("error", err.Error()))
		return false
	}

	taskStatus := domain.TaskStatus(record.Status)
	if taskStatus != view.OverallStatus {
		view.OverallStatus = taskStatus
		if record.ErrorMessage != "" {
			view.LastError = record.ErrorMessage
		}
		emit()
	}
	return taskStatus == domain.TaskStatusCompleted || taskStatus == domain.TaskStatusFailed
}

// backoff computes min(base << attempt, max).
func backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
