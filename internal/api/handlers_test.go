package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxnote/voxnote-api/internal/config"
	"github.com/voxnote/voxnote-api/internal/domain"
	"github.com/voxnote/voxnote-api/internal/platform/redisq"
	"github.com/voxnote/voxnote-api/internal/service/auth"
	"github.com/voxnote/voxnote-api/internal/status"
	"github.com/voxnote/voxnote-api/internal/store"
)

const testJWTSecret = "test-secret-that-is-at-least-32-chars-long"

// fakeTaskStore keeps tasks in memory.
type fakeTaskStore struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]*domain.Task
	createErr error
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[uuid.UUID]*domain.Task)}
}

func (s *fakeTaskStore) Create(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

func (s *fakeTaskStore) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	copied := *task
	return &copied, nil
}

func (s *fakeTaskStore) SetProcessing(_ context.Context, id uuid.UUID) error { return nil }

func (s *fakeTaskStore) SetCompleted(
	_ context.Context, id uuid.UUID, transcript string, items []domain.ExtractedItem,
) error {
	return nil
}

func (s *fakeTaskStore) SetFailed(_ context.Context, id uuid.UUID, errorMessage string) error {
	return nil
}

// fakeQueue records enqueued messages.
type fakeQueue struct {
	mu       sync.Mutex
	messages []*redisq.Message
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, msg *redisq.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.messages = append(q.messages, msg)
	return nil
}

type testEnv struct {
	tasks    *fakeTaskStore
	queue    *fakeQueue
	registry *status.Registry
	jwt      auth.JWTService
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	jwtService, err := auth.NewJWTService(config.AuthConfig{JWTSecret: testJWTSecret})
	require.NoError(t, err)

	tasks := newFakeTaskStore()
	queue := &fakeQueue{}
	registry := status.NewRegistry(0, nil, slog.Default())
	t.Cleanup(registry.Stop)

	router := NewRouter(RouterDeps{
		Tasks:      tasks,
		Queue:      queue,
		Registry:   registry,
		JWTService: jwtService,
		Logger:     slog.Default(),
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{
		tasks:    tasks,
		queue:    queue,
		registry: registry,
		jwt:      jwtService,
		server:   server,
	}
}

func (e *testEnv) tokenFor(t *testing.T, ownerID uuid.UUID) string {
	t.Helper()
	token, err := e.jwt.GenerateToken(context.Background(), ownerID)
	require.NoError(t, err)
	return token
}

func (e *testEnv) request(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestIngestCreatesAndQueuesTask(t *testing.T) {
	env := newTestEnv(t)
	ownerID := uuid.New()
	token := env.tokenFor(t, ownerID)

	resp := env.request(t, http.MethodPost, "/api/ingest", token,
		`{"audioRef": "audio/note.ogg"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body IngestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(domain.TaskStatusPending), body.Status)

	taskID, err := uuid.Parse(body.TaskID)
	require.NoError(t, err)

	task, err := env.tasks.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, ownerID, task.OwnerID)
	assert.Equal(t, "audio/note.ogg", task.AudioRef)

	require.Len(t, env.queue.messages, 1)
	msg := env.queue.messages[0]
	assert.Equal(t, "audio/note.ogg", msg.ObjectRef)
	assert.Equal(t, taskID.String(), msg.TaskID)
	assert.Equal(t, ownerID.String(), msg.OwnerID)
}

func TestIngestValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.tokenFor(t, uuid.New())

	resp := env.request(t, http.MethodPost, "/api/ingest", token, `{"audioRef": ""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/ingest", token, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestQueueFailure(t *testing.T) {
	env := newTestEnv(t)
	env.queue.err = errors.New("redis down")
	token := env.tokenFor(t, uuid.New())

	resp := env.request(t, http.MethodPost, "/api/ingest", token,
		`{"audioRef": "audio/note.ogg"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGetTask(t *testing.T) {
	env := newTestEnv(t)
	ownerID := uuid.New()
	token := env.tokenFor(t, ownerID)

	task, err := domain.NewTask(ownerID, "audio/note.ogg")
	require.NoError(t, err)
	task.Transcript = "hello world"
	require.NoError(t, env.tasks.Create(context.Background(), task))

	resp := env.request(t, http.MethodGet, "/api/tasks/"+task.ID.String(), token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, task.ID.String(), body.ID)
	assert.Equal(t, "hello world", body.Transcript)
	assert.Equal(t, string(domain.TaskStatusPending), body.Status)
}

func TestGetTaskOwnershipScoped(t *testing.T) {
	env := newTestEnv(t)

	task, err := domain.NewTask(uuid.New(), "audio/note.ogg")
	require.NoError(t, err)
	require.NoError(t, env.tasks.Create(context.Background(), task))

	// Another owner's task looks exactly like a missing one.
	otherToken := env.tokenFor(t, uuid.New())
	resp := env.request(t, http.MethodGet, "/api/tasks/"+task.ID.String(), otherToken, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.tokenFor(t, uuid.New())

	resp := env.request(t, http.MethodGet, "/api/tasks/"+uuid.NewString(), token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/tasks/not-a-uuid", token, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/api/tasks/"+uuid.NewString(), "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/ingest", "bogus-token",
		`{"audioRef": "audio/note.ogg"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
