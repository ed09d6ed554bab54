package status

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/choreo/internal/model"
	"github.com/makeasinger/choreo/internal/retry"
)

// flakyStore fails the next `failures` Update calls with a connection error.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	err      error
	resets   int
}

func (s *flakyStore) Update(ctx context.Context, id string, fn func(*model.ChoreographyTask) error) (*model.ChoreographyTask, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, s.err
	}
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, id, fn)
}

func (s *flakyStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

type event struct {
	kind   string
	status model.TaskStatus
	code   string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *recordingNotifier) BroadcastProgress(_ string, _ int, status model.TaskStatus, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{kind: "progress", status: status})
}

func (n *recordingNotifier) BroadcastComplete(string, *model.TaskResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{kind: "complete", status: model.TaskStatusCompleted})
}

func (n *recordingNotifier) BroadcastError(_ string, status model.TaskStatus, code, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{kind: "error", status: status, code: code})
}

func noSleep(context.Context, time.Duration) error { return nil }

func newReporter(t *testing.T, store Store, opts ...ReporterOption) *Reporter {
	t.Helper()
	r := NewReporter(store, retry.Default(), nil, append([]ReporterOption{WithSleeper(noSleep)}, opts...)...)
	require.NoError(t, r.Create(context.Background(), &model.ChoreographyTask{ID: "task-1", Message: "queued"}, []byte(`{"task_id":"task-1"}`)))
	return r
}

func TestReporterHappyPath(t *testing.T) {
	ctx := context.Background()
	notes := &recordingNotifier{}
	r := newReporter(t, NewMemoryStore(), WithNotifier(notes))

	task, err := r.MarkRunning(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, task.Status)
	require.NotNil(t, task.StartedAt)

	require.NoError(t, r.Progress(ctx, "task-1", model.StageFetch, 30, "Fetching media"))
	require.NoError(t, r.Progress(ctx, "task-1", model.StageEncode, 20, ""))
	got, err := r.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 30, got.Progress, "progress never goes backwards")
	assert.Equal(t, model.StageEncode, got.Stage)
	assert.Equal(t, "Fetching media", got.Message)

	require.NoError(t, r.Complete(ctx, "task-1", &model.TaskResult{VideoRef: "renders/task-1/output.mp4"}, ""))
	got, err = r.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "renders/task-1/output.mp4", got.Result.VideoRef)
	assert.NotNil(t, got.CompletedAt)

	raw, err := r.Blueprint(ctx, "task-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_id":"task-1"}`, string(raw))

	last := notes.events[len(notes.events)-1]
	assert.Equal(t, "complete", last.kind)
}

func TestReporterTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	r := newReporter(t, NewMemoryStore())
	_, err := r.MarkRunning(ctx, "task-1")
	require.NoError(t, err)
	require.NoError(t, r.Fail(ctx, "task-1", "a clip could not be downloaded"))

	assert.ErrorIs(t, r.Complete(ctx, "task-1", &model.TaskResult{VideoRef: "x"}, ""), ErrTerminal)
	assert.ErrorIs(t, r.Progress(ctx, "task-1", model.StageUpload, 90, ""), ErrTerminal)
	assert.ErrorIs(t, r.Cancelled(ctx, "task-1", ""), ErrTerminal)
	assert.ErrorIs(t, r.Fail(ctx, "task-1", "again"), ErrTerminal)
	_, err = r.RequestCancel(ctx, "task-1")
	assert.ErrorIs(t, err, ErrTerminal)

	got, err := r.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "a clip could not be downloaded", *got.Error)
	assert.Nil(t, got.Result)
}

func TestReporterRejectsSkippingRunning(t *testing.T) {
	r := newReporter(t, NewMemoryStore())
	err := r.Complete(context.Background(), "task-1", &model.TaskResult{VideoRef: "x"}, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRequestCancelPendingCancelsImmediately(t *testing.T) {
	ctx := context.Background()
	notes := &recordingNotifier{}
	r := newReporter(t, NewMemoryStore(), WithNotifier(notes))

	task, err := r.RequestCancel(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, task.Status)

	_, err = r.MarkRunning(ctx, "task-1")
	assert.ErrorIs(t, err, ErrTerminal)

	last := notes.events[len(notes.events)-1]
	assert.Equal(t, event{kind: "error", status: model.TaskStatusCancelled, code: CodeTaskCancelled}, last)
}

func TestRequestCancelRunningSetsFlag(t *testing.T) {
	ctx := context.Background()
	r := newReporter(t, NewMemoryStore())
	_, err := r.MarkRunning(ctx, "task-1")
	require.NoError(t, err)

	requested, err := r.IsCancelRequested(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, requested)

	task, err := r.RequestCancel(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, task.Status)
	assert.True(t, task.CancelRequested)

	requested, err = r.IsCancelRequested(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, r.Cancelled(ctx, "task-1", "Cancelled by user"))
	got, err := r.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, got.Status)
}

func TestReporterResetsPoolOnConnectionErrors(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{
		MemoryStore: NewMemoryStore(),
		failures:    2,
		err:         &DatabaseError{Op: "update", Connection: true, Err: syscall.ECONNRESET},
	}
	r := newReporter(t, store)

	_, err := r.MarkRunning(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.resets)
}

func TestReporterExhaustionIsReported(t *testing.T) {
	store := &flakyStore{
		MemoryStore: NewMemoryStore(),
		failures:    10,
		err:         &DatabaseError{Op: "update", Connection: true, Err: syscall.ECONNREFUSED},
	}
	r := newReporter(t, store)

	_, err := r.MarkRunning(context.Background(), "task-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 2, store.resets)
}

func TestReporterQueryErrorsAreNotRetried(t *testing.T) {
	store := &flakyStore{
		MemoryStore: NewMemoryStore(),
		failures:    1,
		err:         &DatabaseError{Op: "update", Err: errors.New("duplicate key value violates unique constraint")},
	}
	r := newReporter(t, store)

	_, err := r.MarkRunning(context.Background(), "task-1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, retry.ErrExhausted))
	assert.Zero(t, store.resets)
}

func TestReporterUnknownTask(t *testing.T) {
	r := NewReporter(NewMemoryStore(), retry.Default(), nil, WithSleeper(noSleep))
	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.MarkRunning(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
