package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/makeasinger/choreo/internal/encoder"
	"github.com/makeasinger/choreo/internal/model"
	"github.com/makeasinger/choreo/internal/retry"
	"github.com/makeasinger/choreo/internal/service"
	"github.com/makeasinger/choreo/internal/status"
	"github.com/makeasinger/choreo/internal/storage"
)

func noSleep(context.Context, time.Duration) error { return nil }

// countingStorage records every fetch before delegating.
type countingStorage struct {
	Storage
	mu      sync.Mutex
	fetches map[string]int
	pushes  int
	onFetch func()
}

func (s *countingStorage) Fetch(ctx context.Context, remote, local string) error {
	s.mu.Lock()
	s.fetches[remote]++
	hook := s.onFetch
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Storage.Fetch(ctx, remote, local)
}

func (s *countingStorage) Push(ctx context.Context, local, remote string) (string, error) {
	s.mu.Lock()
	s.pushes++
	s.mu.Unlock()
	return s.Storage.Push(ctx, local, remote)
}

func (s *countingStorage) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.fetches {
		n += c
	}
	return n
}

type fakeAssembler struct {
	mu    sync.Mutex
	jobs  []encoder.Job
	err   error
	panic bool
}

func (a *fakeAssembler) Assemble(ctx context.Context, job encoder.Job) (*encoder.Output, error) {
	a.mu.Lock()
	a.jobs = append(a.jobs, job)
	a.mu.Unlock()
	if a.panic {
		panic("encoder exploded")
	}
	if a.err != nil {
		return nil, a.err
	}
	out := filepath.Join(job.WorkDir, "output.mp4")
	if err := os.WriteFile(out, []byte("rendered video"), 0o644); err != nil {
		return nil, err
	}
	return &encoder.Output{Path: out, Size: 14, Duration: 8, Strategy: model.StrategySinglePass}, nil
}

type harness struct {
	root     string
	workRoot string
	reporter *status.Reporter
	storage  *countingStorage
	encoder  *fakeAssembler
	runner   *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	for _, name := range []string{"song.mp3", "clips/a.mp4", "clips/b.mp4"} {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("media:"+name), 0o644))
	}
	disk, err := storage.NewLocalDisk(root)
	require.NoError(t, err)

	h := &harness{
		root:     root,
		workRoot: t.TempDir(),
		reporter: status.NewReporter(status.NewMemoryStore(), retry.Default(), nil, status.WithSleeper(noSleep)),
		storage: &countingStorage{
			Storage: storage.NewGateway(disk, retry.Default(), time.Minute, nil, storage.WithSleeper(noSleep)),
			fetches: map[string]int{},
		},
		encoder: &fakeAssembler{},
	}
	h.runner = NewRunner(Config{WorkRoot: h.workRoot, MediaRoot: root}, h.reporter, h.storage, h.encoder, nil)
	return h
}

func blueprintJSON(t *testing.T, taskID string, clips ...string) []byte {
	t.Helper()
	moves := make([]model.MoveEntry, len(clips))
	for i, c := range clips {
		moves[i] = model.MoveEntry{ClipID: c, ClipPath: c, StartTime: float64(i) * 4, Duration: 4, Transition: model.TransitionCut}
	}
	bp := model.Blueprint{
		Version:       model.BlueprintVersion,
		TaskID:        taskID,
		AudioPath:     "song.mp3",
		AudioDuration: float64(len(clips)) * 4,
		Moves:         moves,
		Output:        &model.OutputConfig{Codec: "libx264", Bitrate: "4M"},
	}
	data, err := json.Marshal(bp)
	require.NoError(t, err)
	return data
}

func (h *harness) task(t *testing.T, id string) *model.ChoreographyTask {
	t.Helper()
	task, err := h.reporter.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestRunCompletes(t *testing.T) {
	h := newHarness(t)
	raw := blueprintJSON(t, "task-1", "clips/a.mp4", "clips/b.mp4", "clips/a.mp4")

	outcome, err := h.runner.Run(context.Background(), "", raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Zero(t, outcome.ExitCode())

	task := h.task(t, "task-1")
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	require.NotNil(t, task.Result)
	assert.Equal(t, filepath.Join(h.root, "renders", "task-1", "output.mp4"), task.Result.VideoRef)
	assert.Equal(t, int64(14), task.Result.Size)

	pushed, err := os.ReadFile(task.Result.VideoRef)
	require.NoError(t, err)
	assert.Equal(t, "rendered video", string(pushed))

	// repeated clips are fetched once
	assert.Equal(t, map[string]int{"song.mp3": 1, "clips/a.mp4": 1, "clips/b.mp4": 1}, h.storage.fetches)
	require.Len(t, h.encoder.jobs, 1)
	job := h.encoder.jobs[0]
	assert.Equal(t, job.ClipFiles[0], job.ClipFiles[2])
	assert.NotEqual(t, job.ClipFiles[0], job.ClipFiles[1])

	entries, err := os.ReadDir(filepath.Join(h.workRoot, "task-1"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, lockName, e.Name(), "work dir should be emptied after success")
	}
}

func TestRunRejectsEmptyMovesBeforeStorage(t *testing.T) {
	h := newHarness(t)
	raw := []byte(`{"task_id":"task-2","audio_path":"song.mp3","moves":[],"output_config":{"codec":"libx264","bitrate":"4M"}}`)

	outcome, err := h.runner.Run(context.Background(), "task-2", raw)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 1, outcome.ExitCode())
	assert.Zero(t, h.storage.total())
	assert.Empty(t, h.encoder.jobs)

	task := h.task(t, "task-2")
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Contains(t, *task.Error, "moves array must be non-empty")
}

func TestRunRejectsUnsafePaths(t *testing.T) {
	h := newHarness(t)
	raw := blueprintJSON(t, "task-3", "../../etc/passwd")

	outcome, err := h.runner.Run(context.Background(), "task-3", raw)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Zero(t, h.storage.total())
	assert.Contains(t, *h.task(t, "task-3").Error, "'..'")
}

func TestRunMissingClipFailsWithoutRetries(t *testing.T) {
	h := newHarness(t)
	raw := blueprintJSON(t, "task-4", "clips/a.mp4", "clips/missing.mp4")

	outcome, err := h.runner.Run(context.Background(), "task-4", raw)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, h.storage.fetches["clips/missing.mp4"])
	assert.Empty(t, h.encoder.jobs)

	task := h.task(t, "task-4")
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.Equal(t, "A media file could not be found (download failed)", *task.Error)

	_, statErr := os.Stat(filepath.Join(h.workRoot, "task-4", inputsDir))
	assert.True(t, os.IsNotExist(statErr), "inputs are removed on failure")
}

func TestRunAssemblyFailureKeepsWorkDir(t *testing.T) {
	h := newHarness(t)
	workDir := filepath.Join(h.workRoot, "task-5")
	h.encoder.err = &encoder.AssemblyError{
		Stage:  encoder.StageMux,
		Files:  []string{filepath.Join(workDir, "output.mp4")},
		Output: "Conversion failed!",
		Err:    errors.New("exit status 1"),
	}

	outcome, err := h.runner.Run(context.Background(), "task-5", blueprintJSON(t, "task-5", "clips/a.mp4"))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	var aerr *encoder.AssemblyError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, encoder.StageMux, aerr.Stage)

	task := h.task(t, "task-5")
	require.NotNil(t, task.Error)
	assert.Equal(t, "Video assembly failed during the mux step", *task.Error)
	assert.NotContains(t, *task.Error, h.workRoot)
	assert.DirExists(t, workDir)
	assert.Zero(t, h.storage.pushes)
}

func TestRunPanicIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.encoder.panic = true

	outcome, err := h.runner.Run(context.Background(), "task-6", blueprintJSON(t, "task-6", "clips/a.mp4"))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	task := h.task(t, "task-6")
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.Equal(t, "Internal error during the encode step", *task.Error)

	// the lock was released
	lock := flock.New(filepath.Join(h.workRoot, "task-6", lockName))
	ok, err := lock.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Unlock())
}

func TestRunStopsAtPhaseBoundaryWhenCancelled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var once sync.Once
	h.storage.onFetch = func() {
		once.Do(func() {
			_, err := h.reporter.RequestCancel(ctx, "task-7")
			assert.NoError(t, err)
		})
	}

	outcome, err := h.runner.Run(ctx, "task-7", blueprintJSON(t, "task-7", "clips/a.mp4", "clips/b.mp4"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Zero(t, outcome.ExitCode())
	assert.Empty(t, h.encoder.jobs, "encoding must not start after cancellation")

	task := h.task(t, "task-7")
	assert.Equal(t, model.TaskStatusCancelled, task.Status)
	assert.Equal(t, "Cancelled by user", task.Message)
}

func TestRunStoppedDuringFetchIsCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.storage.onFetch = cancel

	outcome, err := h.runner.Run(ctx, "task-7b", blueprintJSON(t, "task-7b", "clips/a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Zero(t, outcome.ExitCode())
	assert.Empty(t, h.encoder.jobs)

	task := h.task(t, "task-7b")
	assert.Equal(t, model.TaskStatusCancelled, task.Status)
	assert.Equal(t, "Worker stopped before finishing", task.Message)
	assert.Nil(t, task.Error)
}

// completionLosingStore drops its connection whenever a task is about to be
// marked completed.
type completionLosingStore struct {
	*status.MemoryStore
	mu       sync.Mutex
	attempts int
}

func (s *completionLosingStore) Update(ctx context.Context, id string, fn func(*model.ChoreographyTask) error) (*model.ChoreographyTask, error) {
	return s.MemoryStore.Update(ctx, id, func(t *model.ChoreographyTask) error {
		if err := fn(t); err != nil {
			return err
		}
		if t.Status == model.TaskStatusCompleted {
			s.mu.Lock()
			s.attempts++
			s.mu.Unlock()
			return &status.DatabaseError{Op: "update", Connection: true, Err: syscall.ECONNRESET}
		}
		return nil
	})
}

func TestRunFailsWhenCompletionCannotBeRecorded(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zapcore.ErrorLevel)
	store := &completionLosingStore{MemoryStore: status.NewMemoryStore()}
	h.reporter = status.NewReporter(store, retry.Default(), nil, status.WithSleeper(noSleep))
	h.runner = NewRunner(Config{WorkRoot: h.workRoot, MediaRoot: h.root}, h.reporter, h.storage, h.encoder, zap.New(core))

	outcome, err := h.runner.Run(context.Background(), "task-7c", blueprintJSON(t, "task-7c", "clips/a.mp4"))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 1, outcome.ExitCode())
	assert.True(t, status.IsConnectionError(err))
	assert.Equal(t, 3, store.attempts, "the completion write is retried")
	assert.Equal(t, 1, h.storage.pushes)

	entries := logs.FilterMessage("failed to record completion").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "task-7c", entries[0].ContextMap()["task_id"])
	assert.Equal(t, model.TaskStatusRunning, h.task(t, "task-7c").Status)
}

func TestRunSkipsTaskCancelledWhilePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	raw := blueprintJSON(t, "task-8", "clips/a.mp4")
	require.NoError(t, h.reporter.Create(ctx, &model.ChoreographyTask{ID: "task-8"}, raw))
	_, err := h.reporter.RequestCancel(ctx, "task-8")
	require.NoError(t, err)

	outcome, err := h.runner.Run(ctx, "task-8", raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Zero(t, h.storage.total())
}

func TestRunRefusesLockedTask(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(h.workRoot, "task-9")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	held := flock.New(filepath.Join(dir, lockName))
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock()

	outcome, err := h.runner.Run(context.Background(), "task-9", blueprintJSON(t, "task-9", "clips/a.mp4"))
	assert.ErrorIs(t, err, ErrTaskLocked)
	assert.Equal(t, OutcomeFailed, outcome)

	_, err = h.reporter.Get(context.Background(), "task-9")
	assert.ErrorIs(t, err, status.ErrNotFound, "a locked task is left alone")
}

func TestRunRequiresSafeTaskID(t *testing.T) {
	h := newHarness(t)

	_, err := h.runner.Run(context.Background(), "", []byte(`{"moves":[]}`))
	assert.ErrorIs(t, err, ErrNoTaskID)

	_, err = h.runner.Run(context.Background(), "../escape", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNoTaskID)
}

func TestProcessorRunsStoredBlueprint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	raw := blueprintJSON(t, "task-10", "clips/b.mp4")
	require.NoError(t, h.reporter.Create(ctx, &model.ChoreographyTask{ID: "task-10"}, raw))

	p := NewProcessor(h.runner, h.reporter, nil)
	qtask, err := service.NewExecuteTask("task-10")
	require.NoError(t, err)
	require.NoError(t, p.ProcessTask(ctx, qtask))
	assert.Equal(t, model.TaskStatusCompleted, h.task(t, "task-10").Status)

	missing, err := service.NewExecuteTask("nope")
	require.NoError(t, err)
	err = p.ProcessTask(ctx, missing)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = p.ProcessTask(ctx, asynq.NewTask(service.TaskTypeExecute, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "storage exhausted",
			err: &storage.Error{Op: storage.OpPush, Attempts: 3,
				Err: &retry.ExhaustedError{Op: "storage push", Attempts: 3, Last: errors.New("503")}},
			want: "Media storage was unavailable after 3 attempts (upload failed)",
		},
		{
			name: "permission",
			err:  &storage.Error{Op: storage.OpFetch, Err: storage.ErrPermissionDenied},
			want: "Access to media storage was denied (download failed)",
		},
		{
			name: "assembly timeout",
			err:  &encoder.AssemblyError{Stage: encoder.StageConcat, Timeout: true},
			want: "Video assembly timed out during the concat step",
		},
		{
			name: "unknown",
			err:  errors.New("/tmp/choreo/x: boom"),
			want: "Internal error during the upload step",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, userMessage(model.StageUpload, tt.err))
		})
	}
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "failed at /output.mp4", sanitize("failed at /work/t1/output.mp4", "/work/t1", ""))
}
