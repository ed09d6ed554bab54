package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/makeasinger/choreo/internal/retry"
)

// flakyBackend fails the first `failures` calls with err.
type flakyBackend struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	data     []byte
	stored   map[string][]byte
}

func (b *flakyBackend) Name() string { return "fake" }

func (b *flakyBackend) fail() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failures {
		return b.err
	}
	return nil
}

func (b *flakyBackend) Get(_ context.Context, _ string, w io.Writer) error {
	if err := b.fail(); err != nil {
		// simulate a partially written body before the failure
		_, _ = w.Write([]byte("garbage"))
		return err
	}
	_, err := w.Write(b.data)
	return err
}

func (b *flakyBackend) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	if err := b.fail(); err != nil {
		return "", err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stored == nil {
		b.stored = map[string][]byte{}
	}
	b.stored[key] = body
	return "fake://" + key, nil
}

type recordedSleeps struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

var errTransient = errors.New("connection reset by peer")

func newTestGateway(b Backend, logger *zap.Logger) (*Gateway, *recordedSleeps) {
	sleeps := &recordedSleeps{}
	return NewGateway(b, retry.Default(), time.Minute, logger, WithSleeper(sleeps.sleep)), sleeps
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	backend := &flakyBackend{failures: 2, err: errTransient, data: []byte("clip-bytes")}
	gw, sleeps := newTestGateway(backend, zap.New(core))

	local := filepath.Join(t.TempDir(), "inputs", "clip.mp4")
	require.NoError(t, gw.Fetch(context.Background(), "clips/a.mp4", local))

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "clip-bytes", string(got))
	assert.Equal(t, 3, backend.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.waits)

	_, err = os.Stat(local + ".part")
	assert.True(t, os.IsNotExist(err))

	entries := logs.FilterMessage("storage operation").All()
	require.Len(t, entries, 3)
	outcomes := make([]string, len(entries))
	for i, e := range entries {
		ctx := e.ContextMap()
		outcomes[i] = ctx["outcome"].(string)
		assert.Equal(t, "fetch", ctx["operation"])
		assert.Equal(t, "clips/a.mp4", ctx["path"])
		assert.EqualValues(t, i+1, ctx["attempt"])
		assert.Equal(t, "fake", ctx["backend"])
	}
	assert.Equal(t, []string{"retry", "retry", "success"}, outcomes)
}

func TestFetchFatalErrorShortCircuits(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", ErrNotFound, ErrNotFound},
		{"permission denied", ErrPermissionDenied, ErrPermissionDenied},
		{"s3 missing key", classifyS3(&smithy.GenericAPIError{Code: "NoSuchKey"}), ErrNotFound},
		{"s3 access denied", classifyS3(&smithy.GenericAPIError{Code: "AccessDenied"}), ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &flakyBackend{failures: 5, err: tt.err}
			gw, sleeps := newTestGateway(backend, nil)

			local := filepath.Join(t.TempDir(), "clip.mp4")
			err := gw.Fetch(context.Background(), "clips/missing.mp4", local)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 1, backend.calls)
			assert.Empty(t, sleeps.waits)

			var serr *Error
			require.True(t, errors.As(err, &serr))
			assert.False(t, serr.Retryable)
			assert.False(t, serr.Exhausted())
			assert.Equal(t, 1, serr.Attempts)

			_, statErr := os.Stat(local)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestFetchExhaustionIsDistinct(t *testing.T) {
	backend := &flakyBackend{failures: 10, err: context.DeadlineExceeded}
	gw, sleeps := newTestGateway(backend, nil)

	err := gw.Fetch(context.Background(), "clips/slow.mp4", filepath.Join(t.TempDir(), "slow.mp4"))
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.True(t, serr.Exhausted())
	assert.True(t, serr.Retryable)
	assert.Equal(t, 3, serr.Attempts)
	assert.Equal(t, 3, backend.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.waits)
}

func TestPushRetriesAndReturnsReference(t *testing.T) {
	backend := &flakyBackend{failures: 1, err: errTransient}
	gw, sleeps := newTestGateway(backend, nil)

	local := filepath.Join(t.TempDir(), "final.mp4")
	require.NoError(t, os.WriteFile(local, []byte("video"), 0o644))

	ref, err := gw.Push(context.Background(), local, "renders/task-1/final.mp4")
	require.NoError(t, err)
	assert.Equal(t, "fake://renders/task-1/final.mp4", ref)
	assert.Equal(t, []byte("video"), backend.stored["renders/task-1/final.mp4"])
	assert.Equal(t, []time.Duration{time.Second}, sleeps.waits)
}

func TestPushMissingLocalFileIsFatal(t *testing.T) {
	backend := &flakyBackend{}
	gw, _ := newTestGateway(backend, nil)

	_, err := gw.Push(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), "renders/x.mp4")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, backend.calls)
}

func TestFetchStopsOnCancelledContext(t *testing.T) {
	backend := &flakyBackend{failures: 10, err: errTransient}
	gw := NewGateway(backend, retry.Default(), 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := gw.Fetch(ctx, "clips/a.mp4", filepath.Join(t.TempDir(), "a.mp4"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, backend.calls)
}

func TestGatewayAgainstLocalDisk(t *testing.T) {
	disk, err := NewLocalDisk(t.TempDir())
	require.NoError(t, err)
	gw, _ := newTestGateway(disk, nil)

	src := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(src, []byte(strings.Repeat("x", 4096)), 0o644))

	ref, err := gw.Push(context.Background(), src, "renders/t1/out.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(disk.Root(), "renders", "t1", "out.mp4"), ref)

	dst := filepath.Join(t.TempDir(), "back.mp4")
	require.NoError(t, gw.Fetch(context.Background(), "renders/t1/out.mp4", dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Len(t, got, 4096)

	var buf bytes.Buffer
	err = disk.Get(context.Background(), "renders/t1/missing.mp4", &buf)
	assert.ErrorIs(t, err, ErrNotFound)
}
