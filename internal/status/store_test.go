package status

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/makeasinger/choreo/internal/model"
)

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	task := &model.ChoreographyTask{ID: "t1", Status: model.TaskStatusPending}
	require.NoError(t, s.Create(ctx, task))
	assert.ErrorIs(t, s.Create(ctx, task), ErrExists)

	task.Status = model.TaskStatusFailed
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status, "store must not alias caller memory")

	_, err = s.Update(ctx, "t1", func(t *model.ChoreographyTask) error {
		t.Progress = 50
		return errors.New("abort")
	})
	require.Error(t, err)
	got, err = s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, got.Progress, "failed update must not persist")

	_, err = s.GetBlueprint(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClassifyRedis(t *testing.T) {
	assert.ErrorIs(t, classifyRedis("get", redis.Nil), ErrNotFound)
	assert.True(t, IsConnectionError(classifyRedis("get", redis.ErrClosed)))
	assert.True(t, IsConnectionError(classifyRedis("get", io.EOF)))
	assert.True(t, IsConnectionError(classifyRedis("get", fmt.Errorf("dial: %w", syscall.ECONNREFUSED))))
	assert.False(t, IsConnectionError(classifyRedis("get", errors.New("WRONGTYPE Operation against a key"))))
	assert.ErrorIs(t, classifyRedis("get", context.Canceled), context.Canceled)
}

func TestClassifySQL(t *testing.T) {
	assert.ErrorIs(t, classifySQL("get", gorm.ErrRecordNotFound), ErrNotFound)
	assert.True(t, IsConnectionError(classifySQL("get", driver.ErrBadConn)))
	assert.True(t, IsConnectionError(classifySQL("get", &pgconn.PgError{Code: "08006"})))
	assert.True(t, IsConnectionError(classifySQL("get", &pgconn.PgError{Code: "57P01"})))
	assert.False(t, IsConnectionError(classifySQL("get", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsConnectionError(classifySQL("get", errors.New("syntax error"))))
}

func TestWithConnectTimeout(t *testing.T) {
	assert.Equal(t,
		"postgres://u:p@db:5432/choreo?connect_timeout=10&sslmode=disable",
		withConnectTimeout("postgres://u:p@db:5432/choreo?sslmode=disable", 10*time.Second))
	assert.Equal(t,
		"host=db user=u connect_timeout=10",
		withConnectTimeout("host=db user=u", 10*time.Second))
	assert.Equal(t,
		"host=db connect_timeout=3",
		withConnectTimeout("host=db connect_timeout=3", 10*time.Second))
}

func TestTaskRecordRoundTrip(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := "encoder failed"
	task := &model.ChoreographyTask{
		ID:              "t1",
		Status:          model.TaskStatusFailed,
		Progress:        40,
		Stage:           model.StageEncode,
		Message:         "relaxed",
		Error:           &msg,
		CancelRequested: true,
		FallbackLevel:   2,
		StartedAt:       &started,
		Result:          &model.TaskResult{VideoRef: "s3://b/k.mp4", Duration: 12.5, Size: 99},
	}
	rec := recordFromTask(task)
	rec.Blueprint = []byte(`{}`)
	assert.Equal(t, task, rec.task())

	task.Progress = 41
	rec.apply(task)
	assert.Equal(t, 41, rec.Progress)
	assert.Equal(t, []byte(`{}`), rec.Blueprint, "apply keeps the stored blueprint")
}
