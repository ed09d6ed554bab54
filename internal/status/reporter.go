package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/logging"
	"github.com/makeasinger/choreo/internal/model"
	"github.com/makeasinger/choreo/internal/retry"
)

// Notifier receives every persisted change so live listeners can follow a
// task without polling.
type Notifier interface {
	BroadcastProgress(taskID string, progress int, status model.TaskStatus, stage, message string)
	BroadcastComplete(taskID string, result *model.TaskResult)
	BroadcastError(taskID string, status model.TaskStatus, code, message string)
}

// Error codes sent to notifiers on terminal failure states.
const (
	CodeTaskFailed    = "TASK_FAILED"
	CodeTaskCancelled = "TASK_CANCELLED"
)

// Reporter writes task lifecycle changes through a Store with the shared
// retry policy. Connection failures reset the store's pool before the next
// attempt.
type Reporter struct {
	store    Store
	policy   retry.Policy
	logger   *zap.Logger
	notifier Notifier
	sleep    retry.Sleeper
	now      func() time.Time
}

// ReporterOption customises a Reporter.
type ReporterOption func(*Reporter)

func WithNotifier(n Notifier) ReporterOption {
	return func(r *Reporter) { r.notifier = n }
}

// WithSleeper replaces the backoff timer, mainly for tests.
func WithSleeper(s retry.Sleeper) ReporterOption {
	return func(r *Reporter) { r.sleep = s }
}

func NewReporter(store Store, policy retry.Policy, logger *zap.Logger, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		store:  store,
		policy: policy,
		logger: logging.OrNop(logger),
		sleep:  retry.Sleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store.
func (r *Reporter) Store() Store { return r.store }

// Create persists a new pending task together with its blueprint.
func (r *Reporter) Create(ctx context.Context, task *model.ChoreographyTask, blueprint []byte) error {
	now := r.now().UTC()
	task.Status = model.TaskStatusPending
	task.Stage = model.StageQueued
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	err := r.do(ctx, "create task", task.ID, func(ctx context.Context) error {
		if err := r.store.Create(ctx, task); err != nil && !errors.Is(err, ErrExists) {
			return err
		}
		if blueprint == nil {
			return nil
		}
		return r.store.PutBlueprint(ctx, task.ID, blueprint)
	})
	if err != nil {
		return err
	}
	if r.notifier != nil {
		r.notifier.BroadcastProgress(task.ID, 0, task.Status, task.Stage, task.Message)
	}
	return nil
}

// Get reads a task.
func (r *Reporter) Get(ctx context.Context, id string) (*model.ChoreographyTask, error) {
	var task *model.ChoreographyTask
	err := r.do(ctx, "get task", id, func(ctx context.Context) error {
		var err error
		task, err = r.store.Get(ctx, id)
		return err
	})
	return task, err
}

// Blueprint reads the stored blueprint document for a task.
func (r *Reporter) Blueprint(ctx context.Context, id string) ([]byte, error) {
	var raw []byte
	err := r.do(ctx, "get blueprint", id, func(ctx context.Context) error {
		var err error
		raw, err = r.store.GetBlueprint(ctx, id)
		return err
	})
	return raw, err
}

// MarkRunning moves a pending task to running. A task cancelled before the
// worker started yields ErrTerminal.
func (r *Reporter) MarkRunning(ctx context.Context, id string) (*model.ChoreographyTask, error) {
	return r.transition(ctx, id, model.TaskStatusRunning, func(t *model.ChoreographyTask) {
		now := r.now().UTC()
		t.StartedAt = &now
		t.Stage = model.StageValidate
		t.Progress = 0
	})
}

// Progress records stage and percentage for a running task.
func (r *Reporter) Progress(ctx context.Context, id, stage string, progress int, message string) error {
	_, err := r.transition(ctx, id, model.TaskStatusRunning, func(t *model.ChoreographyTask) {
		t.Stage = stage
		if progress > t.Progress {
			t.Progress = min(progress, 99)
		}
		if message != "" {
			t.Message = message
		}
	})
	return err
}

// Complete marks the task completed with its artifact reference.
func (r *Reporter) Complete(ctx context.Context, id string, result *model.TaskResult, message string) error {
	_, err := r.transition(ctx, id, model.TaskStatusCompleted, func(t *model.ChoreographyTask) {
		now := r.now().UTC()
		t.CompletedAt = &now
		t.Progress = 100
		t.Stage = model.StageDone
		t.Result = result
		if message != "" {
			t.Message = message
		}
	})
	return err
}

// Fail marks the task failed. userMessage lands in the task's error field
// and must not carry internal paths.
func (r *Reporter) Fail(ctx context.Context, id, userMessage string) error {
	_, err := r.transition(ctx, id, model.TaskStatusFailed, func(t *model.ChoreographyTask) {
		now := r.now().UTC()
		t.CompletedAt = &now
		msg := userMessage
		t.Error = &msg
	})
	return err
}

// Cancelled acknowledges a cancellation the worker observed.
func (r *Reporter) Cancelled(ctx context.Context, id, message string) error {
	_, err := r.transition(ctx, id, model.TaskStatusCancelled, func(t *model.ChoreographyTask) {
		now := r.now().UTC()
		t.CompletedAt = &now
		if message != "" {
			t.Message = message
		}
	})
	return err
}

// IsCancelRequested reports whether someone flagged the task for
// cancellation or already moved it to cancelled.
func (r *Reporter) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	task, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return task.CancelRequested || task.Status == model.TaskStatusCancelled, nil
}

// RequestCancel flags a task for cancellation. Pending tasks are cancelled
// outright; running tasks are flagged and the worker stops at its next phase
// boundary.
func (r *Reporter) RequestCancel(ctx context.Context, id string) (*model.ChoreographyTask, error) {
	var task *model.ChoreographyTask
	err := r.do(ctx, "request cancel", id, func(ctx context.Context) error {
		var err error
		task, err = r.store.Update(ctx, id, func(t *model.ChoreographyTask) error {
			if t.Status.IsTerminal() {
				return fmt.Errorf("%w: %s", ErrTerminal, t.Status)
			}
			now := r.now().UTC()
			t.CancelRequested = true
			t.UpdatedAt = now
			if t.Status == model.TaskStatusPending {
				t.Status = model.TaskStatusCancelled
				t.CompletedAt = &now
				t.Message = "Cancelled before execution started"
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if task.Status == model.TaskStatusCancelled {
		r.broadcast(task)
	}
	return task, nil
}

func (r *Reporter) transition(ctx context.Context, id string, next model.TaskStatus, mutate func(*model.ChoreographyTask)) (*model.ChoreographyTask, error) {
	var task *model.ChoreographyTask
	err := r.do(ctx, "set "+string(next), id, func(ctx context.Context) error {
		var err error
		task, err = r.store.Update(ctx, id, func(t *model.ChoreographyTask) error {
			if t.Status.IsTerminal() {
				return fmt.Errorf("%w: %s", ErrTerminal, t.Status)
			}
			if !t.Status.CanTransition(next) {
				return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, t.Status, next)
			}
			t.Status = next
			t.UpdatedAt = r.now().UTC()
			mutate(t)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	r.broadcast(task)
	return task, nil
}

func (r *Reporter) broadcast(t *model.ChoreographyTask) {
	if r.notifier == nil || t == nil {
		return
	}
	switch t.Status {
	case model.TaskStatusCompleted:
		r.notifier.BroadcastComplete(t.ID, t.Result)
	case model.TaskStatusFailed:
		msg := ""
		if t.Error != nil {
			msg = *t.Error
		}
		r.notifier.BroadcastError(t.ID, t.Status, CodeTaskFailed, msg)
	case model.TaskStatusCancelled:
		r.notifier.BroadcastError(t.ID, t.Status, CodeTaskCancelled, t.Message)
	default:
		r.notifier.BroadcastProgress(t.ID, t.Progress, t.Status, t.Stage, t.Message)
	}
}

// do runs fn under the retry policy. Only connection errors are retried,
// and the store is reset before each new attempt.
func (r *Reporter) do(ctx context.Context, op, id string, fn func(context.Context) error) error {
	return r.policy.Do(ctx, op, func(ctx context.Context, attempt int) error {
		return fn(ctx)
	},
		retry.WithClassifier(IsConnectionError),
		retry.WithSleeper(r.sleep),
		retry.WithOnRetry(func(attempt int, wait time.Duration, err error) {
			r.logger.Warn("status store connection error, resetting pool",
				zap.String(logging.FieldTaskID, id),
				zap.String(logging.FieldOperation, op),
				zap.Int(logging.FieldAttempt, attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
			if rerr := r.store.Reset(ctx); rerr != nil {
				r.logger.Warn("status store reset failed", zap.Error(rerr))
			}
		}),
	)
}
