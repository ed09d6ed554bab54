// Package worker executes one blueprint end to end: it fetches the media,
// drives the encoder, uploads the artifact and records every lifecycle
// change through the status reporter.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/makeasinger/choreo/internal/blueprint"
	"github.com/makeasinger/choreo/internal/encoder"
	"github.com/makeasinger/choreo/internal/logging"
	"github.com/makeasinger/choreo/internal/model"
	"github.com/makeasinger/choreo/internal/observability"
	"github.com/makeasinger/choreo/internal/status"
)

const (
	inputsDir  = "inputs"
	lockName   = ".lock"
	resultName = "output.mp4"
)

var (
	// ErrTaskLocked means another worker holds the task's work directory.
	ErrTaskLocked = errors.New("task is already being executed")
	// ErrNoTaskID means neither the caller nor the blueprint named a task.
	ErrNoTaskID = errors.New("task id is required")
	// ErrEmptyOutput means the encoder reported success without a usable file.
	ErrEmptyOutput = errors.New("rendered output is empty")
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// ExitCode maps an outcome to the worker process exit status. A clean
// cancellation is not a failure.
func (o Outcome) ExitCode() int {
	if o == OutcomeFailed {
		return 1
	}
	return 0
}

// Storage moves media between the backend and the local work directory.
type Storage interface {
	Fetch(ctx context.Context, remote, local string) error
	Push(ctx context.Context, local, remote string) (string, error)
}

// Assembler renders a fetched job.
type Assembler interface {
	Assemble(ctx context.Context, job encoder.Job) (*encoder.Output, error)
}

// Config holds the runner's knobs.
type Config struct {
	WorkRoot         string
	FetchConcurrency int
	ResultPrefix     string
	MediaRoot        string // absolute blueprint paths must sit under it
}

// Runner executes blueprints. One Runner may serve many tasks, but each task
// is executed by at most one runner at a time.
type Runner struct {
	cfg       Config
	reporter  *status.Reporter
	storage   Storage
	encoder   Assembler
	validator *blueprint.Validator
	logger    *zap.Logger
}

func NewRunner(cfg Config, reporter *status.Reporter, storage Storage, enc Assembler, logger *zap.Logger) *Runner {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 10
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "choreo")
	}
	if cfg.ResultPrefix == "" {
		cfg.ResultPrefix = "renders"
	}
	return &Runner{
		cfg:       cfg,
		reporter:  reporter,
		storage:   storage,
		encoder:   enc,
		validator: blueprint.NewValidator(cfg.MediaRoot),
		logger:    logging.OrNop(logger),
	}
}

// execution is the per-task state threaded through the phases.
type execution struct {
	taskID  string
	workDir string
	stage   string
	logger  *zap.Logger
}

// Run executes the blueprint document raw for taskID. An empty taskID is
// taken from the document. The returned error is nil for completed and
// cleanly cancelled runs.
func (r *Runner) Run(ctx context.Context, taskID string, raw []byte) (outcome Outcome, err error) {
	if taskID == "" {
		taskID = peekTaskID(raw)
	}
	if taskID == "" {
		return OutcomeFailed, ErrNoTaskID
	}
	if !blueprint.ValidTaskID(taskID) {
		return OutcomeFailed, fmt.Errorf("%w: %q is not a valid task id", ErrNoTaskID, taskID)
	}

	ex := &execution{
		taskID:  taskID,
		workDir: filepath.Join(r.cfg.WorkRoot, taskID),
		stage:   model.StageQueued,
		logger:  r.logger.With(zap.String(logging.FieldTaskID, taskID)),
	}
	// The lock lives in the work dir and must be held before the task is
	// marked running, so both come ahead of MarkRunning on purpose.
	if err := os.MkdirAll(ex.workDir, 0o755); err != nil {
		return OutcomeFailed, fmt.Errorf("create work dir: %w", err)
	}

	lock := flock.New(filepath.Join(ex.workDir, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return OutcomeFailed, fmt.Errorf("acquire task lock: %w", err)
	}
	if !locked {
		return OutcomeFailed, ErrTaskLocked
	}

	defer func() {
		if p := recover(); p != nil {
			ex.logger.Error("worker panic", zap.Any("panic", p), zap.String(logging.FieldStage, ex.stage))
			outcome, err = r.fail(ctx, ex, fmt.Errorf("panic: %v", p))
		}
		r.cleanup(ex, outcome)
		if uerr := lock.Unlock(); uerr != nil {
			ex.logger.Warn("failed to release task lock", zap.Error(uerr))
		}
	}()

	return r.execute(ctx, ex, raw)
}

func (r *Runner) execute(ctx context.Context, ex *execution, raw []byte) (Outcome, error) {
	start := time.Now()

	if err := r.ensureTask(ctx, ex.taskID, raw); err != nil {
		return OutcomeFailed, fmt.Errorf("register task: %w", err)
	}
	if _, err := r.reporter.MarkRunning(ctx, ex.taskID); err != nil {
		if errors.Is(err, status.ErrTerminal) {
			ex.logger.Info("task already finished before execution started", zap.Error(err))
			return OutcomeCancelled, nil
		}
		// The status write failed, so there is nothing to report it through.
		ex.logger.Error("failed to mark task running", zap.Error(err))
		return OutcomeFailed, fmt.Errorf("mark running: %w", err)
	}
	ex.logger.Info("task started")

	ex.stage = model.StageValidate
	bp, verrs := r.validator.Validate(raw)
	if len(verrs) > 0 {
		return r.fail(ctx, ex, verrs)
	}
	if bp.TaskID != ex.taskID {
		return r.fail(ctx, ex, blueprint.ValidationErrors{{
			Field: "task_id", Code: blueprint.CodeFormat, Message: "task_id does not match the task being executed",
		}})
	}

	if done, err := r.checkCancel(ctx, ex); done {
		return OutcomeCancelled, err
	}
	ex.stage = model.StageFetch
	r.progress(ctx, ex, 10, "Fetching media")
	job, err := r.fetch(ctx, ex, bp)
	if err != nil {
		return r.failOrStop(ctx, ex, err)
	}

	if done, err := r.checkCancel(ctx, ex); done {
		return OutcomeCancelled, err
	}
	ex.stage = model.StageEncode
	r.progress(ctx, ex, 50, "Assembling video")
	// Encoding is never interrupted part way; cancellation is honoured at the
	// next phase boundary.
	out, err := r.encoder.Assemble(context.WithoutCancel(ctx), job)
	if err != nil {
		return r.fail(ctx, ex, err)
	}
	if out == nil || out.Size <= 0 {
		return r.fail(ctx, ex, ErrEmptyOutput)
	}

	if done, err := r.checkCancel(ctx, ex); done {
		return OutcomeCancelled, err
	}
	ex.stage = model.StageUpload
	r.progress(ctx, ex, 85, "Uploading video")
	ref, err := r.storage.Push(ctx, out.Path, path.Join(r.cfg.ResultPrefix, ex.taskID, resultName))
	if err != nil {
		return r.failOrStop(ctx, ex, err)
	}

	ex.stage = model.StageReport
	result := &model.TaskResult{VideoRef: ref, Duration: out.Duration, Size: out.Size}
	if err := r.reporter.Complete(context.WithoutCancel(ctx), ex.taskID, result, "Choreography video ready"); err != nil {
		ex.logger.Error("failed to record completion", zap.Error(err))
		observability.CaptureTaskError(ex.taskID, ex.stage, err)
		return OutcomeFailed, fmt.Errorf("record completion: %w", err)
	}

	ex.logger.Info("task completed",
		zap.String("video_ref", ref),
		zap.Int64("size", out.Size),
		zap.Float64("video_duration", out.Duration),
		zap.Duration(logging.FieldDuration, time.Since(start)),
	)
	return OutcomeCompleted, nil
}

// ensureTask registers tasks that were handed to the worker directly rather
// than created through the API.
func (r *Runner) ensureTask(ctx context.Context, id string, raw []byte) error {
	_, err := r.reporter.Get(ctx, id)
	if !errors.Is(err, status.ErrNotFound) {
		return err
	}
	return r.reporter.Create(ctx, &model.ChoreographyTask{ID: id, Message: "Queued"}, raw)
}

func (r *Runner) fetch(ctx context.Context, ex *execution, bp *model.Blueprint) (encoder.Job, error) {
	dir := filepath.Join(ex.workDir, inputsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return encoder.Job{}, fmt.Errorf("create inputs dir: %w", err)
	}

	// The same clip may appear many times; download it once.
	locals := make(map[string]string)
	var order []string
	add := func(remote, prefix string) string {
		if local, ok := locals[remote]; ok {
			return local
		}
		local := filepath.Join(dir, fmt.Sprintf("%s_%03d%s", prefix, len(order), filepath.Ext(remote)))
		locals[remote] = local
		order = append(order, remote)
		return local
	}

	job := encoder.Job{
		Blueprint: bp,
		WorkDir:   ex.workDir,
		AudioFile: add(bp.AudioPath, "audio"),
		ClipFiles: make([]string, len(bp.Moves)),
	}
	for i, m := range bp.Moves {
		job.ClipFiles[i] = add(m.ClipPath, "clip")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FetchConcurrency)
	for _, remote := range order {
		g.Go(func() error {
			return r.storage.Fetch(gctx, remote, locals[remote])
		})
	}
	if err := g.Wait(); err != nil {
		return encoder.Job{}, err
	}

	ex.logger.Info("media fetched", zap.Int("files", len(order)), zap.Int("moves", len(bp.Moves)))
	return job, nil
}

// checkCancel reports whether the run should stop before the next phase,
// recording the cancellation when it does.
func (r *Runner) checkCancel(ctx context.Context, ex *execution) (bool, error) {
	msg := ""
	if ctx.Err() != nil {
		msg = "Worker stopped before finishing"
	} else {
		requested, err := r.reporter.IsCancelRequested(ctx, ex.taskID)
		if err != nil {
			ex.logger.Warn("failed to read cancellation flag", zap.Error(err))
			return false, nil
		}
		if !requested {
			return false, nil
		}
		msg = "Cancelled by user"
	}

	ex.logger.Info("task cancelled", zap.String(logging.FieldStage, ex.stage))
	err := r.reporter.Cancelled(context.WithoutCancel(ctx), ex.taskID, msg)
	if err != nil && !errors.Is(err, status.ErrTerminal) {
		ex.logger.Error("failed to record cancellation", zap.Error(err))
		return true, fmt.Errorf("record cancellation: %w", err)
	}
	return true, nil
}

func (r *Runner) progress(ctx context.Context, ex *execution, pct int, msg string) {
	if err := r.reporter.Progress(ctx, ex.taskID, ex.stage, pct, msg); err != nil {
		ex.logger.Warn("failed to update progress", zap.String(logging.FieldStage, ex.stage), zap.Error(err))
	}
}

// failOrStop treats an error caused by the worker being stopped as a
// cancellation rather than a task failure.
func (r *Runner) failOrStop(ctx context.Context, ex *execution, cause error) (Outcome, error) {
	if ctx.Err() == nil {
		return r.fail(ctx, ex, cause)
	}
	ex.logger.Info("worker stopped mid-phase", zap.String(logging.FieldStage, ex.stage), zap.Error(cause))
	_, err := r.checkCancel(ctx, ex)
	return OutcomeCancelled, err
}

// fail records the failure with a user-safe message and returns the
// original error for the caller and the logs.
func (r *Runner) fail(ctx context.Context, ex *execution, cause error) (Outcome, error) {
	ex.logger.Error("task failed", zap.String(logging.FieldStage, ex.stage), zap.Error(cause))
	observability.CaptureTaskError(ex.taskID, ex.stage, cause)

	msg := sanitize(userMessage(ex.stage, cause), ex.workDir, r.cfg.WorkRoot)
	if err := r.reporter.Fail(context.WithoutCancel(ctx), ex.taskID, msg); err != nil {
		ex.logger.Error("failed to record task failure", zap.Error(err))
	}
	return OutcomeFailed, fmt.Errorf("%s: %w", ex.stage, cause)
}

// cleanup always drops the downloaded inputs. A completed task's work
// directory goes too; failed ones stay for inspection.
func (r *Runner) cleanup(ex *execution, outcome Outcome) {
	if err := os.RemoveAll(filepath.Join(ex.workDir, inputsDir)); err != nil {
		ex.logger.Warn("failed to remove inputs", zap.Error(err))
	}
	if outcome != OutcomeCompleted {
		return
	}
	entries, err := os.ReadDir(ex.workDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Name() == lockName {
			continue
		}
		_ = os.RemoveAll(filepath.Join(ex.workDir, e.Name()))
	}
}

func peekTaskID(raw []byte) string {
	var doc struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	return strings.TrimSpace(doc.TaskID)
}
