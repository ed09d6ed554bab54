package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/blueprint"
	"github.com/makeasinger/choreo/internal/generator"
	"github.com/makeasinger/choreo/internal/logging"
	"github.com/makeasinger/choreo/internal/model"
	"github.com/makeasinger/choreo/internal/status"
	"github.com/makeasinger/choreo/internal/storage"
)

const (
	TaskTypeExecute = "choreography:execute"

	resultURLExpiry = time.Hour
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskNotCompleted = errors.New("task not completed")
	ErrTaskFinished     = errors.New("task already finished")
)

// ExecutePayload is the asynq payload of an execution task.
type ExecutePayload struct {
	TaskID string `json:"task_id"`
}

// NewExecuteTask builds the queue message that starts a worker run.
func NewExecuteTask(taskID string) (*asynq.Task, error) {
	data, err := json.Marshal(ExecutePayload{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeExecute, data), nil
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// BlueprintGenerator is satisfied by *generator.Generator.
type BlueprintGenerator interface {
	Generate(ctx context.Context, req generator.Request) (*generator.Result, error)
}

// ChoreographyService handles choreography task management
type ChoreographyService struct {
	generator BlueprintGenerator
	validator *blueprint.Validator
	reporter  *status.Reporter
	enqueuer  Enqueuer
	signer    storage.URLSigner
	queue     string
	logger    *zap.Logger
}

// NewChoreographyService wires the service. signer may be nil, in which case
// results carry only the storage reference.
func NewChoreographyService(gen BlueprintGenerator, v *blueprint.Validator, reporter *status.Reporter, enq Enqueuer, signer storage.URLSigner, queue string, logger *zap.Logger) *ChoreographyService {
	if queue == "" {
		queue = "choreography"
	}
	return &ChoreographyService{
		generator: gen,
		validator: v,
		reporter:  reporter,
		enqueuer:  enq,
		signer:    signer,
		queue:     queue,
		logger:    logging.OrNop(logger),
	}
}

// Start generates a blueprint, persists it with a pending task and queues
// its execution.
func (s *ChoreographyService) Start(ctx context.Context, req *model.ChoreographyStartRequest) (*model.ChoreographyStartResponse, error) {
	taskID := uuid.New().String()

	res, err := s.generator.Generate(ctx, generator.Request{
		TaskID:        taskID,
		AudioPath:     req.AudioPath,
		AudioDuration: req.AudioDuration,
		Params:        req.Query,
		Output:        req.Output,
	})
	if err != nil {
		return nil, err
	}
	if verrs := s.validator.Check(res.Blueprint); len(verrs) > 0 {
		return nil, verrs
	}

	raw, err := json.Marshal(res.Blueprint)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blueprint: %w", err)
	}

	message := "Queued"
	if res.Warning != "" {
		message = res.Warning
	}
	task := &model.ChoreographyTask{
		ID:            taskID,
		Message:       message,
		FallbackLevel: int(res.Level),
	}
	if err := s.reporter.Create(ctx, task, raw); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	qtask, err := NewExecuteTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	_, err = s.enqueuer.Enqueue(qtask,
		asynq.Queue(s.queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		if ferr := s.reporter.Fail(ctx, taskID, "The task could not be queued"); ferr != nil {
			s.logger.Error("failed to mark unqueued task failed", zap.String(logging.FieldTaskID, taskID), zap.Error(ferr))
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.logger.Info("choreography task queued",
		zap.String(logging.FieldTaskID, taskID),
		zap.Int("moves", len(res.Blueprint.Moves)),
		zap.Int("fallback_level", int(res.Level)),
	)

	return &model.ChoreographyStartResponse{
		TaskID:        taskID,
		Status:        task.Status,
		FallbackLevel: int(res.Level),
		Message:       res.Warning,
		MoveCount:     len(res.Blueprint.Moves),
		CreatedAt:     task.CreatedAt,
	}, nil
}

// GetStatus returns the current state of a task
func (s *ChoreographyService) GetStatus(ctx context.Context, taskID string) (*model.ChoreographyTask, error) {
	task, err := s.reporter.Get(ctx, taskID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return task, nil
}

// GetResult returns the artifact of a completed task
func (s *ChoreographyService) GetResult(ctx context.Context, taskID string) (*model.ChoreographyResultResponse, error) {
	task, err := s.GetStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskStatusCompleted || task.Result == nil {
		return nil, ErrTaskNotCompleted
	}

	resp := &model.ChoreographyResultResponse{
		TaskID:      task.ID,
		VideoRef:    task.Result.VideoRef,
		Duration:    task.Result.Duration,
		Size:        task.Result.Size,
		CompletedAt: task.CompletedAt,
	}
	if s.signer != nil {
		url, err := s.signer.SignedURL(ctx, task.Result.VideoRef, resultURLExpiry)
		if err != nil {
			s.logger.Warn("failed to sign result url", zap.String(logging.FieldTaskID, taskID), zap.Error(err))
		} else {
			resp.URL = url
		}
	}
	return resp, nil
}

// GetBlueprint returns the stored blueprint document
func (s *ChoreographyService) GetBlueprint(ctx context.Context, taskID string) (json.RawMessage, error) {
	raw, err := s.reporter.Blueprint(ctx, taskID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return json.RawMessage(raw), nil
}

// Cancel requests cancellation of a task
func (s *ChoreographyService) Cancel(ctx context.Context, taskID string) (*model.ChoreographyCancelResponse, error) {
	task, err := s.reporter.RequestCancel(ctx, taskID)
	if err != nil {
		if errors.Is(err, status.ErrTerminal) {
			return nil, ErrTaskFinished
		}
		return nil, mapNotFound(err)
	}

	s.logger.Info("choreography cancel requested",
		zap.String(logging.FieldTaskID, taskID),
		zap.String("status", string(task.Status)),
	)
	return &model.ChoreographyCancelResponse{
		Success: true,
		TaskID:  taskID,
		Status:  task.Status,
	}, nil
}

// ValidateBlueprint checks a blueprint document without running it.
func (s *ChoreographyService) ValidateBlueprint(raw []byte) *model.BlueprintValidateResponse {
	_, verrs := s.validator.Validate(raw)
	issues := verrs.Issues()
	return &model.BlueprintValidateResponse{
		Valid:  len(issues) == 0,
		Errors: issues,
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, status.ErrNotFound) {
		return ErrTaskNotFound
	}
	return err
}
