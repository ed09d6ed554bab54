package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/logging"
	"github.com/makeasinger/choreo/internal/service"
	"github.com/makeasinger/choreo/internal/status"
)

// Processor runs queued execution tasks inside the server process.
type Processor struct {
	runner   *Runner
	reporter *status.Reporter
	logger   *zap.Logger
}

// NewProcessor creates a new asynq handler backed by runner.
func NewProcessor(runner *Runner, reporter *status.Reporter, logger *zap.Logger) *Processor {
	return &Processor{
		runner:   runner,
		reporter: reporter,
		logger:   logging.OrNop(logger),
	}
}

// ProcessTask handles choreography:execute tasks. Failures are recorded on
// the task itself, so asynq never retries them.
func (p *Processor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.ExecutePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	logger := p.logger.With(zap.String(logging.FieldTaskID, payload.TaskID))

	raw, err := p.reporter.Blueprint(ctx, payload.TaskID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			logger.Warn("no blueprint stored for task")
			if ferr := p.reporter.Fail(ctx, payload.TaskID, "The task blueprint could not be found"); ferr != nil && !errors.Is(ferr, status.ErrNotFound) {
				logger.Error("failed to mark task failed", zap.Error(ferr))
			}
			return fmt.Errorf("load blueprint: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("load blueprint: %w", err)
	}

	outcome, err := p.runner.Run(ctx, payload.TaskID, raw)
	logger.Info("execution finished", zap.String("outcome", string(outcome)))
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}
