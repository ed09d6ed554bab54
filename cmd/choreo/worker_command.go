package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/app"
	"github.com/makeasinger/choreo/internal/config"
	"github.com/makeasinger/choreo/internal/logging"
	"github.com/makeasinger/choreo/internal/observability"
	"github.com/makeasinger/choreo/internal/status"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Execute one blueprint and exit",
		Long: `Execute one blueprint: fetch its media, assemble the video, upload the
result and record progress. The blueprint comes from CHOREO_BLUEPRINT or
CHOREO_BLUEPRINT_PATH. Exits 0 when the task completes or is cancelled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateWorker(); err != nil {
				return err
			}

			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := observability.Init(cfg.Sentry, version, logger); err != nil {
				logger.Warn("sentry not initialized", zap.Error(err))
			}
			defer observability.Flush()

			raw, err := readBlueprint(cfg)
			if err != nil {
				return err
			}

			runCtx := cmd.Context()
			store, err := app.OpenStatusStore(runCtx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			gw, err := app.OpenStorage(runCtx, cfg, logger)
			if err != nil {
				return err
			}

			reporter := status.NewReporter(store, app.RetryPolicy(cfg), logger)
			runner := app.NewRunner(cfg, reporter, gw, app.NewEncoder(cfg, logger), logger)

			outcome, err := runner.Run(runCtx, cfg.Worker.TaskID, raw)
			logger.Info("worker finished", zap.String(logging.FieldOutcome, string(outcome)))
			if err != nil {
				return err
			}
			if code := outcome.ExitCode(); code != 0 {
				return fmt.Errorf("task %s", outcome)
			}
			return nil
		},
	}
}

func readBlueprint(cfg *config.Config) ([]byte, error) {
	if cfg.Worker.Blueprint != "" {
		return []byte(cfg.Worker.Blueprint), nil
	}
	raw, err := os.ReadFile(cfg.Worker.BlueprintPath)
	if err != nil {
		return nil, fmt.Errorf("read blueprint: %w", err)
	}
	return raw, nil
}
