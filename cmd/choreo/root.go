package main

import (
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/config"
	"github.com/makeasinger/choreo/internal/logging"
)

type commandContext struct {
	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		_ = godotenv.Load()
		c.config, c.configErr = config.Load()
	})
	return c.config, c.configErr
}

// logger builds a logger from the loaded config. Output goes to stderr so
// stdout stays clean for JSON.
func (c *commandContext) logger() (*zap.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		Level:            cfg.Server.LogLevel,
		Format:           cfg.Server.LogFormat,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	})
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "choreo",
		Short:         "Choreography blueprint tools and worker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newValidateCommand(ctx))
	rootCmd.AddCommand(newGenerateCommand(ctx))
	rootCmd.AddCommand(newIndexCommand(ctx))

	return rootCmd
}
