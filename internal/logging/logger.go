// Package logging builds the zap loggers shared by the server, the worker
// and the CLI, and names the structured fields they attach.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Structured field keys
const (
	FieldTaskID    = "task_id"
	FieldOperation = "operation"
	FieldPath      = "path"
	FieldAttempt   = "attempt"
	FieldOutcome   = "outcome"
	FieldStage     = "stage"
	FieldBackend   = "backend"
	FieldDuration  = "duration"
)

// Options describes logger construction parameters.
type Options struct {
	Level            string
	Format           string // json, console or auto
	OutputPaths      []string
	ErrorOutputPaths []string
	Development      bool
}

// New constructs a zap logger. Format "auto" picks the console encoder when
// stderr is a terminal and JSON otherwise.
func New(opts Options) (*zap.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	switch format {
	case "", "auto":
		format = "json"
		if isTerminal(os.Stderr.Fd()) {
			format = "console"
		}
	case "json", "console":
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       opts.Development,
		Encoding:          format,
		EncoderConfig:     encoderCfg,
		OutputPaths:       defaultSlice(opts.OutputPaths, "stderr"),
		ErrorOutputPaths:  defaultSlice(opts.ErrorOutputPaths, "stderr"),
		DisableStacktrace: !opts.Development,
	}
	if level > zapcore.DebugLevel && !opts.Development {
		cfg.DisableCaller = true
	}
	return cfg.Build()
}

// NewNop returns a logger that discards everything.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("log level: unsupported value %q", level)
}

func defaultSlice(value []string, fallback string) []string {
	if len(value) == 0 {
		return []string{fallback}
	}
	return append([]string(nil), value...)
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
