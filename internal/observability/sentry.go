// Package observability wires error reporting to Sentry. Every function is a
// no-op until Init succeeds with a DSN.
package observability

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/config"
	"github.com/makeasinger/choreo/internal/logging"
)

const flushTimeout = 2 * time.Second

var enabled atomic.Bool

// Init configures the Sentry client. An empty DSN leaves reporting disabled.
func Init(cfg config.SentryConfig, release string, logger *zap.Logger) error {
	logger = logging.OrNop(logger)
	if cfg.DSN == "" {
		logger.Info("sentry not configured")
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     "choreo@" + release,
		Debug:       false,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			if event.Request != nil {
				event.Request.Headers = filterSensitiveHeaders(event.Request.Headers)
			}
			return event
		},
	})
	if err != nil {
		return err
	}
	enabled.Store(true)
	logger.Info("sentry initialized", zap.String("environment", cfg.Environment), zap.String("release", release))
	return nil
}

// Flush waits for buffered events before shutdown.
func Flush() {
	if enabled.Load() {
		sentry.Flush(flushTimeout)
	}
}

// CaptureTaskError reports a worker failure tagged with the task and stage.
func CaptureTaskError(taskID, stage string, err error) {
	if !enabled.Load() || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("task_id", taskID)
		scope.SetTag("stage", stage)
		sentry.CaptureException(err)
	})
}

// CaptureException reports err without task context.
func CaptureException(err error) {
	if enabled.Load() && err != nil {
		sentry.CaptureException(err)
	}
}

func filterSensitiveHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "authorization", "cookie", "x-api-key", "x-gateway-secret":
			out[k] = "[Filtered]"
		default:
			out[k] = v
		}
	}
	return out
}
