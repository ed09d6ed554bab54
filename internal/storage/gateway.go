package storage

import (
	"context"
	"errors"
	"mime"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/logging"
	"github.com/makeasinger/choreo/internal/retry"
)

const (
	OpFetch = "fetch"
	OpPush  = "push"

	outcomeSuccess   = "success"
	outcomeRetry     = "retry"
	outcomeFatal     = "fatal"
	outcomeExhausted = "exhausted"
)

// Gateway wraps a Backend with the retry policy, per-attempt timeout and
// structured logging every storage call in the worker goes through.
type Gateway struct {
	backend Backend
	policy  retry.Policy
	timeout time.Duration
	logger  *zap.Logger
	sleep   retry.Sleeper
}

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithSleeper replaces the backoff timer, mainly for tests.
func WithSleeper(s retry.Sleeper) GatewayOption {
	return func(g *Gateway) { g.sleep = s }
}

// NewGateway wraps backend. A non-positive timeout disables the per-attempt
// deadline.
func NewGateway(backend Backend, policy retry.Policy, timeout time.Duration, logger *zap.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		backend: backend,
		policy:  policy,
		timeout: timeout,
		logger:  logging.OrNop(logger).With(zap.String(logging.FieldBackend, backend.Name())),
		sleep:   retry.Sleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Backend returns the wrapped backend.
func (g *Gateway) Backend() Backend { return g.backend }

// Fetch downloads remote into local. The file only appears at local once the
// whole object has been read; partial downloads are removed.
func (g *Gateway) Fetch(ctx context.Context, remote, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return g.fail(OpFetch, remote, 0, classifyOS(err))
	}
	part := local + ".part"
	defer os.Remove(part)

	attempts, err := g.run(ctx, OpFetch, remote, func(ctx context.Context) error {
		f, err := os.Create(part)
		if err != nil {
			return retry.Permanent(classifyOS(err))
		}
		if err := g.backend.Get(ctx, remote, f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return g.fail(OpFetch, remote, attempts, err)
	}
	if err := os.Rename(part, local); err != nil {
		return g.fail(OpFetch, remote, attempts, classifyOS(err))
	}
	return nil
}

// Push uploads local to remote and returns the backend's reference.
func (g *Gateway) Push(ctx context.Context, local, remote string) (string, error) {
	info, err := os.Stat(local)
	if err != nil {
		return "", g.fail(OpPush, remote, 0, classifyOS(err))
	}
	contentType := mime.TypeByExtension(filepath.Ext(local))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var ref string
	attempts, err := g.run(ctx, OpPush, remote, func(ctx context.Context) error {
		f, err := os.Open(local)
		if err != nil {
			return retry.Permanent(classifyOS(err))
		}
		defer f.Close()
		ref, err = g.backend.Put(ctx, remote, f, info.Size(), contentType)
		return err
	})
	if err != nil {
		return "", g.fail(OpPush, remote, attempts, err)
	}
	return ref, nil
}

// run executes fn under the retry policy, logging every attempt.
func (g *Gateway) run(ctx context.Context, op, path string, fn func(context.Context) error) (int, error) {
	var attempts int
	err := g.policy.Do(ctx, "storage "+op, func(ctx context.Context, attempt int) error {
		attempts = attempt
		attemptCtx, cancel := g.attemptContext(ctx)
		defer cancel()

		start := time.Now()
		err := fn(attemptCtx)
		fields := []zap.Field{
			zap.String(logging.FieldOperation, op),
			zap.String(logging.FieldPath, path),
			zap.Int(logging.FieldAttempt, attempt),
			zap.Duration(logging.FieldDuration, time.Since(start)),
		}
		switch {
		case err == nil:
			g.logger.Info("storage operation", append(fields, zap.String(logging.FieldOutcome, outcomeSuccess))...)
		case !IsRetryable(err) || retry.IsPermanent(err):
			g.logger.Error("storage operation", append(fields, zap.String(logging.FieldOutcome, outcomeFatal), zap.Error(err))...)
		case attempt >= g.policy.MaxAttempts:
			g.logger.Error("storage operation", append(fields, zap.String(logging.FieldOutcome, outcomeExhausted), zap.Error(err))...)
		default:
			g.logger.Warn("storage operation", append(fields, zap.String(logging.FieldOutcome, outcomeRetry), zap.Error(err))...)
		}
		return err
	}, retry.WithClassifier(IsRetryable), retry.WithSleeper(g.sleep))
	return attempts, err
}

func (g *Gateway) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Gateway) fail(op, path string, attempts int, err error) error {
	var exhausted *retry.ExhaustedError
	return &Error{
		Op:        op,
		Path:      path,
		Backend:   g.backend.Name(),
		Attempts:  attempts,
		Retryable: errors.As(err, &exhausted) || (IsRetryable(err) && !retry.IsPermanent(err)),
		Err:       unwrapPermanent(err),
	}
}

// unwrapPermanent drops the retry marker so callers see the cause directly.
func unwrapPermanent(err error) error {
	if retry.IsPermanent(err) {
		if inner := errors.Unwrap(err); inner != nil {
			return inner
		}
	}
	return err
}

