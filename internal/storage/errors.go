package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/makeasinger/choreo/internal/retry"
)

var (
	ErrNotFound         = errors.New("object not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidPath      = errors.New("invalid storage path")
)

// Error is returned by every Gateway operation that fails.
type Error struct {
	Op        string
	Path      string
	Backend   string
	Attempts  int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s (%s): %v", e.Op, e.Path, e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Exhausted reports whether the operation ran out of attempts rather than
// hitting a fatal error.
func (e *Error) Exhausted() bool {
	return errors.Is(e.Err, retry.ErrExhausted)
}

// IsRetryable classifies err. Missing objects, denied access and bad paths
// are fatal; timeouts, network failures and anything unrecognised are
// transient.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrInvalidPath),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// classifyOS maps filesystem errors onto the gateway sentinels.
func classifyOS(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return err
}
