// Package status persists choreography task records and drives their
// lifecycle: pending, running, then exactly one terminal state.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/makeasinger/choreo/internal/model"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrTerminal          = errors.New("task is already in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrExists            = errors.New("task already exists")
)

// Store is the persistence behind the reporter. Update must apply fn
// atomically: no other writer may interleave between the read and the write.
type Store interface {
	Create(ctx context.Context, task *model.ChoreographyTask) error
	Get(ctx context.Context, id string) (*model.ChoreographyTask, error)
	Update(ctx context.Context, id string, fn func(*model.ChoreographyTask) error) (*model.ChoreographyTask, error)
	PutBlueprint(ctx context.Context, id string, blueprint []byte) error
	GetBlueprint(ctx context.Context, id string) ([]byte, error)
	// Reset drops pooled connections and dials fresh ones.
	Reset(ctx context.Context) error
	Close() error
}

// DatabaseError separates connection failures, which warrant a pool reset
// and another attempt, from failures that retrying cannot fix.
type DatabaseError struct {
	Op         string
	Connection bool
	Err        error
}

func (e *DatabaseError) Error() string {
	kind := "query"
	if e.Connection {
		kind = "connection"
	}
	return fmt.Sprintf("status store %s: %s error: %v", e.Op, kind, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err came from a broken connection.
func IsConnectionError(err error) bool {
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return dbErr.Connection
	}
	return false
}

// looksLikeConnection recognises transport-level failures common to every
// driver.
func looksLikeConnection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func clone(t *model.ChoreographyTask) *model.ChoreographyTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	return &c
}
