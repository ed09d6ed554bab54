// Package storage moves media between the worker's scratch directory and
// durable storage, either a local directory tree or an S3-compatible bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/makeasinger/choreo/internal/config"
)

// Backend is a single storage location. Implementations must be safe to call
// repeatedly with the same key; the gateway retries whole operations.
type Backend interface {
	Name() string
	// Get streams the object at key into w.
	Get(ctx context.Context, key string, w io.Writer) error
	// Put stores size bytes from r under key and returns a reference callers
	// can hand to clients.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// URLSigner is implemented by backends that can mint temporary download URLs.
type URLSigner interface {
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalDisk(cfg.Root)
	case "s3":
		return NewObjectStore(ctx, ObjectStoreConfig{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			PublicURL:       cfg.PublicURL,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
