package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalDisk stores objects as files under a root directory.
type LocalDisk struct {
	root string
}

// NewLocalDisk returns a backend rooted at root, creating it if needed.
func NewLocalDisk(root string) (*LocalDisk, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: local storage root is empty", ErrInvalidPath)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", classifyOS(err))
	}
	return &LocalDisk{root: abs}, nil
}

func (d *LocalDisk) Name() string { return "local" }

// Root returns the absolute storage root.
func (d *LocalDisk) Root() string { return d.root }

// resolve maps key to a file path, refusing anything that lands outside root.
// Absolute keys are accepted when they already point inside root.
func (d *LocalDisk) resolve(key string) (string, error) {
	if key == "" || strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, key)
	}
	var p string
	if filepath.IsAbs(key) {
		p = filepath.Clean(key)
	} else {
		p = filepath.Join(d.root, filepath.FromSlash(key))
	}
	rel, err := filepath.Rel(d.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes storage root", ErrInvalidPath, key)
	}
	return p, nil
}

func (d *LocalDisk) Get(ctx context.Context, key string, w io.Writer) error {
	p, err := d.resolve(key)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return classifyOS(err)
	}
	defer f.Close()

	if _, err := io.Copy(w, &ctxReader{ctx: ctx, r: f}); err != nil {
		return classifyOS(err)
	}
	return nil
}

// Put writes through a temp file in the destination directory and renames it
// into place, so readers never observe a half-written object.
func (d *LocalDisk) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	p, err := d.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", classifyOS(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return "", classifyOS(err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", classifyOS(err)
	}
	if size >= 0 && written != size {
		return "", fmt.Errorf("short write for %s: wrote %d of %d bytes", key, written, size)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", classifyOS(err)
	}
	return p, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
