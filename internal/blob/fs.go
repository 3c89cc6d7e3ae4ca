package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/starford/pagelink/internal/apperr"
)

// FS stores each snapshot as a file named by its cid, fanned out by the
// first two hex digits.
type FS struct {
	root string
}

// NewFS creates the store, making root if needed.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("blob: mkdir root: %w", err)
	}
	return &FS{root: abs}, nil
}

func (f *FS) path(cid string) string {
	return filepath.Join(f.root, cid[:2], cid)
}

// Put writes data atomically: tmp file, fsync, rename.
func (f *FS) Put(_ context.Context, data []byte) (string, error) {
	cid := CID(data)
	abs := f.path(cid)
	if _, err := os.Stat(abs); err == nil {
		return cid, nil
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blob: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-tmp-*")
	if err != nil {
		return "", fmt.Errorf("blob: create temp: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("blob: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("blob: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("blob: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return "", fmt.Errorf("blob: rename: %w", err)
	}
	success = true
	return cid, nil
}

func (f *FS) Get(_ context.Context, cid string) ([]byte, error) {
	if err := validCID(cid); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(cid))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob: %s: %w", cid, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", cid, err)
	}
	if err := verify(cid, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (f *FS) Close() error { return nil }
