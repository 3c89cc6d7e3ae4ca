package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/checksum"
)

// PageExt is the extension of page files.
const PageExt = ".md"

const tmpPrefix = ".pagelink-tmp-"

// FS implements Provider on a vault directory.
type FS struct {
	root string
}

// NewFS opens the vault at root, which must be an existing directory.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute vault directory.
func (f *FS) Root() string { return f.root }

// resolve maps a slash-separated vault path onto the disk. Absolute paths and
// paths leaving the vault are rejected.
func (f *FS) resolve(rel string) (string, error) {
	if rel == "" || rel == "." {
		return f.root, nil
	}
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("storage: path %q outside vault: %w", rel, apperr.ErrInvalidInput)
	}
	return filepath.Join(f.root, local), nil
}

// hidden reports entries the vault ignores: dot files, dot directories and
// in-flight temp files.
func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func (f *FS) meta(abs string, data []byte, info fs.FileInfo) (PageMeta, error) {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return PageMeta{}, err
	}
	return PageMeta{
		Path:      filepath.ToSlash(rel),
		Checksum:  checksum.Sum(data),
		Size:      info.Size(),
		UpdatedAt: info.ModTime(),
	}, nil
}

// List walks dir and returns every page file below it, skipping hidden
// entries.
func (f *FS) List(dir string) ([]PageMeta, error) {
	base, err := f.resolve(dir)
	if err != nil {
		return nil, err
	}
	var out []PageMeta
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p != base && hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || filepath.Ext(d.Name()) != PageExt {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		m, err := f.meta(p, data, info)
		if err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}
	return out, nil
}

// Stat describes one page file without returning its content.
func (f *FS) Stat(path string) (PageMeta, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return PageMeta{}, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return PageMeta{}, fmt.Errorf("storage: stat %s: %w", path, apperr.ErrNotFound)
	}
	if err != nil {
		return PageMeta{}, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return PageMeta{}, fmt.Errorf("storage: stat %s: is a directory: %w", path, apperr.ErrInvalidInput)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return PageMeta{}, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	return f.meta(abs, data, info)
}

// Read returns the bytes of a vault file.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("storage: read %s: %w", path, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// Write replaces path with content through a synced temp file and a rename,
// so readers and the watcher never see a partial page.
func (f *FS) Write(path string, content []byte) error {
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	if abs == f.root {
		return fmt.Errorf("storage: write to vault root: %w", apperr.ErrInvalidInput)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	if err := writeSynced(tmp, content); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("storage: rename %s: %w", path, err)
	}
	return nil
}

func writeSynced(tmp *os.File, content []byte) error {
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	return tmp.Close()
}
