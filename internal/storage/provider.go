// Package storage is the page vault on disk: Markdown files addressed by
// slash-separated paths relative to the vault root.
package storage

import "time"

// PageMeta describes one page file.
type PageMeta struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Provider is what the notebook needs from a vault. Paths are relative and
// slash-separated; missing files report apperr.ErrNotFound.
type Provider interface {
	List(dir string) ([]PageMeta, error)
	Stat(path string) (PageMeta, error)
	Read(path string) ([]byte, error)
	// Write replaces the file at path atomically.
	Write(path string, content []byte) error
}

var _ Provider = (*FS)(nil)
