// Package blob is the relay's content-addressed snapshot store. A snapshot's
// cid is the hex sha256 of its bytes, so storing the same bytes twice is a
// no-op.
package blob

import (
	"context"
	"fmt"
	"regexp"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/checksum"
)

// Store persists immutable snapshots by cid.
type Store interface {
	Put(ctx context.Context, data []byte) (cid string, err error)
	// Get returns apperr.ErrNotFound for unknown cids and apperr.ErrCorrupted
	// when the stored bytes no longer match their cid.
	Get(ctx context.Context, cid string) ([]byte, error)
	Close() error
}

// Backends accepted by Open.
const (
	BackendFS     = "fs"
	BackendBadger = "badger"
)

// Open creates the store named by backend rooted at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendFS, "":
		return NewFS(path)
	case BackendBadger:
		return OpenBadger(path)
	default:
		return nil, fmt.Errorf("blob: unknown backend %q", backend)
	}
}

// CID returns the content identifier of data.
func CID(data []byte) string {
	return checksum.Sum(data)
}

var cidPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func validCID(cid string) error {
	if !cidPattern.MatchString(cid) {
		return fmt.Errorf("blob: malformed cid %q: %w", cid, apperr.ErrInvalidInput)
	}
	return nil
}

func verify(cid string, data []byte) error {
	if CID(data) != cid {
		return fmt.Errorf("blob: %s: %w", cid, apperr.ErrCorrupted)
	}
	return nil
}
