package blob

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/starford/pagelink/internal/apperr"
)

var keyPrefix = []byte("blob/")

// Badger keeps snapshots in an embedded badger database.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens the database at path, or in memory when path is empty.
func OpenBadger(path string) (*Badger, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("blob: create badger dir %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("blob: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func key(cid string) []byte {
	return append(append([]byte(nil), keyPrefix...), cid...)
}

func (b *Badger) Put(_ context.Context, data []byte) (string, error) {
	cid := CID(data)
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(cid)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key(cid), data)
	})
	if err != nil {
		return "", fmt.Errorf("blob: put %s: %w", cid, err)
	}
	return cid, nil
}

func (b *Badger) Get(_ context.Context, cid string) ([]byte, error) {
	if err := validCID(cid); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(cid))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("blob: %s: %w", cid, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: get %s: %w", cid, err)
	}
	if err := verify(cid, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}
