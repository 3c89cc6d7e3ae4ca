package index

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/checksum"
	"github.com/starford/pagelink/internal/storage"
)

// DefaultDebounce is how long a page must stay quiet before its change is
// indexed and reported.
const DefaultDebounce = 150 * time.Millisecond

// renameSettle is how long after a rename the vault is reconciled, giving the
// Create for the new name time to arrive.
const renameSettle = 200 * time.Millisecond

// EventCallback is called after a watcher-driven index change.
// kind is one of "created", "updated", "deleted".
type EventCallback func(kind string, path string)

type watcher struct {
	db     *DB
	store  storage.Provider
	root   string
	logger *slog.Logger
	cb     EventCallback
	fsw    *fsnotify.Watcher

	// pending maps a page to whether a Create was seen for it in the
	// current debounce window.
	pending map[string]bool
}

// Watch starts an fsnotify watcher on the vault root and processes page
// changes until ctx is cancelled. Bursts of writes to one page collapse into
// a single callback. Writes that leave the page's indexed checksum unchanged,
// such as those the agent indexes itself before writing, are not reported.
func Watch(ctx context.Context, db *DB, store storage.Provider, vaultRoot string, logger *slog.Logger, debounce time.Duration, cb EventCallback) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if cb == nil {
		cb = func(string, string) {}
	}
	w := &watcher{
		db:      db,
		store:   store,
		root:    vaultRoot,
		logger:  logger,
		cb:      cb,
		fsw:     fsw,
		pending: make(map[string]bool),
	}
	if err := w.addTree(vaultRoot); err != nil {
		return err
	}
	logger.Info("watcher: started", slog.String("root", vaultRoot))

	flush := time.NewTimer(debounce)
	flush.Stop()
	defer flush.Stop()
	var settle <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			logger.Info("watcher: stopped")
			return nil

		case <-settle:
			settle = nil
			w.reconcile(ctx)

		case <-flush.C:
			for rel, created := range w.pending {
				w.index(ctx, rel, created)
			}
			clear(w.pending)

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			switch w.handle(ctx, ev) {
			case actDebounce:
				flush.Reset(debounce)
			case actReconcile:
				settle = time.After(renameSettle)
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", werr.Error()))
		}
	}
}

type action int

const (
	actNone action = iota
	actDebounce
	actReconcile
)

// handle applies one fsnotify event and tells the loop which timer to arm.
func (w *watcher) handle(ctx context.Context, ev fsnotify.Event) action {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !hidden(ev.Name) {
				w.enterDir(ctx, ev.Name)
			}
			return actNone
		}
	}
	if !isPage(ev.Name) {
		return actNone
	}
	rel, ok := w.rel(ev.Name)
	if !ok {
		return actNone
	}

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.pending[rel] = w.pending[rel] || ev.Has(fsnotify.Create)
		return actDebounce
	case ev.Has(fsnotify.Remove):
		delete(w.pending, rel)
		w.remove(ctx, rel)
	case ev.Has(fsnotify.Rename):
		// fired for the old name; the new name arrives as a Create
		delete(w.pending, rel)
		w.remove(ctx, rel)
		return actReconcile
	}
	return actNone
}

// rel converts an absolute path under the vault into a page path.
func (w *watcher) rel(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *watcher) warn(msg, rel string, err error) {
	w.logger.Warn(msg, slog.String("path", rel), slog.String("error", err.Error()))
}

// index re-reads rel and reindexes it when its checksum moved.
func (w *watcher) index(ctx context.Context, rel string, created bool) {
	data, err := w.store.Read(rel)
	if errors.Is(err, apperr.ErrNotFound) {
		return
	}
	if err != nil {
		w.warn("watcher: read failed", rel, err)
		return
	}
	old, err := w.db.GetChecksum(ctx, rel)
	if err != nil {
		w.warn("watcher: checksum failed", rel, err)
		return
	}
	if old == checksum.Sum(data) {
		return
	}
	if err := IndexPage(ctx, w.db, rel, data); err != nil {
		w.warn("watcher: index failed", rel, err)
		return
	}
	kind := "updated"
	if created && old == "" {
		kind = "created"
	}
	w.logger.Debug("watcher: indexed", slog.String("path", rel), slog.String("op", kind))
	w.cb(kind, rel)
}

func (w *watcher) remove(ctx context.Context, rel string) {
	if err := w.db.DeletePage(ctx, rel); err != nil {
		w.warn("watcher: delete failed", rel, err)
		return
	}
	w.cb("deleted", rel)
}

// reconcile drops index entries whose file is gone and indexes files whose
// content the index does not have.
func (w *watcher) reconcile(ctx context.Context) {
	indexed, err := w.db.AllChecksums(ctx)
	if err != nil {
		w.logger.Warn("reconcile: all checksums failed", slog.String("error", err.Error()))
		return
	}
	metas, err := w.store.List("")
	if err != nil {
		w.logger.Warn("reconcile: list failed", slog.String("error", err.Error()))
		return
	}

	onDisk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		onDisk[m.Path] = struct{}{}
		if indexed[m.Path] != m.Checksum {
			w.index(ctx, m.Path, true)
		}
	}
	for p := range indexed {
		if _, ok := onDisk[p]; !ok {
			w.remove(ctx, p)
		}
	}
}

// enterDir starts watching a new directory and indexes the pages already
// inside it.
func (w *watcher) enterDir(ctx context.Context, dir string) {
	if err := w.addTree(dir); err != nil {
		w.warn("watcher: add new dir failed", dir, err)
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && hidden(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isPage(path) {
			return nil
		}
		if rel, ok := w.rel(path); ok {
			w.index(ctx, rel, true)
		}
		return nil
	})
}

// addTree watches root and every visible directory below it.
func (w *watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// isPage matches the files the vault lists: visible Markdown files.
func isPage(path string) bool {
	return filepath.Ext(path) == storage.PageExt && !hidden(path)
}
