package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/starford/pagelink/internal/storage"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

type watchEnv struct {
	dir    string
	store  storage.Provider
	db     *DB
	ctx    context.Context
	events *eventLog
}

func newWatchEnv(t *testing.T) *watchEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	db := testDB(t)
	// cancel runs before the db is closed
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &watchEnv{dir: dir, store: store, db: db, ctx: ctx, events: &eventLog{}}
}

func (e *watchEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(e.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// start runs the watcher and gives fsnotify time to register the tree.
func (e *watchEnv) start(debounce time.Duration) {
	go Watch(e.ctx, e.db, e.store, e.dir, quietLogger(), debounce, e.events.record)
	time.Sleep(100 * time.Millisecond)
}

func (e *watchEnv) syncAll(t *testing.T) {
	t.Helper()
	if err := Sync(e.ctx, e.db, e.store, quietLogger()); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

// eventually polls cond until it holds or waitFor passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(tick)
	}
}

func (e *watchEnv) checksum(rel string) string {
	cs, _ := e.db.GetChecksum(e.ctx, rel)
	return cs
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(kind, path string) {
	l.mu.Lock()
	l.events = append(l.events, kind+":"+path)
	l.mu.Unlock()
}

func (l *eventLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func TestWatcher_NewFileIndexed(t *testing.T) {
	env := newWatchEnv(t)
	env.start(20 * time.Millisecond)

	env.write(t, "new.md", "# New")

	eventually(t, "new.md indexed", func() bool { return env.checksum("new.md") != "" })
	eventually(t, "created event", func() bool { return env.events.count("created:new.md") == 1 })
}

func TestWatcher_BurstCollapses(t *testing.T) {
	env := newWatchEnv(t)
	env.write(t, "burst.md", "v0")
	env.syncAll(t)
	env.start(300 * time.Millisecond)

	for _, v := range []string{"v1", "v2", "v3"} {
		env.write(t, "burst.md", v)
		time.Sleep(20 * time.Millisecond)
	}

	eventually(t, "update event", func() bool { return env.events.count("updated:burst.md") == 1 })
	time.Sleep(400 * time.Millisecond)
	if n := env.events.count("updated:burst.md"); n != 1 {
		t.Errorf("expected 1 update, got %d", n)
	}
}

func TestWatcher_IndexedWriteSuppressed(t *testing.T) {
	env := newWatchEnv(t)
	env.start(20 * time.Millisecond)

	// index first, then write, as the agent does for relay updates
	data := []byte("# From relay")
	if err := IndexPage(env.ctx, env.db, "own.md", data); err != nil {
		t.Fatal(err)
	}
	if err := env.store.Write("own.md", data); err != nil {
		t.Fatal(err)
	}
	env.write(t, "other.md", "# Other")

	eventually(t, "other.md created", func() bool { return env.events.count("created:other.md") == 1 })
	if n := env.events.count("created:own.md") + env.events.count("updated:own.md"); n != 0 {
		t.Errorf("own write reported %d times", n)
	}
}

func TestWatcher_HiddenEntriesIgnored(t *testing.T) {
	env := newWatchEnv(t)
	env.start(20 * time.Millisecond)

	env.write(t, ".draft.md", "# Draft")
	env.write(t, ".trash/old.md", "# Old")
	env.write(t, "notes.txt", "not a page")
	env.write(t, "seen.md", "# Seen")

	eventually(t, "seen.md created", func() bool { return env.events.count("created:seen.md") == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := env.events.snapshot(); !slices.Equal(got, []string{"created:seen.md"}) {
		t.Errorf("events = %v", got)
	}
	for _, p := range []string{".draft.md", ".trash/old.md"} {
		if env.checksum(p) != "" {
			t.Errorf("%s was indexed", p)
		}
	}
}

func TestWatcher_NewDirWatched(t *testing.T) {
	env := newWatchEnv(t)
	env.start(20 * time.Millisecond)

	if err := os.MkdirAll(filepath.Join(env.dir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	env.write(t, "subdir/deep.md", "# Deep")

	eventually(t, "subdir/deep.md indexed", func() bool { return env.checksum("subdir/deep.md") != "" })
}

func TestWatcher_DeleteRemovesFromIndex(t *testing.T) {
	env := newWatchEnv(t)
	env.write(t, "del.md", "# Delete Me")
	env.syncAll(t)
	if env.checksum("del.md") == "" {
		t.Fatal("del.md not indexed by sync")
	}
	env.start(20 * time.Millisecond)

	if err := os.Remove(filepath.Join(env.dir, "del.md")); err != nil {
		t.Fatal(err)
	}

	eventually(t, "del.md removed", func() bool {
		return env.checksum("del.md") == "" && env.events.count("deleted:del.md") == 1
	})
}

func TestWatcher_RenameReconciles(t *testing.T) {
	env := newWatchEnv(t)
	env.write(t, "old.md", "# Rename")
	env.syncAll(t)
	env.start(20 * time.Millisecond)

	if err := os.Rename(filepath.Join(env.dir, "old.md"), filepath.Join(env.dir, "renamed.md")); err != nil {
		t.Fatal(err)
	}

	eventually(t, "rename reconciled", func() bool {
		return env.checksum("old.md") == "" && env.checksum("renamed.md") != ""
	})
}

func TestSyncRemovesStaleEntries(t *testing.T) {
	env := newWatchEnv(t)
	if err := env.db.UpsertPage(env.ctx, PageRow{Path: "ghost.md", Checksum: "g"}, "gone"); err != nil {
		t.Fatal(err)
	}
	env.write(t, "real.md", "# Real #tag")

	env.syncAll(t)

	all, err := env.db.AllChecksums(env.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := all["ghost.md"]; ok {
		t.Error("stale entry ghost.md survived sync")
	}
	if all["real.md"] == "" {
		t.Error("real.md not indexed")
	}
}
