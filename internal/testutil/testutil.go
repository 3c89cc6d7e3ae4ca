// Package testutil provides shared test helpers for setting up vaults,
// indexes and an in-process relay.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/starford/pagelink/internal/blob"
	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/crdt/rga"
	"github.com/starford/pagelink/internal/index"
	"github.com/starford/pagelink/internal/pagesync"
	"github.com/starford/pagelink/internal/registry"
	"github.com/starford/pagelink/internal/storage"
	"github.com/starford/pagelink/internal/transport"
)

// TestDB opens a notebook index in a temp dir that is closed on cleanup.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	db, err := index.Open(filepath.Join(t.TempDir(), "pagelink-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestVault creates a temporary vault directory with a storage.Provider.
func TestVault(t *testing.T) (string, storage.Provider) {
	t.Helper()
	vaultDir := t.TempDir()
	store, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	return vaultDir, store
}

// TestRelay builds a relay service over a temp SQLite registry and blob dir.
func TestRelay(t *testing.T) *registry.Service {
	t.Helper()
	store, err := registry.Open(registry.DriverSQLite, filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return registry.NewService(store, blobs, rga.New())
}

// MemHost keeps page states in memory.
type MemHost struct {
	mu    sync.Mutex
	pages map[string]crdt.State
}

func NewMemHost() *MemHost {
	return &MemHost{pages: make(map[string]crdt.State)}
}

func (h *MemHost) CalculateState(_ context.Context, npid string) (crdt.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.pages[npid]
	if !ok {
		return crdt.State{ContentType: crdt.ContentType}, nil
	}
	return st, nil
}

func (h *MemHost) ApplyState(_ context.Context, npid string, st crdt.State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages[npid] = st
	return nil
}

// Set replaces a page's text.
func (h *MemHost) Set(npid, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages[npid] = crdt.State{Content: content, ContentType: crdt.ContentType}
}

// Get returns a page state and whether it exists.
func (h *MemHost) Get(npid string) (crdt.State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.pages[npid]
	return st, ok
}

// TestCore registers a notebook on svc and returns a core bound to it
// directly, without a websocket.
func TestCore(t *testing.T, svc *registry.Service, workspace string, host pagesync.Host, opts ...pagesync.Option) *pagesync.Core {
	t.Helper()
	nb, _, err := svc.Register(context.Background(), "test", workspace)
	if err != nil {
		t.Fatalf("register %s: %v", workspace, err)
	}
	self := transport.Source{NotebookUUID: nb.UUID, App: nb.App, Workspace: nb.Workspace}
	core := pagesync.New(rga.New(), self, registry.Bind(svc, nb), host, opts...)
	t.Cleanup(core.Close)
	return core
}
