package pagesync_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/blob"
	"github.com/starford/pagelink/internal/codec"
	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/crdt/rga"
	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/pagesync"
	"github.com/starford/pagelink/internal/registry"
	"github.com/starford/pagelink/internal/transport"
)

var _ pagesync.Relay = (*registry.Local)(nil)

const settle = 5 * time.Second

// memHost is a host application keeping pages in memory.
type memHost struct {
	mu    sync.Mutex
	pages map[string]crdt.State
}

func (h *memHost) CalculateState(_ context.Context, npid string) (crdt.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.pages[npid]
	if !ok {
		return crdt.State{}, fmt.Errorf("page %s: %w", npid, apperr.ErrNotFound)
	}
	return st, nil
}

func (h *memHost) ApplyState(_ context.Context, npid string, st crdt.State) error {
	h.set(npid, st.Content)
	return nil
}

func (h *memHost) set(npid, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pages == nil {
		h.pages = make(map[string]crdt.State)
	}
	h.pages[npid] = crdt.State{Content: content}
}

func (h *memHost) content(npid string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pages[npid].Content
}

type notices struct {
	mu   sync.Mutex
	list []models.Notification
}

func (n *notices) Notify(_ context.Context, msg models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, msg)
	return nil
}

func (n *notices) all() []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Notification(nil), n.list...)
}

type peer struct {
	nb      models.Notebook
	core    *pagesync.Core
	host    *memHost
	notices *notices
	inbox   chan transport.Message
}

// network runs notebooks against one in-process relay. Every notebook
// handles its messages on its own goroutine in delivery order, the way a
// websocket reader would.
type network struct {
	t   *testing.T
	ctx context.Context
	svc *registry.Service

	mu      sync.Mutex
	peers   map[string]*peer
	offline map[string]bool
}

func newNetwork(t *testing.T) *network {
	t.Helper()
	store, err := registry.Open(registry.DriverSQLite, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n := &network{t: t, ctx: ctx, peers: make(map[string]*peer), offline: make(map[string]bool)}
	n.svc = registry.NewService(store, blobs, rga.New(), registry.WithNotifier(n))
	return n
}

func (n *network) Deliver(_ context.Context, target string, msg transport.Message) error {
	n.mu.Lock()
	p, ok := n.peers[target]
	off := n.offline[target]
	n.mu.Unlock()
	if !ok || off {
		return nil
	}
	p.inbox <- msg
	return nil
}

func (n *network) setOnline(p *peer, online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline[p.nb.UUID] = !online
}

func (n *network) add(workspace string, opts ...pagesync.Option) *peer {
	n.t.Helper()
	nb, _, err := n.svc.Register(n.ctx, "test", workspace)
	require.NoError(n.t, err)

	p := &peer{nb: nb, host: &memHost{}, notices: &notices{}, inbox: make(chan transport.Message, 256)}
	self := transport.Source{NotebookUUID: nb.UUID, App: nb.App, Workspace: nb.Workspace}
	opts = append([]pagesync.Option{pagesync.WithNotifier(p.notices)}, opts...)
	p.core = pagesync.New(rga.New(), self, registry.Bind(n.svc, nb), p.host, opts...)

	d := transport.NewDispatcher(nil)
	p.core.Register(d)
	go func() {
		for {
			select {
			case <-n.ctx.Done():
				return
			case msg := <-p.inbox:
				_ = d.Dispatch(n.ctx, msg)
			}
		}
	}()

	n.mu.Lock()
	n.peers[nb.UUID] = p
	n.mu.Unlock()
	return p
}

// shareWith shares owner's page and has p join it as npid.
func (n *network) shareWith(owner *peer, ownerPage, content string, p *peer, npid string) string {
	n.t.Helper()
	owner.host.set(ownerPage, content)
	pageUUID, created, err := owner.core.SharePage(n.ctx, ownerPage, ownerPage)
	require.NoError(n.t, err)
	require.True(n.t, created)

	require.NoError(n.t, owner.core.InviteNotebook(n.ctx, ownerPage, p.nb.UUID))
	require.Eventually(n.t, func() bool { return len(p.core.Invites()) == 1 }, settle, 10*time.Millisecond)
	joined, err := p.core.AcceptInvite(n.ctx, pageUUID, npid)
	require.NoError(n.t, err)
	require.Equal(n.t, npid, joined)
	return pageUUID
}

func changeCount(t *testing.T, p *peer, npid string) int {
	t.Helper()
	doc, _, err := p.core.Replica(context.Background(), npid)
	require.NoError(t, err)
	all, err := rga.New().AllChanges(doc)
	require.NoError(t, err)
	return len(all)
}

func TestShareJoinAndEdit(t *testing.T) {
	n := newNetwork(t)
	a, b := n.add("alpha"), n.add("beta")
	n.shareWith(a, "page", "hello", b, "joined")
	assert.Equal(t, "hello", b.host.content("joined"))

	b.host.set("joined", "hello world")
	require.NoError(t, b.core.UpdatePage(n.ctx, "joined", ""))

	require.Eventually(t, func() bool { return a.host.content("page") == "hello world" }, settle, 10*time.Millisecond)
	assert.Equal(t, 2, changeCount(t, a, "page"))
	assert.Equal(t, 2, changeCount(t, b, "joined"))

	var accepted bool
	for _, note := range a.notices.all() {
		if note.Operation == string(transport.OpSharePageResponse) {
			accepted = true
		}
	}
	assert.True(t, accepted, "inviter is told the invitation was accepted")
}

func TestUpdateWithoutChangesSendsNothing(t *testing.T) {
	n := newNetwork(t)
	a := n.add("alpha")
	a.host.set("page", "hello")
	_, _, err := a.core.SharePage(n.ctx, "page", "")
	require.NoError(t, err)

	require.NoError(t, a.core.UpdatePage(n.ctx, "page", ""))
	history, err := a.core.History(n.ctx, "page")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestShareIsIdempotent(t *testing.T) {
	n := newNetwork(t)
	a := n.add("alpha")
	a.host.set("page", "hello")

	first, created, err := a.core.SharePage(n.ctx, "page", "Page")
	require.NoError(t, err)
	require.True(t, created)
	second, created, err := a.core.SharePage(n.ctx, "page", "Page")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	pages, err := a.core.Pages(n.ctx)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, first, pages[0].PageUUID)
	assert.Equal(t, string(pagesync.StatusShared), pages[0].Status)
}

func TestCatchUpAfterReconnect(t *testing.T) {
	n := newNetwork(t)
	a, b := n.add("alpha"), n.add("beta")
	n.shareWith(a, "page", "hello", b, "joined")

	n.setOnline(b, false)
	for _, content := range []string{"hello 1", "hello 12", "hello 123"} {
		a.host.set("page", content)
		require.NoError(t, a.core.UpdatePage(n.ctx, "page", ""))
	}
	assert.Equal(t, "hello", b.host.content("joined"))

	n.setOnline(b, true)
	sent, err := b.core.CatchUp(n.ctx, "joined")
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	require.Eventually(t, func() bool { return b.host.content("joined") == "hello 123" }, settle, 10*time.Millisecond)
	doc, status, err := b.core.Replica(n.ctx, "joined")
	require.NoError(t, err)
	assert.Equal(t, pagesync.StatusShared, status)
	assert.Equal(t, uint64(4), doc.Clock()[a.core.Actor()])
}

func TestGapTriggersCatchUp(t *testing.T) {
	n := newNetwork(t)
	a, b := n.add("alpha"), n.add("beta")
	n.shareWith(a, "page", "hello", b, "joined")

	n.setOnline(b, false)
	a.host.set("page", "hello there")
	require.NoError(t, a.core.UpdatePage(n.ctx, "page", ""))
	n.setOnline(b, true)

	// b receives a change whose predecessor it never saw and asks a for it.
	a.host.set("page", "hello there!")
	require.NoError(t, a.core.UpdatePage(n.ctx, "page", ""))

	require.Eventually(t, func() bool { return b.host.content("joined") == "hello there!" }, settle, 10*time.Millisecond)
	doc, _, err := b.core.Replica(n.ctx, "joined")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), doc.Clock()[a.core.Actor()])
}

func TestDivergedHistoryMarksPageCorrupted(t *testing.T) {
	n := newNetwork(t)
	a, b := n.add("alpha"), n.add("beta")
	n.shareWith(a, "page", "hello", b, "joined")

	n.setOnline(b, false)
	a.host.set("page", "hello from a")
	require.NoError(t, a.core.UpdatePage(n.ctx, "page", ""))
	n.setOnline(b, true)

	// A change from an unknown actor that cannot be applied yet, claiming a
	// different history for a's first change.
	e := rga.New()
	doc, _, err := crdt.ApplyState(e, e.New("cccccccccccccccccccccccccccccccc"), "one", crdt.State{Content: "x"})
	require.NoError(t, err)
	_, second, err := crdt.ApplyState(e, doc, "two", crdt.State{Content: "xy"})
	require.NoError(t, err)
	msg, err := transport.NewMessage(transport.OpSharePageUpdate, a.core.Self(), transport.SharePageUpdate{
		NotebookPageID: "joined",
		Changes:        codec.EncodeChanges(second),
		Dependencies:   map[string]transport.Dependency{a.core.Actor(): {Seq: 1, Hash: "bogus"}},
	})
	require.NoError(t, err)
	require.NoError(t, b.core.HandleUpdate(n.ctx, msg))

	_, status, err := b.core.Replica(n.ctx, "joined")
	require.NoError(t, err)
	assert.Equal(t, pagesync.StatusCorrupted, status)

	var warned bool
	for _, note := range b.notices.all() {
		if note.Persistent {
			warned = true
			assert.Equal(t, []string{pagesync.ActionForcePush, pagesync.ActionResync}, note.Buttons)
		}
	}
	assert.True(t, warned)

	b.host.set("joined", "hello again")
	err = b.core.UpdatePage(n.ctx, "joined", "")
	assert.ErrorIs(t, err, apperr.ErrCorrupted)

	// Force push overwrites every other replica with b's.
	require.NoError(t, b.core.ForcePush(n.ctx, "joined"))
	_, status, err = b.core.Replica(n.ctx, "joined")
	require.NoError(t, err)
	assert.Equal(t, pagesync.StatusShared, status)
	require.Eventually(t, func() bool { return a.host.content("page") == "hello" }, settle, 10*time.Millisecond)
}

func TestResyncRecoversCorruptedPage(t *testing.T) {
	n := newNetwork(t)
	a, b := n.add("alpha"), n.add("beta")
	n.shareWith(a, "page", "hello", b, "joined")

	b.host.set("joined", "local only")
	require.NoError(t, b.core.Resync(n.ctx, "joined"))
	assert.Equal(t, "hello", b.host.content("joined"))
	_, status, err := b.core.Replica(n.ctx, "joined")
	require.NoError(t, err)
	assert.Equal(t, pagesync.StatusShared, status)
}

func TestRejectInvite(t *testing.T) {
	n := newNetwork(t)
	a, b := n.add("alpha"), n.add("beta")
	a.host.set("page", "hello")
	pageUUID, _, err := a.core.SharePage(n.ctx, "page", "page")
	require.NoError(t, err)
	require.NoError(t, a.core.InviteNotebook(n.ctx, "page", b.nb.UUID))
	require.Eventually(t, func() bool { return len(b.core.Invites()) == 1 }, settle, 10*time.Millisecond)

	require.NoError(t, b.core.RejectInvite(n.ctx, pageUUID))
	assert.Empty(t, b.core.Invites())
	require.Eventually(t, func() bool {
		for _, note := range a.notices.all() {
			if note.Operation == string(transport.OpSharePageResponse) {
				return true
			}
		}
		return false
	}, settle, 10*time.Millisecond)
}

func TestDisconnectForgetsReplica(t *testing.T) {
	n := newNetwork(t)
	a, b := n.add("alpha"), n.add("beta")
	n.shareWith(a, "page", "hello", b, "joined")

	require.NoError(t, b.core.Disconnect(n.ctx, "joined"))
	pages, err := b.core.Pages(n.ctx)
	require.NoError(t, err)
	assert.Empty(t, pages)
	_, _, err = b.core.Replica(n.ctx, "joined")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// a's edits no longer reach b.
	a.host.set("page", "hello alone")
	require.NoError(t, a.core.UpdatePage(n.ctx, "page", ""))
	sent, err := a.core.CatchUp(n.ctx, "page")
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestLinkDifferentPage(t *testing.T) {
	n := newNetwork(t)
	a, b := n.add("alpha"), n.add("beta")
	n.shareWith(a, "page", "hello", b, "joined")

	require.NoError(t, b.core.LinkDifferentPage(n.ctx, "joined", "renamed"))
	_, _, err := b.core.Replica(n.ctx, "joined")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	a.host.set("page", "hello renamed")
	require.NoError(t, a.core.UpdatePage(n.ctx, "page", ""))
	require.Eventually(t, func() bool { return b.host.content("renamed") == "hello renamed" }, settle, 10*time.Millisecond)
}

// gatedHost blocks CalculateState until released.
type gatedHost struct {
	*memHost
	entered chan struct{}
	release chan struct{}
}

func (h *gatedHost) CalculateState(ctx context.Context, npid string) (crdt.State, error) {
	h.entered <- struct{}{}
	<-h.release
	return h.memHost.CalculateState(ctx, npid)
}

func TestCloseTurnsInFlightWorkIntoNoop(t *testing.T) {
	n := newNetwork(t)
	a := n.add("alpha")
	a.host.set("page", "hello")
	_, _, err := a.core.SharePage(n.ctx, "page", "")
	require.NoError(t, err)

	host := &gatedHost{memHost: a.host, entered: make(chan struct{}, 1), release: make(chan struct{})}
	core := pagesync.New(rga.New(), a.core.Self(), registry.Bind(n.svc, a.nb), host, pagesync.WithStore(storeOf(t, a)))

	a.host.set("page", "hello changed")
	done := make(chan error, 1)
	go func() { done <- core.UpdatePage(n.ctx, "page", "") }()
	<-host.entered
	core.Close()
	close(host.release)
	require.NoError(t, <-done)

	history, err := core.History(n.ctx, "page")
	require.NoError(t, err)
	assert.Len(t, history, 1, "the relay never saw the update")
	doc, _, err := core.Replica(n.ctx, "page")
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.State().Content)
}

// storeOf copies a's replicas into a fresh store so a second core can start
// from them.
func storeOf(t *testing.T, p *peer) pagesync.Store {
	t.Helper()
	store := pagesync.NewMemoryStore()
	pages, err := p.core.Pages(context.Background())
	require.NoError(t, err)
	for _, pg := range pages {
		doc, status, err := p.core.Replica(context.Background(), pg.NotebookPageID)
		require.NoError(t, err)
		data, err := rga.New().Save(doc)
		require.NoError(t, err)
		require.NoError(t, store.PutReplica(context.Background(), pagesync.Record{
			NotebookPageID: pg.NotebookPageID,
			PageUUID:       pg.PageUUID,
			Status:         status,
			State:          data,
		}))
	}
	return store
}
