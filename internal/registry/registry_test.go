package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
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
	"github.com/starford/pagelink/internal/transport"
)

type recorder struct {
	mu   sync.Mutex
	msgs map[string][]transport.Message
}

func (r *recorder) Deliver(_ context.Context, target string, msg transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msgs == nil {
		r.msgs = make(map[string][]transport.Message)
	}
	r.msgs[target] = append(r.msgs[target], msg)
	return nil
}

func (r *recorder) received(target string, op transport.Operation) []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transport.Message
	for _, m := range r.msgs[target] {
		if m.Operation == op {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	svc    *Service
	engine *rga.Engine
	rec    *recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	f := &fixture{engine: rga.New(), rec: &recorder{}}
	opts = append([]Option{WithNotifier(f.rec)}, opts...)
	f.svc = NewService(store, blobs, f.engine, opts...)
	return f
}

func (f *fixture) register(t *testing.T, workspace string) models.Notebook {
	t.Helper()
	nb, _, err := f.svc.Register(context.Background(), "test", workspace)
	require.NoError(t, err)
	return nb
}

func (f *fixture) snapshot(t *testing.T, nb models.Notebook, content string) string {
	t.Helper()
	doc, _, err := crdt.ApplyState(f.engine, f.engine.New(crdt.ActorID(nb.App, nb.Workspace)), "init", crdt.State{Content: content})
	require.NoError(t, err)
	data, err := f.engine.Save(doc)
	require.NoError(t, err)
	return codec.EncodeState(data)
}

func (f *fixture) content(t *testing.T, state string) string {
	t.Helper()
	data, err := codec.DecodeState(state)
	require.NoError(t, err)
	doc, err := f.engine.Load(data, "reader")
	require.NoError(t, err)
	return doc.State().Content
}

func (f *fixture) share(t *testing.T, nb models.Notebook, npid, content string) string {
	t.Helper()
	resp, err := f.svc.InitSharedPage(context.Background(), nb, models.InitSharedPageRequest{
		NotebookPageID: npid,
		State:          f.snapshot(t, nb, content),
		Title:          npid,
	})
	require.NoError(t, err)
	return resp.PageUUID
}

// join invites nb to the page and accepts the invitation.
func (f *fixture) join(t *testing.T, owner models.Notebook, ownerPage string, nb models.Notebook, npid string) models.JoinSharedPageResponse {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.InviteNotebookToPage(ctx, owner, models.InviteNotebookToPageRequest{
		NotebookPageID:     ownerPage,
		TargetNotebookUUID: nb.UUID,
	}))
	invites := f.rec.received(nb.UUID, transport.OpSharePage)
	require.NotEmpty(t, invites)
	var sp transport.SharePage
	require.NoError(t, invites[len(invites)-1].Decode(&sp))
	resp, err := f.svc.JoinSharedPage(ctx, nb, models.JoinSharedPageRequest{PageUUID: sp.PageUUID, NotebookPageID: npid})
	require.NoError(t, err)
	return resp
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nb, token, err := f.svc.Register(ctx, "test", "alpha")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := f.svc.Authenticate(ctx, nb.UUID, token)
	require.NoError(t, err)
	assert.Equal(t, nb, got)

	_, err = f.svc.Authenticate(ctx, nb.UUID, token+"x")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.svc.Authenticate(ctx, "6b0b7f0e-0000-4000-8000-000000000000", token)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, _, err = f.svc.Register(ctx, "test", "alpha")
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
}

func TestInitSharedPageIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "alpha")

	first, err := f.svc.InitSharedPage(ctx, a, models.InitSharedPageRequest{NotebookPageID: "page", State: f.snapshot(t, a, "hello")})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := f.svc.InitSharedPage(ctx, a, models.InitSharedPageRequest{NotebookPageID: "page", State: f.snapshot(t, a, "other")})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.PageUUID, second.PageUUID)
	assert.Equal(t, "hello", f.content(t, second.State))
}

func TestInitSharedPageValidates(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "alpha")

	_, err := f.svc.InitSharedPage(context.Background(), a, models.InitSharedPageRequest{NotebookPageID: "page"})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.svc.InitSharedPage(context.Background(), a, models.InitSharedPageRequest{NotebookPageID: "page", State: "bm90IGEgc25hcHNob3Q="})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	links, err := f.svc.ListSharedPages(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, links.Links)
}

func TestQuotaOnShare(t *testing.T) {
	f := newFixture(t, WithDefaultQuota(2))
	ctx := context.Background()
	a := f.register(t, "alpha")

	f.share(t, a, "one", "1")
	f.share(t, a, "two", "2")
	_, err := f.svc.InitSharedPage(ctx, a, models.InitSharedPageRequest{NotebookPageID: "three", State: f.snapshot(t, a, "3")})
	require.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	_, err = f.svc.Store().LinkByNotebookPage(ctx, a.UUID, "three")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	n, err := f.svc.Store().CountJoined(ctx, a.UUID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-sharing a page already linked does not count against the quota.
	_, err = f.svc.InitSharedPage(ctx, a, models.InitSharedPageRequest{NotebookPageID: "two", State: f.snapshot(t, a, "2")})
	assert.NoError(t, err)
}

func TestQuotaOnJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.register(t, "alpha"), f.register(t, "beta")
	require.NoError(t, f.svc.Store().SetPageQuota(ctx, b.UUID, 0))

	pageUUID := f.share(t, a, "a-page", "hello")
	require.NoError(t, f.svc.InviteNotebookToPage(ctx, a, models.InviteNotebookToPageRequest{NotebookPageID: "a-page", TargetNotebookUUID: b.UUID}))

	_, err := f.svc.JoinSharedPage(ctx, b, models.JoinSharedPageRequest{PageUUID: pageUUID, NotebookPageID: "b-page"})
	require.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	invite, err := f.svc.Store().LinkByPage(ctx, b.UUID, pageUUID, true)
	require.NoError(t, err)
	assert.True(t, invite.Open)
	_, err = f.svc.Store().LinkByNotebookPage(ctx, b.UUID, "b-page")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, f.svc.Store().SetPageQuota(ctx, b.UUID, -1))
	_, err = f.svc.JoinSharedPage(ctx, b, models.JoinSharedPageRequest{PageUUID: pageUUID, NotebookPageID: "b-page"})
	assert.NoError(t, err)
}

func TestQuotaHoldsUnderConcurrentShares(t *testing.T) {
	const quota, workers = 2, 16
	f := newFixture(t, WithDefaultQuota(quota))
	ctx := context.Background()
	a := f.register(t, "alpha")

	states := make([]string, workers)
	for i := range states {
		states[i] = f.snapshot(t, a, fmt.Sprintf("page %d", i))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		errs      []error
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.InitSharedPage(ctx, a, models.InitSharedPageRequest{
				NotebookPageID: fmt.Sprintf("page-%d", i),
				State:          states[i],
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, quota, successes)
	for _, err := range errs {
		assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)
	}
	n, err := f.svc.Store().CountJoined(ctx, a.UUID)
	require.NoError(t, err)
	assert.Equal(t, quota, n)
}

func TestQuotaHoldsUnderConcurrentJoins(t *testing.T) {
	const quota, pages = 2, 8
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.register(t, "alpha"), f.register(t, "beta")
	require.NoError(t, f.svc.Store().SetPageQuota(ctx, b.UUID, quota))

	pageUUIDs := make([]string, pages)
	for i := range pageUUIDs {
		npid := fmt.Sprintf("a-%d", i)
		pageUUIDs[i] = f.share(t, a, npid, "content")
		require.NoError(t, f.svc.InviteNotebookToPage(ctx, a, models.InviteNotebookToPageRequest{NotebookPageID: npid, TargetNotebookUUID: b.UUID}))
	}

	var (
		wg     sync.WaitGroup
		joined atomic.Int32
		mu     sync.Mutex
		errs   []error
	)
	for i, pageUUID := range pageUUIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.JoinSharedPage(ctx, b, models.JoinSharedPageRequest{PageUUID: pageUUID, NotebookPageID: fmt.Sprintf("b-%d", i)})
			if err == nil {
				joined.Add(1)
				return
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(quota), joined.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)
	}
	n, err := f.svc.Store().CountJoined(ctx, b.UUID)
	require.NoError(t, err)
	assert.Equal(t, quota, n)
}

func TestInviteAndJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.register(t, "alpha"), f.register(t, "beta")
	pageUUID := f.share(t, a, "a-page", "hello")

	joined := f.join(t, a, "a-page", b, "b-page")
	assert.Equal(t, pageUUID, joined.PageUUID)
	assert.Equal(t, "a-page", joined.Title)
	assert.Equal(t, "hello", f.content(t, joined.State))

	responses := f.rec.received(a.UUID, transport.OpSharePageResponse)
	require.Len(t, responses, 1)
	var resp transport.SharePageResponse
	require.NoError(t, responses[0].Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "a-page", resp.NotebookPageID)
	assert.Equal(t, b.UUID, responses[0].Source.NotebookUUID)

	list, err := f.svc.ListPageNotebooks(ctx, b, models.ListPageNotebooksRequest{NotebookPageID: "b-page"})
	require.NoError(t, err)
	require.Len(t, list.Notebooks, 2)
	for _, l := range list.Notebooks {
		assert.False(t, l.Open)
	}

	err = f.svc.InviteNotebookToPage(ctx, a, models.InviteNotebookToPageRequest{NotebookPageID: "a-page", TargetNotebookUUID: b.UUID})
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
}

func TestJoinWithoutInvite(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "alpha"), f.register(t, "beta")
	pageUUID := f.share(t, a, "a-page", "hello")

	_, err := f.svc.JoinSharedPage(context.Background(), b, models.JoinSharedPageRequest{PageUUID: pageUUID, NotebookPageID: "b-page"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRevertPageJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.register(t, "alpha"), f.register(t, "beta")
	pageUUID := f.share(t, a, "a-page", "hello")
	f.join(t, a, "a-page", b, "b-page")

	require.NoError(t, f.svc.RevertPageJoin(ctx, b, models.RevertPageJoinRequest{NotebookPageID: "b-page"}))
	invite, err := f.svc.Store().LinkByPage(ctx, b.UUID, pageUUID, true)
	require.NoError(t, err)
	assert.True(t, invite.Open)
	assert.Equal(t, a.UUID, invite.InvitedBy)
}

func TestRemovePageInvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c := f.register(t, "alpha"), f.register(t, "beta"), f.register(t, "gamma")
	pageUUID := f.share(t, a, "a-page", "hello")
	for _, nb := range []models.Notebook{b, c} {
		require.NoError(t, f.svc.InviteNotebookToPage(ctx, a, models.InviteNotebookToPageRequest{NotebookPageID: "a-page", TargetNotebookUUID: nb.UUID}))
	}

	err := f.svc.RemovePageInvite(ctx, b, models.RemovePageInviteRequest{PageUUID: pageUUID, TargetNotebookUUID: c.UUID})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	// The invitee rejects: the inviter hears about it.
	require.NoError(t, f.svc.RemovePageInvite(ctx, b, models.RemovePageInviteRequest{PageUUID: pageUUID}))
	msgs := f.rec.received(a.UUID, transport.OpSharePageResponse)
	require.Len(t, msgs, 1)
	var rejected transport.SharePageResponse
	require.NoError(t, msgs[0].Decode(&rejected))
	assert.True(t, rejected.Rejected)
	assert.Equal(t, "a-page", rejected.NotebookPageID)

	// The inviter withdraws: the invitee hears about it.
	require.NoError(t, f.svc.RemovePageInvite(ctx, a, models.RemovePageInviteRequest{PageUUID: pageUUID, TargetNotebookUUID: c.UUID}))
	msgs = f.rec.received(c.UUID, transport.OpSharePageResponse)
	require.Len(t, msgs, 1)
	var removed transport.SharePageResponse
	require.NoError(t, msgs[0].Decode(&removed))
	assert.True(t, removed.Removed)

	err = f.svc.RemovePageInvite(ctx, a, models.RemovePageInviteRequest{PageUUID: pageUUID, TargetNotebookUUID: c.UUID})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateSharedPageMergesAndFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.register(t, "alpha"), f.register(t, "beta")
	f.share(t, a, "a-page", "hello")
	joined := f.join(t, a, "a-page", b, "b-page")

	data, err := codec.DecodeState(joined.State)
	require.NoError(t, err)
	doc, err := f.engine.Load(data, crdt.ActorID(b.App, b.Workspace))
	require.NoError(t, err)
	doc, changes, err := crdt.ApplyState(f.engine, doc, "edit", crdt.State{Content: "hello world"})
	require.NoError(t, err)
	saved, err := f.engine.Save(doc)
	require.NoError(t, err)

	v, err := f.svc.UpdateSharedPage(ctx, b, models.UpdateSharedPageRequest{
		NotebookPageID: "b-page",
		Changes:        codec.EncodeChanges(changes),
		State:          codec.EncodeState(saved),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Version)

	updates := f.rec.received(a.UUID, transport.OpSharePageUpdate)
	require.Len(t, updates, 1)
	var upd transport.SharePageUpdate
	require.NoError(t, updates[0].Decode(&upd))
	assert.Equal(t, "a-page", upd.NotebookPageID)
	assert.Equal(t, codec.EncodeChanges(changes), upd.Changes)
	assert.Empty(t, f.rec.received(b.UUID, transport.OpSharePageUpdate))

	page, err := f.svc.GetSharedPage(ctx, a, models.GetSharedPageRequest{NotebookPageID: "a-page"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", f.content(t, page.State))
	assert.Equal(t, v.CID, page.CID)

	// Re-sending the same snapshot changes nothing.
	again, err := f.svc.SavePageVersion(ctx, b, models.SavePageVersionRequest{NotebookPageID: "b-page", State: codec.EncodeState(saved)})
	require.NoError(t, err)
	assert.Equal(t, v, again)

	history, err := f.svc.GetPageHistory(ctx, a, models.GetPageHistoryRequest{NotebookPageID: "a-page"})
	require.NoError(t, err)
	require.Len(t, history.Entries, 2)
	assert.Equal(t, models.MethodInitSharedPage, history.Entries[0].Method)
	assert.Equal(t, models.MethodUpdateSharedPage, history.Entries[1].Method)
}

func TestForcePushPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.register(t, "alpha"), f.register(t, "beta")
	f.share(t, a, "a-page", "hello")
	f.join(t, a, "a-page", b, "b-page")

	forced := f.snapshot(t, b, "replaced")
	v, err := f.svc.ForcePushPage(ctx, b, models.ForcePushPageRequest{NotebookPageID: "b-page", State: forced})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Version)

	msgs := f.rec.received(a.UUID, transport.OpSharePageForce)
	require.Len(t, msgs, 1)
	var force transport.SharePageForce
	require.NoError(t, msgs[0].Decode(&force))
	assert.Equal(t, "a-page", force.NotebookPageID)
	assert.Equal(t, "replaced", f.content(t, force.State))

	page, err := f.svc.GetSharedPage(ctx, b, models.GetSharedPageRequest{NotebookPageID: "b-page"})
	require.NoError(t, err)
	assert.Equal(t, "replaced", f.content(t, page.State))
}

func TestCatchUpRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c := f.register(t, "alpha"), f.register(t, "beta"), f.register(t, "gamma")
	f.share(t, a, "a-page", "hello")
	f.join(t, a, "a-page", b, "b-page")

	require.NoError(t, f.svc.RequestPageUpdate(ctx, b, models.RequestPageUpdateRequest{NotebookPageID: "b-page", Target: a.UUID, Seq: 3}))
	msgs := f.rec.received(a.UUID, transport.OpRequestPageUpdate)
	require.Len(t, msgs, 1)
	var req transport.RequestPageUpdate
	require.NoError(t, msgs[0].Decode(&req))
	assert.Equal(t, transport.RequestPageUpdate{NotebookPageID: "a-page", Seq: 3}, req)

	require.NoError(t, f.svc.PageUpdateResponse(ctx, a, models.PageUpdateResponseRequest{
		NotebookPageID: "a-page",
		Target:         b.UUID,
		Changes:        []string{"AQ=="},
	}))
	updates := f.rec.received(b.UUID, transport.OpSharePageUpdate)
	require.Len(t, updates, 1)
	var upd transport.SharePageUpdate
	require.NoError(t, updates[0].Decode(&upd))
	assert.Equal(t, "b-page", upd.NotebookPageID)

	err := f.svc.RequestPageUpdate(ctx, b, models.RequestPageUpdateRequest{NotebookPageID: "b-page", Target: c.UUID})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDisconnectAndRelink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.register(t, "alpha"), f.register(t, "beta")
	f.share(t, a, "a-page", "hello")
	f.join(t, a, "a-page", b, "b-page")

	require.NoError(t, f.svc.LinkDifferentPage(ctx, b, models.LinkDifferentPageRequest{OldNotebookPageID: "b-page", NewNotebookPageID: "renamed"}))
	_, err := f.svc.GetSharedPage(ctx, b, models.GetSharedPageRequest{NotebookPageID: "renamed"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DisconnectSharedPage(ctx, b, models.DisconnectSharedPageRequest{NotebookPageID: "renamed"}))
	_, err = f.svc.GetSharedPage(ctx, b, models.GetSharedPageRequest{NotebookPageID: "renamed"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	list, err := f.svc.ListPageNotebooks(ctx, a, models.ListPageNotebooksRequest{NotebookPageID: "a-page"})
	require.NoError(t, err)
	assert.Len(t, list.Notebooks, 1)
}

func TestAdvancePageIsConditional(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "alpha")
	pageUUID := f.share(t, a, "a-page", "hello")
	link, err := f.svc.Store().LinkByNotebookPage(ctx, a.UUID, "a-page")
	require.NoError(t, err)

	v, err := f.svc.Store().AdvancePage(ctx, pageUUID, 1, blob.CID([]byte("x")), link.UUID, models.MethodSavePageVersion, "op-2", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = f.svc.Store().AdvancePage(ctx, pageUUID, 1, blob.CID([]byte("y")), link.UUID, models.MethodSavePageVersion, "op-3", time.Now())
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestNotebookRequestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.register(t, "alpha"), f.register(t, "beta")

	first, err := f.svc.NotebookRequest(ctx, a, models.NotebookRequestRequest{
		Target:  b.UUID,
		Request: json.RawMessage(`{"query":"pages","limit":2}`),
		Label:   "List pages",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, first.Status)
	require.Len(t, f.rec.received(b.UUID, transport.OpRequest), 1)

	// Key order does not change the request's identity; a pending request is re-sent.
	second, err := f.svc.NotebookRequest(ctx, a, models.NotebookRequestRequest{
		Target:  b.UUID,
		Request: json.RawMessage(`{"limit":2,"query":"pages"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, models.RequestPending, second.Status)
	require.Len(t, f.rec.received(b.UUID, transport.OpRequest), 2)

	require.NoError(t, f.svc.NotebookResponse(ctx, b, models.NotebookResponseRequest{
		Requester: a.UUID,
		Request:   json.RawMessage(`{"query":"pages","limit":2}`),
		Response:  json.RawMessage(`{"pages":["x"]}`),
	}))
	responses := f.rec.received(a.UUID, transport.OpResponse)
	require.Len(t, responses, 1)
	var resp transport.Response
	require.NoError(t, responses[0].Decode(&resp))
	assert.Equal(t, first.Hash, resp.Hash)
	assert.JSONEq(t, `{"pages":["x"]}`, string(resp.Response))

	cached, err := f.svc.NotebookRequest(ctx, a, models.NotebookRequestRequest{
		Target:  b.UUID,
		Request: json.RawMessage(`{"query":"pages","limit":2}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, cached.Status)
	assert.JSONEq(t, `{"pages":["x"]}`, string(cached.Response))
	assert.Len(t, f.rec.received(b.UUID, transport.OpRequest), 2)
}

func TestNotebookRequestRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.register(t, "alpha"), f.register(t, "beta")
	req := models.NotebookRequestRequest{Target: b.UUID, Request: json.RawMessage(`{"secret":true}`), Data: true}

	_, err := f.svc.NotebookRequest(ctx, a, req)
	require.NoError(t, err)
	require.Len(t, f.rec.received(b.UUID, transport.OpRequestData), 1)

	require.NoError(t, f.svc.NotebookResponse(ctx, b, models.NotebookResponseRequest{
		Requester: a.UUID,
		Request:   req.Request,
		Rejected:  true,
	}))
	_, err = f.svc.NotebookRequest(ctx, a, req)
	assert.ErrorIs(t, err, apperr.ErrRejected)
	assert.Len(t, f.rec.received(b.UUID, transport.OpRequestData), 1)

	err = f.svc.NotebookResponse(ctx, a, models.NotebookResponseRequest{Requester: b.UUID, Request: req.Request})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
