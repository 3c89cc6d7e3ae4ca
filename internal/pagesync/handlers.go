package pagesync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/codec"
	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/metrics"
	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/transport"
)

// Notification buttons.
const (
	ActionAccept    = "accept"
	ActionReject    = "reject"
	ActionForcePush = "force push"
	ActionResync    = "resync"
)

// Register installs the page protocol handlers on d.
func (c *Core) Register(d *transport.Dispatcher) {
	d.Register(transport.OpSharePage, transport.HandlerFunc(c.HandleShare))
	d.Register(transport.OpSharePageResponse, transport.HandlerFunc(c.HandleShareResponse))
	d.Register(transport.OpSharePageUpdate, transport.HandlerFunc(c.HandleUpdate))
	d.Register(transport.OpSharePageForce, transport.HandlerFunc(c.HandleForce))
	d.Register(transport.OpRequestPageUpdate, transport.HandlerFunc(c.HandleRequestUpdate))
}

// HandleUpdate merges a SHARE_PAGE_UPDATE. Updates for one page are merged
// in arrival order, one at a time.
func (c *Core) HandleUpdate(ctx context.Context, msg transport.Message) error {
	var upd transport.SharePageUpdate
	if err := msg.Decode(&upd); err != nil {
		return err
	}
	changes, err := codec.DecodeChanges(upd.Changes)
	if err != nil {
		return fmt.Errorf("pagesync: update %s: %w", upd.NotebookPageID, err)
	}
	return c.do(ctx, upd.NotebookPageID, func(ctx context.Context, gen uint64) error {
		return c.merge(ctx, gen, msg.Source, upd, changes)
	})
}

func (c *Core) merge(ctx context.Context, gen uint64, src transport.Source, upd transport.SharePageUpdate, changes [][]byte) error {
	npid := upd.NotebookPageID
	log := c.log.With(slog.String("notebook_page_id", npid), slog.String("source", src.NotebookUUID))

	r, err := c.replica(ctx, npid)
	if err != nil {
		return err
	}
	if r.status == StatusCorrupted {
		metrics.Merges.WithLabelValues("skipped").Inc()
		log.Warn("ignoring update for corrupted page")
		return nil
	}

	doc, patch, err := c.engine.ApplyChanges(r.doc, changes)
	if err != nil {
		metrics.Merges.WithLabelValues("failed").Inc()
		return fmt.Errorf("pagesync: merge %s: %w", npid, err)
	}
	next := r.with(doc)

	if patch.PendingChanges {
		hist, err := c.history(doc)
		if err != nil {
			return fmt.Errorf("pagesync: merge %s: %w", npid, err)
		}
		if actor, ok := c.diverged(hist, upd.Dependencies); ok {
			metrics.Merges.WithLabelValues("corrupted").Inc()
			next.status = StatusCorrupted
			if _, err := c.commit(ctx, gen, npid, next); err != nil {
				return err
			}
			log.Error("page history corrupted", slog.String("actor", actor))
			c.notify(ctx, models.Notification{
				UUID:        noticeID(npid, "corrupted"),
				Title:       "Page history corrupted",
				Description: fmt.Sprintf("Notebook %s sent history for %s that differs from what this notebook recorded. Force push or resync to recover.", src.NotebookUUID, npid),
				Buttons:     []string{ActionForcePush, ActionResync},
				Operation:   string(transport.OpSharePageUpdate),
				Persistent:  true,
			})
			return nil
		}

		metrics.Merges.WithLabelValues("pending").Inc()
		if _, err := c.commit(ctx, gen, npid, next); err != nil {
			return err
		}
		missing := c.missingActors(hist, doc.Clock(), changes, upd.Dependencies)
		if len(missing) == 0 && !doc.Frozen() {
			return fmt.Errorf("pagesync: merge %s: %w", npid, apperr.ErrCausalGap)
		}
		for _, actor := range missing {
			c.requestFrom(ctx, npid, actor, src.NotebookUUID, doc.Clock()[actor])
		}
		if patch.ContentChanged {
			return c.show(ctx, npid, doc)
		}
		return nil
	}

	metrics.Merges.WithLabelValues("applied").Inc()
	snapshot, err := c.commit(ctx, gen, npid, next)
	if err != nil {
		return err
	}
	if !patch.ContentChanged {
		return nil
	}
	if err := c.show(ctx, npid, doc); err != nil {
		return err
	}
	if doc.Frozen() {
		return nil
	}
	if _, err := c.relay.SavePageVersion(ctx, models.SavePageVersionRequest{
		NotebookPageID: npid,
		State:          codec.EncodeState(snapshot),
	}); err != nil {
		return fmt.Errorf("pagesync: merge %s: save: %w", npid, err)
	}
	return nil
}

func noticeID(npid, kind string) string { return kind + ":" + npid }

func (c *Core) show(ctx context.Context, npid string, doc crdt.Doc) error {
	if err := c.host.ApplyState(ctx, npid, doc.State()); err != nil {
		return fmt.Errorf("pagesync: apply %s: %w", npid, err)
	}
	return nil
}

type seqKey struct {
	actor string
	seq   uint64
}

type logEntry struct {
	raw    []byte
	change crdt.Change
}

// history decodes the applied change log of doc.
func (c *Core) history(doc crdt.Doc) ([]logEntry, error) {
	all, err := c.engine.AllChanges(doc)
	if err != nil {
		return nil, err
	}
	out := make([]logEntry, len(all))
	for i, raw := range all {
		ch, err := c.engine.DecodeChange(raw)
		if err != nil {
			return nil, err
		}
		out[i] = logEntry{raw: raw, change: ch}
	}
	return out, nil
}

// diverged reports the first other actor whose declared (seq, hash) differs
// from the hash recorded locally for the same seq.
func (c *Core) diverged(hist []logEntry, deps map[string]transport.Dependency) (string, bool) {
	recorded := make(map[seqKey]string, len(hist))
	for _, e := range hist {
		recorded[seqKey{e.change.Actor, e.change.Seq}] = e.change.Hash
	}
	actors := make([]string, 0, len(deps))
	for actor := range deps {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	for _, actor := range actors {
		if actor == c.actor {
			continue
		}
		dep := deps[actor]
		if h, ok := recorded[seqKey{actor, dep.Seq}]; ok && h != dep.Hash {
			return actor, true
		}
	}
	return "", false
}

// missingActors lists the actors whose history is needed to apply the queued
// changes: declared dependencies without a local hash, and actors whose
// supplied changes skip ahead of the local clock.
func (c *Core) missingActors(hist []logEntry, clock crdt.Clock, changes [][]byte, deps map[string]transport.Dependency) []string {
	recorded := make(map[seqKey]bool, len(hist))
	for _, e := range hist {
		recorded[seqKey{e.change.Actor, e.change.Seq}] = true
	}
	set := make(map[string]bool)
	for actor, dep := range deps {
		if actor != c.actor && !recorded[seqKey{actor, dep.Seq}] {
			set[actor] = true
		}
	}
	for _, raw := range changes {
		ch, err := c.engine.DecodeChange(raw)
		if err != nil || ch.Actor == c.actor {
			continue
		}
		if ch.Seq > clock[ch.Actor]+1 {
			set[ch.Actor] = true
		}
	}
	out := make([]string, 0, len(set))
	for actor := range set {
		out = append(out, actor)
	}
	sort.Strings(out)
	return out
}

// dependencies maps each dependency of the encoded change to its actor's
// (seq, hash).
func (c *Core) dependencies(doc crdt.Doc, raw []byte) (map[string]transport.Dependency, error) {
	first, err := c.engine.DecodeChange(raw)
	if err != nil {
		return nil, err
	}
	if len(first.Deps) == 0 {
		return nil, nil
	}
	hist, err := c.history(doc)
	if err != nil {
		return nil, err
	}
	return depsOf(first, hist), nil
}

func depsOf(first crdt.Change, hist []logEntry) map[string]transport.Dependency {
	byHash := make(map[string]crdt.Change, len(hist))
	for _, e := range hist {
		byHash[e.change.Hash] = e.change
	}
	out := make(map[string]transport.Dependency, len(first.Deps))
	for _, h := range first.Deps {
		if dep, ok := byHash[h]; ok {
			out[dep.Actor] = transport.Dependency{Seq: dep.Seq, Hash: h}
		}
	}
	return out
}

// HandleRequestUpdate answers a REQUEST_PAGE_UPDATE with every change this
// notebook authored after the requested seq.
func (c *Core) HandleRequestUpdate(ctx context.Context, m transport.Message) error {
	var req transport.RequestPageUpdate
	if err := m.Decode(&req); err != nil {
		return err
	}
	r, err := c.replica(ctx, req.NotebookPageID)
	if err != nil {
		return err
	}
	hist, err := c.history(r.doc)
	if err != nil {
		return fmt.Errorf("pagesync: catch-up %s: %w", req.NotebookPageID, err)
	}

	var mine []logEntry
	for _, e := range hist {
		if e.change.Actor == c.actor && e.change.Seq > req.Seq {
			mine = append(mine, e)
		}
	}
	if len(mine) == 0 {
		return nil
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].change.Seq < mine[j].change.Seq })

	raws := make([][]byte, len(mine))
	for i, e := range mine {
		raws[i] = e.raw
	}
	if err := c.relay.PageUpdateResponse(ctx, models.PageUpdateResponseRequest{
		NotebookPageID: req.NotebookPageID,
		Target:         m.Source.NotebookUUID,
		Changes:        codec.EncodeChanges(raws),
		Dependencies:   depsOf(mine[0].change, hist),
	}); err != nil {
		return fmt.Errorf("pagesync: catch-up %s: %w", req.NotebookPageID, err)
	}
	c.log.Debug("answered catch-up",
		slog.String("notebook_page_id", req.NotebookPageID),
		slog.String("requester", m.Source.NotebookUUID),
		slog.Int("changes", len(raws)))
	return nil
}

// HandleForce replaces the replica with the forced snapshot.
func (c *Core) HandleForce(ctx context.Context, m transport.Message) error {
	var f transport.SharePageForce
	if err := m.Decode(&f); err != nil {
		return err
	}
	return c.do(ctx, f.NotebookPageID, func(ctx context.Context, gen uint64) error {
		r, err := c.replica(ctx, f.NotebookPageID)
		if err != nil {
			return err
		}
		c.log.Info("page force updated",
			slog.String("notebook_page_id", f.NotebookPageID),
			slog.String("source", m.Source.NotebookUUID))
		return c.replace(ctx, gen, f.NotebookPageID, r.pageUUID, f.State)
	})
}

// HandleShare records an invitation and asks the user about it.
func (c *Core) HandleShare(ctx context.Context, m transport.Message) error {
	var inv transport.SharePage
	if err := m.Decode(&inv); err != nil {
		return err
	}
	if inv.PageUUID == "" {
		return fmt.Errorf("pagesync: invitation without page: %w", apperr.ErrInvalidInput)
	}
	if inv.InvitedBy == "" {
		inv.InvitedBy = m.Source.NotebookUUID
	}
	c.mu.Lock()
	c.invites[inv.PageUUID] = inv
	c.mu.Unlock()

	c.notify(ctx, models.Notification{
		UUID:        noticeID(inv.PageUUID, "invite"),
		Title:       "Share page",
		Description: fmt.Sprintf("Notebook %s/%s invited you to %q.", m.Source.App, m.Source.Workspace, inv.Title),
		Buttons:     []string{ActionAccept, ActionReject},
		Operation:   string(transport.OpSharePage),
		Data:        m.Data,
	})
	return nil
}

// HandleShareResponse tells the inviter how an invitation ended.
func (c *Core) HandleShareResponse(ctx context.Context, m transport.Message) error {
	var resp transport.SharePageResponse
	if err := m.Decode(&resp); err != nil {
		return err
	}
	outcome := "accepted"
	switch {
	case resp.Removed:
		outcome = "removed"
	case resp.Rejected || !resp.Success:
		outcome = "rejected"
	}
	c.notify(ctx, models.Notification{
		UUID:        m.UUID,
		Title:       "Share page response",
		Description: fmt.Sprintf("Notebook %s/%s %s the invitation to %s.", m.Source.App, m.Source.Workspace, outcome, resp.NotebookPageID),
		Operation:   string(transport.OpSharePageResponse),
		Data:        m.Data,
	})
	return nil
}
