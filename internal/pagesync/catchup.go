package pagesync

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/metrics"
	"github.com/starford/pagelink/internal/models"
)

// CatchUp asks every other notebook joined to the page for the changes it
// authored after the last one held locally. It returns the number of
// requests sent.
func (c *Core) CatchUp(ctx context.Context, npid string) (int, error) {
	r, err := c.replica(ctx, npid)
	if err != nil {
		return 0, err
	}
	links, err := c.refreshPeers(ctx, npid)
	if err != nil {
		return 0, err
	}
	clock := r.doc.Clock()
	sent := 0
	for _, l := range links {
		if l.Open || l.NotebookUUID == c.self.NotebookUUID {
			continue
		}
		actor := crdt.ActorID(l.App, l.Workspace)
		if c.sendRequest(ctx, npid, l.NotebookUUID, clock[actor]) {
			sent++
		}
	}
	return sent, nil
}

// CatchUpAll runs CatchUp for every locally shared page.
func (c *Core) CatchUpAll(ctx context.Context) error {
	pages, err := c.Pages(ctx)
	if err != nil {
		return err
	}
	for _, p := range pages {
		if p.Status != string(StatusShared) {
			continue
		}
		if _, err := c.CatchUp(ctx, p.NotebookPageID); err != nil {
			c.log.Warn("catch-up failed",
				slog.String("notebook_page_id", p.NotebookPageID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// requestFrom asks the notebook owning actor for its changes after seq,
// falling back to fallback when the owner is unknown.
func (c *Core) requestFrom(ctx context.Context, npid, actor, fallback string, seq uint64) {
	target := c.peer(actor)
	if target == "" {
		if _, err := c.refreshPeers(ctx, npid); err != nil {
			c.log.Warn("list page notebooks failed",
				slog.String("notebook_page_id", npid),
				slog.String("error", err.Error()))
		}
		target = c.peer(actor)
	}
	if target == "" {
		target = fallback
	}
	c.sendRequest(ctx, npid, target, seq)
}

func (c *Core) sendRequest(ctx context.Context, npid, target string, seq uint64) bool {
	if !c.limiter(npid).Allow() {
		c.log.Debug("catch-up request throttled",
			slog.String("notebook_page_id", npid),
			slog.String("target", target))
		return false
	}
	err := c.relay.RequestPageUpdate(ctx, models.RequestPageUpdateRequest{
		NotebookPageID: npid,
		Target:         target,
		Seq:            seq,
	})
	if err != nil {
		c.log.Warn("catch-up request failed",
			slog.String("notebook_page_id", npid),
			slog.String("target", target),
			slog.String("error", err.Error()))
		return false
	}
	metrics.CatchUpRequests.Inc()
	return true
}

func (c *Core) peer(actor string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[actor]
}

func (c *Core) refreshPeers(ctx context.Context, npid string) ([]models.NotebookLink, error) {
	resp, err := c.relay.ListPageNotebooks(ctx, models.ListPageNotebooksRequest{NotebookPageID: npid})
	if err != nil {
		return nil, fmt.Errorf("pagesync: list notebooks of %s: %w", npid, err)
	}
	c.mu.Lock()
	for _, l := range resp.Notebooks {
		c.peers[crdt.ActorID(l.App, l.Workspace)] = l.NotebookUUID
	}
	c.mu.Unlock()
	return resp.Notebooks, nil
}

func (c *Core) limiter(npid string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[npid]
	if !ok {
		l = rate.NewLimiter(c.catchUpEvery, c.catchUpBurst)
		c.limiters[npid] = l
	}
	return l
}
