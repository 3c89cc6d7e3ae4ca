package pagesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/codec"
	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/models"
)

// SharePage registers the page with the relay, creating the local replica
// from the host's current content. Sharing an already shared page reports
// created=false and keeps the existing replica.
func (c *Core) SharePage(ctx context.Context, npid, title string) (pageUUID string, created bool, err error) {
	err = c.do(ctx, npid, func(ctx context.Context, gen uint64) error {
		existing, err := c.replica(ctx, npid)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}

		var doc crdt.Doc
		if existing != nil {
			doc = existing.doc
		} else {
			st, err := c.host.CalculateState(ctx, npid)
			if err != nil {
				return fmt.Errorf("pagesync: share %s: read host: %w", npid, err)
			}
			doc, _, err = crdt.ApplyState(c.engine, c.engine.New(c.actor), "share", st)
			if err != nil {
				return fmt.Errorf("pagesync: share %s: %w", npid, err)
			}
		}
		snapshot, err := c.engine.Save(doc)
		if err != nil {
			return fmt.Errorf("pagesync: share %s: %w", npid, err)
		}

		resp, err := c.relay.InitSharedPage(ctx, models.InitSharedPageRequest{
			NotebookPageID: npid,
			State:          codec.EncodeState(snapshot),
			Title:          title,
		})
		if err != nil {
			return fmt.Errorf("pagesync: share %s: %w", npid, err)
		}
		pageUUID, created = resp.PageUUID, resp.Created

		// The relay already had this page for us; without a local replica we
		// continue from its canonical state.
		if !resp.Created && existing == nil && resp.State != "" {
			data, err := codec.DecodeState(resp.State)
			if err != nil {
				return fmt.Errorf("pagesync: share %s: %w", npid, err)
			}
			if doc, err = c.engine.Load(data, c.actor); err != nil {
				return fmt.Errorf("pagesync: share %s: %w", npid, err)
			}
		}
		if existing != nil && existing.pageUUID == resp.PageUUID {
			return nil
		}
		_, err = c.commit(ctx, gen, npid, &replica{pageUUID: resp.PageUUID, doc: doc, status: StatusShared})
		return err
	})
	if err == nil {
		c.log.Info("page shared",
			slog.String("notebook_page_id", npid),
			slog.String("page_uuid", pageUUID),
			slog.Bool("created", created))
	}
	return pageUUID, created, err
}

// InviteNotebook invites another notebook to a page shared by this one.
func (c *Core) InviteNotebook(ctx context.Context, npid, target string) error {
	if _, err := c.replica(ctx, npid); err != nil {
		return err
	}
	if err := c.relay.InviteNotebookToPage(ctx, models.InviteNotebookToPageRequest{
		NotebookPageID:     npid,
		TargetNotebookUUID: target,
	}); err != nil {
		return fmt.Errorf("pagesync: invite %s to %s: %w", target, npid, err)
	}
	return nil
}

// AcceptInvite joins the page under npid, defaulting to the invitation's
// title. If the host cannot show the page the join is reverted.
func (c *Core) AcceptInvite(ctx context.Context, pageUUID, npid string) (string, error) {
	c.mu.Lock()
	inv, ok := c.invites[pageUUID]
	c.mu.Unlock()
	if npid == "" {
		npid = inv.Title
		if !ok || npid == "" {
			npid = pageUUID
		}
	}

	err := c.do(ctx, npid, func(ctx context.Context, gen uint64) error {
		resp, err := c.relay.JoinSharedPage(ctx, models.JoinSharedPageRequest{PageUUID: pageUUID, NotebookPageID: npid})
		if err != nil {
			return fmt.Errorf("pagesync: join %s: %w", pageUUID, err)
		}
		data, err := codec.DecodeState(resp.State)
		if err != nil {
			return c.revertJoin(ctx, npid, err)
		}
		doc, err := c.engine.Load(data, c.actor)
		if err != nil {
			return c.revertJoin(ctx, npid, err)
		}
		if err := c.host.ApplyState(ctx, npid, doc.State()); err != nil {
			return c.revertJoin(ctx, npid, err)
		}
		_, err = c.commit(ctx, gen, npid, &replica{pageUUID: pageUUID, doc: doc, status: StatusShared})
		return err
	})
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	delete(c.invites, pageUUID)
	c.mu.Unlock()
	c.log.Info("joined shared page", slog.String("notebook_page_id", npid), slog.String("page_uuid", pageUUID))
	return npid, nil
}

func (c *Core) revertJoin(ctx context.Context, npid string, cause error) error {
	if err := c.relay.RevertPageJoin(ctx, models.RevertPageJoinRequest{NotebookPageID: npid}); err != nil {
		c.log.Error("revert page join failed",
			slog.String("notebook_page_id", npid),
			slog.String("error", err.Error()))
	}
	return fmt.Errorf("pagesync: join %s: %w", npid, cause)
}

// RejectInvite declines an invitation.
func (c *Core) RejectInvite(ctx context.Context, pageUUID string) error {
	if err := c.relay.RemovePageInvite(ctx, models.RemovePageInviteRequest{PageUUID: pageUUID}); err != nil {
		return fmt.Errorf("pagesync: reject %s: %w", pageUUID, err)
	}
	c.mu.Lock()
	delete(c.invites, pageUUID)
	c.mu.Unlock()
	return nil
}

// UpdatePage records the difference between the host's page and the replica
// as one change and sends it to the relay. Nothing is sent when they match.
func (c *Core) UpdatePage(ctx context.Context, npid, label string) error {
	if label == "" {
		label = "update"
	}
	return c.do(ctx, npid, func(ctx context.Context, gen uint64) error {
		r, err := c.replica(ctx, npid)
		if err != nil {
			return err
		}
		if r.status == StatusCorrupted {
			return fmt.Errorf("pagesync: update %s: %w", npid, apperr.ErrCorrupted)
		}
		st, err := c.host.CalculateState(ctx, npid)
		if err != nil {
			return fmt.Errorf("pagesync: update %s: read host: %w", npid, err)
		}
		doc, changes, err := crdt.ApplyState(c.engine, r.doc, label, st)
		if err != nil {
			return fmt.Errorf("pagesync: update %s: %w", npid, err)
		}
		if len(changes) == 0 {
			return nil
		}

		deps, err := c.dependencies(doc, changes[0])
		if err != nil {
			return fmt.Errorf("pagesync: update %s: %w", npid, err)
		}
		snapshot, err := c.commit(ctx, gen, npid, r.with(doc))
		if err != nil {
			return err
		}
		if _, err := c.relay.UpdateSharedPage(ctx, models.UpdateSharedPageRequest{
			NotebookPageID: npid,
			Changes:        codec.EncodeChanges(changes),
			State:          codec.EncodeState(snapshot),
			Dependencies:   deps,
		}); err != nil {
			return fmt.Errorf("pagesync: update %s: %w", npid, err)
		}
		return nil
	})
}

// ForcePush overwrites the relay's canonical state and every other replica
// with this notebook's replica. It is the way out of a corrupted page.
func (c *Core) ForcePush(ctx context.Context, npid string) error {
	return c.do(ctx, npid, func(ctx context.Context, gen uint64) error {
		r, err := c.replica(ctx, npid)
		if err != nil {
			return err
		}
		snapshot, err := c.engine.Save(r.doc)
		if err != nil {
			return fmt.Errorf("pagesync: force %s: %w", npid, err)
		}
		if _, err := c.relay.ForcePushPage(ctx, models.ForcePushPageRequest{
			NotebookPageID: npid,
			State:          codec.EncodeState(snapshot),
		}); err != nil {
			return fmt.Errorf("pagesync: force %s: %w", npid, err)
		}
		next := r.with(r.doc)
		next.status = StatusShared
		_, err = c.commit(ctx, gen, npid, next)
		return err
	})
}

// Resync replaces the local replica with the relay's canonical state.
func (c *Core) Resync(ctx context.Context, npid string) error {
	return c.do(ctx, npid, func(ctx context.Context, gen uint64) error {
		resp, err := c.relay.GetSharedPage(ctx, models.GetSharedPageRequest{NotebookPageID: npid})
		if err != nil {
			return fmt.Errorf("pagesync: resync %s: %w", npid, err)
		}
		return c.replace(ctx, gen, npid, resp.PageUUID, resp.State)
	})
}

// replace installs an encoded snapshot as the page's replica and shows it.
func (c *Core) replace(ctx context.Context, gen uint64, npid, pageUUID, state string) error {
	data, err := codec.DecodeState(state)
	if err != nil {
		return fmt.Errorf("pagesync: replace %s: %w", npid, err)
	}
	doc, err := c.engine.Load(data, c.actor)
	if err != nil {
		return fmt.Errorf("pagesync: replace %s: %w", npid, err)
	}
	if _, err := c.commit(ctx, gen, npid, &replica{pageUUID: pageUUID, doc: doc, status: StatusShared}); err != nil {
		return err
	}
	if err := c.host.ApplyState(ctx, npid, doc.State()); err != nil {
		return fmt.Errorf("pagesync: replace %s: apply: %w", npid, err)
	}
	return nil
}

// Disconnect leaves the page and deletes the local replica.
func (c *Core) Disconnect(ctx context.Context, npid string) error {
	return c.do(ctx, npid, func(ctx context.Context, _ uint64) error {
		if err := c.relay.DisconnectSharedPage(ctx, models.DisconnectSharedPageRequest{NotebookPageID: npid}); err != nil {
			return fmt.Errorf("pagesync: disconnect %s: %w", npid, err)
		}
		return c.forget(ctx, npid)
	})
}

// LinkDifferentPage moves the link, and the replica, to another local page.
func (c *Core) LinkDifferentPage(ctx context.Context, oldID, newID string) error {
	return c.do(ctx, oldID, func(ctx context.Context, gen uint64) error {
		r, err := c.replica(ctx, oldID)
		if err != nil {
			return err
		}
		if err := c.relay.LinkDifferentPage(ctx, models.LinkDifferentPageRequest{
			OldNotebookPageID: oldID,
			NewNotebookPageID: newID,
		}); err != nil {
			return fmt.Errorf("pagesync: relink %s: %w", oldID, err)
		}
		if _, err := c.commit(ctx, gen, newID, r); err != nil {
			return err
		}
		return c.forget(ctx, oldID)
	})
}

// SaveVersion stores the current replica as a new canonical version.
func (c *Core) SaveVersion(ctx context.Context, npid string) (models.PageVersion, error) {
	r, err := c.replica(ctx, npid)
	if err != nil {
		return models.PageVersion{}, err
	}
	snapshot, err := c.engine.Save(r.doc)
	if err != nil {
		return models.PageVersion{}, fmt.Errorf("pagesync: save version %s: %w", npid, err)
	}
	v, err := c.relay.SavePageVersion(ctx, models.SavePageVersionRequest{
		NotebookPageID: npid,
		State:          codec.EncodeState(snapshot),
	})
	if err != nil {
		return models.PageVersion{}, fmt.Errorf("pagesync: save version %s: %w", npid, err)
	}
	return v, nil
}

// History lists the relay's stored snapshots of the page.
func (c *Core) History(ctx context.Context, npid string) ([]models.HistoryEntry, error) {
	resp, err := c.relay.GetPageHistory(ctx, models.GetPageHistoryRequest{NotebookPageID: npid})
	if err != nil {
		return nil, fmt.Errorf("pagesync: history %s: %w", npid, err)
	}
	return resp.Entries, nil
}
