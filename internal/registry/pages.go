package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/codec"
	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/transport"
)

// InitSharedPage creates a page from the caller's snapshot. When the caller
// already shares npid the existing page is returned with created=false.
func (s *Service) InitSharedPage(ctx context.Context, nb models.Notebook, req models.InitSharedPageRequest) (models.InitSharedPageResponse, error) {
	if err := validate(&req); err != nil {
		return models.InitSharedPageResponse{}, err
	}
	if resp, ok, err := s.existingShare(ctx, nb, req.NotebookPageID); ok || err != nil {
		return resp, err
	}
	data, err := s.decodeSnapshot(req.State)
	if err != nil {
		return models.InitSharedPageResponse{}, err
	}
	limit, err := s.pageLimit(ctx, nb.UUID)
	if err != nil {
		return models.InitSharedPageResponse{}, err
	}
	cid, err := s.blobs.Put(ctx, data)
	if err != nil {
		return models.InitSharedPageResponse{}, fmt.Errorf("registry: store snapshot: %w", err)
	}

	now := s.now()
	page := Page{UUID: uuid.NewString(), Title: req.Title, CID: cid, Version: 1, CreatedAt: now}
	if page.Title == "" {
		page.Title = req.NotebookPageID
	}
	link := models.PageLink{
		UUID:           uuid.NewString(),
		PageUUID:       page.UUID,
		NotebookUUID:   nb.UUID,
		NotebookPageID: req.NotebookPageID,
		Version:        1,
		CID:            cid,
		CreatedAt:      now,
	}
	if err := s.store.CreatePage(ctx, page, link, ksuid.New().String(), limit); err != nil {
		// Lost a race with a concurrent share of the same page.
		if resp, ok, lookupErr := s.existingShare(ctx, nb, req.NotebookPageID); ok {
			return resp, nil
		} else if lookupErr != nil {
			s.log.Warn("existing share lookup failed", slog.String("error", lookupErr.Error()))
		}
		return models.InitSharedPageResponse{}, err
	}
	s.log.Info("page shared",
		slog.String("page_uuid", page.UUID),
		slog.String("notebook_uuid", nb.UUID),
		slog.String("notebook_page_id", req.NotebookPageID))
	return models.InitSharedPageResponse{PageUUID: page.UUID, Created: true}, nil
}

func (s *Service) existingShare(ctx context.Context, nb models.Notebook, npid string) (models.InitSharedPageResponse, bool, error) {
	link, err := s.store.LinkByNotebookPage(ctx, nb.UUID, npid)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.InitSharedPageResponse{}, false, nil
	}
	if err != nil {
		return models.InitSharedPageResponse{}, false, err
	}
	page, err := s.store.GetPage(ctx, link.PageUUID)
	if err != nil {
		return models.InitSharedPageResponse{}, false, err
	}
	_, data, err := s.canonical(ctx, page)
	if err != nil {
		return models.InitSharedPageResponse{}, false, err
	}
	return models.InitSharedPageResponse{PageUUID: page.UUID, State: codec.EncodeState(data)}, true, nil
}

// JoinSharedPage accepts the caller's invitation to a page.
func (s *Service) JoinSharedPage(ctx context.Context, nb models.Notebook, req models.JoinSharedPageRequest) (models.JoinSharedPageResponse, error) {
	if err := validate(&req); err != nil {
		return models.JoinSharedPageResponse{}, err
	}
	invite, err := s.store.LinkByPage(ctx, nb.UUID, req.PageUUID, true)
	if err != nil {
		return models.JoinSharedPageResponse{}, err
	}
	limit, err := s.pageLimit(ctx, nb.UUID)
	if err != nil {
		return models.JoinSharedPageResponse{}, err
	}
	page, err := s.store.GetPage(ctx, req.PageUUID)
	if err != nil {
		return models.JoinSharedPageResponse{}, err
	}
	_, data, err := s.canonical(ctx, page)
	if err != nil {
		return models.JoinSharedPageResponse{}, err
	}
	if err := s.store.AcceptInvite(ctx, nb.UUID, invite.UUID, req.NotebookPageID, page, limit); err != nil {
		return models.JoinSharedPageResponse{}, err
	}

	if inviter, err := s.store.LinkByPage(ctx, invite.InvitedBy, page.UUID, false); err == nil {
		s.send(ctx, nb, invite.InvitedBy, transport.OpSharePageResponse, transport.SharePageResponse{
			PageUUID:       page.UUID,
			NotebookPageID: inviter.NotebookPageID,
			Success:        true,
		})
	}
	return models.JoinSharedPageResponse{PageUUID: page.UUID, State: codec.EncodeState(data), Title: page.Title}, nil
}

// RevertPageJoin turns a join back into an invitation, used when the
// notebook could not create the page locally.
func (s *Service) RevertPageJoin(ctx context.Context, nb models.Notebook, req models.RevertPageJoinRequest) error {
	if err := validate(&req); err != nil {
		return err
	}
	link, err := s.store.LinkByNotebookPage(ctx, nb.UUID, req.NotebookPageID)
	if err != nil {
		return err
	}
	return s.store.RevertJoin(ctx, link.UUID)
}

// UpdateSharedPage merges the caller's changes into the canonical snapshot
// and forwards them to every other joined notebook.
func (s *Service) UpdateSharedPage(ctx context.Context, nb models.Notebook, req models.UpdateSharedPageRequest) (models.PageVersion, error) {
	if err := validate(&req); err != nil {
		return models.PageVersion{}, err
	}
	link, err := s.store.LinkByNotebookPage(ctx, nb.UUID, req.NotebookPageID)
	if err != nil {
		return models.PageVersion{}, err
	}
	changes, err := s.changesOf(req.State, req.Changes)
	if err != nil {
		return models.PageVersion{}, err
	}
	v, err := s.merge(ctx, link, changes, models.MethodUpdateSharedPage)
	if err != nil {
		return models.PageVersion{}, err
	}
	forward := req.Changes
	if len(forward) == 0 {
		forward = codec.EncodeChanges(changes)
	}
	err = s.fanout(ctx, nb, link.PageUUID, transport.OpSharePageUpdate, func(l models.PageLink) any {
		return transport.SharePageUpdate{
			NotebookPageID: l.NotebookPageID,
			Changes:        forward,
			Dependencies:   req.Dependencies,
		}
	})
	return v, err
}

// SavePageVersion merges a snapshot without notifying anyone.
func (s *Service) SavePageVersion(ctx context.Context, nb models.Notebook, req models.SavePageVersionRequest) (models.PageVersion, error) {
	if err := validate(&req); err != nil {
		return models.PageVersion{}, err
	}
	link, err := s.store.LinkByNotebookPage(ctx, nb.UUID, req.NotebookPageID)
	if err != nil {
		return models.PageVersion{}, err
	}
	changes, err := s.changesOf(req.State, nil)
	if err != nil {
		return models.PageVersion{}, err
	}
	return s.merge(ctx, link, changes, models.MethodSavePageVersion)
}

// ForcePushPage replaces the canonical snapshot with the caller's and forces
// it onto every other joined notebook.
func (s *Service) ForcePushPage(ctx context.Context, nb models.Notebook, req models.ForcePushPageRequest) (models.PageVersion, error) {
	if err := validate(&req); err != nil {
		return models.PageVersion{}, err
	}
	link, err := s.store.LinkByNotebookPage(ctx, nb.UUID, req.NotebookPageID)
	if err != nil {
		return models.PageVersion{}, err
	}
	data, err := s.decodeSnapshot(req.State)
	if err != nil {
		return models.PageVersion{}, err
	}

	var v models.PageVersion
	for attempt := 0; ; attempt++ {
		page, err := s.store.GetPage(ctx, link.PageUUID)
		if err != nil {
			return models.PageVersion{}, err
		}
		v, err = s.advance(ctx, page, link, data, models.MethodForcePushPage)
		if err == nil {
			break
		}
		if !errors.Is(err, apperr.ErrConflict) || attempt+1 >= maxAdvanceAttempts {
			return models.PageVersion{}, err
		}
	}

	err = s.fanout(ctx, nb, link.PageUUID, transport.OpSharePageForce, func(l models.PageLink) any {
		return transport.SharePageForce{NotebookPageID: l.NotebookPageID, State: req.State}
	})
	s.log.Info("page force pushed", slog.String("page_uuid", link.PageUUID), slog.String("notebook_uuid", nb.UUID))
	return v, err
}

// targetLink resolves the joined link of another notebook on the caller's page.
func (s *Service) targetLink(ctx context.Context, nb models.Notebook, npid, target string) (models.PageLink, error) {
	link, err := s.store.LinkByNotebookPage(ctx, nb.UUID, npid)
	if err != nil {
		return models.PageLink{}, err
	}
	tl, err := s.store.LinkByPage(ctx, target, link.PageUUID, false)
	if err != nil {
		return models.PageLink{}, err
	}
	return tl, nil
}

// RequestPageUpdate asks another joined notebook for its changes after Seq.
func (s *Service) RequestPageUpdate(ctx context.Context, nb models.Notebook, req models.RequestPageUpdateRequest) error {
	if err := validate(&req); err != nil {
		return err
	}
	tl, err := s.targetLink(ctx, nb, req.NotebookPageID, req.Target)
	if err != nil {
		return err
	}
	s.send(ctx, nb, req.Target, transport.OpRequestPageUpdate, transport.RequestPageUpdate{
		NotebookPageID: tl.NotebookPageID,
		Seq:            req.Seq,
	})
	return nil
}

// PageUpdateResponse forwards catch-up changes to the notebook that asked.
func (s *Service) PageUpdateResponse(ctx context.Context, nb models.Notebook, req models.PageUpdateResponseRequest) error {
	if err := validate(&req); err != nil {
		return err
	}
	tl, err := s.targetLink(ctx, nb, req.NotebookPageID, req.Target)
	if err != nil {
		return err
	}
	s.send(ctx, nb, req.Target, transport.OpSharePageUpdate, transport.SharePageUpdate{
		NotebookPageID: tl.NotebookPageID,
		Changes:        req.Changes,
		Dependencies:   req.Dependencies,
	})
	return nil
}

// InviteNotebookToPage creates an open link for the target notebook.
func (s *Service) InviteNotebookToPage(ctx context.Context, nb models.Notebook, req models.InviteNotebookToPageRequest) error {
	if err := validate(&req); err != nil {
		return err
	}
	link, err := s.store.LinkByNotebookPage(ctx, nb.UUID, req.NotebookPageID)
	if err != nil {
		return err
	}
	if req.TargetNotebookUUID == nb.UUID {
		return fmt.Errorf("registry: cannot invite yourself: %w", apperr.ErrInvalidInput)
	}
	if _, err := s.store.GetNotebook(ctx, req.TargetNotebookUUID); err != nil {
		return err
	}
	if _, err := s.store.LinkByPage(ctx, req.TargetNotebookUUID, link.PageUUID, false); err == nil {
		return fmt.Errorf("registry: notebook %s already joined: %w", req.TargetNotebookUUID, apperr.ErrAlreadyExists)
	}
	page, err := s.store.GetPage(ctx, link.PageUUID)
	if err != nil {
		return err
	}
	if err := s.store.CreateInvite(ctx, models.PageLink{
		UUID:         uuid.NewString(),
		PageUUID:     link.PageUUID,
		NotebookUUID: req.TargetNotebookUUID,
		InvitedBy:    nb.UUID,
		CreatedAt:    s.now(),
	}); err != nil {
		return err
	}
	s.send(ctx, nb, req.TargetNotebookUUID, transport.OpSharePage, transport.SharePage{
		PageUUID:  page.UUID,
		Title:     page.Title,
		InvitedBy: nb.UUID,
	})
	return nil
}

// RemovePageInvite deletes an invitation. The invitee rejects its own; the
// inviter withdraws one it sent. The other side is told either way.
func (s *Service) RemovePageInvite(ctx context.Context, nb models.Notebook, req models.RemovePageInviteRequest) error {
	if err := validate(&req); err != nil {
		return err
	}
	target := req.TargetNotebookUUID
	if target == "" {
		target = nb.UUID
	}
	invite, err := s.store.LinkByPage(ctx, target, req.PageUUID, true)
	if err != nil {
		return err
	}
	if target != nb.UUID && invite.InvitedBy != nb.UUID {
		return fmt.Errorf("registry: invite to %s belongs to another notebook: %w", req.PageUUID, apperr.ErrForbidden)
	}
	if err := s.store.DeleteLink(ctx, invite.UUID, true); err != nil {
		return err
	}

	if target == nb.UUID {
		var npid string
		if inviter, err := s.store.LinkByPage(ctx, invite.InvitedBy, req.PageUUID, false); err == nil {
			npid = inviter.NotebookPageID
		}
		s.send(ctx, nb, invite.InvitedBy, transport.OpSharePageResponse, transport.SharePageResponse{
			PageUUID:       req.PageUUID,
			NotebookPageID: npid,
			Rejected:       true,
		})
		return nil
	}
	s.send(ctx, nb, target, transport.OpSharePageResponse, transport.SharePageResponse{
		PageUUID: req.PageUUID,
		Removed:  true,
	})
	return nil
}

// ListPageNotebooks lists every notebook linked to the caller's page.
func (s *Service) ListPageNotebooks(ctx context.Context, nb models.Notebook, req models.ListPageNotebooksRequest) (models.ListPageNotebooksResponse, error) {
	if err := validate(&req); err != nil {
		return models.ListPageNotebooksResponse{}, err
	}
	link, err := s.store.LinkByNotebookPage(ctx, nb.UUID, req.NotebookPageID)
	if err != nil {
		return models.ListPageNotebooksResponse{}, err
	}
	links, nbs, err := s.store.PageLinks(ctx, link.PageUUID)
	if err != nil {
		return models.ListPageNotebooksResponse{}, err
	}
	out := models.ListPageNotebooksResponse{Notebooks: make([]models.NotebookLink, len(links))}
	for i, l := range links {
		out.Notebooks[i] = models.NotebookLink{
			NotebookUUID:   l.NotebookUUID,
			App:            nbs[i].App,
			Workspace:      nbs[i].Workspace,
			NotebookPageID: l.NotebookPageID,
			Open:           l.Open,
			Version:        l.Version,
		}
	}
	return out, nil
}

// DisconnectSharedPage removes the caller's link to the page.
func (s *Service) DisconnectSharedPage(ctx context.Context, nb models.Notebook, req models.DisconnectSharedPageRequest) error {
	if err := validate(&req); err != nil {
		return err
	}
	link, err := s.store.LinkByNotebookPage(ctx, nb.UUID, req.NotebookPageID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteLink(ctx, link.UUID, false); err != nil {
		return err
	}
	s.log.Info("page disconnected", slog.String("page_uuid", link.PageUUID), slog.String("notebook_uuid", nb.UUID))
	return nil
}

// GetSharedPage returns the canonical snapshot of a page the caller is
// joined to or invited to.
func (s *Service) GetSharedPage(ctx context.Context, nb models.Notebook, req models.GetSharedPageRequest) (models.GetSharedPageResponse, error) {
	if err := validate(&req); err != nil {
		return models.GetSharedPageResponse{}, err
	}
	pageUUID := req.PageUUID
	if req.NotebookPageID != "" {
		link, err := s.store.LinkByNotebookPage(ctx, nb.UUID, req.NotebookPageID)
		if err != nil {
			return models.GetSharedPageResponse{}, err
		}
		pageUUID = link.PageUUID
	} else if _, err := s.store.LinkByPage(ctx, nb.UUID, pageUUID, false); err != nil {
		if _, err := s.store.LinkByPage(ctx, nb.UUID, pageUUID, true); err != nil {
			return models.GetSharedPageResponse{}, fmt.Errorf("registry: page %s: %w", pageUUID, apperr.ErrForbidden)
		}
	}
	page, err := s.store.GetPage(ctx, pageUUID)
	if err != nil {
		return models.GetSharedPageResponse{}, err
	}
	_, data, err := s.canonical(ctx, page)
	if err != nil {
		return models.GetSharedPageResponse{}, err
	}
	return models.GetSharedPageResponse{
		PageUUID: page.UUID,
		Title:    page.Title,
		State:    codec.EncodeState(data),
		Version:  page.Version,
		CID:      page.CID,
	}, nil
}

// LinkDifferentPage moves the caller's link to another local page id.
func (s *Service) LinkDifferentPage(ctx context.Context, nb models.Notebook, req models.LinkDifferentPageRequest) error {
	if err := validate(&req); err != nil {
		return err
	}
	link, err := s.store.LinkByNotebookPage(ctx, nb.UUID, req.OldNotebookPageID)
	if err != nil {
		return err
	}
	return s.store.Relink(ctx, link.UUID, req.OldNotebookPageID, req.NewNotebookPageID)
}

// ListSharedPages lists the caller's links, joined and open.
func (s *Service) ListSharedPages(ctx context.Context, nb models.Notebook) (models.ListSharedPagesResponse, error) {
	links, err := s.store.NotebookLinks(ctx, nb.UUID)
	if err != nil {
		return models.ListSharedPagesResponse{}, err
	}
	return models.ListSharedPagesResponse{Links: links}, nil
}

// GetPageHistory lists the stored snapshots of the caller's page.
func (s *Service) GetPageHistory(ctx context.Context, nb models.Notebook, req models.GetPageHistoryRequest) (models.GetPageHistoryResponse, error) {
	if err := validate(&req); err != nil {
		return models.GetPageHistoryResponse{}, err
	}
	link, err := s.store.LinkByNotebookPage(ctx, nb.UUID, req.NotebookPageID)
	if err != nil {
		return models.GetPageHistoryResponse{}, err
	}
	entries, err := s.store.History(ctx, link.PageUUID)
	if err != nil {
		return models.GetPageHistoryResponse{}, err
	}
	return models.GetPageHistoryResponse{Entries: entries}, nil
}
