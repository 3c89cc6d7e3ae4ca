package registry

import (
	"context"

	"github.com/starford/pagelink/internal/models"
)

// Local binds a Service to one notebook so in-process callers can use the
// relay without HTTP. It satisfies the same method set as the HTTP client.
type Local struct {
	svc *Service
	nb  models.Notebook
}

// Bind returns the relay as seen by nb.
func Bind(svc *Service, nb models.Notebook) *Local {
	return &Local{svc: svc, nb: nb}
}

func (l *Local) Notebook() models.Notebook { return l.nb }

func (l *Local) InitSharedPage(ctx context.Context, req models.InitSharedPageRequest) (models.InitSharedPageResponse, error) {
	return l.svc.InitSharedPage(ctx, l.nb, req)
}

func (l *Local) JoinSharedPage(ctx context.Context, req models.JoinSharedPageRequest) (models.JoinSharedPageResponse, error) {
	return l.svc.JoinSharedPage(ctx, l.nb, req)
}

func (l *Local) RevertPageJoin(ctx context.Context, req models.RevertPageJoinRequest) error {
	return l.svc.RevertPageJoin(ctx, l.nb, req)
}

func (l *Local) UpdateSharedPage(ctx context.Context, req models.UpdateSharedPageRequest) (models.PageVersion, error) {
	return l.svc.UpdateSharedPage(ctx, l.nb, req)
}

func (l *Local) ForcePushPage(ctx context.Context, req models.ForcePushPageRequest) (models.PageVersion, error) {
	return l.svc.ForcePushPage(ctx, l.nb, req)
}

func (l *Local) RequestPageUpdate(ctx context.Context, req models.RequestPageUpdateRequest) error {
	return l.svc.RequestPageUpdate(ctx, l.nb, req)
}

func (l *Local) PageUpdateResponse(ctx context.Context, req models.PageUpdateResponseRequest) error {
	return l.svc.PageUpdateResponse(ctx, l.nb, req)
}

func (l *Local) InviteNotebookToPage(ctx context.Context, req models.InviteNotebookToPageRequest) error {
	return l.svc.InviteNotebookToPage(ctx, l.nb, req)
}

func (l *Local) RemovePageInvite(ctx context.Context, req models.RemovePageInviteRequest) error {
	return l.svc.RemovePageInvite(ctx, l.nb, req)
}

func (l *Local) ListPageNotebooks(ctx context.Context, req models.ListPageNotebooksRequest) (models.ListPageNotebooksResponse, error) {
	return l.svc.ListPageNotebooks(ctx, l.nb, req)
}

func (l *Local) DisconnectSharedPage(ctx context.Context, req models.DisconnectSharedPageRequest) error {
	return l.svc.DisconnectSharedPage(ctx, l.nb, req)
}

func (l *Local) SavePageVersion(ctx context.Context, req models.SavePageVersionRequest) (models.PageVersion, error) {
	return l.svc.SavePageVersion(ctx, l.nb, req)
}

func (l *Local) GetSharedPage(ctx context.Context, req models.GetSharedPageRequest) (models.GetSharedPageResponse, error) {
	return l.svc.GetSharedPage(ctx, l.nb, req)
}

func (l *Local) LinkDifferentPage(ctx context.Context, req models.LinkDifferentPageRequest) error {
	return l.svc.LinkDifferentPage(ctx, l.nb, req)
}

func (l *Local) ListSharedPages(ctx context.Context) (models.ListSharedPagesResponse, error) {
	return l.svc.ListSharedPages(ctx, l.nb)
}

func (l *Local) GetPageHistory(ctx context.Context, req models.GetPageHistoryRequest) (models.GetPageHistoryResponse, error) {
	return l.svc.GetPageHistory(ctx, l.nb, req)
}

func (l *Local) NotebookRequest(ctx context.Context, req models.NotebookRequestRequest) (models.NotebookRequestResponse, error) {
	return l.svc.NotebookRequest(ctx, l.nb, req)
}

func (l *Local) NotebookResponse(ctx context.Context, req models.NotebookResponseRequest) error {
	return l.svc.NotebookResponse(ctx, l.nb, req)
}
