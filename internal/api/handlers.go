package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/index"
	"github.com/starford/pagelink/internal/pagesync"
	"github.com/starford/pagelink/internal/request"
)

// Notebook is the running notebook agent the control API drives.
type Notebook interface {
	Core() *pagesync.Core
	Requests() *request.Client
	Index() *index.DB
	Connected() bool
	ReadPage(ctx context.Context, notebookPageID string) (crdt.State, error)
	UpdatePage(ctx context.Context, notebookPageID string) error
	Act(ctx context.Context, notificationUUID, action, notebookPageID string) error
	Dismiss(ctx context.Context, notificationUUID string) error
}

// Handler holds the notebook control routes.
type Handler struct {
	nb Notebook
}

func NewHandler(nb Notebook) *Handler {
	return &Handler{nb: nb}
}

type validatable interface {
	Validate() error
}

// bind decodes and validates the JSON body, writing 400 on failure.
func bind[T validatable](w http.ResponseWriter, r *http.Request) (T, bool) {
	var req T
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return req, false
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return req, false
	}
	return req, true
}

// Status handles GET /api/status.
//
//	@Summary		Notebook identity and relay connection state
//	@Tags			status
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	core := h.nb.Core()
	writeJSON(w, http.StatusOK, StatusResponse{
		Notebook:  core.Self(),
		Actor:     core.Actor(),
		Connected: h.nb.Connected(),
	})
}

// ListPages handles GET /api/pages.
//
//	@Summary		List pages with a local replica
//	@Tags			pages
//	@Produce		json
//	@Success		200	{object}	PageListResponse
//	@Router			/pages [get]
func (h *Handler) ListPages(w http.ResponseWriter, r *http.Request) {
	pages, err := h.nb.Core().Pages(r.Context())
	if err != nil {
		writeError(w, "list pages", err)
		return
	}
	writeJSON(w, http.StatusOK, PageListResponse{Pages: pages})
}

// ReadPage handles GET /api/pages/read?notebookPageId=.
//
//	@Summary		Read a page as the vault shows it
//	@Tags			pages
//	@Produce		json
//	@Param			notebookPageId	query		string	true	"Notebook page id"
//	@Success		200				{object}	crdt.State
//	@Failure		404				{object}	errResponse
//	@Router			/pages/read [get]
func (h *Handler) ReadPage(w http.ResponseWriter, r *http.Request) {
	ref := PageRef{NotebookPageID: r.URL.Query().Get("notebookPageId")}
	if err := ref.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	st, err := h.nb.ReadPage(r.Context(), ref.NotebookPageID)
	if err != nil {
		writeError(w, "read page", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SharePage handles POST /api/pages/share.
//
//	@Summary		Share a local page through the relay
//	@Tags			pages
//	@Accept			json
//	@Produce		json
//	@Param			body	body		SharePageRequest	true	"Page to share"
//	@Success		200		{object}	SharePageResponse
//	@Failure		400		{object}	errResponse
//	@Failure		403		{object}	errResponse
//	@Router			/pages/share [post]
func (h *Handler) SharePage(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[SharePageRequest](w, r)
	if !ok {
		return
	}
	pageUUID, created, err := h.nb.Core().SharePage(r.Context(), req.NotebookPageID, req.Title)
	if err != nil {
		writeError(w, "share page", err)
		return
	}
	writeJSON(w, http.StatusOK, SharePageResponse{PageUUID: pageUUID, Created: created})
}

// Invite handles POST /api/pages/invite.
//
//	@Summary		Invite another notebook to a shared page
//	@Tags			pages
//	@Accept			json
//	@Param			body	body	InviteRequest	true	"Invitation"
//	@Success		204
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Router			/pages/invite [post]
func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[InviteRequest](w, r)
	if !ok {
		return
	}
	if err := h.nb.Core().InviteNotebook(r.Context(), req.NotebookPageID, req.NotebookUUID); err != nil {
		writeError(w, "invite", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pageAction adapts a core operation on one page to a POST handler.
func (h *Handler) pageAction(op string, fn func(ctx context.Context, npid string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := bind[PageRef](w, r)
		if !ok {
			return
		}
		if err := fn(r.Context(), req.NotebookPageID); err != nil {
			writeError(w, op, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// CatchUp handles POST /api/pages/catch-up.
//
//	@Summary		Ask peers for changes this replica is missing
//	@Tags			pages
//	@Accept			json
//	@Produce		json
//	@Param			body	body		PageRef	true	"Page"
//	@Success		200		{object}	CatchUpResponse
//	@Router			/pages/catch-up [post]
func (h *Handler) CatchUp(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[PageRef](w, r)
	if !ok {
		return
	}
	n, err := h.nb.Core().CatchUp(r.Context(), req.NotebookPageID)
	if err != nil {
		writeError(w, "catch up", err)
		return
	}
	writeJSON(w, http.StatusOK, CatchUpResponse{Requested: n})
}

// LinkPage handles POST /api/pages/link.
//
//	@Summary		Move a shared page to another local page id
//	@Tags			pages
//	@Accept			json
//	@Param			body	body	LinkPageRequest	true	"Old and new ids"
//	@Success		204
//	@Router			/pages/link [post]
func (h *Handler) LinkPage(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[LinkPageRequest](w, r)
	if !ok {
		return
	}
	if err := h.nb.Core().LinkDifferentPage(r.Context(), req.OldNotebookPageID, req.NewNotebookPageID); err != nil {
		writeError(w, "link page", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SaveVersion handles POST /api/pages/versions.
//
//	@Summary		Record a named version of a shared page on the relay
//	@Tags			pages
//	@Accept			json
//	@Produce		json
//	@Param			body	body		PageRef	true	"Page"
//	@Success		200		{object}	models.PageVersion
//	@Router			/pages/versions [post]
func (h *Handler) SaveVersion(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[PageRef](w, r)
	if !ok {
		return
	}
	v, err := h.nb.Core().SaveVersion(r.Context(), req.NotebookPageID)
	if err != nil {
		writeError(w, "save version", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// History handles GET /api/pages/history?notebookPageId=.
//
//	@Summary		Relay history of a shared page
//	@Tags			pages
//	@Produce		json
//	@Param			notebookPageId	query	string	true	"Notebook page id"
//	@Success		200				{array}	models.HistoryEntry
//	@Router			/pages/history [get]
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	ref := PageRef{NotebookPageID: r.URL.Query().Get("notebookPageId")}
	if err := ref.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	entries, err := h.nb.Core().History(r.Context(), ref.NotebookPageID)
	if err != nil {
		writeError(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// ListInvites handles GET /api/invites.
//
//	@Summary		Invitations received this session
//	@Tags			invites
//	@Produce		json
//	@Success		200	{object}	InviteListResponse
//	@Router			/invites [get]
func (h *Handler) ListInvites(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, InviteListResponse{Invites: h.nb.Core().Invites()})
}

// AcceptInvite handles POST /api/invites/accept.
//
//	@Summary		Join a page this notebook was invited to
//	@Tags			invites
//	@Accept			json
//	@Produce		json
//	@Param			body	body		AcceptInviteRequest	true	"Invitation"
//	@Success		200		{object}	PageRef
//	@Failure		403		{object}	errResponse
//	@Router			/invites/accept [post]
func (h *Handler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[AcceptInviteRequest](w, r)
	if !ok {
		return
	}
	npid, err := h.nb.Core().AcceptInvite(r.Context(), req.PageUUID, req.NotebookPageID)
	if err != nil {
		writeError(w, "accept invite", err)
		return
	}
	writeJSON(w, http.StatusOK, PageRef{NotebookPageID: npid})
}

// RejectInvite handles POST /api/invites/reject.
//
//	@Summary		Decline an invitation
//	@Tags			invites
//	@Accept			json
//	@Param			body	body	RejectInviteRequest	true	"Invitation"
//	@Success		204
//	@Router			/invites/reject [post]
func (h *Handler) RejectInvite(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[RejectInviteRequest](w, r)
	if !ok {
		return
	}
	if err := h.nb.Core().RejectInvite(r.Context(), req.PageUUID); err != nil {
		writeError(w, "reject invite", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListNotifications handles GET /api/notifications.
//
//	@Summary		Notifications waiting for the user
//	@Tags			notifications
//	@Produce		json
//	@Success		200	{object}	NotificationListResponse
//	@Router			/notifications [get]
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := h.nb.Index().Notifications(r.Context())
	if err != nil {
		writeError(w, "list notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, NotificationListResponse{Notifications: list})
}

// ActOnNotification handles POST /api/notifications/{uuid}/act.
//
//	@Summary		Answer a notification with one of its buttons
//	@Tags			notifications
//	@Accept			json
//	@Param			uuid	path	string		true	"Notification uuid"
//	@Param			body	body	ActRequest	true	"Action"
//	@Success		204
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Router			/notifications/{uuid}/act [post]
func (h *Handler) ActOnNotification(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[ActRequest](w, r)
	if !ok {
		return
	}
	if err := h.nb.Act(r.Context(), chi.URLParam(r, "uuid"), req.Action, req.NotebookPageID); err != nil {
		writeError(w, "act", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DismissNotification handles DELETE /api/notifications/{uuid}.
//
//	@Summary		Remove a notification without acting on it
//	@Tags			notifications
//	@Param			uuid	path	string	true	"Notification uuid"
//	@Success		204
//	@Router			/notifications/{uuid} [delete]
func (h *Handler) DismissNotification(w http.ResponseWriter, r *http.Request) {
	if err := h.nb.Dismiss(r.Context(), chi.URLParam(r, "uuid")); err != nil {
		writeError(w, "dismiss", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRequests handles GET /api/requests.
//
//	@Summary		Requests from other notebooks waiting for an answer
//	@Tags			requests
//	@Produce		json
//	@Success		200	{array}	request.Incoming
//	@Router			/requests [get]
func (h *Handler) ListRequests(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": h.nb.Requests().Pending()})
}

// SendRequest handles POST /api/requests.
//
//	@Summary		Ask another notebook for data
//	@Tags			requests
//	@Accept			json
//	@Produce		json
//	@Param			body	body		SendRequestBody	true	"Request"
//	@Success		200		{object}	SendRequestResponse
//	@Failure		410		{object}	errResponse
//	@Router			/requests [post]
func (h *Handler) SendRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[SendRequestBody](w, r)
	if !ok {
		return
	}
	send := h.nb.Requests().Request
	if req.Data {
		send = h.nb.Requests().RequestData
	}
	res, err := send(r.Context(), req.Target, req.Request, req.Label)
	if err != nil {
		writeError(w, "request", err)
		return
	}
	writeJSON(w, http.StatusOK, SendRequestResponse{Hash: res.Hash, Status: res.Status, Response: res.Response})
}

// Search handles GET /api/search.
//
//	@Summary		Full-text search across vault pages
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.nb.Index().Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	if results == nil {
		results = []index.SearchResult{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}
