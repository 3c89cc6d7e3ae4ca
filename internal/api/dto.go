package api

import (
	"encoding/json"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/pagelink/internal/index"
	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/transport"
)

// PageRef names one local page.
type PageRef struct {
	NotebookPageID string `json:"notebookPageId" example:"notes/plan" validate:"required"`
}

// SharePageRequest is the request body for sharing a page.
type SharePageRequest struct {
	NotebookPageID string `json:"notebookPageId" example:"notes/plan" validate:"required"`
	Title          string `json:"title,omitempty" example:"Plan"`
}

// SharePageResponse reports the relay page a local page is linked to.
type SharePageResponse struct {
	PageUUID string `json:"pageUuid" example:"5f0c..." validate:"required"`
	Created  bool   `json:"created"`
}

// InviteRequest is the request body for inviting a notebook to a page.
type InviteRequest struct {
	NotebookPageID string `json:"notebookPageId" example:"notes/plan" validate:"required"`
	NotebookUUID   string `json:"notebookUuid" example:"0b6e..." validate:"required"`
}

// AcceptInviteRequest is the request body for accepting an invitation.
type AcceptInviteRequest struct {
	PageUUID       string `json:"pageUuid" validate:"required"`
	NotebookPageID string `json:"notebookPageId,omitempty" example:"shared/plan"`
}

// RejectInviteRequest is the request body for rejecting an invitation.
type RejectInviteRequest struct {
	PageUUID string `json:"pageUuid" validate:"required"`
}

// LinkPageRequest moves a shared page to another local page id.
type LinkPageRequest struct {
	OldNotebookPageID string `json:"oldNotebookPageId" validate:"required"`
	NewNotebookPageID string `json:"newNotebookPageId" validate:"required"`
}

// CatchUpResponse reports how many catch-up requests were sent.
type CatchUpResponse struct {
	Requested int `json:"requested" example:"2"`
}

// ActRequest answers a notification with one of its buttons.
type ActRequest struct {
	Action         string `json:"action" example:"accept" validate:"required"`
	NotebookPageID string `json:"notebookPageId,omitempty"`
}

// SendRequestBody asks another notebook for data.
type SendRequestBody struct {
	Target  string          `json:"target" validate:"required"`
	Request json.RawMessage `json:"request" validate:"required"`
	Label   string          `json:"label,omitempty"`
	// Data sends REQUEST_DATA, answered without asking the other user.
	Data bool `json:"data,omitempty"`
}

// SendRequestResponse is the outcome of a request.
type SendRequestResponse struct {
	Hash     string          `json:"hash"`
	Status   string          `json:"status" example:"success"`
	Response json.RawMessage `json:"response,omitempty"`
}

// StatusResponse describes the running notebook.
type StatusResponse struct {
	Notebook  transport.Source `json:"notebook"`
	Actor     string           `json:"actor"`
	Connected bool             `json:"connected"`
}

// PageListResponse wraps shared page listings.
type PageListResponse struct {
	Pages []models.SharedPage `json:"pages" validate:"required"`
}

// InviteListResponse wraps pending invitations.
type InviteListResponse struct {
	Invites []transport.SharePage `json:"invites" validate:"required"`
}

// NotificationListResponse wraps the inbox.
type NotificationListResponse struct {
	Notifications []models.Notification `json:"notifications" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []index.SearchResult `json:"results" validate:"required"`
}

var pageIDRules = []validation.Rule{validation.Required, validation.Length(1, 512)}

func (r PageRef) Validate() error {
	return validation.ValidateStruct(&r, validation.Field(&r.NotebookPageID, pageIDRules...))
}

func (r SharePageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
		validation.Field(&r.Title, validation.Length(0, 512)),
	)
}

func (r InviteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
		validation.Field(&r.NotebookUUID, validation.Required),
	)
}

func (r AcceptInviteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PageUUID, validation.Required),
		validation.Field(&r.NotebookPageID, validation.Length(0, 512)),
	)
}

func (r RejectInviteRequest) Validate() error {
	return validation.ValidateStruct(&r, validation.Field(&r.PageUUID, validation.Required))
}

func (r LinkPageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.OldNotebookPageID, pageIDRules...),
		validation.Field(&r.NewNotebookPageID, pageIDRules...),
	)
}

func (r ActRequest) Validate() error {
	return validation.ValidateStruct(&r, validation.Field(&r.Action, validation.Required))
}

func (r SendRequestBody) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Target, validation.Required),
		validation.Field(&r.Request, validation.Required),
	)
}
