package models

import (
	"encoding/json"
	"time"

	"github.com/starford/pagelink/internal/transport"
)

// Relay request method names, served at POST /api/{method}.
const (
	MethodInitSharedPage       = "init-shared-page"
	MethodJoinSharedPage       = "join-shared-page"
	MethodRevertPageJoin       = "revert-page-join"
	MethodUpdateSharedPage     = "update-shared-page"
	MethodForcePushPage        = "force-push-page"
	MethodRequestPageUpdate    = "request-page-update"
	MethodPageUpdateResponse   = "page-update-response"
	MethodInviteNotebookToPage = "invite-notebook-to-page"
	MethodRemovePageInvite     = "remove-page-invite"
	MethodListPageNotebooks    = "list-page-notebooks"
	MethodDisconnectSharedPage = "disconnect-shared-page"
	MethodNotebookRequest      = "notebook-request"
	MethodNotebookResponse     = "notebook-response"
	MethodSavePageVersion      = "save-page-version"
	MethodGetSharedPage        = "get-shared-page"
	MethodLinkDifferentPage    = "link-different-page"
	MethodListSharedPages      = "list-shared-pages"
	MethodGetPageHistory       = "get-page-history"
)

// PageLink is the relay's record of a notebook's relationship to a page.
// Open links are pending invitations.
type PageLink struct {
	UUID           string    `json:"uuid"`
	PageUUID       string    `json:"pageUuid"`
	NotebookUUID   string    `json:"notebookUuid"`
	NotebookPageID string    `json:"notebookPageId"`
	Version        int64     `json:"version"`
	Open           bool      `json:"open"`
	InvitedBy      string    `json:"invitedBy,omitempty"`
	CID            string    `json:"cid,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Notebook is an authenticated notebook identity.
type Notebook struct {
	UUID      string `json:"uuid"`
	App       string `json:"app"`
	Workspace string `json:"workspace"`
	TokenUUID string `json:"tokenUuid,omitempty"`
}

// NotebookLink is one entry of list-page-notebooks.
type NotebookLink struct {
	NotebookUUID   string `json:"notebookUuid"`
	App            string `json:"app"`
	Workspace      string `json:"workspace"`
	NotebookPageID string `json:"notebookPageId,omitempty"`
	Open           bool   `json:"open"`
	Version        int64  `json:"version"`
}

type InitSharedPageRequest struct {
	NotebookPageID string `json:"notebookPageId"`
	State          string `json:"state"`
	Title          string `json:"title,omitempty"`
}

type InitSharedPageResponse struct {
	PageUUID string `json:"pageUuid"`
	Created  bool   `json:"created"`
	// State is the canonical snapshot when the link already existed.
	State string `json:"state,omitempty"`
}

type JoinSharedPageRequest struct {
	PageUUID       string `json:"pageUuid"`
	NotebookPageID string `json:"notebookPageId"`
}

type JoinSharedPageResponse struct {
	PageUUID string `json:"pageUuid"`
	State    string `json:"state"`
	Title    string `json:"title,omitempty"`
}

type RevertPageJoinRequest struct {
	NotebookPageID string `json:"notebookPageId"`
}

type UpdateSharedPageRequest struct {
	NotebookPageID string                          `json:"notebookPageId"`
	Changes        []string                        `json:"changes"`
	State          string                          `json:"state"`
	Dependencies   map[string]transport.Dependency `json:"dependencies,omitempty"`
}

// PageVersion reports the canonical pointer after a merge.
type PageVersion struct {
	Version int64  `json:"version"`
	CID     string `json:"cid"`
}

type ForcePushPageRequest struct {
	NotebookPageID string `json:"notebookPageId"`
	State          string `json:"state"`
}

type RequestPageUpdateRequest struct {
	NotebookPageID string `json:"notebookPageId"`
	Target         string `json:"target"`
	Seq            uint64 `json:"seq"`
}

type PageUpdateResponseRequest struct {
	NotebookPageID string                          `json:"notebookPageId"`
	Target         string                          `json:"target"`
	Changes        []string                        `json:"changes"`
	Dependencies   map[string]transport.Dependency `json:"dependencies,omitempty"`
}

type InviteNotebookToPageRequest struct {
	NotebookPageID     string `json:"notebookPageId"`
	TargetNotebookUUID string `json:"targetNotebookUuid"`
}

// RemovePageInviteRequest withdraws an invitation. Without a target the caller
// rejects its own invitation.
type RemovePageInviteRequest struct {
	PageUUID           string `json:"pageUuid"`
	TargetNotebookUUID string `json:"targetNotebookUuid,omitempty"`
}

type ListPageNotebooksRequest struct {
	NotebookPageID string `json:"notebookPageId"`
}

type ListPageNotebooksResponse struct {
	Notebooks []NotebookLink `json:"notebooks"`
}

type DisconnectSharedPageRequest struct {
	NotebookPageID string `json:"notebookPageId"`
}

type SavePageVersionRequest struct {
	NotebookPageID string `json:"notebookPageId"`
	State          string `json:"state"`
}

type GetSharedPageRequest struct {
	NotebookPageID string `json:"notebookPageId,omitempty"`
	PageUUID       string `json:"pageUuid,omitempty"`
}

type GetSharedPageResponse struct {
	PageUUID string `json:"pageUuid"`
	Title    string `json:"title,omitempty"`
	State    string `json:"state"`
	Version  int64  `json:"version"`
	CID      string `json:"cid"`
}

type LinkDifferentPageRequest struct {
	OldNotebookPageID string `json:"oldNotebookPageId"`
	NewNotebookPageID string `json:"newNotebookPageId"`
}

type ListSharedPagesResponse struct {
	Links []PageLink `json:"links"`
}

type GetPageHistoryRequest struct {
	NotebookPageID string `json:"notebookPageId"`
}

// HistoryEntry is one immutable snapshot in a page's history.
type HistoryEntry struct {
	OperationID string    `json:"operationId"`
	PageUUID    string    `json:"pageUuid"`
	LinkUUID    string    `json:"linkUuid"`
	Method      string    `json:"method"`
	CID         string    `json:"cid"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
}

type GetPageHistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// Request statuses of the cross-notebook request protocol.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
)

type NotebookRequestRequest struct {
	Target  string          `json:"target"`
	Request json.RawMessage `json:"request"`
	Label   string          `json:"label"`
	// Data marks requests answered automatically by the target (REQUEST_DATA).
	Data bool `json:"data,omitempty"`
}

type NotebookRequestResponse struct {
	Hash     string          `json:"hash"`
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type NotebookResponseRequest struct {
	Requester string          `json:"requester"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response,omitempty"`
	Rejected  bool            `json:"rejected,omitempty"`
}

// Empty is the body of methods with nothing to report.
type Empty struct{}
