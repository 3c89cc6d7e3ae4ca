// Package transport carries protocol messages between notebooks and the relay:
// the JSON envelope, the payload of every operation, chunking of oversized
// messages and a websocket connection that speaks both.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/starford/pagelink/internal/apperr"
)

// Operation tags a message.
type Operation string

const (
	OpSharePage         Operation = "SHARE_PAGE"
	OpSharePageResponse Operation = "SHARE_PAGE_RESPONSE"
	OpSharePageUpdate   Operation = "SHARE_PAGE_UPDATE"
	OpSharePageForce    Operation = "SHARE_PAGE_FORCE"
	OpRequestPageUpdate Operation = "REQUEST_PAGE_UPDATE"
	OpRequest           Operation = "REQUEST"
	OpRequestData       Operation = "REQUEST_DATA"
	OpResponse          Operation = "RESPONSE"
	OpError             Operation = "ERROR"
	OpAuthentication    Operation = "AUTHENTICATION"
	OpPing              Operation = "PING"
	OpPong              Operation = "PONG"
)

// Source identifies the notebook a message originates from.
type Source struct {
	NotebookUUID string `json:"notebookUuid,omitempty"`
	App          string `json:"app,omitempty"`
	Workspace    string `json:"workspace,omitempty"`
}

// Message is the envelope of every operation.
type Message struct {
	UUID      string          `json:"uuid"`
	Operation Operation       `json:"operation"`
	Source    Source          `json:"source"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage wraps data in an envelope with a fresh uuid.
func NewMessage(op Operation, src Source, data any) (Message, error) {
	msg := Message{UUID: uuid.NewString(), Operation: op, Source: src}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("transport: marshal %s: %w", op, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("transport: %s without data: %w", m.Operation, apperr.ErrInvalidInput)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("transport: decode %s: %v: %w", m.Operation, err, apperr.ErrInvalidInput)
	}
	return nil
}

// Dependency pins the change an actor had reached: its sequence and hash.
type Dependency struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// SharePageUpdate carries base64 encoded changes for one page.
type SharePageUpdate struct {
	NotebookPageID string                `json:"notebookPageId"`
	Changes        []string              `json:"changes"`
	Dependencies   map[string]Dependency `json:"dependencies,omitempty"`
}

// SharePageForce replaces the receiver's replica with State.
type SharePageForce struct {
	NotebookPageID string `json:"notebookPageId"`
	State          string `json:"state"`
}

// RequestPageUpdate asks the receiver for its own changes after Seq.
type RequestPageUpdate struct {
	NotebookPageID string `json:"notebookPageId"`
	Seq            uint64 `json:"seq"`
}

// SharePage is an invitation.
type SharePage struct {
	PageUUID       string `json:"pageUuid"`
	Title          string `json:"title"`
	InvitedBy      string `json:"invitedBy"`
	NotebookPageID string `json:"notebookPageId,omitempty"`
}

// SharePageResponse tells an inviter how an invitation ended.
type SharePageResponse struct {
	PageUUID       string `json:"pageUuid"`
	NotebookPageID string `json:"notebookPageId,omitempty"`
	Success        bool   `json:"success"`
	Rejected       bool   `json:"rejected,omitempty"`
	Removed        bool   `json:"removed,omitempty"`
}

// Request is the payload of REQUEST and REQUEST_DATA.
type Request struct {
	Request     json.RawMessage `json:"request"`
	RequestUUID string          `json:"requestUuid"`
	Title       string          `json:"title"`
	Hash        string          `json:"hash,omitempty"`
}

// Response answers a Request.
type Response struct {
	Request  json.RawMessage `json:"request"`
	Response json.RawMessage `json:"response,omitempty"`
	Hash     string          `json:"hash,omitempty"`
	Rejected bool            `json:"rejected,omitempty"`
}

// Error reports a failure to the peer.
type Error struct {
	Message string `json:"message"`
}

// Authentication is the first message a notebook sends on a new connection.
type Authentication struct {
	NotebookUUID string `json:"notebookUuid"`
	Token        string `json:"token"`
	Success      bool   `json:"success,omitempty"`
	Reason       string `json:"reason,omitempty"`
}
