package models

import (
	"encoding/json"
	"time"
)

// Notification is what the sync core surfaces to the host UI. Buttons name
// actions the UI invokes by label.
type Notification struct {
	UUID        string          `json:"uuid"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Buttons     []string        `json:"buttons,omitempty"`
	Operation   string          `json:"operation"`
	Data        json.RawMessage `json:"data,omitempty"`
	Persistent  bool            `json:"persistent,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// SharedPage is a notebook-side summary of a replica.
type SharedPage struct {
	NotebookPageID string    `json:"notebookPageId"`
	PageUUID       string    `json:"pageUuid"`
	Status         string    `json:"status"`
	Checksum       string    `json:"checksum"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
