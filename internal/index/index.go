package index

import (
	"context"

	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/pagesync"
)

// PageIndex is the searchable view of the vault.
type PageIndex interface {
	UpsertPage(ctx context.Context, p PageRow, body string) error
	DeletePage(ctx context.Context, path string) error
	GetChecksum(ctx context.Context, path string) (string, error)
	AllChecksums(ctx context.Context) (map[string]string, error)
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// Inbox stores notifications until the user acts on them.
type Inbox interface {
	Notify(ctx context.Context, n models.Notification) error
	Notifications(ctx context.Context) ([]models.Notification, error)
	Notification(ctx context.Context, uuid string) (models.Notification, error)
	Dismiss(ctx context.Context, uuid string) error
}

var (
	_ PageIndex      = (*DB)(nil)
	_ Inbox          = (*DB)(nil)
	_ pagesync.Store = (*DB)(nil)
)
