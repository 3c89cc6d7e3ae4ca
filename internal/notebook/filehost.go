package notebook

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/index"
	"github.com/starford/pagelink/internal/pagesync"
	"github.com/starford/pagelink/internal/parser"
	"github.com/starford/pagelink/internal/storage"
)

// FileHost shows shared pages as Markdown files in a vault. A notebook page
// id is the vault-relative path without the .md extension.
type FileHost struct {
	store storage.Provider
	index index.PageIndex
}

var _ pagesync.Host = (*FileHost)(nil)

func NewFileHost(store storage.Provider, idx index.PageIndex) *FileHost {
	return &FileHost{store: store, index: idx}
}

// PagePath maps a notebook page id to its file.
func PagePath(notebookPageID string) string {
	return notebookPageID + ".md"
}

// PageID maps a vault-relative file path to its notebook page id. ok is
// false for files that are not pages.
func PageID(rel string) (string, bool) {
	rel = path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	if !strings.HasSuffix(rel, ".md") {
		return "", false
	}
	return strings.TrimSuffix(rel, ".md"), true
}

// CalculateState reads the page file. A missing file is an empty page.
func (h *FileHost) CalculateState(_ context.Context, notebookPageID string) (crdt.State, error) {
	data, err := h.store.Read(PagePath(notebookPageID))
	if errors.Is(err, apperr.ErrNotFound) {
		return crdt.State{Content: "", ContentType: crdt.ContentType}, nil
	}
	if err != nil {
		return crdt.State{}, fmt.Errorf("notebook: read %s: %w", notebookPageID, err)
	}
	content := string(data)
	return crdt.State{
		Content:     content,
		Annotations: parser.Annotate(content),
		ContentType: crdt.ContentType,
	}, nil
}

// ApplyState writes the page content. The index is updated first so the
// vault watcher sees the write as already known and does not report it back
// as a local edit. Annotations are derived from the text on the next read.
func (h *FileHost) ApplyState(ctx context.Context, notebookPageID string, st crdt.State) error {
	rel := PagePath(notebookPageID)
	data := []byte(st.Content)
	if err := index.IndexPage(ctx, h.index, rel, data); err != nil {
		return fmt.Errorf("notebook: index %s: %w", notebookPageID, err)
	}
	if err := h.store.Write(rel, data); err != nil {
		return fmt.Errorf("notebook: write %s: %w", notebookPageID, err)
	}
	return nil
}
