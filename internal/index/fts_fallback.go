//go:build !sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"
)

// Without FTS5 the body column of pages is searched with LIKE.
func initFTS(_ *sql.DB) error { return nil }

func ftsUpsert(_ *sql.Tx, _, _, _ string, _ []string) error { return nil }

func ftsDelete(_ *sql.Tx, _ string) {}

// Search performs a LIKE-based search.
func (db *DB) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	// the snippet starts shortly before the first body match
	rows, err := db.conn.QueryContext(ctx, `
		SELECT path, title,
		       substr(body, max(1, instr(lower(body), lower(?)) - 60), 200)
		FROM pages
		WHERE title LIKE ? OR body LIKE ? OR tags LIKE ?
		ORDER BY (title LIKE ?) DESC, path
		LIMIT ?
	`, query, like, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	return scanResults(rows)
}
