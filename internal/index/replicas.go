package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/pagesync"
)

// PutReplica inserts or replaces the persisted replica of a page.
func (db *DB) PutReplica(ctx context.Context, rec pagesync.Record) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO replicas (notebook_page_id, page_uuid, status, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(notebook_page_id) DO UPDATE SET
			page_uuid  = excluded.page_uuid,
			status     = excluded.status,
			state      = excluded.state,
			updated_at = excluded.updated_at
	`, rec.NotebookPageID, rec.PageUUID, string(rec.Status), rec.State, rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("index: put replica: %w", err)
	}
	return nil
}

func (db *DB) GetReplica(ctx context.Context, npid string) (pagesync.Record, error) {
	rec := pagesync.Record{NotebookPageID: npid}
	var status string
	err := db.conn.QueryRowContext(ctx, `
		SELECT page_uuid, status, state, updated_at FROM replicas WHERE notebook_page_id = ?
	`, npid).Scan(&rec.PageUUID, &status, &rec.State, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pagesync.Record{}, fmt.Errorf("index: replica %s: %w", npid, apperr.ErrNotFound)
	}
	if err != nil {
		return pagesync.Record{}, fmt.Errorf("index: get replica: %w", err)
	}
	rec.Status = pagesync.Status(status)
	return rec, nil
}

func (db *DB) DeleteReplica(ctx context.Context, npid string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM replicas WHERE notebook_page_id = ?`, npid)
	if err != nil {
		return fmt.Errorf("index: delete replica: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("index: replica %s: %w", npid, apperr.ErrNotFound)
	}
	return nil
}

// ListReplicas returns every replica ordered by notebook page id.
func (db *DB) ListReplicas(ctx context.Context) ([]pagesync.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT notebook_page_id, page_uuid, status, state, updated_at
		FROM replicas ORDER BY notebook_page_id
	`)
	if err != nil {
		return nil, fmt.Errorf("index: list replicas: %w", err)
	}
	defer rows.Close()

	var out []pagesync.Record
	for rows.Next() {
		var (
			rec    pagesync.Record
			status string
		)
		if err := rows.Scan(&rec.NotebookPageID, &rec.PageUUID, &status, &rec.State, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("index: scan replica: %w", err)
		}
		rec.Status = pagesync.Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
