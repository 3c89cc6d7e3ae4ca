package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/models"
)

// Store is the SQL persistence of the registry. Every structural change to a
// link or page is a conditional write on the row's expected state; a write
// that matches no row reports apperr.ErrConflict.
type Store struct {
	conn *sql.DB
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping checks the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Page is the canonical record of a shared page.
type Page struct {
	UUID      string
	Title     string
	CID       string
	Version   int64
	CreatedAt time.Time
}

type notebookRow struct {
	models.Notebook
	TokenHash string
	PageQuota sql.NullInt64
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// affected turns a conditional write into ErrConflict when no row matched.
func affected(res sql.Result, err error, what string) error {
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("registry: %s: %w", what, apperr.ErrAlreadyExists)
		}
		return fmt.Errorf("registry: %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("registry: %s: %w", what, apperr.ErrConflict)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("registry: %s: %w", what, apperr.ErrNotFound)
	}
	return fmt.Errorf("registry: %s: %w", what, err)
}

// CreateNotebook inserts a notebook identity.
func (s *Store) CreateNotebook(ctx context.Context, nb models.Notebook, tokenHash string, now time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO notebooks (uuid, app, workspace, token_uuid, token_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, nb.UUID, nb.App, nb.Workspace, nb.TokenUUID, tokenHash, millis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("registry: create notebook %s/%s: %w", nb.App, nb.Workspace, apperr.ErrAlreadyExists)
		}
		return fmt.Errorf("registry: create notebook: %w", err)
	}
	return nil
}

func (s *Store) notebook(ctx context.Context, uuid string) (notebookRow, error) {
	var row notebookRow
	err := s.conn.QueryRowContext(ctx, `
		SELECT uuid, app, workspace, token_uuid, token_hash, page_quota
		FROM notebooks WHERE uuid = $1
	`, uuid).Scan(&row.UUID, &row.App, &row.Workspace, &row.TokenUUID, &row.TokenHash, &row.PageQuota)
	if err != nil {
		return notebookRow{}, notFound(err, "notebook "+uuid)
	}
	return row, nil
}

// GetNotebook returns a notebook identity.
func (s *Store) GetNotebook(ctx context.Context, uuid string) (models.Notebook, error) {
	row, err := s.notebook(ctx, uuid)
	return row.Notebook, err
}

// FindNotebook looks a notebook up by app and workspace.
func (s *Store) FindNotebook(ctx context.Context, app, workspace string) (models.Notebook, error) {
	var nb models.Notebook
	err := s.conn.QueryRowContext(ctx, `
		SELECT uuid, app, workspace, token_uuid FROM notebooks WHERE app = $1 AND workspace = $2
	`, app, workspace).Scan(&nb.UUID, &nb.App, &nb.Workspace, &nb.TokenUUID)
	if err != nil {
		return models.Notebook{}, notFound(err, "notebook "+app+"/"+workspace)
	}
	return nb, nil
}

// SetPageQuota overrides the default page quota of one notebook. A negative
// quota restores the default.
func (s *Store) SetPageQuota(ctx context.Context, uuid string, quota int) error {
	var q sql.NullInt64
	if quota >= 0 {
		q = sql.NullInt64{Int64: int64(quota), Valid: true}
	}
	res, err := s.conn.ExecContext(ctx, `UPDATE notebooks SET page_quota = $1 WHERE uuid = $2`, q, uuid)
	if err := affected(res, err, "set quota"); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return fmt.Errorf("registry: notebook %s: %w", uuid, apperr.ErrNotFound)
		}
		return err
	}
	return nil
}

// CountJoined returns the number of pages the notebook is joined to.
func (s *Store) CountJoined(ctx context.Context, notebookUUID string) (int, error) {
	return countJoined(ctx, s.conn, notebookUUID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countJoined(ctx context.Context, q querier, notebookUUID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM page_notebook_links WHERE notebook_uuid = $1 AND open = 0
	`, notebookUUID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("registry: count links: %w", err)
	}
	return n, nil
}

// claimSlot makes room for one more joined link of the notebook inside tx.
// The no-op update takes the notebook's row lock on Postgres, so concurrent
// joins of one notebook count one after another; SQLite transactions already
// hold the write lock (_txlock=immediate). A negative limit is unlimited.
func claimSlot(ctx context.Context, tx *sql.Tx, notebookUUID string, limit int) error {
	res, err := tx.ExecContext(ctx, `UPDATE notebooks SET page_quota = page_quota WHERE uuid = $1`, notebookUUID)
	if err != nil {
		return fmt.Errorf("registry: lock notebook: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("registry: notebook %s: %w", notebookUUID, apperr.ErrNotFound)
	}
	if limit < 0 {
		return nil
	}
	joined, err := countJoined(ctx, tx, notebookUUID)
	if err != nil {
		return err
	}
	if joined >= limit {
		return fmt.Errorf("registry: notebook %s is limited to %d pages: %w", notebookUUID, limit, apperr.ErrQuotaExceeded)
	}
	return nil
}

const linkColumns = `uuid, page_uuid, notebook_uuid, notebook_page_id, version, open, invited_by, cid, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanLink(sc scanner) (models.PageLink, error) {
	var (
		l       models.PageLink
		open    int
		created int64
	)
	if err := sc.Scan(&l.UUID, &l.PageUUID, &l.NotebookUUID, &l.NotebookPageID, &l.Version, &open, &l.InvitedBy, &l.CID, &created); err != nil {
		return models.PageLink{}, err
	}
	l.Open = open == 1
	l.CreatedAt = fromMillis(created)
	return l, nil
}

// LinkByNotebookPage returns the joined link of a notebook's local page.
func (s *Store) LinkByNotebookPage(ctx context.Context, notebookUUID, npid string) (models.PageLink, error) {
	l, err := scanLink(s.conn.QueryRowContext(ctx, `
		SELECT `+linkColumns+` FROM page_notebook_links
		WHERE notebook_uuid = $1 AND notebook_page_id = $2 AND open = 0
	`, notebookUUID, npid))
	if err != nil {
		return models.PageLink{}, notFound(err, "shared page "+npid)
	}
	return l, nil
}

// LinkByPage returns the notebook's link to a page, joined or open.
func (s *Store) LinkByPage(ctx context.Context, notebookUUID, pageUUID string, open bool) (models.PageLink, error) {
	l, err := scanLink(s.conn.QueryRowContext(ctx, `
		SELECT `+linkColumns+` FROM page_notebook_links
		WHERE notebook_uuid = $1 AND page_uuid = $2 AND open = $3
	`, notebookUUID, pageUUID, boolInt(open)))
	if err != nil {
		return models.PageLink{}, notFound(err, "link to page "+pageUUID)
	}
	return l, nil
}

// PageLinks lists every link of a page with the linked notebook.
func (s *Store) PageLinks(ctx context.Context, pageUUID string) ([]models.PageLink, []models.Notebook, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT l.uuid, l.page_uuid, l.notebook_uuid, l.notebook_page_id, l.version, l.open, l.invited_by, l.cid, l.created_at,
		       n.app, n.workspace
		FROM page_notebook_links l JOIN notebooks n ON n.uuid = l.notebook_uuid
		WHERE l.page_uuid = $1
		ORDER BY l.created_at, l.uuid
	`, pageUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: page links: %w", err)
	}
	defer rows.Close()

	var (
		links []models.PageLink
		nbs   []models.Notebook
	)
	for rows.Next() {
		var (
			l       models.PageLink
			nb      models.Notebook
			open    int
			created int64
		)
		if err := rows.Scan(&l.UUID, &l.PageUUID, &l.NotebookUUID, &l.NotebookPageID, &l.Version, &open, &l.InvitedBy, &l.CID, &created, &nb.App, &nb.Workspace); err != nil {
			return nil, nil, fmt.Errorf("registry: scan link: %w", err)
		}
		l.Open = open == 1
		l.CreatedAt = fromMillis(created)
		nb.UUID = l.NotebookUUID
		links = append(links, l)
		nbs = append(nbs, nb)
	}
	return links, nbs, rows.Err()
}

// NotebookLinks lists every link of a notebook.
func (s *Store) NotebookLinks(ctx context.Context, notebookUUID string) ([]models.PageLink, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+linkColumns+` FROM page_notebook_links
		WHERE notebook_uuid = $1
		ORDER BY created_at, uuid
	`, notebookUUID)
	if err != nil {
		return nil, fmt.Errorf("registry: notebook links: %w", err)
	}
	defer rows.Close()
	var out []models.PageLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetPage returns the canonical page record.
func (s *Store) GetPage(ctx context.Context, uuid string) (Page, error) {
	var (
		p       Page
		created int64
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT uuid, title, cid, version, created_at FROM pages WHERE uuid = $1
	`, uuid).Scan(&p.UUID, &p.Title, &p.CID, &p.Version, &created)
	if err != nil {
		return Page{}, notFound(err, "page "+uuid)
	}
	p.CreatedAt = fromMillis(created)
	return p, nil
}

// CreatePage inserts a page, its owner's joined link and the first history
// entry in one transaction. It fails with apperr.ErrQuotaExceeded when the
// owner already has limit joined links.
func (s *Store) CreatePage(ctx context.Context, p Page, link models.PageLink, operationID string, limit int) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := claimSlot(ctx, tx, link.NotebookUUID, limit); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pages (uuid, title, cid, version, created_at) VALUES ($1, $2, $3, $4, $5)
	`, p.UUID, p.Title, p.CID, p.Version, millis(p.CreatedAt)); err != nil {
		return fmt.Errorf("registry: insert page: %w", err)
	}
	if err := insertLink(ctx, tx, link); err != nil {
		return err
	}
	if err := insertHistory(ctx, tx, operationID, p.UUID, link.UUID, models.MethodInitSharedPage, p.CID, p.Version, p.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLink(ctx context.Context, ex execer, l models.PageLink) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO page_notebook_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, l.UUID, l.PageUUID, l.NotebookUUID, l.NotebookPageID, l.Version, boolInt(l.Open), l.InvitedBy, l.CID, millis(l.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("registry: insert link: %w", apperr.ErrAlreadyExists)
		}
		return fmt.Errorf("registry: insert link: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, ex execer, operationID, pageUUID, linkUUID, method, cid string, version int64, at time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO page_history (operation_id, page_uuid, link_uuid, method, cid, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, operationID, pageUUID, linkUUID, method, cid, version, millis(at))
	if err != nil {
		return fmt.Errorf("registry: insert history: %w", err)
	}
	return nil
}

// CreateInvite inserts an open link.
func (s *Store) CreateInvite(ctx context.Context, l models.PageLink) error {
	l.Open = true
	return insertLink(ctx, s.conn, l)
}

// AcceptInvite turns the notebook's open link into a joined one, within the
// notebook's page limit.
func (s *Store) AcceptInvite(ctx context.Context, notebookUUID, linkUUID, npid string, p Page, limit int) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := claimSlot(ctx, tx, notebookUUID, limit); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE page_notebook_links SET open = 0, notebook_page_id = $1, version = $2, cid = $3
		WHERE uuid = $4 AND notebook_uuid = $5 AND open = 1
	`, npid, p.Version, p.CID, linkUUID, notebookUUID)
	if err := affected(res, err, "accept invite"); err != nil {
		return err
	}
	return tx.Commit()
}

// RevertJoin turns a joined link back into an open one.
func (s *Store) RevertJoin(ctx context.Context, linkUUID string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE page_notebook_links SET open = 1, notebook_page_id = ''
		WHERE uuid = $1 AND open = 0
	`, linkUUID)
	return affected(res, err, "revert join")
}

// DeleteLink removes a link in the given open state.
func (s *Store) DeleteLink(ctx context.Context, linkUUID string, open bool) error {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM page_notebook_links WHERE uuid = $1 AND open = $2
	`, linkUUID, boolInt(open))
	return affected(res, err, "delete link")
}

// Relink points a joined link at another local page id.
func (s *Store) Relink(ctx context.Context, linkUUID, oldID, newID string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE page_notebook_links SET notebook_page_id = $1
		WHERE uuid = $2 AND notebook_page_id = $3 AND open = 0
	`, newID, linkUUID, oldID)
	return affected(res, err, "relink")
}

// AdvancePage moves the canonical pointer from expected to version
// expected+1, records the writing link's new version and appends history.
// It reports apperr.ErrConflict when another writer advanced the page first.
func (s *Store) AdvancePage(ctx context.Context, pageUUID string, expected int64, cid, linkUUID, method, operationID string, now time.Time) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	next := expected + 1
	res, err := tx.ExecContext(ctx, `
		UPDATE pages SET cid = $1, version = $2 WHERE uuid = $3 AND version = $4
	`, cid, next, pageUUID, expected)
	if err := affected(res, err, "advance page"); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE page_notebook_links SET cid = $1, version = $2 WHERE uuid = $3
	`, cid, next, linkUUID); err != nil {
		return 0, fmt.Errorf("registry: update link version: %w", err)
	}
	if err := insertHistory(ctx, tx, operationID, pageUUID, linkUUID, method, cid, next, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("registry: commit: %w", err)
	}
	return next, nil
}

// History lists a page's snapshots, oldest first.
func (s *Store) History(ctx context.Context, pageUUID string) ([]models.HistoryEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT operation_id, page_uuid, link_uuid, method, cid, version, created_at
		FROM page_history WHERE page_uuid = $1 ORDER BY version, operation_id
	`, pageUUID)
	if err != nil {
		return nil, fmt.Errorf("registry: history: %w", err)
	}
	defer rows.Close()
	var out []models.HistoryEntry
	for rows.Next() {
		var (
			e       models.HistoryEntry
			created int64
		)
		if err := rows.Scan(&e.OperationID, &e.PageUUID, &e.LinkUUID, &e.Method, &e.CID, &e.Version, &created); err != nil {
			return nil, fmt.Errorf("registry: scan history: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RequestRecord is one entry of the cross-notebook request log.
type RequestRecord struct {
	Hash     string
	Source   string
	Target   string
	Label    string
	Request  string
	Status   string
	Response string
}

// GetRequest looks up a request by hash and parties.
func (s *Store) GetRequest(ctx context.Context, hash, source, target string) (RequestRecord, error) {
	r := RequestRecord{Hash: hash, Source: source, Target: target}
	err := s.conn.QueryRowContext(ctx, `
		SELECT label, request, status, response FROM notebook_requests
		WHERE hash = $1 AND source = $2 AND target = $3
	`, hash, source, target).Scan(&r.Label, &r.Request, &r.Status, &r.Response)
	if err != nil {
		return RequestRecord{}, notFound(err, "request "+hash)
	}
	return r, nil
}

// CreateRequest records a pending request.
func (s *Store) CreateRequest(ctx context.Context, r RequestRecord, now time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO notebook_requests (hash, source, target, label, request, status, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, '', $7)
	`, r.Hash, r.Source, r.Target, r.Label, r.Request, models.RequestPending, millis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("registry: create request: %w", apperr.ErrAlreadyExists)
		}
		return fmt.Errorf("registry: create request: %w", err)
	}
	return nil
}

// ResolveRequest stores the answer of a request.
func (s *Store) ResolveRequest(ctx context.Context, hash, source, target, status, response string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE notebook_requests SET status = $1, response = $2
		WHERE hash = $3 AND source = $4 AND target = $5
	`, status, response, hash, source, target)
	if err := affected(res, err, "resolve request"); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return fmt.Errorf("registry: request %s: %w", hash, apperr.ErrNotFound)
		}
		return err
	}
	return nil
}

// SaveMessage appends a message for a notebook that was offline.
func (s *Store) SaveMessage(ctx context.Context, uuid, target string, body []byte, now time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO messages (uuid, target, body, created_at) VALUES ($1, $2, $3, $4)
	`, uuid, target, string(body), millis(now))
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("registry: save message: %w", err)
	}
	return nil
}

// TakeMessages removes and returns a notebook's stored messages, oldest first.
func (s *Store) TakeMessages(ctx context.Context, target string) ([][]byte, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	rows, err := tx.QueryContext(ctx, `
		SELECT uuid, body FROM messages WHERE target = $1 ORDER BY created_at, uuid
	`, target)
	if err != nil {
		return nil, fmt.Errorf("registry: take messages: %w", err)
	}
	var (
		out [][]byte
		ids []string
	)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			rows.Close()
			return nil, fmt.Errorf("registry: scan message: %w", err)
		}
		ids = append(ids, id)
		out = append(out, []byte(body))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: take messages: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE uuid = $1`, id); err != nil {
			return nil, fmt.Errorf("registry: clear messages: %w", err)
		}
	}
	return out, tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
