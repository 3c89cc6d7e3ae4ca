// Package registry is the relay's authority over pages: which notebooks are
// linked to which page, the canonical snapshot of every page, its history,
// quotas, invitations and the cross-notebook request log.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Parameters use $N placeholders, numbered in order of first use, which
// both drivers accept.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS notebooks (
	uuid       TEXT PRIMARY KEY,
	app        TEXT NOT NULL,
	workspace  TEXT NOT NULL,
	token_uuid TEXT NOT NULL,
	token_hash TEXT NOT NULL,
	page_quota INTEGER,
	created_at BIGINT NOT NULL,
	UNIQUE(app, workspace)
);

CREATE TABLE IF NOT EXISTS pages (
	uuid       TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	cid        TEXT NOT NULL DEFAULT '',
	version    BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS page_notebook_links (
	uuid             TEXT PRIMARY KEY,
	page_uuid        TEXT NOT NULL REFERENCES pages(uuid),
	notebook_uuid    TEXT NOT NULL REFERENCES notebooks(uuid),
	notebook_page_id TEXT NOT NULL DEFAULT '',
	version          BIGINT NOT NULL DEFAULT 0,
	open             INTEGER NOT NULL DEFAULT 0,
	invited_by       TEXT NOT NULL DEFAULT '',
	cid              TEXT NOT NULL DEFAULT '',
	created_at       BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_links_joined ON page_notebook_links(notebook_uuid, page_uuid) WHERE open = 0;
CREATE UNIQUE INDEX IF NOT EXISTS idx_links_invited ON page_notebook_links(notebook_uuid, page_uuid) WHERE open = 1;
CREATE UNIQUE INDEX IF NOT EXISTS idx_links_page_id ON page_notebook_links(notebook_uuid, notebook_page_id) WHERE open = 0;
CREATE INDEX IF NOT EXISTS idx_links_page ON page_notebook_links(page_uuid);

CREATE TABLE IF NOT EXISTS page_history (
	operation_id TEXT PRIMARY KEY,
	page_uuid    TEXT NOT NULL,
	link_uuid    TEXT NOT NULL,
	method       TEXT NOT NULL,
	cid          TEXT NOT NULL,
	version      BIGINT NOT NULL,
	created_at   BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_page ON page_history(page_uuid, version);

CREATE TABLE IF NOT EXISTS notebook_requests (
	hash       TEXT NOT NULL,
	source     TEXT NOT NULL,
	target     TEXT NOT NULL,
	label      TEXT NOT NULL DEFAULT '',
	request    TEXT NOT NULL,
	status     TEXT NOT NULL,
	response   TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	PRIMARY KEY (hash, source, target)
);

CREATE TABLE IF NOT EXISTS messages (
	uuid       TEXT PRIMARY KEY,
	target     TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_target ON messages(target, created_at);
`

// Open connects to the registry database and applies the schema.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("registry: unsupported driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}
	// Postgres rejects several statements in one prepared Exec.
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("registry: apply schema: %w", err)
		}
	}
	return &Store{conn: conn}, nil
}

// isUniqueViolation reports whether err is a unique constraint failure from
// either driver.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}
