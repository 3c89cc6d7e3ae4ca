package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/models"
)

// Notify stores n, replacing a notification with the same uuid.
func (db *DB) Notify(ctx context.Context, n models.Notification) error {
	if n.UUID == "" {
		return fmt.Errorf("index: notification without uuid: %w", apperr.ErrInvalidInput)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	buttons, _ := json.Marshal(n.Buttons)
	persistent := 0
	if n.Persistent {
		persistent = 1
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO notifications (uuid, title, description, buttons, operation, data, persistent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			title       = excluded.title,
			description = excluded.description,
			buttons     = excluded.buttons,
			operation   = excluded.operation,
			data        = excluded.data,
			persistent  = excluded.persistent,
			created_at  = excluded.created_at
	`, n.UUID, n.Title, n.Description, string(buttons), n.Operation, string(n.Data), persistent, n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("index: store notification: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(sc rowScanner) (models.Notification, error) {
	var (
		n          models.Notification
		buttons    string
		data       string
		persistent int
	)
	if err := sc.Scan(&n.UUID, &n.Title, &n.Description, &buttons, &n.Operation, &data, &persistent, &n.CreatedAt); err != nil {
		return models.Notification{}, err
	}
	_ = json.Unmarshal([]byte(buttons), &n.Buttons)
	if data != "" {
		n.Data = json.RawMessage(data)
	}
	n.Persistent = persistent != 0
	return n, nil
}

const notificationColumns = `uuid, title, description, buttons, operation, data, persistent, created_at`

// Notifications lists stored notifications, oldest first.
func (db *DB) Notifications(ctx context.Context) ([]models.Notification, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications ORDER BY created_at, uuid`)
	if err != nil {
		return nil, fmt.Errorf("index: list notifications: %w", err)
	}
	defer rows.Close()
	out := []models.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (db *DB) Notification(ctx context.Context, uuid string) (models.Notification, error) {
	n, err := scanNotification(db.conn.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE uuid = ?`, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Notification{}, fmt.Errorf("index: notification %s: %w", uuid, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Notification{}, fmt.Errorf("index: get notification: %w", err)
	}
	return n, nil
}

// Dismiss deletes a notification. Unknown uuids are not an error.
func (db *DB) Dismiss(ctx context.Context, uuid string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM notifications WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("index: dismiss notification: %w", err)
	}
	return nil
}
