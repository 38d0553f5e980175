package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entity_registry (
	kind       TEXT NOT NULL,
	id         TEXT NOT NULL,
	created_at TEXT NOT NULL,
	created_by TEXT NOT NULL,
	PRIMARY KEY (kind, id)
);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the embedded shared-store backend. It shares its database
// handle with the idempotency store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore applies the schema and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Register records a new entity; ErrDuplicate on an existing (kind, id).
func (s *SQLiteStore) Register(ctx context.Context, e Entry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_registry (kind, id, created_at, created_by)
		VALUES (?, ?, ?, ?)`,
		e.Kind, e.ID, e.CreatedAt.UTC().Format(timeLayout), e.CreatedBy)
	if err != nil {
		return fmt.Errorf("register entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// List returns all entries of a kind in registration order.
func (s *SQLiteStore) List(ctx context.Context, kind string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, created_at, created_by
		FROM entity_registry WHERE kind = ? ORDER BY created_at ASC, id ASC`, kind)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.Kind, &e.ID, &createdAt, &e.CreatedBy); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Exists reports whether (kind, id) is registered.
func (s *SQLiteStore) Exists(ctx context.Context, kind, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM entity_registry WHERE kind = ? AND id = ?`, kind, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check entity: %w", err)
	}
	return true, nil
}

// Remove deletes the entry if present.
func (s *SQLiteStore) Remove(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM entity_registry WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return fmt.Errorf("remove entity: %w", err)
	}
	return nil
}
