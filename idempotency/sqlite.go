package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	endpoint   TEXT NOT NULL,
	response   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys (expires_at);
`

// timeLayout is fixed-width RFC 3339 so expiry comparisons can run in SQL on
// the text column.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the embedded shared-store backend. It shares its database
// handle with the registry.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore applies the schema and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("apply idempotency schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Lookup returns the non-expired record for key, or nil.
func (s *SQLiteStore) Lookup(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, endpoint, response, created_at, expires_at
		FROM idempotency_keys WHERE key = ?`, key)

	var rec Record
	var createdAt, expiresAt string
	err := row.Scan(&rec.Key, &rec.Endpoint, &rec.Response, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.ExpiresAt, err = time.Parse(timeLayout, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if rec.Expired(time.Now().UTC()) {
		return nil, nil
	}
	return &rec, nil
}

// Insert stores a record; ErrDuplicate when the key already exists.
func (s *SQLiteStore) Insert(ctx context.Context, rec *Record) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO idempotency_keys (key, endpoint, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Key, rec.Endpoint, string(rec.Response),
		rec.CreatedAt.UTC().Format(timeLayout), rec.ExpiresAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
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

// ReapExpired deletes up to max expired rows.
func (s *SQLiteStore) ReapExpired(ctx context.Context, max int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE key IN (
			SELECT key FROM idempotency_keys WHERE expires_at < ? LIMIT ?
		)`, time.Now().UTC().Format(timeLayout), max)
	if err != nil {
		return 0, fmt.Errorf("reap idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
