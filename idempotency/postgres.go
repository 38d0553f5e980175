package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// keyRow is the GORM model for the shared idempotency table.
type keyRow struct {
	Key       string    `gorm:"primaryKey;size:128"`
	Endpoint  string    `gorm:"not null"`
	Response  []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (keyRow) TableName() string { return "idempotency_keys" }

// PostgresStore is the shared-store backend for deployments with a central
// PostgreSQL database.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore migrates the schema and returns the store. The gorm
// handle must be opened with TranslateError so duplicate keys surface as
// gorm.ErrDuplicatedKey.
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&keyRow{}); err != nil {
		return nil, fmt.Errorf("migrate idempotency_keys: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Lookup returns the non-expired record for key, or nil.
func (s *PostgresStore) Lookup(ctx context.Context, key string) (*Record, error) {
	var row keyRow
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	rec := &Record{
		Key:       row.Key,
		Endpoint:  row.Endpoint,
		Response:  row.Response,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}
	if rec.Expired(time.Now().UTC()) {
		return nil, nil
	}
	return rec, nil
}

// Insert stores a record; ErrDuplicate when the key already exists.
func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	row := keyRow{
		Key:       rec.Key,
		Endpoint:  rec.Endpoint,
		Response:  rec.Response,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

// ReapExpired deletes up to max expired rows.
func (s *PostgresStore) ReapExpired(ctx context.Context, max int) (int64, error) {
	res := s.db.WithContext(ctx).Exec(`
		DELETE FROM idempotency_keys WHERE key IN (
			SELECT key FROM idempotency_keys WHERE expires_at < ? LIMIT ?
		)`, time.Now().UTC(), max)
	if res.Error != nil {
		return 0, fmt.Errorf("reap idempotency keys: %w", res.Error)
	}
	return res.RowsAffected, nil
}
