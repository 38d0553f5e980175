package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// entityRow is the GORM model for the shared registry table.
type entityRow struct {
	Kind      string    `gorm:"primaryKey;size:16"`
	ID        string    `gorm:"primaryKey;size:128"`
	CreatedAt time.Time `gorm:"not null"`
	CreatedBy string    `gorm:"not null"`
}

func (entityRow) TableName() string { return "entity_registry" }

// PostgresStore is the shared-store backend for deployments with a central
// PostgreSQL database.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore migrates the schema and returns the store. The gorm
// handle must be opened with TranslateError so duplicate keys surface as
// gorm.ErrDuplicatedKey.
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&entityRow{}); err != nil {
		return nil, fmt.Errorf("migrate entity_registry: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Register records a new entity; ErrDuplicate on an existing (kind, id).
func (s *PostgresStore) Register(ctx context.Context, e Entry) error {
	row := entityRow{
		Kind:      e.Kind,
		ID:        e.ID,
		CreatedAt: e.CreatedAt,
		CreatedBy: e.CreatedBy,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("register entity: %w", err)
	}
	return nil
}

// List returns all entries of a kind in registration order.
func (s *PostgresStore) List(ctx context.Context, kind string) ([]Entry, error) {
	var rows []entityRow
	err := s.db.WithContext(ctx).
		Where("kind = ?", kind).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, Entry{
			Kind:      row.Kind,
			ID:        row.ID,
			CreatedAt: row.CreatedAt,
			CreatedBy: row.CreatedBy,
		})
	}
	return entries, nil
}

// Exists reports whether (kind, id) is registered.
func (s *PostgresStore) Exists(ctx context.Context, kind, id string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&entityRow{}).
		Where("kind = ? AND id = ?", kind, id).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check entity: %w", err)
	}
	return count > 0, nil
}

// Remove deletes the entry if present.
func (s *PostgresStore) Remove(ctx context.Context, kind, id string) error {
	err := s.db.WithContext(ctx).
		Where("kind = ? AND id = ?", kind, id).
		Delete(&entityRow{}).Error
	if err != nil {
		return fmt.Errorf("remove entity: %w", err)
	}
	return nil
}
