package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by Insert when the key already exists.
var ErrDuplicate = errors.New("idempotency: key already exists")

// Record is one cached write response.
type Record struct {
	Key       string
	Endpoint  string
	Response  []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record's TTL has lapsed at the given time.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists idempotency records. Expired rows are invisible to Lookup
// and reclaimed opportunistically via ReapExpired.
type Store interface {
	// Lookup returns the non-expired record for key, or nil.
	Lookup(ctx context.Context, key string) (*Record, error)

	// Insert stores a record; ErrDuplicate if the key exists (expired or not).
	Insert(ctx context.Context, rec *Record) error

	// ReapExpired deletes up to max expired rows, returning the count.
	ReapExpired(ctx context.Context, max int) (int64, error)
}
