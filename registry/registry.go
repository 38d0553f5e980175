// Package registry tracks every entity ID the broker knows about in a small
// shared relational table, so cross-entity operations (getAll, deleteAll)
// can enumerate without touching instance stores.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by Register when the (kind, id) pair exists.
var ErrDuplicate = errors.New("registry: entity already registered")

// Entry is one registered entity.
type Entry struct {
	Kind      string
	ID        string
	CreatedAt time.Time
	CreatedBy string
}

// Store persists registry entries.
type Store interface {
	// Register records a new entity; ErrDuplicate if (kind, id) exists.
	Register(ctx context.Context, e Entry) error

	// List returns all entries of a kind in registration order.
	List(ctx context.Context, kind string) ([]Entry, error)

	// Exists reports whether (kind, id) is registered.
	Exists(ctx context.Context, kind, id string) (bool, error)

	// Remove deletes the entry; removing an absent entry is not an error.
	Remove(ctx context.Context, kind, id string) error
}
