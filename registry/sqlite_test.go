package registry_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectralhq/spectralnotify/registry"
)

func newStore(t *testing.T) *registry.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := registry.NewSQLiteStore(db)
	require.NoError(t, err)
	return st
}

func entry(kind, id string) registry.Entry {
	return registry.Entry{
		Kind:      kind,
		ID:        id,
		CreatedAt: time.Now().UTC(),
		CreatedBy: "api",
	}
}

func TestRegisterAndExists(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.Register(ctx, entry("task", "T-1")))

	ok, err := st.Exists(ctx, "task", "T-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Exists(ctx, "task", "T-2")
	require.NoError(t, err)
	assert.False(t, ok)

	// Same ID under another kind is a distinct entity.
	ok, err = st.Exists(ctx, "workflow", "T-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterDuplicate(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.Register(ctx, entry("task", "T-1")))
	err := st.Register(ctx, entry("task", "T-1"))
	assert.ErrorIs(t, err, registry.ErrDuplicate)

	require.NoError(t, st.Register(ctx, entry("workflow", "T-1")))
}

func TestListIsOrderedAndScoped(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"T-1", "T-2", "T-3"} {
		e := entry("task", id)
		e.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, st.Register(ctx, e))
	}
	require.NoError(t, st.Register(ctx, entry("workflow", "W-1")))

	entries, err := st.List(ctx, "task")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "T-1", entries[0].ID)
	assert.Equal(t, "T-3", entries[2].ID)
	assert.Equal(t, "api", entries[0].CreatedBy)
}

func TestRemove(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.Register(ctx, entry("task", "T-1")))
	require.NoError(t, st.Remove(ctx, "task", "T-1"))

	ok, err := st.Exists(ctx, "task", "T-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing an absent entry is not an error.
	require.NoError(t, st.Remove(ctx, "task", "T-1"))

	// The ID can be registered again.
	require.NoError(t, st.Register(ctx, entry("task", "T-1")))
}
