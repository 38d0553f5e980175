package broker_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectralhq/spectralnotify/broker"
	"github.com/spectralhq/spectralnotify/registry"
	"github.com/spectralhq/spectralnotify/store"
)

func newTestRegistry(t *testing.T) registry.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:")
	require.NoError(t, err)
	// In-memory databases are per connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	reg, err := registry.NewSQLiteStore(db)
	require.NoError(t, err)
	return reg
}

func newDirectory(t *testing.T) *broker.Directory {
	t.Helper()
	dir := broker.NewDirectory(broker.DirectoryOptions{
		Opener:   store.Factory{DataDir: t.TempDir()},
		Hubs:     func(kind broker.Kind) broker.Hub { return &captureHub{} },
		Registry: newTestRegistry(t),
		Logger:   testLogger(),
	})
	t.Cleanup(dir.Shutdown)
	return dir
}

func TestDirectoryCreateAndGet(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()

	task, err := dir.CreateTask(ctx, "TASK-A", nil)
	require.NoError(t, err)
	assert.Equal(t, "TASK-A", task.TaskID)

	ti, err := dir.Task(ctx, "TASK-A")
	require.NoError(t, err)
	assert.Equal(t, broker.StatusPending, ti.Snapshot().Status)

	_, err = dir.Task(ctx, "TASK-B")
	assert.Equal(t, broker.CodeNotFound, broker.CodeOf(err))
}

func TestDirectoryDuplicateEntity(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()

	_, err := dir.CreateTask(ctx, "TASK-A", nil)
	require.NoError(t, err)
	_, err = dir.CreateTask(ctx, "TASK-A", nil)
	assert.Equal(t, broker.CodeDuplicateEntity, broker.CodeOf(err))

	// IDs are scoped per kind.
	_, _, err = dir.CreateWorkflow(ctx, "TASK-A", nil, nil)
	require.NoError(t, err)
}

func TestDirectoryRejectsInvalidID(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()

	_, err := dir.CreateTask(ctx, "", nil)
	assert.Equal(t, broker.CodeInvalidInput, broker.CodeOf(err))

	// A failed phase validation must not claim the ID.
	_, _, err = dir.CreateWorkflow(ctx, "WF-A", []broker.PhaseSpec{{Key: "a"}, {Key: "a"}}, nil)
	assert.Equal(t, broker.CodeDuplicatePhase, broker.CodeOf(err))
	_, _, err = dir.CreateWorkflow(ctx, "WF-A", []broker.PhaseSpec{{Key: "a"}}, nil)
	require.NoError(t, err)
}

func TestDirectoryList(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()

	for _, id := range []string{"T-1", "T-2", "T-3"} {
		_, err := dir.CreateTask(ctx, id, nil)
		require.NoError(t, err)
	}
	tasks, err := dir.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	workflows, err := dir.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, workflows)
}

func TestDirectoryDelete(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()

	_, err := dir.CreateTask(ctx, "TASK-DEL", nil)
	require.NoError(t, err)
	require.NoError(t, dir.Delete(ctx, broker.KindTask, "TASK-DEL"))

	_, err = dir.Task(ctx, "TASK-DEL")
	assert.Equal(t, broker.CodeNotFound, broker.CodeOf(err))
	err = dir.Delete(ctx, broker.KindTask, "TASK-DEL")
	assert.Equal(t, broker.CodeNotFound, broker.CodeOf(err))

	// The ID is free for reuse after delete.
	task, err := dir.CreateTask(ctx, "TASK-DEL", nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusPending, task.Status)
}

func TestDirectoryDeleteAll(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()

	for _, id := range []string{"T-1", "T-2"} {
		_, err := dir.CreateTask(ctx, id, nil)
		require.NoError(t, err)
	}
	_, _, err := dir.CreateWorkflow(ctx, "WF-1", nil, nil)
	require.NoError(t, err)

	deleted, failures, err := dir.DeleteAll(ctx, broker.KindTask)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Empty(t, failures)

	tasks, err := dir.ListTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// Workflows are untouched.
	workflows, err := dir.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, workflows, 1)
}
