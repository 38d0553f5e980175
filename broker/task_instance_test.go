package broker_test

import (
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectralhq/spectralnotify/broker"
	"github.com/spectralhq/spectralnotify/store"
)

// captureHub records broadcast frames instead of writing to sockets.
type captureHub struct {
	mu     sync.Mutex
	frames []interface{}
	closed bool
}

func (h *captureHub) Attach(conn *websocket.Conn) string { return "test" }

func (h *captureHub) Broadcast(v interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, v)
}

func (h *captureHub) Count() int { return 0 }

func (h *captureHub) CloseAll(code int, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *captureHub) taskFrames(t *testing.T) []*broker.TaskFrame {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*broker.TaskFrame, 0, len(h.frames))
	for _, f := range h.frames {
		frame, ok := f.(*broker.TaskFrame)
		require.True(t, ok, "unexpected frame type %T", f)
		out = append(out, frame)
	}
	return out
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTaskInstance(t *testing.T, id string) (*broker.TaskInstance, *captureHub) {
	t.Helper()
	st, err := store.OpenTaskStore(filepath.Join(t.TempDir(), id+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := &captureHub{}
	ti, err := broker.CreateTask(id, nil, st, hub, testLogger())
	require.NoError(t, err)
	return ti, hub
}

func TestTaskLifecycle(t *testing.T) {
	ti, hub := newTaskInstance(t, "TASK-A")

	snap := ti.Snapshot()
	assert.Equal(t, broker.StatusPending, snap.Status)
	assert.Nil(t, snap.Progress)
	assert.Equal(t, snap.CreatedAt, snap.UpdatedAt)

	snap, err := ti.UpdateProgress(40, "", nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusInProgress, snap.Status)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 40, *snap.Progress)
	assert.GreaterOrEqual(t, snap.UpdatedAt, snap.CreatedAt)

	snap, err = ti.Complete("", nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusSuccess, snap.Status)
	assert.Equal(t, 100, *snap.Progress)
	require.NotNil(t, snap.CompletedAt)

	frames := hub.taskFrames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, broker.FrameProgress, frames[0].Type)
	assert.Equal(t, broker.FrameComplete, frames[1].Type)
}

func TestTaskProgressIsClamped(t *testing.T) {
	ti, _ := newTaskInstance(t, "TASK-CLAMP")

	snap, err := ti.UpdateProgress(150, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 100, *snap.Progress)

	snap, err = ti.UpdateProgress(-3, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, *snap.Progress)
}

func TestTaskTerminalSealing(t *testing.T) {
	ti, hub := newTaskInstance(t, "TASK-SEALED")

	_, err := ti.Complete("done", nil)
	require.NoError(t, err)

	before, err := ti.History(50)
	require.NoError(t, err)

	_, err = ti.UpdateProgress(10, "", nil)
	assert.Equal(t, broker.CodeTerminalState, broker.CodeOf(err))
	_, err = ti.Complete("", nil)
	assert.Equal(t, broker.CodeTerminalState, broker.CodeOf(err))
	_, err = ti.Cancel("", nil)
	assert.Equal(t, broker.CodeTerminalState, broker.CodeOf(err))

	// Rejected writes leave no history and emit no frames.
	after, err := ti.History(50)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
	assert.Len(t, hub.taskFrames(t), 1)
}

func TestTaskFail(t *testing.T) {
	ti, hub := newTaskInstance(t, "TASK-FAIL")

	snap, err := ti.Fail("disk full", nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFailed, snap.Status)
	require.NotNil(t, snap.FailedAt)
	assert.Nil(t, snap.CompletedAt)

	frames := hub.taskFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, broker.FrameFail, frames[0].Type)
	assert.Equal(t, "disk full", frames[0].Error)
}

func TestTaskAppendEvent(t *testing.T) {
	ti, hub := newTaskInstance(t, "TASK-EVENTS")

	_, err := ti.AppendEvent("bogus", "msg", nil, nil)
	assert.Equal(t, broker.CodeInvalidInput, broker.CodeOf(err))

	entry, err := ti.AppendEvent(broker.EventTypeLog, "fetching input", nil, nil)
	require.NoError(t, err)
	assert.NotZero(t, entry.ID)
	assert.Equal(t, broker.EventTypeLog, entry.EventType)
	// A plain log event does not start the task.
	assert.Equal(t, broker.StatusPending, ti.Snapshot().Status)

	p := 30
	_, err = ti.AppendEvent(broker.EventTypeProgress, "30% done", &p, nil)
	require.NoError(t, err)
	snap := ti.Snapshot()
	assert.Equal(t, broker.StatusInProgress, snap.Status)
	assert.Equal(t, 30, *snap.Progress)

	frames := hub.taskFrames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, broker.FrameEvent, frames[0].Type)
	require.NotNil(t, frames[1].Event)
	assert.Equal(t, 30, *frames[1].Event.Progress)
}

func TestTaskHistoryNewestFirst(t *testing.T) {
	ti, _ := newTaskInstance(t, "TASK-HIST")

	for _, p := range []int{10, 20, 30} {
		_, err := ti.UpdateProgress(p, "", nil)
		require.NoError(t, err)
	}

	entries, err := ti.History(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 30, *entries[0].Progress)
	assert.Equal(t, 20, *entries[1].Progress)
	assert.Greater(t, entries[0].ID, entries[1].ID)
}

func TestTaskReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.db")

	st, err := store.OpenTaskStore(path)
	require.NoError(t, err)
	ti, err := broker.CreateTask("TASK-REOPEN", nil, st, &captureHub{}, testLogger())
	require.NoError(t, err)
	_, err = ti.UpdateProgress(55, "halfway", nil)
	require.NoError(t, err)
	require.NoError(t, ti.Close())

	st, err = store.OpenTaskStore(path)
	require.NoError(t, err)
	ti, err = broker.OpenTask("TASK-REOPEN", st, &captureHub{}, testLogger())
	require.NoError(t, err)
	defer ti.Close()

	snap := ti.Snapshot()
	assert.Equal(t, broker.StatusInProgress, snap.Status)
	assert.Equal(t, 55, *snap.Progress)
}
