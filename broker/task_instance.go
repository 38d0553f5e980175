package broker

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// TaskInstance is the single writer for one task. All mutations run under the
// instance lock: state transition, one atomic storage write, then broadcast.
// Subscribers therefore observe events in commit order.
type TaskInstance struct {
	id     string
	logger *logrus.Entry

	mu    sync.Mutex
	store TaskStorage
	hub   Hub
	task  *Task
}

// CreateTask persists a fresh pending task and returns its instance.
func CreateTask(id string, metadata json.RawMessage, st TaskStorage, hub Hub, logger *logrus.Entry) (*TaskInstance, error) {
	now := Timestamp()
	t := &Task{
		TaskID:    id,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
	}
	if err := st.Create(t); err != nil {
		return nil, ErrInternal(err)
	}
	return &TaskInstance{
		id:     id,
		logger: logger.WithFields(logrus.Fields{"kind": KindTask, "id": id}),
		store:  st,
		hub:    hub,
		task:   t,
	}, nil
}

// OpenTask loads an existing task from storage.
func OpenTask(id string, st TaskStorage, hub Hub, logger *logrus.Entry) (*TaskInstance, error) {
	t, err := st.Get()
	if err != nil {
		return nil, err
	}
	return &TaskInstance{
		id:     id,
		logger: logger.WithFields(logrus.Fields{"kind": KindTask, "id": id}),
		store:  st,
		hub:    hub,
		task:   t,
	}, nil
}

// ID returns the task identifier.
func (ti *TaskInstance) ID() string { return ti.id }

// Snapshot returns a copy of the committed metadata.
func (ti *TaskInstance) Snapshot() *Task {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	t := *ti.task
	return &t
}

// History returns up to limit history rows, newest first.
func (ti *TaskInstance) History(limit int) ([]TaskHistoryEntry, error) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	entries, err := ti.store.History(limit)
	if err != nil {
		return nil, ErrInternal(err)
	}
	return entries, nil
}

// Attach hands a socket to the fan-out hub.
func (ti *TaskInstance) Attach(conn *websocket.Conn) string {
	return ti.hub.Attach(conn)
}

// Subscribers returns the live subscriber count.
func (ti *TaskInstance) Subscribers() int {
	return ti.hub.Count()
}

// UpdateProgress clamps and records a new progress value. The first progress
// update moves a pending task to in-progress.
func (ti *TaskInstance) UpdateProgress(progress int, message string, metadata json.RawMessage) (*Task, error) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if err := ti.checkWritable(); err != nil {
		return nil, err
	}

	p := ClampProgress(progress)
	next := *ti.task
	next.Status = StatusInProgress
	next.Progress = &p
	next.UpdatedAt = monotonicNow(ti.task.UpdatedAt)

	if message == "" {
		message = "progress updated"
	}
	h := &TaskHistoryEntry{
		TaskID:    ti.id,
		EventType: EventTypeProgress,
		Message:   message,
		Progress:  &p,
		Timestamp: next.UpdatedAt,
		Metadata:  metadata,
	}
	if err := ti.apply(&next, h); err != nil {
		return nil, err
	}

	ti.hub.Broadcast(&TaskFrame{
		Type:      FrameProgress,
		Task:      ti.snapshotLocked(),
		Progress:  &p,
		Timestamp: next.UpdatedAt,
	})
	return ti.snapshotLocked(), nil
}

// AppendEvent records an arbitrary history event. An event carrying a
// progress value also updates the task's progress.
func (ti *TaskInstance) AppendEvent(eventType, message string, progress *int, metadata json.RawMessage) (*TaskHistoryEntry, error) {
	if !ValidTaskEventType(eventType) {
		return nil, ErrInvalidInput("unknown event type %q", eventType)
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	if err := ti.checkWritable(); err != nil {
		return nil, err
	}

	next := *ti.task
	next.UpdatedAt = monotonicNow(ti.task.UpdatedAt)
	if progress != nil {
		p := ClampProgress(*progress)
		progress = &p
		next.Progress = &p
		if next.Status == StatusPending {
			next.Status = StatusInProgress
		}
	}

	h := &TaskHistoryEntry{
		TaskID:    ti.id,
		EventType: eventType,
		Message:   message,
		Progress:  progress,
		Timestamp: next.UpdatedAt,
		Metadata:  metadata,
	}
	if err := ti.apply(&next, h); err != nil {
		return nil, err
	}

	ti.hub.Broadcast(&TaskFrame{
		Type: FrameEvent,
		Task: ti.snapshotLocked(),
		Event: &TaskEventBody{
			EventType: eventType,
			Message:   message,
			Progress:  progress,
			Metadata:  metadata,
		},
		Timestamp: next.UpdatedAt,
	})
	entry := *h
	return &entry, nil
}

// Complete seals the task as success with progress 100.
func (ti *TaskInstance) Complete(message string, metadata json.RawMessage) (*Task, error) {
	return ti.seal(StatusSuccess, FrameComplete, EventTypeSuccess, message, "task completed", metadata)
}

// Fail seals the task as failed; message carries the error description.
func (ti *TaskInstance) Fail(message string, metadata json.RawMessage) (*Task, error) {
	return ti.seal(StatusFailed, FrameFail, EventTypeError, message, "task failed", metadata)
}

// Cancel seals the task as canceled.
func (ti *TaskInstance) Cancel(message string, metadata json.RawMessage) (*Task, error) {
	return ti.seal(StatusCanceled, FrameCancel, EventTypeCancel, message, "task canceled", metadata)
}

func (ti *TaskInstance) seal(status Status, frameType, eventType, message, fallback string, metadata json.RawMessage) (*Task, error) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if err := ti.checkWritable(); err != nil {
		return nil, err
	}
	if message == "" {
		message = fallback
	}

	now := monotonicNow(ti.task.UpdatedAt)
	next := *ti.task
	next.Status = status
	next.UpdatedAt = now
	switch status {
	case StatusSuccess:
		hundred := 100
		next.Progress = &hundred
		next.CompletedAt = &now
	case StatusFailed:
		next.FailedAt = &now
	case StatusCanceled:
		next.CanceledAt = &now
	}

	h := &TaskHistoryEntry{
		TaskID:    ti.id,
		EventType: eventType,
		Message:   message,
		Progress:  next.Progress,
		Timestamp: now,
		Metadata:  metadata,
	}
	if err := ti.apply(&next, h); err != nil {
		return nil, err
	}

	frame := &TaskFrame{
		Type:      frameType,
		Task:      ti.snapshotLocked(),
		Timestamp: now,
	}
	if status == StatusFailed {
		frame.Error = message
	}
	ti.hub.Broadcast(frame)
	ti.logger.WithField("status", status).Info("task sealed")
	return ti.snapshotLocked(), nil
}

// Close releases the storage handle; used on shutdown.
func (ti *TaskInstance) Close() error {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.store.Close()
}

// Shutdown closes subscribers with a going-away frame and releases storage.
func (ti *TaskInstance) Shutdown() {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
	if err := ti.store.Close(); err != nil {
		ti.logger.WithError(err).Warn("close task store")
	}
}

// Delete closes every subscriber and removes the backing storage.
func (ti *TaskInstance) Delete() error {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.hub.CloseAll(websocket.CloseNormalClosure, "task deleted")
	if err := ti.store.Remove(); err != nil {
		return ErrInternal(err)
	}
	ti.logger.Info("task deleted")
	return nil
}

func (ti *TaskInstance) checkWritable() error {
	if ti.task.Status.Terminal() {
		return ErrTerminalState("task %s is %s", ti.id, ti.task.Status).
			WithData("status", string(ti.task.Status))
	}
	return nil
}

// apply commits the state transition; the in-memory snapshot only advances
// when the storage write succeeds.
func (ti *TaskInstance) apply(next *Task, h *TaskHistoryEntry) error {
	if err := ti.store.Apply(next, h); err != nil {
		return ErrInternal(err)
	}
	ti.task = next
	return nil
}

func (ti *TaskInstance) snapshotLocked() *Task {
	t := *ti.task
	return &t
}

// monotonicNow returns the current timestamp, never behind prev. The fixed
// width layout makes the string comparison a time comparison.
func monotonicNow(prev string) string {
	now := Timestamp()
	if now < prev {
		return prev
	}
	return now
}
