package broker

import "github.com/gorilla/websocket"

// TaskStorage persists one task's metadata and append-only history. Apply
// must write the metadata update and the history row atomically.
type TaskStorage interface {
	Create(t *Task) error
	Get() (*Task, error)
	Apply(t *Task, h *TaskHistoryEntry) error
	History(limit int) ([]TaskHistoryEntry, error)
	Close() error
	Remove() error
}

// WorkflowStorage persists one workflow's metadata, phase rows, and history.
type WorkflowStorage interface {
	Create(w *Workflow, phases []Phase) error
	Get() (*Workflow, error)
	Phases() ([]Phase, error)
	Apply(w *Workflow, changed []Phase, h *WorkflowHistoryEntry) error
	History(limit int) ([]WorkflowHistoryEntry, error)
	Close() error
	Remove() error
}

// StoreOpener opens (creating if needed) the per-entity storage.
type StoreOpener interface {
	OpenTask(id string) (TaskStorage, error)
	OpenWorkflow(id string) (WorkflowStorage, error)
}

// Hub fans committed events out to an entity's live subscribers.
type Hub interface {
	Attach(conn *websocket.Conn) string
	Broadcast(v interface{})
	Count() int
	CloseAll(code int, reason string)
}

// HubFactory creates the hub for a newly loaded instance.
type HubFactory func(kind Kind) Hub
