// Package broker implements the SpectralNotify core: per-entity single-writer
// instances that persist task and workflow state, run the lifecycle state
// machine, and fan events out to WebSocket subscribers.
package broker

import (
	"encoding/json"
	"time"
)

// Kind distinguishes the two entity families the broker manages.
type Kind string

const (
	KindTask     Kind = "task"
	KindWorkflow Kind = "workflow"
)

// Valid reports whether k names a known entity kind.
func (k Kind) Valid() bool {
	return k == KindTask || k == KindWorkflow
}

// Status is the shared lifecycle alphabet for tasks, workflows, and phases.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled
}

// TimeLayout is the fixed-width RFC 3339 layout used for every persisted
// timestamp. Fixed width keeps lexicographic and chronological order
// identical, which the monotonic updatedAt guard relies on.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamp returns the current UTC time in TimeLayout.
func Timestamp() string {
	return time.Now().UTC().Format(TimeLayout)
}

// Task is the metadata snapshot of a single task.
type Task struct {
	TaskID      string          `json:"taskId"`
	Status      Status          `json:"status"`
	Progress    *int            `json:"progress,omitempty"`
	CreatedAt   string          `json:"createdAt"`
	UpdatedAt   string          `json:"updatedAt"`
	CompletedAt *string         `json:"completedAt,omitempty"`
	FailedAt    *string         `json:"failedAt,omitempty"`
	CanceledAt  *string         `json:"canceledAt,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Workflow is the metadata snapshot of a single workflow.
type Workflow struct {
	WorkflowID          string          `json:"workflowId"`
	Status              Status          `json:"status"`
	OverallProgress     int             `json:"overallProgress"`
	ExpectedPhaseCount  int             `json:"expectedPhaseCount"`
	CompletedPhaseCount int             `json:"completedPhaseCount"`
	ActivePhaseKey      *string         `json:"activePhaseKey,omitempty"`
	CreatedAt           string          `json:"createdAt"`
	UpdatedAt           string          `json:"updatedAt"`
	CompletedAt         *string         `json:"completedAt,omitempty"`
	FailedAt            *string         `json:"failedAt,omitempty"`
	CanceledAt          *string         `json:"canceledAt,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
}

// Phase is one weighted sub-step of a workflow. Order is the insertion index
// and defines the active-phase scan order.
type Phase struct {
	PhaseKey    string  `json:"phaseKey"`
	Label       string  `json:"label"`
	Weight      float64 `json:"weight"`
	Status      Status  `json:"status"`
	Progress    int     `json:"progress"`
	StartedAt   *string `json:"startedAt,omitempty"`
	UpdatedAt   *string `json:"updatedAt,omitempty"`
	CompletedAt *string `json:"completedAt,omitempty"`
	Order       int     `json:"order"`
}

// Task history event types.
const (
	EventTypeLog      = "log"
	EventTypeProgress = "progress"
	EventTypeError    = "error"
	EventTypeSuccess  = "success"
	EventTypeCancel   = "cancel"
)

// Workflow history event types (log, error, success, cancel shared above).
const (
	EventTypePhaseProgress    = "phase-progress"
	EventTypeWorkflowProgress = "workflow-progress"
)

// ValidTaskEventType reports whether t is accepted on the task appendEvent
// operation.
func ValidTaskEventType(t string) bool {
	switch t {
	case EventTypeLog, EventTypeProgress, EventTypeError, EventTypeSuccess, EventTypeCancel:
		return true
	}
	return false
}

// TaskHistoryEntry is one append-only history row of a task.
type TaskHistoryEntry struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"taskId"`
	EventType string          `json:"eventType"`
	Message   string          `json:"message"`
	Progress  *int            `json:"progress,omitempty"`
	Timestamp string          `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// WorkflowHistoryEntry is one append-only history row of a workflow.
type WorkflowHistoryEntry struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflowId"`
	EventType  string          `json:"eventType"`
	Message    string          `json:"message"`
	PhaseKey   *string         `json:"phaseKey,omitempty"`
	Progress   *int            `json:"progress,omitempty"`
	Timestamp  string          `json:"timestamp"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// PhaseSpec describes one phase on workflow creation.
type PhaseSpec struct {
	Key    string   `json:"key"`
	Label  string   `json:"label"`
	Weight *float64 `json:"weight,omitempty"`
}

// ValidateID checks the opaque entity ID constraints: 1..128 chars of
// printable ASCII.
func ValidateID(id string) error {
	if len(id) == 0 || len(id) > 128 {
		return ErrInvalidInput("id must be 1..128 characters")
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return ErrInvalidInput("id must be printable ASCII")
		}
	}
	return nil
}

// ClampProgress bounds a progress value to [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// OverallProgress computes the weighted phase average rounded to an integer.
// With zero total weight or no phases the result is 0 unless every phase is
// terminal-success, in which case it is 100.
func OverallProgress(phases []Phase) int {
	if len(phases) == 0 {
		return 0
	}
	var totalWeight, weighted float64
	allSuccess := true
	for _, p := range phases {
		totalWeight += p.Weight
		weighted += float64(p.Progress) * p.Weight
		if p.Status != StatusSuccess {
			allSuccess = false
		}
	}
	if totalWeight == 0 {
		if allSuccess {
			return 100
		}
		return 0
	}
	return ClampProgress(int(weighted/totalWeight + 0.5))
}

// CompletedPhaseCount counts phases in terminal success.
func CompletedPhaseCount(phases []Phase) int {
	n := 0
	for _, p := range phases {
		if p.Status == StatusSuccess {
			n++
		}
	}
	return n
}

// ActivePhaseKey returns the lowest-order non-terminal phase key, or nil when
// every phase is terminal.
func ActivePhaseKey(phases []Phase) *string {
	for i := range phases {
		if !phases[i].Status.Terminal() {
			key := phases[i].PhaseKey
			return &key
		}
	}
	return nil
}
