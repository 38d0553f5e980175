package broker

import "encoding/json"

// Broadcast frame types shared by both entity kinds.
const (
	FrameEvent            = "event"
	FrameProgress         = "progress"
	FrameComplete         = "complete"
	FrameFail             = "fail"
	FrameCancel           = "cancel"
	FramePhaseProgress    = "phase-progress"
	FrameWorkflowProgress = "workflow-progress"
	FramePing             = "ping"
	FramePong             = "pong"
	FrameError            = "error"
)

// TaskEventBody carries the history event inside a task "event" frame.
type TaskEventBody struct {
	EventType string          `json:"eventType"`
	Message   string          `json:"message"`
	Progress  *int            `json:"progress,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// TaskFrame is the wire shape of every task broadcast.
type TaskFrame struct {
	Type      string         `json:"type"`
	Task      *Task          `json:"task"`
	Event     *TaskEventBody `json:"event,omitempty"`
	Progress  *int           `json:"progress,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// WorkflowFrame is the wire shape of every workflow broadcast.
type WorkflowFrame struct {
	Type            string    `json:"type"`
	WorkflowID      string    `json:"workflowId"`
	Phase           string    `json:"phase,omitempty"`
	Progress        *int      `json:"progress,omitempty"`
	OverallProgress *int      `json:"overallProgress,omitempty"`
	Workflow        *Workflow `json:"workflow"`
	Phases          []Phase   `json:"phases"`
	Error           string    `json:"error,omitempty"`
	Timestamp       string    `json:"timestamp"`
}
