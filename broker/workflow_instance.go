package broker

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WorkflowInstance is the single writer for one workflow and its phase
// sub-machine. Derived fields (overallProgress, completedPhaseCount,
// activePhaseKey) are recomputed on every phase mutation before the commit.
type WorkflowInstance struct {
	id             string
	logger         *logrus.Entry
	strictComplete bool

	mu     sync.Mutex
	store  WorkflowStorage
	hub    Hub
	wf     *Workflow
	phases []Phase
}

// BuildPhases validates the creation specs and returns the initial phase
// rows. Weight defaults to 1.0; duplicate keys and negative weights are
// rejected without touching storage.
func BuildPhases(specs []PhaseSpec) ([]Phase, error) {
	phases := make([]Phase, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		if spec.Key == "" {
			return nil, ErrInvalidInput("phase %d: key is required", i)
		}
		if seen[spec.Key] {
			return nil, NewError(CodeDuplicatePhase, "duplicate phase key %q", spec.Key)
		}
		seen[spec.Key] = true
		weight := 1.0
		if spec.Weight != nil {
			if *spec.Weight < 0 {
				return nil, ErrInvalidInput("phase %q: weight must be >= 0", spec.Key)
			}
			weight = *spec.Weight
		}
		label := spec.Label
		if label == "" {
			label = spec.Key
		}
		phases = append(phases, Phase{
			PhaseKey: spec.Key,
			Label:    label,
			Weight:   weight,
			Status:   StatusPending,
			Order:    i,
		})
	}
	return phases, nil
}

// CreateWorkflow persists a fresh pending workflow with its ordered phases
// and returns its instance.
func CreateWorkflow(id string, specs []PhaseSpec, metadata json.RawMessage, strictComplete bool, st WorkflowStorage, hub Hub, logger *logrus.Entry) (*WorkflowInstance, error) {
	phases, err := BuildPhases(specs)
	if err != nil {
		return nil, err
	}

	now := Timestamp()
	w := &Workflow{
		WorkflowID:         id,
		Status:             StatusPending,
		ExpectedPhaseCount: len(phases),
		ActivePhaseKey:     ActivePhaseKey(phases),
		CreatedAt:          now,
		UpdatedAt:          now,
		Metadata:           metadata,
	}
	if err := st.Create(w, phases); err != nil {
		return nil, ErrInternal(err)
	}
	return &WorkflowInstance{
		id:             id,
		logger:         logger.WithFields(logrus.Fields{"kind": KindWorkflow, "id": id}),
		strictComplete: strictComplete,
		store:          st,
		hub:            hub,
		wf:             w,
		phases:         phases,
	}, nil
}

// OpenWorkflow loads an existing workflow from storage.
func OpenWorkflow(id string, strictComplete bool, st WorkflowStorage, hub Hub, logger *logrus.Entry) (*WorkflowInstance, error) {
	w, err := st.Get()
	if err != nil {
		return nil, err
	}
	phases, err := st.Phases()
	if err != nil {
		return nil, ErrInternal(err)
	}
	return &WorkflowInstance{
		id:             id,
		logger:         logger.WithFields(logrus.Fields{"kind": KindWorkflow, "id": id}),
		strictComplete: strictComplete,
		store:          st,
		hub:            hub,
		wf:             w,
		phases:         phases,
	}, nil
}

// ID returns the workflow identifier.
func (wi *WorkflowInstance) ID() string { return wi.id }

// Snapshot returns a copy of the committed metadata.
func (wi *WorkflowInstance) Snapshot() *Workflow {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	w := *wi.wf
	return &w
}

// Phases returns a copy of the ordered phase rows.
func (wi *WorkflowInstance) Phases() []Phase {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	return wi.phasesLocked()
}

// History returns up to limit history rows, newest first.
func (wi *WorkflowInstance) History(limit int) ([]WorkflowHistoryEntry, error) {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	entries, err := wi.store.History(limit)
	if err != nil {
		return nil, ErrInternal(err)
	}
	return entries, nil
}

// Attach hands a socket to the fan-out hub.
func (wi *WorkflowInstance) Attach(conn *websocket.Conn) string {
	return wi.hub.Attach(conn)
}

// Subscribers returns the live subscriber count.
func (wi *WorkflowInstance) Subscribers() int {
	return wi.hub.Count()
}

// UpdatePhaseProgress sets a phase's progress. A pending phase starts; the
// workflow moves to in-progress on the first phase activity. Setting 100 does
// not complete the phase; only CompletePhase does.
func (wi *WorkflowInstance) UpdatePhaseProgress(phaseKey string, progress int, message string, metadata json.RawMessage) (*Workflow, []Phase, error) {
	wi.mu.Lock()
	defer wi.mu.Unlock()

	if err := wi.checkWritable(); err != nil {
		return nil, nil, err
	}
	idx, err := wi.findPhase(phaseKey)
	if err != nil {
		return nil, nil, err
	}
	if wi.phases[idx].Status.Terminal() {
		return nil, nil, ErrTerminalState("phase %q is %s", phaseKey, wi.phases[idx].Status).
			WithData("phase", phaseKey).
			WithData("status", string(wi.phases[idx].Status))
	}

	now := monotonicNow(wi.wf.UpdatedAt)
	p := ClampProgress(progress)

	phases := wi.phasesLocked()
	phase := &phases[idx]
	if phase.Status == StatusPending {
		phase.Status = StatusInProgress
		phase.StartedAt = &now
	}
	phase.Progress = p
	phase.UpdatedAt = &now

	next := wi.derive(phases, now)
	if next.Status == StatusPending {
		next.Status = StatusInProgress
	}

	if message == "" {
		message = fmt.Sprintf("phase %s at %d%%", phaseKey, p)
	}
	h := &WorkflowHistoryEntry{
		WorkflowID: wi.id,
		EventType:  EventTypePhaseProgress,
		Message:    message,
		PhaseKey:   &phaseKey,
		Progress:   &p,
		Timestamp:  now,
		Metadata:   metadata,
	}
	if err := wi.apply(next, phases, []Phase{*phase}, h); err != nil {
		return nil, nil, err
	}

	overall := next.OverallProgress
	wi.hub.Broadcast(&WorkflowFrame{
		Type:            FramePhaseProgress,
		WorkflowID:      wi.id,
		Phase:           phaseKey,
		Progress:        &p,
		OverallProgress: &overall,
		Workflow:        wi.snapshotLocked(),
		Phases:          wi.phasesLocked(),
		Timestamp:       now,
	})
	return wi.snapshotLocked(), wi.phasesLocked(), nil
}

// CompletePhase transitions a phase to success with progress 100.
func (wi *WorkflowInstance) CompletePhase(phaseKey string, metadata json.RawMessage) (*Workflow, []Phase, error) {
	wi.mu.Lock()
	defer wi.mu.Unlock()

	if err := wi.checkWritable(); err != nil {
		return nil, nil, err
	}
	idx, err := wi.findPhase(phaseKey)
	if err != nil {
		return nil, nil, err
	}
	if wi.phases[idx].Status.Terminal() {
		return nil, nil, ErrTerminalState("phase %q is %s", phaseKey, wi.phases[idx].Status).
			WithData("phase", phaseKey).
			WithData("status", string(wi.phases[idx].Status))
	}

	now := monotonicNow(wi.wf.UpdatedAt)
	phases := wi.phasesLocked()
	completePhaseRow(&phases[idx], now)

	next := wi.derive(phases, now)
	if next.Status == StatusPending {
		next.Status = StatusInProgress
	}

	hundred := 100
	h := &WorkflowHistoryEntry{
		WorkflowID: wi.id,
		EventType:  EventTypeWorkflowProgress,
		Message:    fmt.Sprintf("phase %s completed", phaseKey),
		PhaseKey:   &phaseKey,
		Progress:   &hundred,
		Timestamp:  now,
		Metadata:   metadata,
	}
	if err := wi.apply(next, phases, []Phase{phases[idx]}, h); err != nil {
		return nil, nil, err
	}

	overall := next.OverallProgress
	wi.hub.Broadcast(&WorkflowFrame{
		Type:            FrameWorkflowProgress,
		WorkflowID:      wi.id,
		OverallProgress: &overall,
		Workflow:        wi.snapshotLocked(),
		Phases:          wi.phasesLocked(),
		Timestamp:       now,
	})
	return wi.snapshotLocked(), wi.phasesLocked(), nil
}

// Complete seals the workflow as success. Non-terminal phases are
// auto-completed first; in strict mode the call is rejected instead while any
// phase remains non-terminal.
func (wi *WorkflowInstance) Complete(metadata json.RawMessage) (*Workflow, []Phase, error) {
	wi.mu.Lock()
	defer wi.mu.Unlock()

	if err := wi.checkWritable(); err != nil {
		return nil, nil, err
	}

	now := monotonicNow(wi.wf.UpdatedAt)
	phases := wi.phasesLocked()
	changed := []Phase{}
	open := []string{}
	for i := range phases {
		if !phases[i].Status.Terminal() {
			open = append(open, phases[i].PhaseKey)
			completePhaseRow(&phases[i], now)
			changed = append(changed, phases[i])
		}
	}
	if wi.strictComplete && len(open) > 0 {
		return nil, nil, ErrInvalidInput("workflow has non-terminal phases").
			WithData("phases", open)
	}

	next := wi.derive(phases, now)
	next.Status = StatusSuccess
	next.CompletedAt = &now
	// Every phase is success at this point, so the weighted average is 100
	// even when there are no phases or the total weight is zero.
	next.OverallProgress = 100

	message := "workflow completed"
	if len(open) > 0 {
		message = fmt.Sprintf("workflow completed, auto-completed %d phase(s)", len(open))
	}
	h := &WorkflowHistoryEntry{
		WorkflowID: wi.id,
		EventType:  EventTypeSuccess,
		Message:    message,
		Timestamp:  now,
		Metadata:   metadata,
	}
	if err := wi.apply(next, phases, changed, h); err != nil {
		return nil, nil, err
	}

	wi.hub.Broadcast(&WorkflowFrame{
		Type:       FrameComplete,
		WorkflowID: wi.id,
		Workflow:   wi.snapshotLocked(),
		Phases:     wi.phasesLocked(),
		Timestamp:  now,
	})
	wi.logger.Info("workflow sealed as success")
	return wi.snapshotLocked(), wi.phasesLocked(), nil
}

// Fail seals the workflow as failed; message carries the error description.
func (wi *WorkflowInstance) Fail(message string, metadata json.RawMessage) (*Workflow, []Phase, error) {
	return wi.sealAborted(StatusFailed, FrameFail, EventTypeError, message, "workflow failed", metadata)
}

// Cancel seals the workflow as canceled.
func (wi *WorkflowInstance) Cancel(metadata json.RawMessage) (*Workflow, []Phase, error) {
	return wi.sealAborted(StatusCanceled, FrameCancel, EventTypeCancel, "", "workflow canceled", metadata)
}

func (wi *WorkflowInstance) sealAborted(status Status, frameType, eventType, message, fallback string, metadata json.RawMessage) (*Workflow, []Phase, error) {
	wi.mu.Lock()
	defer wi.mu.Unlock()

	if err := wi.checkWritable(); err != nil {
		return nil, nil, err
	}
	if message == "" {
		message = fallback
	}

	now := monotonicNow(wi.wf.UpdatedAt)
	next := wi.derive(wi.phases, now)
	next.Status = status
	if status == StatusFailed {
		next.FailedAt = &now
	} else {
		next.CanceledAt = &now
	}

	h := &WorkflowHistoryEntry{
		WorkflowID: wi.id,
		EventType:  eventType,
		Message:    message,
		Timestamp:  now,
		Metadata:   metadata,
	}
	if err := wi.apply(next, wi.phases, nil, h); err != nil {
		return nil, nil, err
	}

	frame := &WorkflowFrame{
		Type:       frameType,
		WorkflowID: wi.id,
		Workflow:   wi.snapshotLocked(),
		Phases:     wi.phasesLocked(),
		Timestamp:  now,
	}
	if status == StatusFailed {
		frame.Error = message
	}
	wi.hub.Broadcast(frame)
	wi.logger.WithField("status", status).Info("workflow sealed")
	return wi.snapshotLocked(), wi.phasesLocked(), nil
}

// Close releases the storage handle; used on shutdown.
func (wi *WorkflowInstance) Close() error {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	return wi.store.Close()
}

// Shutdown closes subscribers with a going-away frame and releases storage.
func (wi *WorkflowInstance) Shutdown() {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	wi.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
	if err := wi.store.Close(); err != nil {
		wi.logger.WithError(err).Warn("close workflow store")
	}
}

// Delete closes every subscriber and removes the backing storage.
func (wi *WorkflowInstance) Delete() error {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	wi.hub.CloseAll(websocket.CloseNormalClosure, "workflow deleted")
	if err := wi.store.Remove(); err != nil {
		return ErrInternal(err)
	}
	wi.logger.Info("workflow deleted")
	return nil
}

func (wi *WorkflowInstance) checkWritable() error {
	if wi.wf.Status.Terminal() {
		return ErrTerminalState("workflow %s is %s", wi.id, wi.wf.Status).
			WithData("status", string(wi.wf.Status))
	}
	return nil
}

func (wi *WorkflowInstance) findPhase(key string) (int, error) {
	for i := range wi.phases {
		if wi.phases[i].PhaseKey == key {
			return i, nil
		}
	}
	return 0, ErrNotFound("unknown phase %q", key).WithData("phase", key)
}

// derive builds the next metadata snapshot from the given phase set,
// recomputing all derived fields.
func (wi *WorkflowInstance) derive(phases []Phase, now string) *Workflow {
	next := *wi.wf
	next.UpdatedAt = now
	next.OverallProgress = OverallProgress(phases)
	next.CompletedPhaseCount = CompletedPhaseCount(phases)
	next.ActivePhaseKey = ActivePhaseKey(phases)
	return &next
}

// apply commits metadata, changed phase rows, and one history row; the
// in-memory state only advances when the storage write succeeds.
func (wi *WorkflowInstance) apply(next *Workflow, phases, changed []Phase, h *WorkflowHistoryEntry) error {
	if err := wi.store.Apply(next, changed, h); err != nil {
		return ErrInternal(err)
	}
	wi.wf = next
	wi.phases = phases
	return nil
}

func (wi *WorkflowInstance) snapshotLocked() *Workflow {
	w := *wi.wf
	return &w
}

func (wi *WorkflowInstance) phasesLocked() []Phase {
	out := make([]Phase, len(wi.phases))
	copy(out, wi.phases)
	return out
}

func completePhaseRow(p *Phase, now string) {
	p.Status = StatusSuccess
	p.Progress = 100
	p.UpdatedAt = &now
	p.CompletedAt = &now
}
