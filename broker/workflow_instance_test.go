package broker_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectralhq/spectralnotify/broker"
	"github.com/spectralhq/spectralnotify/store"
)

func (h *captureHub) workflowFrames(t *testing.T) []*broker.WorkflowFrame {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*broker.WorkflowFrame, 0, len(h.frames))
	for _, f := range h.frames {
		frame, ok := f.(*broker.WorkflowFrame)
		require.True(t, ok, "unexpected frame type %T", f)
		out = append(out, frame)
	}
	return out
}

func newWorkflowInstance(t *testing.T, id string, strict bool, specs []broker.PhaseSpec) (*broker.WorkflowInstance, *captureHub) {
	t.Helper()
	st, err := store.OpenWorkflowStore(filepath.Join(t.TempDir(), id+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := &captureHub{}
	wi, err := broker.CreateWorkflow(id, specs, nil, strict, st, hub, testLogger())
	require.NoError(t, err)
	return wi, hub
}

func weightedSpecs() []broker.PhaseSpec {
	w1, w2, w3 := 0.4, 0.5, 0.1
	return []broker.PhaseSpec{
		{Key: "d", Label: "download", Weight: &w1},
		{Key: "t", Label: "transform", Weight: &w2},
		{Key: "w", Label: "write", Weight: &w3},
	}
}

func TestWorkflowCreate(t *testing.T) {
	wi, _ := newWorkflowInstance(t, "WF-1", false, weightedSpecs())

	snap := wi.Snapshot()
	assert.Equal(t, broker.StatusPending, snap.Status)
	assert.Equal(t, 3, snap.ExpectedPhaseCount)
	assert.Equal(t, 0, snap.CompletedPhaseCount)
	assert.Equal(t, 0, snap.OverallProgress)
	require.NotNil(t, snap.ActivePhaseKey)
	assert.Equal(t, "d", *snap.ActivePhaseKey)

	phases := wi.Phases()
	require.Len(t, phases, 3)
	assert.Equal(t, []string{"d", "t", "w"}, []string{phases[0].PhaseKey, phases[1].PhaseKey, phases[2].PhaseKey})
}

func TestWorkflowWeightedOverallProgress(t *testing.T) {
	wi, _ := newWorkflowInstance(t, "WF-1", false, weightedSpecs())

	_, _, err := wi.UpdatePhaseProgress("d", 100, "", nil)
	require.NoError(t, err)
	_, _, err = wi.CompletePhase("d", nil)
	require.NoError(t, err)
	snap, phases, err := wi.UpdatePhaseProgress("t", 50, "", nil)
	require.NoError(t, err)

	// round(100*0.4 + 50*0.5 + 0*0.1) = 65
	assert.Equal(t, 65, snap.OverallProgress)
	assert.Equal(t, 1, snap.CompletedPhaseCount)
	require.NotNil(t, snap.ActivePhaseKey)
	assert.Equal(t, "t", *snap.ActivePhaseKey)
	assert.Equal(t, broker.StatusInProgress, snap.Status)

	assert.Equal(t, broker.StatusSuccess, phases[0].Status)
	assert.Equal(t, broker.StatusInProgress, phases[1].Status)
	assert.Equal(t, broker.StatusPending, phases[2].Status)
}

func TestWorkflowProgressHundredDoesNotComplete(t *testing.T) {
	wi, _ := newWorkflowInstance(t, "WF-100", false, weightedSpecs())

	_, phases, err := wi.UpdatePhaseProgress("d", 100, "", nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusInProgress, phases[0].Status)
	assert.Equal(t, 100, phases[0].Progress)
	assert.Nil(t, phases[0].CompletedAt)

	_, phases, err = wi.CompletePhase("d", nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusSuccess, phases[0].Status)
	require.NotNil(t, phases[0].CompletedAt)

	// Both mutations leave their own history row.
	entries, err := wi.History(50)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWorkflowPhaseErrors(t *testing.T) {
	wi, _ := newWorkflowInstance(t, "WF-ERR", false, weightedSpecs())

	_, _, err := wi.UpdatePhaseProgress("nope", 10, "", nil)
	assert.Equal(t, broker.CodeNotFound, broker.CodeOf(err))

	_, _, err = wi.CompletePhase("d", nil)
	require.NoError(t, err)
	_, _, err = wi.CompletePhase("d", nil)
	assert.Equal(t, broker.CodeTerminalState, broker.CodeOf(err))
	_, _, err = wi.UpdatePhaseProgress("d", 10, "", nil)
	assert.Equal(t, broker.CodeTerminalState, broker.CodeOf(err))
}

func TestWorkflowCompleteAutoCompletesPhases(t *testing.T) {
	wi, hub := newWorkflowInstance(t, "WF-AUTO", false, weightedSpecs())

	_, _, err := wi.UpdatePhaseProgress("d", 30, "", nil)
	require.NoError(t, err)

	snap, phases, err := wi.Complete(nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusSuccess, snap.Status)
	require.NotNil(t, snap.CompletedAt)
	assert.Equal(t, 100, snap.OverallProgress)
	assert.Equal(t, 3, snap.CompletedPhaseCount)
	assert.Nil(t, snap.ActivePhaseKey)
	for _, p := range phases {
		assert.Equal(t, broker.StatusSuccess, p.Status)
		assert.Equal(t, 100, p.Progress)
	}

	frames := hub.workflowFrames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, broker.FrameComplete, frames[1].Type)
}

func TestWorkflowCompleteWithoutPhases(t *testing.T) {
	wi, hub := newWorkflowInstance(t, "WF-EMPTY", false, nil)

	snap, phases, err := wi.Complete(nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusSuccess, snap.Status)
	assert.Equal(t, 100, snap.OverallProgress)
	assert.Equal(t, 0, snap.CompletedPhaseCount)
	assert.Empty(t, phases)

	frames := hub.workflowFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, broker.FrameComplete, frames[0].Type)
	require.NotNil(t, frames[0].Workflow)
	assert.Equal(t, 100, frames[0].Workflow.OverallProgress)
}

func TestWorkflowCompleteZeroWeightPhases(t *testing.T) {
	zero := 0.0
	wi, _ := newWorkflowInstance(t, "WF-ZERO", false, []broker.PhaseSpec{
		{Key: "a", Weight: &zero},
		{Key: "b", Weight: &zero},
	})

	snap, _, err := wi.Complete(nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusSuccess, snap.Status)
	assert.Equal(t, 100, snap.OverallProgress)
	assert.Equal(t, 2, snap.CompletedPhaseCount)
}

func TestWorkflowStrictCompleteRejectsOpenPhases(t *testing.T) {
	wi, _ := newWorkflowInstance(t, "WF-STRICT", true, weightedSpecs())

	_, _, err := wi.Complete(nil)
	assert.Equal(t, broker.CodeInvalidInput, broker.CodeOf(err))
	assert.Equal(t, broker.StatusPending, wi.Snapshot().Status)

	for _, key := range []string{"d", "t", "w"} {
		_, _, err := wi.CompletePhase(key, nil)
		require.NoError(t, err)
	}
	snap, _, err := wi.Complete(nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusSuccess, snap.Status)
}

func TestWorkflowAllPhasesDoneStaysInProgress(t *testing.T) {
	wi, _ := newWorkflowInstance(t, "WF-WAIT", false, weightedSpecs())

	for _, key := range []string{"d", "t", "w"} {
		_, _, err := wi.CompletePhase(key, nil)
		require.NoError(t, err)
	}
	snap := wi.Snapshot()
	assert.Equal(t, broker.StatusInProgress, snap.Status)
	assert.Equal(t, 100, snap.OverallProgress)
	assert.Nil(t, snap.ActivePhaseKey)
}

func TestWorkflowFailAndCancel(t *testing.T) {
	wi, hub := newWorkflowInstance(t, "WF-FAIL", false, weightedSpecs())
	snap, _, err := wi.Fail("upstream timeout", nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFailed, snap.Status)
	require.NotNil(t, snap.FailedAt)

	frames := hub.workflowFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, broker.FrameFail, frames[0].Type)
	assert.Equal(t, "upstream timeout", frames[0].Error)

	wi2, _ := newWorkflowInstance(t, "WF-CANCEL", false, nil)
	snap, _, err = wi2.Cancel(nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCanceled, snap.Status)
	require.NotNil(t, snap.CanceledAt)

	_, _, err = wi2.Complete(nil)
	assert.Equal(t, broker.CodeTerminalState, broker.CodeOf(err))
}

func TestWorkflowBroadcastFrames(t *testing.T) {
	wi, hub := newWorkflowInstance(t, "WF-FRAMES", false, weightedSpecs())

	_, _, err := wi.UpdatePhaseProgress("d", 25, "", nil)
	require.NoError(t, err)
	_, _, err = wi.CompletePhase("d", nil)
	require.NoError(t, err)

	frames := hub.workflowFrames(t)
	require.Len(t, frames, 2)

	assert.Equal(t, broker.FramePhaseProgress, frames[0].Type)
	assert.Equal(t, "d", frames[0].Phase)
	require.NotNil(t, frames[0].Progress)
	assert.Equal(t, 25, *frames[0].Progress)
	require.NotNil(t, frames[0].OverallProgress)
	require.Len(t, frames[0].Phases, 3)

	assert.Equal(t, broker.FrameWorkflowProgress, frames[1].Type)
	require.NotNil(t, frames[1].OverallProgress)
	assert.Equal(t, 40, *frames[1].OverallProgress)
}

func TestWorkflowReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.db")

	st, err := store.OpenWorkflowStore(path)
	require.NoError(t, err)
	wi, err := broker.CreateWorkflow("WF-REOPEN", weightedSpecs(), nil, false, st, &captureHub{}, testLogger())
	require.NoError(t, err)
	_, _, err = wi.CompletePhase("d", nil)
	require.NoError(t, err)
	require.NoError(t, wi.Close())

	st, err = store.OpenWorkflowStore(path)
	require.NoError(t, err)
	wi, err = broker.OpenWorkflow("WF-REOPEN", false, st, &captureHub{}, testLogger())
	require.NoError(t, err)
	defer wi.Close()

	snap := wi.Snapshot()
	assert.Equal(t, 1, snap.CompletedPhaseCount)
	assert.Equal(t, 40, snap.OverallProgress)
	phases := wi.Phases()
	require.Len(t, phases, 3)
	assert.Equal(t, broker.StatusSuccess, phases[0].Status)
}
