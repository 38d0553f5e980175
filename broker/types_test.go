package broker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectralhq/spectralnotify/broker"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, broker.StatusPending.Terminal())
	assert.False(t, broker.StatusInProgress.Terminal())
	assert.True(t, broker.StatusSuccess.Terminal())
	assert.True(t, broker.StatusFailed.Terminal())
	assert.True(t, broker.StatusCanceled.Terminal())
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, broker.ValidateID("TASK-1"))
	assert.NoError(t, broker.ValidateID("build 42 (retry)"))

	assert.Error(t, broker.ValidateID(""))
	assert.Error(t, broker.ValidateID(string(make([]byte, 129))))
	assert.Error(t, broker.ValidateID("task\n1"))
	assert.Error(t, broker.ValidateID("tâche"))
}

func TestClampProgress(t *testing.T) {
	assert.Equal(t, 0, broker.ClampProgress(-5))
	assert.Equal(t, 42, broker.ClampProgress(42))
	assert.Equal(t, 100, broker.ClampProgress(150))
}

func phase(key string, weight float64, status broker.Status, progress int) broker.Phase {
	return broker.Phase{PhaseKey: key, Weight: weight, Status: status, Progress: progress}
}

func TestOverallProgressWeighted(t *testing.T) {
	phases := []broker.Phase{
		phase("d", 0.4, broker.StatusSuccess, 100),
		phase("t", 0.5, broker.StatusInProgress, 50),
		phase("w", 0.1, broker.StatusPending, 0),
	}
	assert.Equal(t, 65, broker.OverallProgress(phases))
}

func TestOverallProgressEdgeCases(t *testing.T) {
	assert.Equal(t, 0, broker.OverallProgress(nil))

	zeroWeight := []broker.Phase{
		phase("a", 0, broker.StatusInProgress, 50),
		phase("b", 0, broker.StatusPending, 0),
	}
	assert.Equal(t, 0, broker.OverallProgress(zeroWeight))

	zeroWeightDone := []broker.Phase{
		phase("a", 0, broker.StatusSuccess, 100),
		phase("b", 0, broker.StatusSuccess, 100),
	}
	assert.Equal(t, 100, broker.OverallProgress(zeroWeightDone))
}

func TestDerivedPhaseFields(t *testing.T) {
	phases := []broker.Phase{
		phase("a", 1, broker.StatusSuccess, 100),
		phase("b", 1, broker.StatusInProgress, 10),
		phase("c", 1, broker.StatusPending, 0),
	}
	phases[0].Order = 0
	phases[1].Order = 1
	phases[2].Order = 2

	assert.Equal(t, 1, broker.CompletedPhaseCount(phases))

	active := broker.ActivePhaseKey(phases)
	require.NotNil(t, active)
	assert.Equal(t, "b", *active)

	allDone := []broker.Phase{phase("a", 1, broker.StatusSuccess, 100)}
	assert.Nil(t, broker.ActivePhaseKey(allDone))
}

func TestBuildPhases(t *testing.T) {
	weight := 2.5
	phases, err := broker.BuildPhases([]broker.PhaseSpec{
		{Key: "fetch", Label: "Fetching"},
		{Key: "store", Weight: &weight},
	})
	require.NoError(t, err)
	require.Len(t, phases, 2)

	assert.Equal(t, "Fetching", phases[0].Label)
	assert.Equal(t, 1.0, phases[0].Weight)
	assert.Equal(t, broker.StatusPending, phases[0].Status)
	assert.Equal(t, 0, phases[0].Order)

	// Label defaults to the key.
	assert.Equal(t, "store", phases[1].Label)
	assert.Equal(t, 2.5, phases[1].Weight)
	assert.Equal(t, 1, phases[1].Order)
}

func TestBuildPhasesRejectsBadSpecs(t *testing.T) {
	_, err := broker.BuildPhases([]broker.PhaseSpec{{Key: "a"}, {Key: "a"}})
	assert.Equal(t, broker.CodeDuplicatePhase, broker.CodeOf(err))

	negative := -1.0
	_, err = broker.BuildPhases([]broker.PhaseSpec{{Key: "a", Weight: &negative}})
	assert.Equal(t, broker.CodeInvalidInput, broker.CodeOf(err))

	_, err = broker.BuildPhases([]broker.PhaseSpec{{Label: "missing key"}})
	assert.Equal(t, broker.CodeInvalidInput, broker.CodeOf(err))
}
