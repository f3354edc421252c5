package orchestrator

import (
	"context"
	"testing"

	"github.com/jguan/ai-model-orchestrator/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func driveTo(t *testing.T, c *LifecycleController, id string, states ...model.LifecycleState) {
	t.Helper()
	for _, s := range states {
		require.NoError(t, c.TransitionTo(id, s))
	}
}

var pathToReady = []model.LifecycleState{
	model.StateDiscovered, model.StateDownloading, model.StateDownloaded,
	model.StateExtracting, model.StateExtracted,
	model.StateValidating, model.StateValidated,
	model.StateInitializing, model.StateInitialized,
	model.StateLoading, model.StateLoaded, model.StateReady,
}

func TestUnknownModelIsUninitialized(t *testing.T) {
	c := NewLifecycleController(nil)
	assert.Equal(t, model.StateUninitialized, c.State("never-seen"))
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	c := NewLifecycleController(nil)
	driveTo(t, c, "m1", model.StateDiscovered)

	err := c.TransitionTo("m1", model.StateLoading)
	var it *model.InvalidTransitionError
	require.ErrorAs(t, err, &it)
	assert.Equal(t, model.StateDiscovered, it.From)
	assert.Equal(t, model.StateLoading, it.To)
	assert.Equal(t, model.StateDiscovered, c.State("m1"))
}

func TestFullPathToReady(t *testing.T) {
	c := NewLifecycleController(nil)
	driveTo(t, c, "m1", pathToReady...)
	assert.Equal(t, model.StateReady, c.State("m1"))
}

func TestIndependentModelsDoNotInterfere(t *testing.T) {
	c := NewLifecycleController(nil)
	driveTo(t, c, "m1", model.StateDiscovered, model.StateDownloading)
	driveTo(t, c, "m2", model.StateDiscovered)

	assert.Equal(t, model.StateDownloading, c.State("m1"))
	assert.Equal(t, model.StateDiscovered, c.State("m2"))
}

func TestRewindFromMidLifecycle(t *testing.T) {
	c := NewLifecycleController(nil)
	driveTo(t, c, "m1", model.StateDiscovered, model.StateDownloading)

	c.Rewind("m1")
	assert.Equal(t, model.StateUninitialized, c.State("m1"))
}

func TestRewindFromError(t *testing.T) {
	c := NewLifecycleController(nil)
	driveTo(t, c, "m1", model.StateDiscovered)
	require.NoError(t, c.TransitionTo("m1", model.StateError))

	c.Rewind("m1")
	assert.Equal(t, model.StateUninitialized, c.State("m1"))
}

func TestRewindFromExecutingDrainsThroughError(t *testing.T) {
	c := NewLifecycleController(nil)
	driveTo(t, c, "m1", pathToReady...)
	require.NoError(t, c.TransitionTo("m1", model.StateExecuting))

	c.Rewind("m1")
	assert.Equal(t, model.StateUninitialized, c.State("m1"))
}

func TestRunBookkeeping(t *testing.T) {
	c := NewLifecycleController(nil)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.True(t, c.BeginRun("m1", "run-1", cancel))
	assert.False(t, c.BeginRun("m1", "run-2", cancel), "second run for same id rejected")
	assert.Equal(t, "run-1", c.RunID("m1"))

	c.EndRun("m1")
	assert.True(t, c.BeginRun("m1", "run-3", cancel))
	c.EndRun("m1")
}

func TestCancelRun(t *testing.T) {
	c := NewLifecycleController(nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, c.BeginRun("m1", "run-1", cancel))

	assert.False(t, c.CancelRun("unknown"))
	assert.True(t, c.CancelRun("m1"))
	assert.Error(t, ctx.Err())
}
