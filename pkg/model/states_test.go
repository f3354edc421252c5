package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinearChainTransitions(t *testing.T) {
	chain := []LifecycleState{
		StateUninitialized, StateDiscovered,
		StateDownloading, StateDownloaded,
		StateExtracting, StateExtracted,
		StateValidating, StateValidated,
		StateInitializing, StateInitialized,
		StateLoading, StateLoaded,
		StateReady,
	}
	for i := 0; i < len(chain)-1; i++ {
		assert.True(t, CanTransition(chain[i], chain[i+1]),
			"%s -> %s should be allowed", chain[i], chain[i+1])
	}
	// Skipping a stage is not allowed.
	for i := 0; i < len(chain)-2; i++ {
		assert.False(t, CanTransition(chain[i], chain[i+2]),
			"%s -> %s should be rejected", chain[i], chain[i+2])
	}
}

func TestExecutingSideState(t *testing.T) {
	assert.True(t, CanTransition(StateReady, StateExecuting))
	assert.True(t, CanTransition(StateExecuting, StateReady))
	assert.False(t, CanTransition(StateExecuting, StateCleanup))
	assert.False(t, CanTransition(StateLoaded, StateExecuting))
}

func TestErrorAndCleanupEdges(t *testing.T) {
	for _, s := range AllStates() {
		switch s {
		case StateError:
			assert.True(t, CanTransition(s, StateCleanup))
			assert.False(t, CanTransition(s, StateError))
			assert.False(t, CanTransition(s, StateUninitialized))
		case StateCleanup:
			assert.True(t, CanTransition(s, StateUninitialized))
			assert.False(t, CanTransition(s, StateError))
		default:
			assert.True(t, CanTransition(s, StateError), "%s -> error", s)
		}
	}
}

func TestNoBackwardsEdges(t *testing.T) {
	assert.False(t, CanTransition(StateReady, StateLoading))
	assert.False(t, CanTransition(StateValidated, StateDiscovered))
	assert.False(t, CanTransition(StateDownloaded, StateDownloading))
}

func TestSuccessorsIsACopy(t *testing.T) {
	succ := Successors(StateLoaded)
	succ[0] = StateUninitialized
	assert.True(t, CanTransition(StateLoaded, StateReady))
}

func TestKnown(t *testing.T) {
	assert.True(t, StateReady.Known())
	assert.False(t, LifecycleState("bogus").Known())
}
