package model

// LifecycleState is one stage in a model's lifecycle run. Exactly one state
// is associated with a model id at any time; the lifecycle controller is
// the only writer.
type LifecycleState string

const (
	StateUninitialized LifecycleState = "uninitialized"
	StateDiscovered    LifecycleState = "discovered"
	StateDownloading   LifecycleState = "downloading"
	StateDownloaded    LifecycleState = "downloaded"
	StateExtracting    LifecycleState = "extracting"
	StateExtracted     LifecycleState = "extracted"
	StateValidating    LifecycleState = "validating"
	StateValidated     LifecycleState = "validated"
	StateInitializing  LifecycleState = "initializing"
	StateInitialized   LifecycleState = "initialized"
	StateLoading       LifecycleState = "loading"
	StateLoaded        LifecycleState = "loaded"
	StateReady         LifecycleState = "ready"
	StateExecuting     LifecycleState = "executing"
	StateError         LifecycleState = "error"
	StateCleanup       LifecycleState = "cleanup"
)

// transitions is the fixed successor table. Every state except Error and
// Cleanup may fail into Error or be cancelled into Cleanup; Error drains
// only through Cleanup, and Cleanup only back to Uninitialized.
var transitions = map[LifecycleState][]LifecycleState{
	StateUninitialized: {StateDiscovered, StateError, StateCleanup},
	StateDiscovered:    {StateDownloading, StateError, StateCleanup},
	StateDownloading:   {StateDownloaded, StateError, StateCleanup},
	StateDownloaded:    {StateExtracting, StateError, StateCleanup},
	StateExtracting:    {StateExtracted, StateError, StateCleanup},
	StateExtracted:     {StateValidating, StateError, StateCleanup},
	StateValidating:    {StateValidated, StateError, StateCleanup},
	StateValidated:     {StateInitializing, StateError, StateCleanup},
	StateInitializing:  {StateInitialized, StateError, StateCleanup},
	StateInitialized:   {StateLoading, StateError, StateCleanup},
	StateLoading:       {StateLoaded, StateError, StateCleanup},
	StateLoaded:        {StateReady, StateError, StateCleanup},
	StateReady:         {StateExecuting, StateError, StateCleanup},
	StateExecuting:     {StateReady, StateError},
	StateError:         {StateCleanup},
	StateCleanup:       {StateUninitialized},
}

// CanTransition reports whether to is in from's allowed successor set.
func CanTransition(from, to LifecycleState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Successors returns a copy of from's allowed successor set.
func Successors(from LifecycleState) []LifecycleState {
	return append([]LifecycleState(nil), transitions[from]...)
}

// Known reports whether s is a defined lifecycle state.
func (s LifecycleState) Known() bool {
	_, ok := transitions[s]
	return ok
}

// AllStates returns every defined lifecycle state, in lifecycle order.
func AllStates() []LifecycleState {
	return []LifecycleState{
		StateUninitialized, StateDiscovered,
		StateDownloading, StateDownloaded,
		StateExtracting, StateExtracted,
		StateValidating, StateValidated,
		StateInitializing, StateInitialized,
		StateLoading, StateLoaded,
		StateReady, StateExecuting,
		StateError, StateCleanup,
	}
}
