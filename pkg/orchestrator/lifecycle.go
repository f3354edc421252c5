package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/eventbus"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/logger"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
)

// lifecycleEntry is the per-model record the controller owns. The state
// mutex serializes transitions for one id; unrelated ids never contend.
type lifecycleEntry struct {
	mu        sync.Mutex
	state     model.LifecycleState
	runID     string
	enteredAt time.Time
	cancel    context.CancelFunc
}

// LifecycleController is the sole writer of lifecycle state. Everything
// else reads state through it and reports outcomes via return values.
type LifecycleController struct {
	mu      sync.Mutex
	entries map[string]*lifecycleEntry
	bus     eventbus.EventBus
	log     *slog.Logger
}

func NewLifecycleController(bus eventbus.EventBus) *LifecycleController {
	return &LifecycleController{
		entries: make(map[string]*lifecycleEntry),
		bus:     bus,
		log:     logger.Default().With("component", "lifecycle"),
	}
}

func (c *LifecycleController) entry(modelID string) *lifecycleEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[modelID]
	if !ok {
		e = &lifecycleEntry{state: model.StateUninitialized}
		c.entries[modelID] = e
	}
	return e
}

// State returns the current lifecycle state for modelID. Unknown ids are
// Uninitialized.
func (c *LifecycleController) State(modelID string) model.LifecycleState {
	e := c.entry(modelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// States returns a snapshot of every tracked model's state.
func (c *LifecycleController) States() map[string]model.LifecycleState {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	out := make(map[string]model.LifecycleState, len(ids))
	for _, id := range ids {
		out[id] = c.State(id)
	}
	return out
}

// TransitionTo moves modelID to the given state. A pair not in the
// transition table fails with InvalidTransition and leaves the state
// untouched. Stage-exit and stage-enter events are published best-effort.
func (c *LifecycleController) TransitionTo(modelID string, to model.LifecycleState) error {
	e := c.entry(modelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state
	if !model.CanTransition(from, to) {
		return &model.InvalidTransitionError{From: from, To: to}
	}

	now := time.Now()
	var dwell time.Duration
	if !e.enteredAt.IsZero() {
		dwell = now.Sub(e.enteredAt)
	}
	e.state = to
	e.enteredAt = now

	c.log.Debug("state transition",
		"model_id", modelID, "from", from, "to", to, "run_id", e.runID)
	if c.bus != nil {
		c.bus.TryPublish(model.NewStageExitedEvent(e.runID, modelID, from, dwell))
		c.bus.TryPublish(model.NewStageEnteredEvent(e.runID, modelID, to))
	}
	return nil
}

// BeginRun associates a run id and cancel func with modelID. Fails when a
// run is already active for the id.
func (c *LifecycleController) BeginRun(modelID, runID string, cancel context.CancelFunc) bool {
	e := c.entry(modelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return false
	}
	e.runID = runID
	e.cancel = cancel
	return true
}

// EndRun clears the active run marker for modelID.
func (c *LifecycleController) EndRun(modelID string) {
	e := c.entry(modelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = nil
}

// CancelRun cancels the active run for modelID, if any.
func (c *LifecycleController) CancelRun(modelID string) bool {
	e := c.entry(modelID)
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// RunID returns the active run id for modelID, empty when idle.
func (c *LifecycleController) RunID(modelID string) string {
	e := c.entry(modelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// Rewind drives modelID to Uninitialized through whatever error/cleanup
// edges apply from its current state. Used after failures, cancellation
// and eviction.
func (c *LifecycleController) Rewind(modelID string) {
	for {
		state := c.State(modelID)
		switch state {
		case model.StateUninitialized:
			return
		case model.StateError:
			c.TransitionTo(modelID, model.StateCleanup)
		case model.StateCleanup:
			c.TransitionTo(modelID, model.StateUninitialized)
		default:
			if err := c.TransitionTo(modelID, model.StateCleanup); err != nil {
				// Executing has no direct cleanup edge; drain through
				// Error instead.
				c.TransitionTo(modelID, model.StateError)
			}
		}
	}
}
