package runtime

import (
	"log/slog"
	"sync"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/hal"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/logger"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
)

// preferredKindBonus is added when the adapter's preferred compute unit is
// available and accelerated.
const preferredKindBonus = 2.0

// Registry holds one adapter per runtime identity and selects the best one
// for a model and hardware snapshot. Registration order is preserved to
// make tie-breaking deterministic.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	byID     map[string]Adapter
	// instances maps a model id to the adapter owning its live runtime
	// instance.
	instances map[string]Adapter
	log       *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]Adapter),
		instances: make(map[string]Adapter),
		log:       logger.Default().With("component", "runtime-registry"),
	}
}

// Register adds an adapter. Re-registering an id replaces the adapter but
// keeps its original position in the order.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[a.ID()]; exists {
		for i, existing := range r.adapters {
			if existing.ID() == a.ID() {
				r.adapters[i] = a
				break
			}
		}
	} else {
		r.adapters = append(r.adapters, a)
	}
	r.byID[a.ID()] = a
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// Adapters returns the registered adapters in registration order.
func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Adapter(nil), r.adapters...)
}

// Select picks the best adapter for desc given the snapshot. Candidates
// must handle the model's format and have their hardware requirements
// satisfiable; among survivors the highest score wins, ties going to the
// earlier registration. A non-empty preferred id pins selection to that
// adapter when it passes the filter. exclude removes adapters that already
// failed this run. No survivor means no compatible runtime.
func (r *Registry) Select(desc *model.Descriptor, snap hal.Snapshot, preferred string, exclude map[string]bool) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var survivors []Adapter
	for _, a := range r.adapters {
		if exclude[a.ID()] {
			continue
		}
		if !a.CanHandle(desc) {
			continue
		}
		if !satisfiable(a.Requirements(), snap) {
			continue
		}
		survivors = append(survivors, a)
	}
	if len(survivors) == 0 {
		return nil, model.ErrNoCompatibleRuntime.WithDetails("model_id", desc.ID)
	}

	if preferred != "" {
		for _, a := range survivors {
			if a.ID() == preferred {
				return a, nil
			}
		}
	}

	best := survivors[0]
	bestScore := score(best, desc, snap)
	for _, a := range survivors[1:] {
		if s := score(a, desc, snap); s > bestScore {
			best, bestScore = a, s
		}
	}

	r.log.Debug("adapter selected",
		"model_id", desc.ID, "adapter", best.ID(), "score", bestScore)
	return best, nil
}

// Bind records that adapter owns the live instance for modelID.
func (r *Registry) Bind(modelID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[modelID] = a
}

// Release drops the instance binding for modelID.
func (r *Registry) Release(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, modelID)
}

// Owner returns the adapter bound to modelID's live instance.
func (r *Registry) Owner(modelID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.instances[modelID]
	return a, ok
}

func satisfiable(req Requirements, snap hal.Snapshot) bool {
	if req.MinMemoryBytes > 0 && snap.AvailableMemory < req.MinMemoryBytes {
		return false
	}
	for _, kind := range req.ComputeKinds {
		if !snap.HasComputeKind(kind) {
			return false
		}
	}
	return true
}

// score combines a preferred-compute-unit bonus, a memory-efficiency term
// and a throughput proxy for the compute kind the adapter would run on.
func score(a Adapter, desc *model.Descriptor, snap hal.Snapshot) float64 {
	s := 0.0
	kind := a.PreferredComputeKind()
	if snap.HasAcceleratedKind(kind) {
		s += preferredKindBonus
	}
	s += memoryEfficiency(a.EstimatedFootprint(desc), snap.AvailableMemory)
	s += performanceEstimate(kind, snap)
	return s
}

func memoryEfficiency(footprint, available int64) float64 {
	if available <= 0 || footprint <= 0 {
		return 0
	}
	eff := 1.0 - float64(footprint)/float64(available)
	if eff < 0 {
		return 0
	}
	if eff > 1 {
		return 1
	}
	return eff
}

// performanceEstimate is a static throughput proxy per compute kind,
// counted only when the snapshot actually offers the kind.
func performanceEstimate(kind hal.ComputeKind, snap hal.Snapshot) float64 {
	if !snap.HasComputeKind(kind) {
		return 0
	}
	switch kind {
	case hal.ComputeNPU:
		return 1.2
	case hal.ComputeGPU:
		return 1.0
	default:
		return 0.5
	}
}
