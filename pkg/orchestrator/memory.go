package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/eventbus"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/hal"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/logger"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
	"github.com/jguan/ai-model-orchestrator/pkg/runtime"
)

// Handle is the caller-facing token for a loaded model. At most one exists
// per model id.
type Handle struct {
	ModelID   string
	RuntimeID string
	Footprint int64
	LastUsed  time.Time
}

type handleEntry struct {
	handle Handle
	inUse  bool
}

// MemoryCoordinator bounds aggregate resident model memory. Committed
// bytes belong to Ready handles; reserved bytes belong to in-flight loads,
// which are never eviction candidates.
type MemoryCoordinator struct {
	mu       sync.Mutex
	handles  map[string]*handleEntry
	reserved map[string]int64

	hal      hal.Provider
	runtimes *runtime.Registry
	bus      eventbus.EventBus
	log      *slog.Logger

	thresholdBytes int64
	reliefFactor   float64
	pollInterval   time.Duration
	rescanWindow   time.Duration

	// onEvict lets the lifecycle controller rewind the evicted model's
	// state; it runs outside the coordinator lock.
	onEvict func(modelID string)

	pressureCh chan struct{}
	stopOnce   sync.Once
	stopCh     chan struct{}
}

type MemoryConfig struct {
	ThresholdBytes int64
	ReliefFactor   float64
	PollInterval   time.Duration
	RescanWindow   time.Duration
}

func NewMemoryCoordinator(provider hal.Provider, runtimes *runtime.Registry, bus eventbus.EventBus, cfg MemoryConfig) *MemoryCoordinator {
	if cfg.ThresholdBytes <= 0 {
		cfg.ThresholdBytes = 500 << 20
	}
	if cfg.ReliefFactor < 1 {
		cfg.ReliefFactor = 2.0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RescanWindow <= 0 {
		cfg.RescanWindow = time.Second
	}
	return &MemoryCoordinator{
		handles:        make(map[string]*handleEntry),
		reserved:       make(map[string]int64),
		hal:            provider,
		runtimes:       runtimes,
		bus:            bus,
		log:            logger.Default().With("component", "memory"),
		thresholdBytes: cfg.ThresholdBytes,
		reliefFactor:   cfg.ReliefFactor,
		pollInterval:   cfg.PollInterval,
		rescanWindow:   cfg.RescanWindow,
		pressureCh:     make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
}

// SetEvictionCallback wires the controller-side cleanup for evicted ids.
func (m *MemoryCoordinator) SetEvictionCallback(fn func(modelID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

// Start runs the periodic pressure check until ctx is cancelled or Stop is
// called.
func (m *MemoryCoordinator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
			case <-m.pressureCh:
			}
			m.checkPressure(ctx)
		}
	}()
}

func (m *MemoryCoordinator) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// SignalPressure triggers an immediate pressure check, coalescing with any
// pending one.
func (m *MemoryCoordinator) SignalPressure() {
	select {
	case m.pressureCh <- struct{}{}:
	default:
	}
}

// Reserve accounts bytes for an in-flight load. Reserved ids are invisible
// to the eviction scan.
func (m *MemoryCoordinator) Reserve(modelID string, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved[modelID] = bytes
}

// Unreserve drops an in-flight reservation without committing it.
func (m *MemoryCoordinator) Unreserve(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, modelID)
}

// Commit converts a reservation into a tracked handle and returns it.
func (m *MemoryCoordinator) Commit(modelID, runtimeID string, footprint int64) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.reserved, modelID)
	entry := &handleEntry{handle: Handle{
		ModelID:   modelID,
		RuntimeID: runtimeID,
		Footprint: footprint,
		LastUsed:  time.Now(),
	}}
	m.handles[modelID] = entry
	h := entry.handle
	return &h
}

// Remove drops the handle for modelID from tracking.
func (m *MemoryCoordinator) Remove(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, modelID)
}

// Handle returns a copy of the tracked handle for modelID.
func (m *MemoryCoordinator) Handle(modelID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.handles[modelID]
	if !ok {
		return nil, false
	}
	h := e.handle
	return &h, true
}

// Handles returns copies of all tracked handles.
func (m *MemoryCoordinator) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.handles))
	for _, e := range m.handles {
		out = append(out, e.handle)
	}
	return out
}

// Touch refreshes the LRU timestamp for modelID.
func (m *MemoryCoordinator) Touch(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.handles[modelID]; ok {
		e.handle.LastUsed = time.Now()
	}
}

// MarkInUse flags the handle as serving a request. In-use handles are
// skipped by the eviction scan.
func (m *MemoryCoordinator) MarkInUse(modelID string, inUse bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.handles[modelID]
	if !ok {
		return false
	}
	e.inUse = inUse
	if inUse {
		e.handle.LastUsed = time.Now()
	}
	return true
}

// CommittedBytes sums footprints of tracked handles.
func (m *MemoryCoordinator) CommittedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, e := range m.handles {
		sum += e.handle.Footprint
	}
	return sum
}

// ReservedBytes sums in-flight load reservations.
func (m *MemoryCoordinator) ReservedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, r := range m.reserved {
		sum += r
	}
	return sum
}

// EnsureCapacity checks that needed bytes fit in currently available
// memory, relieving pressure first when they do not. Fails with an
// insufficient-memory error when eviction cannot free enough.
func (m *MemoryCoordinator) EnsureCapacity(ctx context.Context, needed int64) error {
	snap, err := m.hal.CurrentSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap.AvailableMemory-m.ReservedBytes() >= needed {
		return nil
	}

	freed, err := m.relieve(ctx, needed+m.thresholdBytes)
	if err != nil {
		return err
	}
	if snap.AvailableMemory+freed-m.ReservedBytes() < needed {
		return model.ErrInsufficientMemory.
			WithDetails("needed_bytes", needed).
			WithDetails("available_bytes", snap.AvailableMemory+freed)
	}
	return nil
}

func (m *MemoryCoordinator) checkPressure(ctx context.Context) {
	snap, err := m.hal.CurrentSnapshot(ctx)
	if err != nil {
		m.log.Warn("pressure check failed to read snapshot", "error", err)
		return
	}
	if snap.AvailableMemory >= m.thresholdBytes {
		return
	}

	m.log.Info("memory pressure detected",
		"available_mb", snap.AvailableMemory>>20,
		"threshold_mb", m.thresholdBytes>>20)

	target := int64(float64(m.thresholdBytes)*m.reliefFactor) - snap.AvailableMemory
	if _, err := m.relieve(ctx, target); err != nil {
		m.log.Warn("pressure relief incomplete", "error", err)
	}
}

// RelievePressure evicts least-recently-used handles until the given
// number of bytes has been freed, and returns how much was freed. In-use
// handles are skipped; if only in-use handles remain and the goal is not
// met, the scan retries until the rescan window closes, then fails with
// insufficient memory.
func (m *MemoryCoordinator) RelievePressure(ctx context.Context, bytes int64) (int64, error) {
	return m.relieve(ctx, bytes)
}

func (m *MemoryCoordinator) relieve(ctx context.Context, target int64) (int64, error) {
	var freed int64
	deadline := time.Now().Add(m.rescanWindow)

	for freed < target {
		if err := ctx.Err(); err != nil {
			return freed, err
		}

		victim, remaining := m.nextVictim()
		if victim == nil {
			if remaining == 0 {
				// Nothing left to evict at all.
				return freed, nil
			}
			// Every candidate is mid-request; wait for one to finish
			// inside the bounded rescan window.
			if time.Now().After(deadline) {
				return freed, model.ErrInsufficientMemory.WithDetails(
					"reason", "all eviction candidates in use")
			}
			select {
			case <-ctx.Done():
				return freed, ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}

		if err := m.evict(ctx, victim); err != nil {
			m.log.Warn("eviction teardown failed",
				"model_id", victim.ModelID, "error", err)
		}
		freed += victim.Footprint
	}
	return freed, nil
}

// nextVictim picks the oldest handle not in use, returning also how many
// handles remain tracked.
func (m *MemoryCoordinator) nextVictim() (*Handle, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*handleEntry, 0, len(m.handles))
	for _, e := range m.handles {
		if !e.inUse {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, len(m.handles)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].handle.LastUsed.Before(candidates[j].handle.LastUsed)
	})
	h := candidates[0].handle
	return &h, len(m.handles)
}

func (m *MemoryCoordinator) evict(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	delete(m.handles, h.ModelID)
	onEvict := m.onEvict
	m.mu.Unlock()

	var teardownErr error
	if adapter, ok := m.runtimes.Owner(h.ModelID); ok {
		teardownErr = adapter.Teardown(ctx, h.ModelID)
		m.runtimes.Release(h.ModelID)
	}

	m.log.Info("handle evicted",
		"model_id", h.ModelID, "runtime", h.RuntimeID,
		"footprint_mb", h.Footprint>>20)
	if m.bus != nil {
		m.bus.TryPublish(model.NewEvictedEvent(h.ModelID, h.RuntimeID, h.Footprint))
	}
	if onEvict != nil {
		onEvict(h.ModelID)
	}
	return teardownErr
}
