package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/eventbus"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/hal"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
	"github.com/jguan/ai-model-orchestrator/pkg/runtime"
	"github.com/jguan/ai-model-orchestrator/pkg/runtime/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, provider *hal.MockProvider) (*MemoryCoordinator, *runtime.Registry, *mock.Adapter) {
	t.Helper()
	runtimes := runtime.NewRegistry()
	adapter := mock.New("mock", model.FormatGGUF)
	runtimes.Register(adapter)

	bus := eventbus.NewInMemoryEventBus()
	t.Cleanup(func() { bus.Close() })

	m := NewMemoryCoordinator(provider, runtimes, bus, MemoryConfig{
		ThresholdBytes: 500 << 20,
		ReliefFactor:   2.0,
		PollInterval:   time.Hour,
		RescanWindow:   100 * time.Millisecond,
	})
	return m, runtimes, adapter
}

// commitAged registers a handle whose LastUsed lies age in the past.
func commitAged(m *MemoryCoordinator, runtimes *runtime.Registry, a *mock.Adapter, id string, footprint int64, age time.Duration) {
	m.Commit(id, a.ID(), footprint)
	runtimes.Bind(id, a)
	m.mu.Lock()
	m.handles[id].handle.LastUsed = time.Now().Add(-age)
	m.mu.Unlock()
}

func TestEvictionOrderIsLRU(t *testing.T) {
	m, runtimes, adapter := newTestCoordinator(t, hal.NewMockProvider())

	commitAged(m, runtimes, adapter, "oldest", 1<<30, 3*time.Hour)
	commitAged(m, runtimes, adapter, "middle", 1<<30, 2*time.Hour)
	commitAged(m, runtimes, adapter, "newest", 1<<30, 1*time.Hour)

	freed, err := m.RelievePressure(context.Background(), 2<<30)
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), freed)

	_, ok := m.Handle("oldest")
	assert.False(t, ok)
	_, ok = m.Handle("middle")
	assert.False(t, ok)
	_, ok = m.Handle("newest")
	assert.True(t, ok)

	calls := adapter.Calls()
	assert.Contains(t, calls, "Teardown:oldest")
	assert.Contains(t, calls, "Teardown:middle")
	assert.NotContains(t, calls, "Teardown:newest")
}

func TestEvictionSkipsInUseHandles(t *testing.T) {
	m, runtimes, adapter := newTestCoordinator(t, hal.NewMockProvider())

	commitAged(m, runtimes, adapter, "oldest", 1<<30, 2*time.Hour)
	commitAged(m, runtimes, adapter, "younger", 1<<30, 1*time.Hour)
	require.True(t, m.MarkInUse("oldest", true))
	m.mu.Lock()
	m.handles["oldest"].handle.LastUsed = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	freed, err := m.RelievePressure(context.Background(), 1<<30)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), freed)

	_, ok := m.Handle("oldest")
	assert.True(t, ok, "in-use handle must survive even as the oldest")
	_, ok = m.Handle("younger")
	assert.False(t, ok)
}

func TestAllInUseFailsAfterRescanWindow(t *testing.T) {
	m, runtimes, adapter := newTestCoordinator(t, hal.NewMockProvider())

	commitAged(m, runtimes, adapter, "busy", 1<<30, time.Hour)
	require.True(t, m.MarkInUse("busy", true))

	start := time.Now()
	_, err := m.RelievePressure(context.Background(), 1<<30)
	assert.ErrorIs(t, err, model.ErrInsufficientMemory)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRelieveStopsWhenNothingLeft(t *testing.T) {
	m, runtimes, adapter := newTestCoordinator(t, hal.NewMockProvider())
	commitAged(m, runtimes, adapter, "only", 1<<30, time.Hour)

	freed, err := m.RelievePressure(context.Background(), 10<<30)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), freed)
	assert.Empty(t, m.Handles())
}

func TestReserveCommitAccounting(t *testing.T) {
	m, _, _ := newTestCoordinator(t, hal.NewMockProvider())

	m.Reserve("m1", 2<<30)
	assert.Equal(t, int64(2<<30), m.ReservedBytes())
	assert.Zero(t, m.CommittedBytes())

	h := m.Commit("m1", "mock", 2<<30)
	assert.Equal(t, "m1", h.ModelID)
	assert.Zero(t, m.ReservedBytes())
	assert.Equal(t, int64(2<<30), m.CommittedBytes())

	m.Remove("m1")
	assert.Zero(t, m.CommittedBytes())
}

func TestEnsureCapacityEvicts(t *testing.T) {
	provider := hal.NewMockProvider()
	provider.SetAvailableMemory(1 << 30)
	m, runtimes, adapter := newTestCoordinator(t, provider)

	commitAged(m, runtimes, adapter, "idle", 2<<30, time.Hour)

	// 2GB needed, 1GB available: eviction frees the idle handle.
	require.NoError(t, m.EnsureCapacity(context.Background(), 2<<30))
	_, ok := m.Handle("idle")
	assert.False(t, ok)
}

func TestEnsureCapacityFailsWhenNothingToEvict(t *testing.T) {
	provider := hal.NewMockProvider()
	provider.SetAvailableMemory(1 << 30)
	m, _, _ := newTestCoordinator(t, provider)

	err := m.EnsureCapacity(context.Background(), 8<<30)
	assert.ErrorIs(t, err, model.ErrInsufficientMemory)
}

func TestEvictionCallbackRuns(t *testing.T) {
	m, runtimes, adapter := newTestCoordinator(t, hal.NewMockProvider())

	var evicted []string
	m.SetEvictionCallback(func(id string) { evicted = append(evicted, id) })
	commitAged(m, runtimes, adapter, "m1", 1<<30, time.Hour)

	_, err := m.RelievePressure(context.Background(), 1<<30)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, evicted)
}

func TestSignalPressureTriggersEviction(t *testing.T) {
	provider := hal.NewMockProvider()
	provider.SetAvailableMemory(100 << 20)
	m, runtimes, adapter := newTestCoordinator(t, provider)
	commitAged(m, runtimes, adapter, "idle", 1<<30, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	m.SignalPressure()
	require.Eventually(t, func() bool {
		_, ok := m.Handle("idle")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
