package hal

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a settable provider for tests and for wiring the
// orchestrator on platforms without a real provider.
type MockProvider struct {
	mu       sync.Mutex
	snapshot Snapshot
	err      error
	calls    int
}

// NewMockProvider returns a provider reporting a generous default device:
// 16GB total, 8GB available, CPU+GPU, nominal thermals, mains powered.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		snapshot: Snapshot{
			TotalMemory:     16 << 30,
			AvailableMemory: 8 << 30,
			ComputeUnits: []ComputeUnit{
				{ID: "cpu-0", Kind: ComputeCPU, Name: "CPU"},
				{ID: "gpu-0", Kind: ComputeGPU, Name: "GPU", MemoryBytes: 8 << 30},
			},
			Thermal:      ThermalNominal,
			BatteryLevel: -1,
			Charging:     false,
		},
	}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Available(ctx context.Context) bool { return true }

func (m *MockProvider) CurrentSnapshot(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return Snapshot{}, m.err
	}
	snap := m.snapshot
	snap.ComputeUnits = append([]ComputeUnit(nil), m.snapshot.ComputeUnits...)
	snap.CapturedAt = time.Now()
	return snap, nil
}

// SetSnapshot replaces the snapshot returned by subsequent calls.
func (m *MockProvider) SetSnapshot(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = s
}

// SetAvailableMemory adjusts only the available-memory reading.
func (m *MockProvider) SetAvailableMemory(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.AvailableMemory = bytes
}

// SetError makes subsequent calls fail with err (nil clears it).
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls reports how many snapshots were taken.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
