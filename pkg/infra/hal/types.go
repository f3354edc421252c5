// Package hal abstracts the device hardware the orchestrator makes
// decisions against: memory, compute units, thermal and battery state.
// The orchestrator only consumes snapshots; it never manages hardware.
package hal

import "time"

// ComputeKind classifies a compute unit.
type ComputeKind string

const (
	ComputeCPU ComputeKind = "cpu"
	ComputeGPU ComputeKind = "gpu"
	ComputeNPU ComputeKind = "npu"
)

// ThermalState follows the usual four-level device thermal ladder.
type ThermalState string

const (
	ThermalNominal  ThermalState = "nominal"
	ThermalFair     ThermalState = "fair"
	ThermalSerious  ThermalState = "serious"
	ThermalCritical ThermalState = "critical"
)

// ComputeUnit is one processing unit available for inference.
type ComputeUnit struct {
	ID          string      `json:"id"`
	Kind        ComputeKind `json:"kind"`
	Name        string      `json:"name,omitempty"`
	MemoryBytes int64       `json:"memory_bytes,omitempty"`
}

// Accelerated reports whether the unit is an accelerator (non-CPU).
func (u ComputeUnit) Accelerated() bool {
	return u.Kind != ComputeCPU
}

// Snapshot is a point-in-time view of device capability. It is a value
// type recreated at every decision point; callers must not cache one
// across more than a single lifecycle stage.
type Snapshot struct {
	TotalMemory     int64         `json:"total_memory"`
	AvailableMemory int64         `json:"available_memory"`
	ComputeUnits    []ComputeUnit `json:"compute_units"`
	Thermal         ThermalState  `json:"thermal"`
	// BatteryLevel is 0..1; -1 when the device has no battery.
	BatteryLevel float64   `json:"battery_level"`
	Charging     bool      `json:"charging"`
	CapturedAt   time.Time `json:"captured_at"`
}

// HasComputeKind reports whether any unit of the given kind is present.
func (s Snapshot) HasComputeKind(kind ComputeKind) bool {
	for _, u := range s.ComputeUnits {
		if u.Kind == kind {
			return true
		}
	}
	return false
}

// HasAcceleratedKind reports whether an accelerated unit of the given kind
// is present.
func (s Snapshot) HasAcceleratedKind(kind ComputeKind) bool {
	for _, u := range s.ComputeUnits {
		if u.Kind == kind && u.Accelerated() {
			return true
		}
	}
	return false
}
