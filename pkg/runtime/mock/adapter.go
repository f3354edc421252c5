// Package mock provides a scripted runtime adapter for tests.
package mock

import (
	"context"
	"sync"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/hal"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
	"github.com/jguan/ai-model-orchestrator/pkg/runtime"
)

// Adapter implements runtime.Adapter with scripted outcomes and call
// recording. The zero value is not usable; construct with New.
type Adapter struct {
	mu    sync.Mutex
	calls []string

	AdapterID string
	Formats   []model.Format
	Reqs      runtime.Requirements
	Preferred hal.ComputeKind
	Footprint int64

	ConfigureErr error
	InitErr      error
	LoadErr      error
	TeardownErr  error
	// FailLoads makes the first N Load calls fail with LoadErr, then
	// succeed. Zero means LoadErr (if set) applies to every call.
	FailLoads int

	loadCalls int
}

func New(id string, formats ...model.Format) *Adapter {
	if len(formats) == 0 {
		formats = []model.Format{model.FormatGGUF}
	}
	return &Adapter{
		AdapterID: id,
		Formats:   formats,
		Preferred: hal.ComputeCPU,
		Footprint: 100 << 20,
	}
}

func (a *Adapter) ID() string { return a.AdapterID }

func (a *Adapter) CanHandle(desc *model.Descriptor) bool {
	a.record("CanHandle")
	for _, f := range a.Formats {
		if f == desc.Format {
			return true
		}
	}
	return false
}

func (a *Adapter) Requirements() runtime.Requirements    { return a.Reqs }
func (a *Adapter) PreferredComputeKind() hal.ComputeKind { return a.Preferred }

func (a *Adapter) Configure(snap hal.Snapshot) error {
	a.record("Configure")
	return a.ConfigureErr
}

func (a *Adapter) Initialize(ctx context.Context, localPath string) error {
	a.record("Initialize")
	return a.InitErr
}

func (a *Adapter) Load(ctx context.Context, desc *model.Descriptor) error {
	a.mu.Lock()
	a.calls = append(a.calls, "Load")
	a.loadCalls++
	n := a.loadCalls
	a.mu.Unlock()

	if a.LoadErr != nil && (a.FailLoads == 0 || n <= a.FailLoads) {
		return a.LoadErr
	}
	return nil
}

func (a *Adapter) EstimatedFootprint(desc *model.Descriptor) int64 {
	if desc != nil && desc.FootprintBytes > 0 {
		return desc.FootprintBytes
	}
	return a.Footprint
}

func (a *Adapter) Teardown(ctx context.Context, modelID string) error {
	a.record("Teardown:" + modelID)
	return a.TeardownErr
}

// Calls returns a copy of the recorded call sequence.
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *Adapter) record(name string) {
	a.mu.Lock()
	a.calls = append(a.calls, name)
	a.mu.Unlock()
}
