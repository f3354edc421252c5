// Package local provides an in-process adapter that materializes models
// without an external inference runtime. It is registered as the default
// so the lifecycle can be driven end to end on hosts where no accelerator
// runtime is installed; real runtimes register alongside it and win
// selection whenever their hardware is present.
package local

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/hal"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
	"github.com/jguan/ai-model-orchestrator/pkg/runtime"
)

const AdapterID = "local"

type instance struct {
	path string
	size int64
}

// Adapter maps model ids to their materialized file layouts. Load verifies
// the layout is readable; it does not execute anything.
type Adapter struct {
	mu        sync.Mutex
	instances map[string]*instance
	snap      hal.Snapshot
	pending   string
}

func New() *Adapter {
	return &Adapter{instances: make(map[string]*instance)}
}

func (a *Adapter) ID() string { return AdapterID }

// CanHandle accepts every known format; the local adapter is the fallback
// of last resort.
func (a *Adapter) CanHandle(desc *model.Descriptor) bool {
	return desc != nil && desc.Format != ""
}

func (a *Adapter) Requirements() runtime.Requirements {
	return runtime.Requirements{}
}

func (a *Adapter) PreferredComputeKind() hal.ComputeKind {
	return hal.ComputeCPU
}

func (a *Adapter) Configure(snap hal.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap = snap
	return nil
}

func (a *Adapter) Initialize(ctx context.Context, localPath string) error {
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("model layout not readable: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = localPath
	return nil
}

func (a *Adapter) Load(ctx context.Context, desc *model.Descriptor) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := a.pending
	if path == "" {
		path = desc.LocalPath
	}
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("model layout vanished before load: %w", err)
	}

	a.instances[desc.ID] = &instance{path: path, size: st.Size()}
	a.pending = ""
	return nil
}

func (a *Adapter) EstimatedFootprint(desc *model.Descriptor) int64 {
	if desc.FootprintBytes > 0 {
		return desc.FootprintBytes
	}
	if desc.DeclaredSize > 0 {
		return desc.DeclaredSize
	}
	return 256 << 20
}

func (a *Adapter) Teardown(ctx context.Context, modelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.instances, modelID)
	return nil
}

// Loaded reports whether the adapter holds a live instance for modelID.
func (a *Adapter) Loaded(modelID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.instances[modelID]
	return ok
}
