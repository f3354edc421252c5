// Package runtime defines the narrow adapter capability interface over
// inference runtimes and the registry that scores and selects among them.
package runtime

import (
	"context"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/hal"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
)

// Requirements declares what hardware an adapter needs before it can load
// anything at all.
type Requirements struct {
	// MinMemoryBytes is the floor of available memory for the runtime
	// itself, independent of any model footprint.
	MinMemoryBytes int64
	// ComputeKinds lists compute units that must all be present.
	ComputeKinds []hal.ComputeKind
}

// Adapter wraps one inference runtime. Implementations are registered once
// per runtime identity and own every live instance they load.
type Adapter interface {
	ID() string

	// CanHandle reports whether the adapter supports the model's format.
	CanHandle(desc *model.Descriptor) bool

	Requirements() Requirements
	PreferredComputeKind() hal.ComputeKind

	// Configure is called once per load attempt, before Initialize.
	Configure(snap hal.Snapshot) error

	Initialize(ctx context.Context, localPath string) error
	Load(ctx context.Context, desc *model.Descriptor) error

	// EstimatedFootprint predicts resident memory for the loaded model.
	EstimatedFootprint(desc *model.Descriptor) int64

	Teardown(ctx context.Context, modelID string) error
}
