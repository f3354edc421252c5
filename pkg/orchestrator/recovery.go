package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/logger"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
)

// RecoveryAction is what the run loop should do next after a failure.
type RecoveryAction string

const (
	// ActionRetryStage re-runs the failed stage with the same inputs.
	ActionRetryStage RecoveryAction = "retry_stage"
	// ActionRestart rewinds through Cleanup to Uninitialized and re-drives
	// the run from the beginning with adjusted inputs.
	ActionRestart RecoveryAction = "restart"
	// ActionAbort terminates the run; the decision's Err carries the
	// terminal error.
	ActionAbort RecoveryAction = "abort"
)

// Decision tells the run loop how to recover, with the input adjustments
// the chosen path needs.
type Decision struct {
	Action  RecoveryAction
	Backoff time.Duration
	// ClearPartial removes interrupted transfer state before retrying.
	ClearPartial bool
	// DeleteArtifact removes the whole local layout before restarting.
	DeleteArtifact bool
	// RotateSource advances to the next alternate source URL.
	RotateSource bool
	// ExcludeAdapter removes the named adapter from future selection.
	ExcludeAdapter string
	// RelieveBytes asks the memory coordinator to free this much first.
	RelieveBytes int64
	// Err is the terminal error when Action is ActionAbort.
	Err error
}

// RecoveryContext accumulates per-run recovery state. A fresh one is
// created per lifecycle run and survives restarts within it.
type RecoveryContext struct {
	ModelID string
	// Attempt counts recovery passes in this run.
	Attempt int
	// SourceIndex is the currently active source URL.
	SourceIndex int
	// FailedAdapters are excluded from re-selection.
	FailedAdapters map[string]bool
	// ResumeFailures counts consecutive partial-download retries, so the
	// coordinator can switch from resuming to clear-and-restart.
	ResumeFailures int
}

func NewRecoveryContext(modelID string) *RecoveryContext {
	return &RecoveryContext{
		ModelID:        modelID,
		FailedAdapters: make(map[string]bool),
	}
}

// RecoveryCoordinator maps a failure and stage into the next action.
// Dispatch is by error category, not by stage.
type RecoveryCoordinator struct {
	maxAttempts int
	memory      *MemoryCoordinator
	log         *slog.Logger
}

func NewRecoveryCoordinator(memory *MemoryCoordinator, maxAttempts int) *RecoveryCoordinator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RecoveryCoordinator{
		maxAttempts: maxAttempts,
		memory:      memory,
		log:         logger.Default().With("component", "recovery"),
	}
}

// Decide consumes one recovery attempt and returns what to do about the
// failure at stage. Once the attempt cap is exceeded every failure becomes
// terminal.
func (c *RecoveryCoordinator) Decide(ctx context.Context, rc *RecoveryContext, stage model.LifecycleState, failure error, desc *model.Descriptor) Decision {
	rc.Attempt++
	if rc.Attempt > c.maxAttempts {
		return Decision{Action: ActionAbort, Err: &model.UnrecoverableError{
			ModelID:  rc.ModelID,
			Stage:    stage,
			Attempts: rc.Attempt - 1,
			Cause:    failure,
		}}
	}

	category := model.Category(failure)
	c.log.Info("recovery dispatch",
		"model_id", rc.ModelID, "stage", stage,
		"category", category, "attempt", rc.Attempt, "error", failure)

	switch category {
	case model.CategoryDownload:
		return c.decideDownload(rc, failure, desc)
	case model.CategoryResource:
		return c.decideResource(ctx, rc, failure, desc)
	case model.CategoryValidation:
		// The local artifact cannot be trusted: delete and re-fetch.
		return Decision{Action: ActionRestart, DeleteArtifact: true}
	case model.CategoryRuntime:
		return c.decideRuntime(rc, failure)
	default:
		return Decision{Action: ActionAbort, Err: failure}
	}
}

func (c *RecoveryCoordinator) decideDownload(rc *RecoveryContext, failure error, desc *model.Descriptor) Decision {
	d := Decision{
		Action:  ActionRetryStage,
		Backoff: time.Duration(1<<rc.Attempt) * time.Second,
	}

	var partial *model.PartialDownloadError
	if errors.As(failure, &partial) {
		rc.ResumeFailures++
		// First retry resumes the transfer; after that the partial state
		// itself is suspect.
		if rc.ResumeFailures >= 2 {
			d.ClearPartial = true
			rc.ResumeFailures = 0
		}
		return d
	}

	if len(desc.SourceURLs) > 1 {
		d.RotateSource = true
		rc.SourceIndex = (rc.SourceIndex + 1) % len(desc.SourceURLs)
	}
	return d
}

func (c *RecoveryCoordinator) decideResource(ctx context.Context, rc *RecoveryContext, failure error, desc *model.Descriptor) Decision {
	needed := desc.FootprintBytes
	if needed <= 0 {
		needed = 500 << 20
	}
	if _, err := c.memory.RelievePressure(ctx, needed); err != nil {
		c.log.Warn("pressure relief during recovery failed",
			"model_id", rc.ModelID, "error", err)
	}

	// First pass just re-checks after relief; a repeat failure escalates
	// to a more memory-efficient adapter.
	if rc.Attempt >= 2 {
		d := Decision{Action: ActionRestart}
		if id := failedAdapterID(failure); id != "" {
			d.ExcludeAdapter = id
			rc.FailedAdapters[id] = true
		}
		return d
	}
	return Decision{Action: ActionRetryStage}
}

func (c *RecoveryCoordinator) decideRuntime(rc *RecoveryContext, failure error) Decision {
	d := Decision{Action: ActionRestart}
	if id := failedAdapterID(failure); id != "" {
		d.ExcludeAdapter = id
		rc.FailedAdapters[id] = true
	}
	return d
}

// failedAdapterID pulls the adapter id the run loop stamps onto stage
// failures that happened with an adapter selected.
func failedAdapterID(failure error) string {
	var de *model.DomainError
	if errors.As(failure, &de) {
		if id, ok := de.Details["adapter"].(string); ok {
			return id
		}
	}
	return ""
}
