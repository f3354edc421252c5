package model

import (
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types published to the telemetry bus.
const (
	EventTypeStageEntered     = "model.stage_entered"
	EventTypeStageExited      = "model.stage_exited"
	EventTypeStageFailed      = "model.stage_failed"
	EventTypeDownloadProgress = "model.download_progress"
	EventTypeValidated        = "model.validated"
	EventTypeLoaded           = "model.loaded"
	EventTypeEvicted          = "model.evicted"
	EventTypeRecoveryAttempt  = "model.recovery_attempt"
)

const eventDomain = "model"

// LifecycleEvent is the common shape of all orchestrator telemetry events.
type LifecycleEvent struct {
	eventType     string
	payload       map[string]any
	timestamp     time.Time
	correlationID string
}

func (e *LifecycleEvent) Type() string          { return e.eventType }
func (e *LifecycleEvent) Domain() string        { return eventDomain }
func (e *LifecycleEvent) Payload() any          { return e.payload }
func (e *LifecycleEvent) Timestamp() time.Time  { return e.timestamp }
func (e *LifecycleEvent) CorrelationID() string { return e.correlationID }

func newLifecycleEvent(eventType, runID string, payload map[string]any) *LifecycleEvent {
	cid := runID
	if cid == "" {
		cid = uuid.New().String()
	}
	return &LifecycleEvent{
		eventType:     eventType,
		payload:       payload,
		timestamp:     time.Now(),
		correlationID: cid,
	}
}

// NewStageEnteredEvent marks entry into a lifecycle state.
func NewStageEnteredEvent(runID, modelID string, stage LifecycleState) *LifecycleEvent {
	return newLifecycleEvent(EventTypeStageEntered, runID, map[string]any{
		"model_id": modelID,
		"stage":    string(stage),
	})
}

// NewStageExitedEvent marks successful exit from a lifecycle state.
func NewStageExitedEvent(runID, modelID string, stage LifecycleState, dur time.Duration) *LifecycleEvent {
	return newLifecycleEvent(EventTypeStageExited, runID, map[string]any{
		"model_id":    modelID,
		"stage":       string(stage),
		"duration_ms": dur.Milliseconds(),
	})
}

// NewStageFailedEvent records a stage failure before recovery dispatch.
func NewStageFailedEvent(runID, modelID string, stage LifecycleState, err error) *LifecycleEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return newLifecycleEvent(EventTypeStageFailed, runID, map[string]any{
		"model_id": modelID,
		"stage":    string(stage),
		"error":    msg,
	})
}

// NewDownloadProgressEvent reports transfer progress in bytes.
func NewDownloadProgressEvent(runID, modelID string, done, total int64) *LifecycleEvent {
	return newLifecycleEvent(EventTypeDownloadProgress, runID, map[string]any{
		"model_id":    modelID,
		"bytes_done":  done,
		"bytes_total": total,
	})
}

// NewValidatedEvent records the outcome of artifact validation.
func NewValidatedEvent(runID, modelID string, result *ValidationResult) *LifecycleEvent {
	return newLifecycleEvent(EventTypeValidated, runID, map[string]any{
		"model_id": modelID,
		"valid":    result.Valid,
		"errors":   len(result.Errors),
		"warnings": len(result.Warnings),
	})
}

// NewLoadedEvent records a model reaching Ready on a runtime.
func NewLoadedEvent(runID, modelID, runtimeID string, footprint int64) *LifecycleEvent {
	return newLifecycleEvent(EventTypeLoaded, runID, map[string]any{
		"model_id":        modelID,
		"runtime_id":      runtimeID,
		"footprint_bytes": footprint,
	})
}

// NewEvictedEvent records a memory-pressure eviction.
func NewEvictedEvent(modelID, runtimeID string, footprint int64) *LifecycleEvent {
	return newLifecycleEvent(EventTypeEvicted, "", map[string]any{
		"model_id":        modelID,
		"runtime_id":      runtimeID,
		"footprint_bytes": footprint,
	})
}

// NewRecoveryAttemptEvent records one pass through the recovery
// coordinator.
func NewRecoveryAttemptEvent(runID, modelID string, stage LifecycleState, attempt int, action string) *LifecycleEvent {
	return newLifecycleEvent(EventTypeRecoveryAttempt, runID, map[string]any{
		"model_id": modelID,
		"stage":    string(stage),
		"attempt":  attempt,
		"action":   action,
	})
}
