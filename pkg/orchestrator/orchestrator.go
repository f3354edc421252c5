// Package orchestrator sequences models from discovery to a loaded runtime
// handle. It composes the registry, hardware provider, fetcher, validator
// and runtime registry behind a small facade, bounds resident memory via
// LRU eviction and recovers from stage failures by error category.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jguan/ai-model-orchestrator/pkg/config"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/eventbus"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/fetcher"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/hal"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/logger"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
	"github.com/jguan/ai-model-orchestrator/pkg/registry"
	"github.com/jguan/ai-model-orchestrator/pkg/runtime"
	"github.com/jguan/ai-model-orchestrator/pkg/validator"
)

// Orchestrator is the caller-facing facade. One lifecycle run is active
// per model id at a time; concurrent RequestReady calls for the same id
// join the in-flight run, while unrelated ids proceed fully in parallel.
type Orchestrator struct {
	cfg       *config.Config
	registry  *registry.Registry
	hal       hal.Provider
	fetcher   *fetcher.Fetcher
	validator *validator.Validator
	runtimes  *runtime.Registry
	memory    *MemoryCoordinator
	recovery  *RecoveryCoordinator
	lifecycle *LifecycleController
	bus       eventbus.EventBus
	history   *StageHistory
	log       *slog.Logger

	backoffUnit time.Duration

	mu   sync.Mutex
	runs map[string]*activeRun
}

type activeRun struct {
	runID  string
	agg    *Aggregator
	done   chan struct{}
	handle *Handle
	err    error
}

type Option func(*Orchestrator)

// WithFetcher replaces the fetcher built from config.
func WithFetcher(f *fetcher.Fetcher) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

// WithBackoffUnit scales recovery backoff delays. The default is one
// second; tests shrink it.
func WithBackoffUnit(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.backoffUnit = d
		}
	}
}

// WithStageHistory shares stage-duration history across orchestrators.
func WithStageHistory(h *StageHistory) Option {
	return func(o *Orchestrator) { o.history = h }
}

func New(cfg *config.Config, reg *registry.Registry, provider hal.Provider, runtimes *runtime.Registry, bus eventbus.EventBus, opts ...Option) *Orchestrator {
	memory := NewMemoryCoordinator(provider, runtimes, bus, MemoryConfig{
		ThresholdBytes: int64(cfg.Memory.PressureThresholdMB) << 20,
		ReliefFactor:   cfg.Memory.ReliefFactor,
		PollInterval:   cfg.Memory.PollIntervalD,
		RescanWindow:   cfg.Memory.RescanWindowD,
	})

	o := &Orchestrator{
		cfg:         cfg,
		registry:    reg,
		hal:         provider,
		validator:   validator.New(),
		runtimes:    runtimes,
		memory:      memory,
		lifecycle:   NewLifecycleController(bus),
		bus:         bus,
		history:     NewStageHistory(),
		log:         logger.Default().With("component", "orchestrator"),
		backoffUnit: time.Second,
		runs:        make(map[string]*activeRun),
	}
	o.recovery = NewRecoveryCoordinator(memory, cfg.Recovery.MaxAttempts)

	for _, opt := range opts {
		opt(o)
	}

	if o.fetcher == nil {
		fopts := []fetcher.Option{
			fetcher.WithAttempts(cfg.Fetch.Attempts),
			fetcher.WithToken(cfg.Fetch.Token),
		}
		if cfg.Fetch.TimeoutD > 0 {
			fopts = append(fopts, fetcher.WithHTTPClient(&http.Client{Timeout: cfg.Fetch.TimeoutD}))
		}
		o.fetcher = fetcher.New(fopts...)
	}

	// An evicted model's state rewinds to Uninitialized so a later
	// RequestReady re-drives its lifecycle.
	memory.SetEvictionCallback(o.lifecycle.Rewind)
	return o
}

// Start launches the background memory-pressure loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.memory.Start(ctx)
}

// Stop halts background work. In-flight runs are not cancelled.
func (o *Orchestrator) Stop() {
	o.memory.Stop()
}

// Memory exposes the coordinator for status surfaces.
func (o *Orchestrator) Memory() *MemoryCoordinator { return o.memory }

// Lifecycle exposes read-only state queries.
func (o *Orchestrator) Lifecycle() *LifecycleController { return o.lifecycle }

// RequestReady drives modelID through its lifecycle until a loaded handle
// exists, and returns it. A handle that already exists is touched and
// returned immediately. Concurrent calls for the same id share one run.
func (o *Orchestrator) RequestReady(ctx context.Context, modelID, preferredRuntime string) (*Handle, error) {
	if h, ok := o.memory.Handle(modelID); ok {
		switch o.lifecycle.State(modelID) {
		case model.StateReady, model.StateExecuting:
			o.memory.Touch(modelID)
			return h, nil
		}
	}

	o.mu.Lock()
	if r, ok := o.runs[modelID]; ok {
		o.mu.Unlock()
		select {
		case <-r.done:
			return r.handle, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r := &activeRun{
		runID: uuid.New().String(),
		agg:   NewAggregator(o.history),
		done:  make(chan struct{}),
	}
	o.runs[modelID] = r
	o.mu.Unlock()

	// Run and model ids travel on the context so every component below
	// logs with them attached.
	runCtx := logger.SetRunID(logger.SetModelID(ctx, modelID), r.runID)
	runCtx, cancel := context.WithCancel(runCtx)
	o.lifecycle.BeginRun(modelID, r.runID, cancel)

	log := logger.WithContext(runCtx).With("component", "orchestrator")
	log.Info("lifecycle run starting", "preferred_runtime", preferredRuntime)

	r.handle, r.err = o.execute(runCtx, r, modelID, preferredRuntime)
	cancel()

	o.lifecycle.EndRun(modelID)
	o.mu.Lock()
	delete(o.runs, modelID)
	o.mu.Unlock()
	close(r.done)

	if r.err != nil {
		r.agg.Abort()
		log.Warn("lifecycle run failed", "error", r.err)
	} else {
		log.Info("lifecycle run complete", "runtime", r.handle.RuntimeID)
	}
	return r.handle, r.err
}

// Cancel aborts the active lifecycle run for modelID, if any.
func (o *Orchestrator) Cancel(modelID string) bool {
	return o.lifecycle.CancelRun(modelID)
}

// ObserveProgress subscribes to the active run's progress stream. The
// channel closes when the run completes, fails or is cancelled. A model
// that is already Ready yields a single complete snapshot.
func (o *Orchestrator) ObserveProgress(modelID string) (<-chan Progress, func(), error) {
	o.mu.Lock()
	r, active := o.runs[modelID]
	o.mu.Unlock()

	if active {
		ch, cancel := r.agg.Subscribe()
		return ch, cancel, nil
	}

	if _, ok := o.memory.Handle(modelID); ok {
		ch := make(chan Progress, 1)
		ch <- Progress{Percentage: 1.0, Stage: StageReady}
		close(ch)
		return ch, func() {}, nil
	}
	return nil, nil, model.ErrModelNotFound.WithDetails("reason", "no active run or handle")
}

// BeginExecution marks the model as serving a request. The handle is
// pinned against eviction until EndExecution.
func (o *Orchestrator) BeginExecution(modelID string) error {
	if _, ok := o.memory.Handle(modelID); !ok {
		return model.ErrModelNotFound.WithDetails("model_id", modelID)
	}
	if err := o.lifecycle.TransitionTo(modelID, model.StateExecuting); err != nil {
		return err
	}
	o.memory.MarkInUse(modelID, true)
	return nil
}

// EndExecution returns the model to Ready and refreshes its LRU position.
func (o *Orchestrator) EndExecution(modelID string) error {
	if err := o.lifecycle.TransitionTo(modelID, model.StateReady); err != nil {
		return err
	}
	o.memory.MarkInUse(modelID, false)
	o.memory.Touch(modelID)
	return nil
}

// Unload tears down the loaded handle for modelID and rewinds its state.
// A model serving a request cannot be unloaded.
func (o *Orchestrator) Unload(ctx context.Context, modelID string) error {
	h, ok := o.memory.Handle(modelID)
	if !ok {
		return model.ErrModelNotFound.WithDetails("model_id", modelID)
	}
	if o.lifecycle.State(modelID) == model.StateExecuting {
		return model.ErrInsufficientMemory.WithDetails("reason", "model is executing")
	}

	var teardownErr error
	if adapter, owned := o.runtimes.Owner(modelID); owned {
		teardownErr = adapter.Teardown(ctx, modelID)
		o.runtimes.Release(modelID)
	}
	o.memory.Remove(modelID)
	o.lifecycle.Rewind(modelID)
	if teardownErr != nil {
		return fmt.Errorf("teardown %s: %w", h.RuntimeID, teardownErr)
	}
	o.log.Info("model unloaded", "model_id", modelID, "runtime", h.RuntimeID)
	return nil
}

// execute wraps drive with the recovery loop: on failure the recovery
// coordinator decides whether to retry, restart with adjusted inputs or
// abort, up to the attempt cap.
func (o *Orchestrator) execute(ctx context.Context, r *activeRun, modelID, preferred string) (*Handle, error) {
	rc := NewRecoveryContext(modelID)

	for {
		h, err := o.drive(ctx, r, modelID, preferred, rc)
		if err == nil {
			return h, nil
		}

		if ctx.Err() != nil {
			o.lifecycle.Rewind(modelID)
			o.memory.Unreserve(modelID)
			return nil, ctx.Err()
		}

		stage := o.lifecycle.State(modelID)
		o.bus.TryPublish(model.NewStageFailedEvent(r.runID, modelID, stage, err))

		desc, derr := o.registry.Get(modelID)
		if derr != nil {
			o.failTerminally(modelID)
			return nil, err
		}

		decision := o.recovery.Decide(ctx, rc, stage, err, desc)
		o.bus.TryPublish(model.NewRecoveryAttemptEvent(
			r.runID, modelID, stage, rc.Attempt, string(decision.Action)))

		if decision.Action == ActionAbort {
			o.failTerminally(modelID)
			if decision.Err != nil {
				return nil, decision.Err
			}
			return nil, err
		}

		if decision.Backoff > 0 {
			delay := scaleBackoff(decision.Backoff, o.backoffUnit)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				o.lifecycle.Rewind(modelID)
				return nil, ctx.Err()
			}
		}
		if decision.ClearPartial {
			o.fetcher.ClearPartial(desc, o.cfg.General.ArtifactDir)
		}
		if decision.DeleteArtifact {
			o.fetcher.RemoveArtifacts(desc, o.cfg.General.ArtifactDir)
			o.registry.SetLocalPath(ctx, modelID, "")
		}

		// Both retry and restart re-drive from Uninitialized; completed
		// work is cached on disk, so earlier stages fast-skip and the
		// failed stage is the first to run again.
		o.lifecycle.Rewind(modelID)
	}
}

// failTerminally parks the model in Error and drains it back to
// Uninitialized so a later request can start clean.
func (o *Orchestrator) failTerminally(modelID string) {
	o.lifecycle.TransitionTo(modelID, model.StateError)
	o.lifecycle.Rewind(modelID)
	o.memory.Unreserve(modelID)
}

// drive is one linear pass through the lifecycle stages. Any error aborts
// the pass; recovery in execute decides what happens next.
func (o *Orchestrator) drive(ctx context.Context, r *activeRun, modelID, preferred string, rc *RecoveryContext) (handle *Handle, err error) {
	desc, err := o.registry.Get(modelID)
	if err != nil {
		return nil, err
	}

	// Discovery.
	r.agg.StartStage(StageDiscovery)
	if err := o.lifecycle.TransitionTo(modelID, model.StateDiscovered); err != nil {
		return nil, err
	}

	needDownload := desc.LocalPath == ""
	sourceURL := ""
	if len(desc.SourceURLs) > 0 {
		sourceURL = desc.SourceURLs[rc.SourceIndex%len(desc.SourceURLs)]
	}
	needExtract := needDownload && fetcher.ShouldExtract(path.Base(sourceURL))
	needValidation := desc.Checksum != "" || len(desc.Dependencies) > 0

	plan := []Stage{StageDiscovery, StageInitialization, StageLoading, StageReady}
	if needDownload {
		plan = append(plan, StageDownload)
	}
	if needExtract {
		plan = append(plan, StageExtraction)
	}
	if needValidation {
		plan = append(plan, StageValidation)
	}
	r.agg.SetPlan(plan...)
	r.agg.Complete(StageDiscovery)

	// Download.
	if err := o.lifecycle.TransitionTo(modelID, model.StateDownloading); err != nil {
		return nil, err
	}
	var artifactPath string
	if needDownload {
		if sourceURL == "" {
			return nil, model.ErrNetworkFailure.WithDetails("reason", "descriptor has no source urls")
		}
		r.agg.StartStage(StageDownload)
		artifactPath, err = o.fetcher.Download(ctx, desc, sourceURL, o.cfg.General.ArtifactDir,
			o.downloadProgressFn(r, modelID))
		if err != nil {
			return nil, err
		}
		r.agg.Complete(StageDownload)
	}
	if err := o.lifecycle.TransitionTo(modelID, model.StateDownloaded); err != nil {
		return nil, err
	}

	// Extraction, short-circuited explicitly for non-archives.
	if err := o.lifecycle.TransitionTo(modelID, model.StateExtracting); err != nil {
		return nil, err
	}
	switch {
	case artifactPath != "" && fetcher.ShouldExtract(artifactPath):
		r.agg.StartStage(StageExtraction)
		contents, err := o.fetcher.Extract(ctx, artifactPath)
		if err != nil {
			return nil, err
		}
		if err := o.registry.SetLocalPath(ctx, modelID, contents); err != nil {
			return nil, err
		}
		r.agg.Complete(StageExtraction)
	case artifactPath != "":
		// Raw model file, used in place.
		if err := o.registry.SetLocalPath(ctx, modelID, artifactPath); err != nil {
			return nil, err
		}
	}
	if err := o.lifecycle.TransitionTo(modelID, model.StateExtracted); err != nil {
		return nil, err
	}

	desc, err = o.registry.Get(modelID)
	if err != nil {
		return nil, err
	}

	// Validation, short-circuited when nothing is declared to check.
	if err := o.lifecycle.TransitionTo(modelID, model.StateValidating); err != nil {
		return nil, err
	}
	if needValidation {
		r.agg.StartStage(StageValidation)
		result := o.validator.Validate(ctx, desc, desc.LocalPath)
		o.bus.TryPublish(model.NewValidatedEvent(r.runID, modelID, &result))
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !result.Valid {
			return nil, validationFailure(&result)
		}
		if len(result.Metadata) > 0 {
			if err := o.registry.SetMetadata(ctx, modelID, result.Metadata); err != nil {
				return nil, err
			}
		}
		r.agg.Complete(StageValidation)
	}
	if err := o.lifecycle.TransitionTo(modelID, model.StateValidated); err != nil {
		return nil, err
	}

	// Initialization: fresh snapshot, adapter selection, capacity check.
	snap, err := o.hal.CurrentSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Thermal == hal.ThermalCritical {
		return nil, model.ErrThermalCritical.WithDetails("thermal", string(snap.Thermal))
	}

	adapter, err := o.runtimes.Select(desc, snap, preferred, rc.FailedAdapters)
	if err != nil {
		return nil, err
	}
	footprint := adapter.EstimatedFootprint(desc)

	if err := o.memory.EnsureCapacity(ctx, footprint); err != nil {
		return nil, stampAdapter(err, adapter.ID())
	}

	if err := o.lifecycle.TransitionTo(modelID, model.StateInitializing); err != nil {
		return nil, err
	}
	r.agg.StartStage(StageInitialization)
	o.memory.Reserve(modelID, footprint)
	defer func() {
		if err != nil {
			o.memory.Unreserve(modelID)
		}
	}()

	if cerr := adapter.Configure(snap); cerr != nil {
		return nil, model.ErrInitializationFailed.
			WithDetails("adapter", adapter.ID()).WithCause(cerr)
	}
	if ierr := adapter.Initialize(ctx, desc.LocalPath); ierr != nil {
		return nil, model.ErrInitializationFailed.
			WithDetails("adapter", adapter.ID()).WithCause(ierr)
	}
	r.agg.Complete(StageInitialization)
	if err := o.lifecycle.TransitionTo(modelID, model.StateInitialized); err != nil {
		return nil, err
	}

	// Loading.
	if err := o.lifecycle.TransitionTo(modelID, model.StateLoading); err != nil {
		return nil, err
	}
	r.agg.StartStage(StageLoading)
	if lerr := adapter.Load(ctx, desc); lerr != nil {
		adapter.Teardown(ctx, modelID)
		return nil, model.ErrLoadFailed.
			WithDetails("adapter", adapter.ID()).WithCause(lerr)
	}
	r.agg.Complete(StageLoading)
	if err := o.lifecycle.TransitionTo(modelID, model.StateLoaded); err != nil {
		return nil, err
	}

	// Ready: commit the handle, bind the instance, finish progress.
	if err := o.lifecycle.TransitionTo(modelID, model.StateReady); err != nil {
		return nil, err
	}
	handle = o.memory.Commit(modelID, adapter.ID(), footprint)
	o.runtimes.Bind(modelID, adapter)
	o.bus.TryPublish(model.NewLoadedEvent(r.runID, modelID, adapter.ID(), footprint))
	r.agg.Finish()
	return handle, nil
}

// downloadProgressFn feeds transfer progress into the aggregator and
// publishes a telemetry event per whole percent.
func (o *Orchestrator) downloadProgressFn(r *activeRun, modelID string) func(done, total int64) {
	lastPercent := -1
	return func(done, total int64) {
		if total <= 0 {
			return
		}
		frac := float64(done) / float64(total)
		r.agg.Update(StageDownload, frac,
			fmt.Sprintf("%d/%d bytes", done, total))

		if pct := int(frac * 100); pct > lastPercent {
			lastPercent = pct
			o.bus.TryPublish(model.NewDownloadProgressEvent(r.runID, modelID, done, total))
		}
	}
}

// validationFailure folds an invalid result into one domain error carrying
// the full problem list.
func validationFailure(result *model.ValidationResult) error {
	msgs := make([]string, 0, len(result.Errors))
	var code model.ErrorCode
	for i, issue := range result.Errors {
		if i == 0 {
			code = model.ErrorCode(issue.Code)
		}
		msgs = append(msgs, issue.Message)
	}

	base := model.ErrInvalidFormat
	switch code {
	case model.ErrCodeChecksumMismatch:
		base = model.ErrChecksumMismatch
	case model.ErrCodeMissingDependency:
		base = model.ErrMissingDependency
	}
	return base.WithDetails("problems", strings.Join(msgs, "; "))
}

func stampAdapter(err error, adapterID string) error {
	var de *model.DomainError
	if errors.As(err, &de) {
		return de.WithDetails("adapter", adapterID)
	}
	return err
}

func scaleBackoff(d, unit time.Duration) time.Duration {
	if unit == time.Second {
		return d
	}
	return time.Duration(float64(d) * float64(unit) / float64(time.Second))
}
