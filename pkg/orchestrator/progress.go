package orchestrator

import (
	"sync"
	"time"
)

// Stage names the coarse phases surfaced to progress observers. They map
// onto lifecycle states but collapse the entered/exited pairs.
type Stage string

const (
	StageDiscovery      Stage = "discovery"
	StageDownload       Stage = "download"
	StageExtraction     Stage = "extraction"
	StageValidation     Stage = "validation"
	StageInitialization Stage = "initialization"
	StageLoading        Stage = "loading"
	StageReady          Stage = "ready"
)

// stageWeights are fixed and sum to 1.0 across the full plan.
var stageWeights = map[Stage]float64{
	StageDiscovery:      0.05,
	StageDownload:       0.25,
	StageExtraction:     0.10,
	StageValidation:     0.05,
	StageInitialization: 0.15,
	StageLoading:        0.30,
	StageReady:          0.10,
}

// allStages in execution order.
var allStages = []Stage{
	StageDiscovery, StageDownload, StageExtraction, StageValidation,
	StageInitialization, StageLoading, StageReady,
}

// Progress is one observable snapshot of a lifecycle run.
type Progress struct {
	Percentage float64       `json:"percentage"`
	Stage      Stage         `json:"stage"`
	Message    string        `json:"message"`
	ETA        time.Duration `json:"eta"`
}

// StageHistory keeps a moving average of stage durations across runs so
// first-stage ETAs have something to stand on. Averages are seeded with
// rough constants and refined as runs complete.
type StageHistory struct {
	mu  sync.Mutex
	avg map[Stage]time.Duration
}

func NewStageHistory() *StageHistory {
	return &StageHistory{avg: map[Stage]time.Duration{
		StageDiscovery:      200 * time.Millisecond,
		StageDownload:       2 * time.Minute,
		StageExtraction:     20 * time.Second,
		StageValidation:     10 * time.Second,
		StageInitialization: 5 * time.Second,
		StageLoading:        30 * time.Second,
		StageReady:          100 * time.Millisecond,
	}}
}

// Average returns the historical duration estimate for stage.
func (h *StageHistory) Average(stage Stage) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.avg[stage]
}

// Record folds an observed duration into the moving average (weight 0.3
// for the new observation).
func (h *StageHistory) Record(stage Stage, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.avg[stage]
	if prev == 0 {
		h.avg[stage] = d
		return
	}
	h.avg[stage] = time.Duration(float64(prev)*0.7 + float64(d)*0.3)
}

// Aggregator folds per-stage progress fractions into one weighted overall
// percentage for a single lifecycle run. The percentage is normalized by
// the weights of planned stages only, so skipped stages never leave a gap,
// and it is clamped non-decreasing.
type Aggregator struct {
	mu         sync.Mutex
	planned    map[Stage]bool
	fractions  map[Stage]float64
	messages   map[Stage]string
	current    Stage
	stageStart time.Time
	lastPct    float64
	finished   bool
	history    *StageHistory
	subs       map[int]chan Progress
	nextSub    int
}

func NewAggregator(history *StageHistory) *Aggregator {
	if history == nil {
		history = NewStageHistory()
	}
	a := &Aggregator{
		planned:   make(map[Stage]bool, len(allStages)),
		fractions: make(map[Stage]float64, len(allStages)),
		messages:  make(map[Stage]string),
		history:   history,
		subs:      make(map[int]chan Progress),
	}
	for _, s := range allStages {
		a.planned[s] = true
	}
	return a
}

// SetPlan replaces the planned stage set. Stages already completed stay
// counted so the percentage cannot move backwards.
func (a *Aggregator) SetPlan(stages ...Stage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	planned := make(map[Stage]bool, len(stages))
	for _, s := range stages {
		planned[s] = true
	}
	for s, frac := range a.fractions {
		if frac > 0 {
			planned[s] = true
		}
	}
	a.planned = planned
	a.notifyLocked()
}

// StartStage marks stage as the current one.
func (a *Aggregator) StartStage(stage Stage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = stage
	a.stageStart = time.Now()
	a.planned[stage] = true
	a.notifyLocked()
}

// Update sets the completion fraction for a stage. Fractions only move
// forward.
func (a *Aggregator) Update(stage Stage, fraction float64, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	if fraction > a.fractions[stage] {
		a.fractions[stage] = fraction
	}
	if message != "" {
		a.messages[stage] = message
	}
	a.notifyLocked()
}

// Complete marks a stage fully done and feeds its duration into history.
func (a *Aggregator) Complete(stage Stage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.fractions[stage] = 1
	if a.current == stage && !a.stageStart.IsZero() {
		a.history.Record(stage, time.Since(a.stageStart))
	}
	a.notifyLocked()
}

// Finish drives the percentage to exactly 1.0 and closes all subscriber
// channels. Called when the run reaches Ready.
func (a *Aggregator) Finish() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for s := range a.planned {
		a.fractions[s] = 1
	}
	a.finished = true
	a.notifyLocked()
	a.closeSubsLocked()
}

// Abort closes subscriber channels without completing. Called on failure
// or cancellation.
func (a *Aggregator) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finished = true
	a.closeSubsLocked()
}

// Subscribe returns a channel of progress snapshots and a cancel func.
// The channel closes when the run completes, fails or the subscription is
// cancelled. Slow subscribers miss intermediate snapshots instead of
// blocking the run.
func (a *Aggregator) Subscribe() (<-chan Progress, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan Progress, 16)
	if a.finished {
		close(ch)
		return ch, func() {}
	}

	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch

	// Seed with the current snapshot.
	select {
	case ch <- a.snapshotLocked():
	default:
	}

	cancel := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if c, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Snapshot returns the current progress tuple.
func (a *Aggregator) Snapshot() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Progress {
	return Progress{
		Percentage: a.percentageLocked(),
		Stage:      a.current,
		Message:    a.messages[a.current],
		ETA:        a.etaLocked(),
	}
}

func (a *Aggregator) percentageLocked() float64 {
	var sum, weightSum float64
	for s := range a.planned {
		w := stageWeights[s]
		weightSum += w
		sum += a.fractions[s] * w
	}
	pct := 1.0
	if weightSum > 0 {
		pct = sum / weightSum
	}
	if pct < a.lastPct {
		pct = a.lastPct
	}
	a.lastPct = pct
	return pct
}

// etaLocked estimates remaining time: the current stage extrapolated from
// its own elapsed/progress ratio (historical average when there is no
// elapsed time yet) plus historical averages for planned stages not yet
// started.
func (a *Aggregator) etaLocked() time.Duration {
	var eta time.Duration

	frac := a.fractions[a.current]
	elapsed := time.Duration(0)
	if !a.stageStart.IsZero() {
		elapsed = time.Since(a.stageStart)
	}
	switch {
	case frac >= 1:
		// current stage done, nothing to add
	case frac > 0 && elapsed > 0:
		eta += time.Duration(float64(elapsed) * (1 - frac) / frac)
	default:
		eta += a.history.Average(a.current)
	}

	started := false
	for _, s := range allStages {
		if s == a.current {
			started = true
			continue
		}
		if !started || !a.planned[s] || a.fractions[s] >= 1 {
			continue
		}
		eta += a.history.Average(s)
	}
	return eta
}

func (a *Aggregator) notifyLocked() {
	snap := a.snapshotLocked()
	for _, ch := range a.subs {
		select {
		case ch <- snap:
		default:
			// Full buffer: drop the oldest snapshot so the latest one
			// always gets through.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (a *Aggregator) closeSubsLocked() {
	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
}
