package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightsSumToOne(t *testing.T) {
	var sum float64
	for _, s := range allStages {
		sum += stageWeights[s]
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestPercentageMonotonic(t *testing.T) {
	a := NewAggregator(nil)
	a.SetPlan(allStages...)

	var last float64
	step := func() {
		pct := a.Snapshot().Percentage
		assert.GreaterOrEqual(t, pct, last)
		last = pct
	}

	a.StartStage(StageDiscovery)
	step()
	a.Complete(StageDiscovery)
	step()
	a.StartStage(StageDownload)
	for _, f := range []float64{0.1, 0.4, 0.9, 1.0} {
		a.Update(StageDownload, f, "")
		step()
	}
	a.Complete(StageDownload)
	step()

	// Replanning away a not-yet-run stage must not move the bar backwards.
	a.SetPlan(StageDiscovery, StageDownload, StageInitialization, StageLoading, StageReady)
	step()

	a.Finish()
	assert.Equal(t, 1.0, a.Snapshot().Percentage)
}

func TestSkippedStagesExcludedFromDenominator(t *testing.T) {
	a := NewAggregator(nil)
	a.SetPlan(StageDiscovery, StageInitialization, StageLoading, StageReady)

	a.StartStage(StageDiscovery)
	a.Complete(StageDiscovery)

	// discovery weight over the planned weight sum
	want := 0.05 / (0.05 + 0.15 + 0.30 + 0.10)
	assert.InDelta(t, want, a.Snapshot().Percentage, 1e-9)
}

func TestStageFractionsNeverRegress(t *testing.T) {
	a := NewAggregator(nil)
	a.StartStage(StageDownload)
	a.Update(StageDownload, 0.8, "")
	a.Update(StageDownload, 0.3, "")
	assert.Equal(t, 0.8, a.fractions[StageDownload])
}

func TestETAFallsBackToHistory(t *testing.T) {
	h := NewStageHistory()
	a := NewAggregator(h)
	a.SetPlan(StageDownload, StageLoading, StageReady)
	a.StartStage(StageDownload)

	// No progress yet in the current stage: ETA is purely historical.
	want := h.Average(StageDownload) + h.Average(StageLoading) + h.Average(StageReady)
	assert.Equal(t, want, a.Snapshot().ETA)
}

func TestETAExtrapolatesWithinStage(t *testing.T) {
	a := NewAggregator(NewStageHistory())
	a.SetPlan(StageDownload)
	a.StartStage(StageDownload)
	a.stageStart = time.Now().Add(-10 * time.Second)
	a.Update(StageDownload, 0.5, "")

	// 10s elapsed at 50%: about 10s remain.
	eta := a.Snapshot().ETA
	assert.InDelta(t, 10*time.Second, eta, float64(500*time.Millisecond))
}

func TestHistoryMovingAverage(t *testing.T) {
	h := NewStageHistory()
	before := h.Average(StageLoading)
	h.Record(StageLoading, before*2)
	after := h.Average(StageLoading)
	assert.Greater(t, after, before)
	assert.Less(t, after, before*2)
}

func TestSubscribeReceivesAndCloses(t *testing.T) {
	a := NewAggregator(nil)
	ch, cancel := a.Subscribe()
	defer cancel()

	a.StartStage(StageDiscovery)
	a.Complete(StageDiscovery)
	a.Finish()

	var last Progress
	for p := range ch {
		last = p
	}
	assert.Equal(t, 1.0, last.Percentage)
}

func TestSubscribeAfterFinishYieldsClosedChannel(t *testing.T) {
	a := NewAggregator(nil)
	a.Finish()

	ch, cancel := a.Subscribe()
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	a := NewAggregator(nil)
	ch, cancel := a.Subscribe()
	cancel()
	_, open := <-ch
	require.False(t, open)

	// Further updates must not panic with the subscription gone.
	a.Update(StageDownload, 0.5, "")
}
