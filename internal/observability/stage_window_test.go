package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageTerminalToApplied, 500*time.Millisecond)
	w.Observe(StageTerminalToApplied, 700*time.Millisecond)
	w.Observe(StageTerminalToApplied, 900*time.Millisecond)
	w.ObserveIndicator("apply_conflict")
	w.ObserveIndicator("apply_conflict")
	w.ObserveIndicator("  ")

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 1)

	s := snap.Stages[0]
	assert.Equal(t, StageTerminalToApplied, s.Stage)
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 900.0, s.LastMS)
	assert.Equal(t, 700.0, s.AvgMS)
	assert.Equal(t, 700.0, s.P50MS)
	assert.Equal(t, 2000.0, s.TargetP95MS)
	assert.False(t, s.OverTarget)

	assert.Equal(t, []Indicator{{Name: "apply_conflict", Count: 2}}, snap.Indicators)
}

func TestStageWindowKeepsNewestSamples(t *testing.T) {
	w := newStageWindow(2)
	w.Observe(StageSubmitToFirstUpdate, time.Millisecond)
	w.Observe(StageSubmitToFirstUpdate, 5*time.Second)
	w.Observe(StageSubmitToFirstUpdate, 7*time.Second)
	w.Observe("", time.Second)
	w.Observe(StageSubmitToFirstUpdate, -time.Second)

	snap := w.Snapshot()
	require.Len(t, snap.Stages, 1)
	s := snap.Stages[0]
	assert.Equal(t, 2, s.Samples)
	assert.Equal(t, 6000.0, s.AvgMS)
	assert.Equal(t, 7000.0, s.LastMS)
	assert.True(t, s.OverTarget)
}

func TestQuantileInterpolates(t *testing.T) {
	assert.Zero(t, quantile(nil, 0.5))
	assert.Equal(t, 10.0, quantile([]float64{10, 20}, 0))
	assert.Equal(t, 15.0, quantile([]float64{10, 20}, 0.5))
	assert.Equal(t, 20.0, quantile([]float64{10, 20}, 1))
}
