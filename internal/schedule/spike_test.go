package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arberzela/mothernet/pkg/config"
)

func newSpike(factor float64, smoothing int, minRate, eps float64) *ReduceOnSpike {
	return NewReduceOnSpike(config.AdaptiveRateConfig{
		Enabled:         true,
		Factor:          factor,
		SmoothingWindow: smoothing,
		MinLearningRate: minRate,
		Eps:             eps,
	})
}

func TestSpikeSilentUntilWindowFull(t *testing.T) {
	r := newSpike(0.5, 3, 1e-8, 0)
	rates := []float64{0.01}

	assert.False(t, r.Observe(1.0, rates))
	assert.False(t, r.Observe(100.0, rates))
	assert.False(t, r.Observe(1.0, rates))
	assert.Equal(t, 3, r.WindowLen())
	assert.Equal(t, 0.0, r.CapFor(0))
}

func TestSpikeTriggersAndResetsWindow(t *testing.T) {
	r := newSpike(0.5, 3, 1e-8, 0)
	rates := []float64{0.01, 0.02}

	for i := 0; i < 3; i++ {
		require.False(t, r.Observe(1.0, rates))
	}
	require.True(t, r.Observe(5.0, rates))

	assert.InDelta(t, 0.005, r.CapFor(0), 1e-12)
	assert.InDelta(t, 0.01, r.CapFor(1), 1e-12)
	// Window restarts from empty after a reduction.
	assert.Equal(t, 0, r.WindowLen())
}

func TestSpikeWindowSlidesOnCalmLoss(t *testing.T) {
	r := newSpike(0.5, 3, 1e-8, 0)
	rates := []float64{0.01}

	r.Observe(1.0, rates)
	r.Observe(2.0, rates)
	r.Observe(3.0, rates)
	// Mean 2, population stddev ~0.816: 2.5 is within one deviation.
	assert.False(t, r.Observe(2.5, rates))
	assert.Equal(t, 3, r.WindowLen())
	assert.Equal(t, 0.0, r.CapFor(0))
}

func TestSpikeReductionsCompoundAndClamp(t *testing.T) {
	r := newSpike(0.5, 1, 0.003, 0)
	rates := []float64{0.01}

	r.Observe(1.0, rates)
	require.True(t, r.Observe(9.0, rates))
	assert.InDelta(t, 0.005, r.CapFor(0), 1e-12)

	// A second reduction compounds on the ceiling, not the scheduled rate,
	// and clamps at the minimum.
	r.Observe(1.0, rates)
	require.True(t, r.Observe(9.0, rates))
	assert.InDelta(t, 0.003, r.CapFor(0), 1e-12)
}

func TestSpikeSuppressesSubEpsChanges(t *testing.T) {
	r := newSpike(0.5, 1, 1e-8, 1.0)
	rates := []float64{0.01}

	r.Observe(1.0, rates)
	require.True(t, r.Observe(9.0, rates))
	// The reduction of 0.005 is below eps, so no ceiling lands.
	assert.Equal(t, 0.0, r.CapFor(0))
}

func TestSpikeStateRoundTrip(t *testing.T) {
	r := newSpike(0.5, 3, 1e-8, 0)
	rates := []float64{0.01}
	for i := 0; i < 3; i++ {
		r.Observe(1.0, rates)
	}
	r.Observe(5.0, rates)
	r.Observe(1.5, rates)

	st := r.State()
	fresh := newSpike(0.5, 3, 1e-8, 0)
	fresh.Restore(st)

	assert.Equal(t, r.WindowLen(), fresh.WindowLen())
	assert.Equal(t, r.CapFor(0), fresh.CapFor(0))
}
