package policy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDDPMSchedulerTimesteps(t *testing.T) {
	s, err := NewDDPMScheduler(10)
	require.NoError(t, err)
	assert.Equal(t, []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}, s.Timesteps())

	require.NoError(t, s.SetTimesteps(5))
	assert.Equal(t, []int{8, 6, 4, 2, 0}, s.Timesteps())

	assert.Error(t, s.SetTimesteps(0))
	assert.Error(t, s.SetTimesteps(11))

	_, err = NewDDPMScheduler(0)
	assert.Error(t, err)
}

func TestDDPMSchedulerAlphaCumprodDecreasing(t *testing.T) {
	s, err := NewDDPMScheduler(100)
	require.NoError(t, err)

	prev := 1.0
	for i := 0; i < 100; i++ {
		a := s.AlphaCumprod(i)
		assert.Less(t, a, prev, "timestep %d", i)
		assert.GreaterOrEqual(t, a, 0.0)
		prev = a
	}
	// squaredcos_cap_v2 keeps the first step nearly noise-free.
	assert.InDelta(t, 1.0, s.AlphaCumprod(0), 1e-3)
}

func TestDDPMSchedulerFinalStepIsNoiseless(t *testing.T) {
	s, err := NewDDPMScheduler(10)
	require.NoError(t, err)

	sample := []float64{0.5, -0.25, 3.0}
	eps := make([]float64, len(sample))
	prev := make([]float64, len(sample))
	noise := func() float64 {
		t.Fatal("noise drawn at t=0")
		return 0
	}
	require.NoError(t, s.Step(prev, eps, 0, sample, noise))

	root := math.Sqrt(s.AlphaCumprod(0))
	assert.InDelta(t, 0.5/root, prev[0], 1e-12)
	assert.InDelta(t, -0.25/root, prev[1], 1e-12)
	// x0 prediction is clipped to the sample range.
	assert.InDelta(t, 1.0, prev[2], 1e-12)
}

func TestDDPMSchedulerStepUsesNoiseAboveZero(t *testing.T) {
	s, err := NewDDPMScheduler(10)
	require.NoError(t, err)

	sample := []float64{0.1, 0.2}
	eps := []float64{0, 0}
	quiet := make([]float64, 2)
	loud := make([]float64, 2)
	draws := 0
	require.NoError(t, s.Step(quiet, eps, 5, sample, func() float64 { return 0 }))
	require.NoError(t, s.Step(loud, eps, 5, sample, func() float64 { draws++; return 1 }))

	assert.Equal(t, 2, draws)
	assert.Greater(t, loud[0], quiet[0])
	assert.Greater(t, loud[1], quiet[1])
}

func TestDDPMSchedulerStepRejectsBadInput(t *testing.T) {
	s, err := NewDDPMScheduler(10)
	require.NoError(t, err)
	zero := func() float64 { return 0 }

	assert.Error(t, s.Step(make([]float64, 2), make([]float64, 3), 1, make([]float64, 2), zero))
	assert.Error(t, s.Step(make([]float64, 2), make([]float64, 2), 10, make([]float64, 2), zero))
	assert.Error(t, s.Step(make([]float64, 2), make([]float64, 2), -1, make([]float64, 2), zero))
}
