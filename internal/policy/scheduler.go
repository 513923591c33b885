package policy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const maxBeta = 0.999

// DDPMScheduler implements the DDPM reverse process with a squared-cosine
// beta schedule, epsilon prediction, sample clipping and fixed_small variance.
type DDPMScheduler struct {
	numTrainTimesteps int
	alphasCumprod     []float64
	timesteps         []int
	stepRatio         int

	ClipSample bool
	ClipRange  float64

	orig []float64
}

// NewDDPMScheduler builds the squaredcos_cap_v2 schedule over
// numTrainTimesteps steps and sets inference to use all of them.
func NewDDPMScheduler(numTrainTimesteps int) (*DDPMScheduler, error) {
	if numTrainTimesteps < 1 {
		return nil, fmt.Errorf("num_train_timesteps must be at least 1, got %d", numTrainTimesteps)
	}
	alphaBar := func(t float64) float64 {
		c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
		return c * c
	}

	cum := make([]float64, numTrainTimesteps)
	prod := 1.0
	n := float64(numTrainTimesteps)
	for i := 0; i < numTrainTimesteps; i++ {
		beta := math.Min(1-alphaBar(float64(i+1)/n)/alphaBar(float64(i)/n), maxBeta)
		prod *= 1 - beta
		cum[i] = prod
	}

	s := &DDPMScheduler{
		numTrainTimesteps: numTrainTimesteps,
		alphasCumprod:     cum,
		ClipSample:        true,
		ClipRange:         1,
	}
	if err := s.SetTimesteps(numTrainTimesteps); err != nil {
		return nil, err
	}
	return s, nil
}

// SetTimesteps selects n inference timesteps with leading spacing, in
// strictly decreasing order.
func (s *DDPMScheduler) SetTimesteps(n int) error {
	if n < 1 || n > s.numTrainTimesteps {
		return fmt.Errorf("inference steps %d out of range [1, %d]", n, s.numTrainTimesteps)
	}
	s.stepRatio = s.numTrainTimesteps / n
	s.timesteps = make([]int, n)
	for i := 0; i < n; i++ {
		s.timesteps[i] = (n - 1 - i) * s.stepRatio
	}
	return nil
}

// Timesteps returns the inference schedule, highest timestep first.
func (s *DDPMScheduler) Timesteps() []int {
	out := make([]int, len(s.timesteps))
	copy(out, s.timesteps)
	return out
}

// AlphaCumprod returns the cumulative alpha product at timestep t.
func (s *DDPMScheduler) AlphaCumprod(t int) float64 {
	return s.alphasCumprod[t]
}

// Step writes the less-noisy sample for timestep t into prev given the
// predicted noise eps and the current sample. For t > 0 the posterior noise
// is drawn from noise, one value per element.
func (s *DDPMScheduler) Step(prev, eps []float64, t int, sample []float64, noise func() float64) error {
	if t < 0 || t >= s.numTrainTimesteps {
		return fmt.Errorf("timestep %d out of range", t)
	}
	if len(eps) != len(sample) || len(prev) != len(sample) {
		return fmt.Errorf("shape mismatch: eps=%d sample=%d prev=%d", len(eps), len(sample), len(prev))
	}

	prevT := t - s.stepRatio
	alphaProdT := s.alphasCumprod[t]
	alphaProdPrev := 1.0
	if prevT >= 0 {
		alphaProdPrev = s.alphasCumprod[prevT]
	}
	betaProdT := 1 - alphaProdT
	betaProdPrev := 1 - alphaProdPrev
	currentAlpha := alphaProdT / alphaProdPrev
	currentBeta := 1 - currentAlpha

	if cap(s.orig) < len(sample) {
		s.orig = make([]float64, len(sample))
	}
	orig := s.orig[:len(sample)]

	// x0 = (x_t - sqrt(1-abar_t) * eps) / sqrt(abar_t)
	floats.AddScaledTo(orig, sample, -math.Sqrt(betaProdT), eps)
	floats.Scale(1/math.Sqrt(alphaProdT), orig)
	if s.ClipSample {
		for i, v := range orig {
			orig[i] = math.Max(-s.ClipRange, math.Min(s.ClipRange, v))
		}
	}

	origCoeff := math.Sqrt(alphaProdPrev) * currentBeta / betaProdT
	sampleCoeff := math.Sqrt(currentAlpha) * betaProdPrev / betaProdT
	floats.ScaleTo(prev, origCoeff, orig)
	floats.AddScaled(prev, sampleCoeff, sample)

	if t > 0 {
		variance := math.Max(betaProdPrev/betaProdT*currentBeta, 1e-20)
		std := math.Sqrt(variance)
		for i := range prev {
			prev[i] += std * noise()
		}
	}
	return nil
}
