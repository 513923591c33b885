package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/navpolicy/internal/imaging"
)

// Network is the policy model's forward passes. Implementations must be
// deterministic for fixed weights and inputs.
type Network interface {
	// EncodeObsGoal fuses the context frames and the goal image into a
	// conditioning vector. maskGoal hides the goal from the encoder.
	EncodeObsGoal(ctx context.Context, obs []imaging.Tensor, goal imaging.Tensor, maskGoal bool) ([]float64, error)

	// PredictDistance estimates temporal distance to the goal from a
	// conditioning vector. The first value is authoritative.
	PredictDistance(ctx context.Context, cond []float64) ([]float64, error)

	// PredictNoise predicts the noise in sample (numSamples sequences,
	// flattened) at diffusion timestep t. cond applies to every sequence.
	PredictNoise(ctx context.Context, sample []float64, numSamples, timestep int, cond []float64) ([]float64, error)
}

// InferenceError reports a failed or non-finite network stage. The control
// loop skips the tick when it sees one.
type InferenceError struct {
	Stage string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// ErrNonFinite marks NaN or Inf in a network output.
var ErrNonFinite = errors.New("non-finite value")

// SamplerConfig holds the sampler's fixed shapes.
type SamplerConfig struct {
	NumSamples     int
	LenTrajPred    int
	DiffusionSteps int
	ImageWidth     int
	ImageHeight    int
	Stats          ActionStats
	Seed           uint64
}

// Sampler runs the conditioned reverse-diffusion recursion.
type Sampler struct {
	cfg   SamplerConfig
	net   Network
	sched *DDPMScheduler
	rng   *rand.Rand
}

// Result is one tick's sampler output.
type Result struct {
	Trajectories Trajectories
	Distance     float64
	Elapsed      time.Duration
}

// NewSampler validates cfg and builds the scheduler.
func NewSampler(cfg SamplerConfig, net Network) (*Sampler, error) {
	if net == nil {
		return nil, errors.New("sampler requires a network")
	}
	if cfg.NumSamples < 1 || cfg.LenTrajPred < 1 {
		return nil, fmt.Errorf("invalid batch shape %dx%d", cfg.NumSamples, cfg.LenTrajPred)
	}
	if cfg.ImageWidth <= 0 || cfg.ImageHeight <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", cfg.ImageWidth, cfg.ImageHeight)
	}
	if err := cfg.Stats.Validate(); err != nil {
		return nil, err
	}
	sched, err := NewDDPMScheduler(cfg.DiffusionSteps)
	if err != nil {
		return nil, err
	}
	return &Sampler{
		cfg:   cfg,
		net:   net,
		sched: sched,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Scheduler exposes the diffusion schedule.
func (s *Sampler) Scheduler() *DDPMScheduler {
	return s.sched
}

// Sample encodes the context window and goal, estimates the goal distance and
// draws a batch of candidate trajectories.
func (s *Sampler) Sample(ctx context.Context, window []Frame, goal Frame) (Result, error) {
	start := time.Now()
	if len(window) == 0 {
		return Result{}, &InferenceError{Stage: "preprocess", Err: errors.New("empty context window")}
	}

	obs := make([]imaging.Tensor, len(window))
	for i, f := range window {
		t, err := imaging.Preprocess(f.Image, s.cfg.ImageWidth, s.cfg.ImageHeight, true)
		if err != nil {
			return Result{}, &InferenceError{Stage: "preprocess", Err: fmt.Errorf("context frame %d: %w", i, err)}
		}
		obs[i] = t
	}
	goalTensor, err := imaging.Preprocess(goal.Image, s.cfg.ImageWidth, s.cfg.ImageHeight, false)
	if err != nil {
		return Result{}, &InferenceError{Stage: "preprocess", Err: fmt.Errorf("goal: %w", err)}
	}

	cond, err := s.net.EncodeObsGoal(ctx, obs, goalTensor, false)
	if err != nil {
		return Result{}, &InferenceError{Stage: "encode", Err: err}
	}
	if len(cond) == 0 {
		return Result{}, &InferenceError{Stage: "encode", Err: errors.New("empty conditioning vector")}
	}
	if !finite(cond) {
		return Result{}, &InferenceError{Stage: "encode", Err: ErrNonFinite}
	}

	dists, err := s.net.PredictDistance(ctx, cond)
	if err != nil {
		return Result{}, &InferenceError{Stage: "distance", Err: err}
	}
	if len(dists) == 0 {
		return Result{}, &InferenceError{Stage: "distance", Err: errors.New("no distance returned")}
	}
	if math.IsNaN(dists[0]) || math.IsInf(dists[0], 0) {
		return Result{}, &InferenceError{Stage: "distance", Err: ErrNonFinite}
	}

	deltas, err := s.Denoise(ctx, cond)
	if err != nil {
		return Result{}, err
	}
	s.cfg.Stats.Unnormalize(deltas, deltas)
	traj, err := DeltasToTrajectories(deltas, s.cfg.NumSamples, s.cfg.LenTrajPred)
	if err != nil {
		return Result{}, &InferenceError{Stage: "postprocess", Err: err}
	}

	return Result{Trajectories: traj, Distance: dists[0], Elapsed: time.Since(start)}, nil
}

// Denoise runs the fixed-length reverse recursion from Gaussian noise and
// returns the normalized delta batch. Every call performs exactly
// DiffusionSteps steps in the scheduler's order.
func (s *Sampler) Denoise(ctx context.Context, cond []float64) ([]float64, error) {
	n := s.cfg.NumSamples * s.cfg.LenTrajPred * 2
	sample := make([]float64, n)
	for i := range sample {
		sample[i] = s.rng.NormFloat64()
	}
	next := make([]float64, n)

	for _, t := range s.sched.Timesteps() {
		eps, err := s.net.PredictNoise(ctx, sample, s.cfg.NumSamples, t, cond)
		if err != nil {
			return nil, &InferenceError{Stage: "noise", Err: fmt.Errorf("timestep %d: %w", t, err)}
		}
		if len(eps) != n {
			return nil, &InferenceError{Stage: "noise", Err: fmt.Errorf("timestep %d: predicted %d values, want %d", t, len(eps), n)}
		}
		if !finite(eps) {
			return nil, &InferenceError{Stage: "noise", Err: fmt.Errorf("timestep %d: %w", t, ErrNonFinite)}
		}
		if err := s.sched.Step(next, eps, t, sample, s.rng.NormFloat64); err != nil {
			return nil, &InferenceError{Stage: "step", Err: err}
		}
		sample, next = next, sample
	}

	if !finite(sample) {
		return nil, &InferenceError{Stage: "step", Err: ErrNonFinite}
	}
	return sample, nil
}

func finite(v []float64) bool {
	if floats.HasNaN(v) {
		return false
	}
	for _, x := range v {
		if math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// NetworkFuncs adapts plain functions to Network. Nil fields return zero
// values of the right shape.
type NetworkFuncs struct {
	Encode   func(obs []imaging.Tensor, goal imaging.Tensor, maskGoal bool) ([]float64, error)
	Distance func(cond []float64) ([]float64, error)
	Noise    func(sample []float64, numSamples, timestep int, cond []float64) ([]float64, error)
}

func (f NetworkFuncs) EncodeObsGoal(_ context.Context, obs []imaging.Tensor, goal imaging.Tensor, maskGoal bool) ([]float64, error) {
	if f.Encode == nil {
		return []float64{0}, nil
	}
	return f.Encode(obs, goal, maskGoal)
}

func (f NetworkFuncs) PredictDistance(_ context.Context, cond []float64) ([]float64, error) {
	if f.Distance == nil {
		return []float64{0}, nil
	}
	return f.Distance(cond)
}

func (f NetworkFuncs) PredictNoise(_ context.Context, sample []float64, numSamples, timestep int, cond []float64) ([]float64, error) {
	if f.Noise == nil {
		return make([]float64, len(sample)), nil
	}
	return f.Noise(sample, numSamples, timestep, cond)
}
