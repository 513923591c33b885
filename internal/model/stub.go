package model

import (
	"context"
	"errors"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/navpolicy/internal/imaging"
)

// Stub is a deterministic stand-in for the policy network. Its distance
// estimate walks from Start down by Step per call and wraps after Period
// calls, so dev runs cycle through reached-goal episodes.
type Stub struct {
	Start  float64
	Step   float64
	Period int

	mu    sync.Mutex
	calls int
}

// NewStub returns a stub that reaches the default close threshold after a
// few dozen ticks.
func NewStub() *Stub {
	return &Stub{Start: 30, Step: 0.5, Period: 60}
}

func (s *Stub) EncodeObsGoal(_ context.Context, obs []imaging.Tensor, goal imaging.Tensor, _ bool) ([]float64, error) {
	if len(obs) == 0 {
		return nil, errors.New("no observations")
	}
	cond := make([]float64, 0, len(obs)+1)
	for _, o := range obs {
		cond = append(cond, meanOf(o.Data))
	}
	return append(cond, meanOf(goal.Data)), nil
}

func (s *Stub) PredictDistance(_ context.Context, _ []float64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls
	s.calls++
	if s.Period > 0 {
		n %= s.Period
	}
	d := s.Start - s.Step*float64(n)
	if d < 0 {
		d = 0
	}
	return []float64{d}, nil
}

// PredictNoise predicts a fixed fraction of the sample, which steers the
// recursion toward the origin.
func (s *Stub) PredictNoise(_ context.Context, sample []float64, _, _ int, _ []float64) ([]float64, error) {
	out := make([]float64, len(sample))
	floats.ScaleTo(out, 0.5, sample)
	return out, nil
}

func meanOf(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	f := make([]float64, len(v))
	for i, x := range v {
		f[i] = float64(x)
	}
	return floats.Sum(f) / float64(len(f))
}
