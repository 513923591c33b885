package policy

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ActionStats are the per-dimension bounds the training actions were scaled
// from into [-1, 1].
type ActionStats struct {
	Min [2]float64
	Max [2]float64
}

// Validate checks that every dimension has a positive range.
func (st ActionStats) Validate() error {
	for d := 0; d < 2; d++ {
		if st.Max[d] <= st.Min[d] {
			return fmt.Errorf("action stats dimension %d: max %g must exceed min %g", d, st.Max[d], st.Min[d])
		}
	}
	return nil
}

// Unnormalize maps interleaved (x, y) values from [-1, 1] back to action
// units: (n+1)/2*(max-min)+min. dst and src may alias.
func (st ActionStats) Unnormalize(dst, src []float64) {
	st.apply(dst, src, func(d int) (float64, float64) {
		span := st.Max[d] - st.Min[d]
		return span / 2, span/2 + st.Min[d]
	})
}

// Normalize is the inverse of Unnormalize: 2*(x-min)/(max-min)-1.
func (st ActionStats) Normalize(dst, src []float64) {
	st.apply(dst, src, func(d int) (float64, float64) {
		span := st.Max[d] - st.Min[d]
		return 2 / span, -2*st.Min[d]/span - 1
	})
}

// apply computes dst = scale*src + offset per dimension on interleaved data.
func (st ActionStats) apply(dst, src []float64, coeffs func(d int) (scale, offset float64)) {
	n := len(src) / 2
	col := make([]float64, n)
	for d := 0; d < 2; d++ {
		scale, offset := coeffs(d)
		for i := 0; i < n; i++ {
			col[i] = src[2*i+d]
		}
		floats.Scale(scale, col)
		floats.AddConst(offset, col)
		for i := 0; i < n; i++ {
			dst[2*i+d] = col[i]
		}
	}
}

// Trajectories is a batch of sampled 2D waypoint sequences stored as
// Data[(sample*Horizon+step)*2+dim].
type Trajectories struct {
	Samples int
	Horizon int
	Data    []float64
}

// Point returns waypoint step of the given sample.
func (t Trajectories) Point(sample, step int) [2]float64 {
	i := (sample*t.Horizon + step) * 2
	return [2]float64{t.Data[i], t.Data[i+1]}
}

// Sample returns the interleaved waypoints of one sample.
func (t Trajectories) Sample(sample int) []float64 {
	n := t.Horizon * 2
	return t.Data[sample*n : (sample+1)*n]
}

// Flatten returns the batch as float32 with a leading zero sentinel, the
// layout published on the sampled-actions channel.
func (t Trajectories) Flatten() []float32 {
	out := make([]float32, 1, len(t.Data)+1)
	for _, v := range t.Data {
		out = append(out, float32(v))
	}
	return out
}

// DeltasToTrajectories turns per-step displacement deltas into absolute
// waypoints: each sample starts from a zero origin and accumulates its deltas
// along the trajectory axis.
func DeltasToTrajectories(deltas []float64, samples, horizon int) (Trajectories, error) {
	if len(deltas) != samples*horizon*2 {
		return Trajectories{}, fmt.Errorf("delta batch has %d values, want %d", len(deltas), samples*horizon*2)
	}
	out := Trajectories{Samples: samples, Horizon: horizon, Data: make([]float64, len(deltas))}

	// One extra slot for the zero origin.
	col := make([]float64, horizon+1)
	for s := 0; s < samples; s++ {
		base := s * horizon * 2
		for d := 0; d < 2; d++ {
			col[0] = 0
			for i := 0; i < horizon; i++ {
				col[i+1] = deltas[base+2*i+d]
			}
			floats.CumSum(col, col)
			for i := 0; i < horizon; i++ {
				out.Data[base+2*i+d] = col[i+1]
			}
		}
	}
	return out, nil
}
