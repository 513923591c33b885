package policy

import (
	"errors"
	"fmt"
)

// ErrWaypointOutOfRange is returned when the configured waypoint index does
// not address a predicted step.
var ErrWaypointOutOfRange = errors.New("waypoint index out of range")

// Command is the waypoint message sent to the motion controller: x and y are
// used, the remaining two components are reserved and always zero.
type Command [4]float32

// Selector picks the command waypoint from a trajectory batch.
type Selector struct {
	index int
	scale float64
}

// NewSelector validates index against the trajectory horizon. When normalize
// is set, emitted x/y are scaled by maxV/controlRate to physical units per tick.
func NewSelector(index, horizon int, normalize bool, maxV, controlRate float64) (*Selector, error) {
	if index < 0 || index >= horizon {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrWaypointOutOfRange, index, horizon)
	}
	scale := 1.0
	if normalize {
		if controlRate <= 0 {
			return nil, fmt.Errorf("control rate must be positive, got %g", controlRate)
		}
		scale = maxV / controlRate
	}
	return &Selector{index: index, scale: scale}, nil
}

// Index returns the configured waypoint index.
func (s *Selector) Index() int {
	return s.index
}

// Select returns the command for the first sample of the batch.
func (s *Selector) Select(t Trajectories) (Command, error) {
	if t.Samples < 1 || s.index >= t.Horizon {
		return Command{}, fmt.Errorf("%w: batch %dx%d", ErrWaypointOutOfRange, t.Samples, t.Horizon)
	}
	p := t.Point(0, s.index)
	return Command{float32(p[0] * s.scale), float32(p[1] * s.scale), 0, 0}, nil
}
