package control

import (
	"github.com/banshee-data/navpolicy/internal/episode"
	"github.com/banshee-data/navpolicy/internal/policy"
	"github.com/banshee-data/navpolicy/internal/robot"
)

// Status is a point-in-time view of the loop for the status endpoint.
type Status struct {
	Ticks           uint64           `json:"ticks"`
	Processed       uint64           `json:"processed"`
	InferenceErrors uint64           `json:"inference_errors"`
	Refreshes       uint64           `json:"refreshes"`
	RefreshFailures uint64           `json:"refresh_failures"`
	LastDistance    float64          `json:"last_distance"`
	LastCommand     policy.Command   `json:"last_command"`
	LastSuppressed  string           `json:"last_suppressed,omitempty"`
	HasSubgoal      bool             `json:"has_subgoal"`
	ForcedManual    bool             `json:"forced_manual"`
	BufferLen       int              `json:"buffer_len"`
	BufferCapacity  int              `json:"buffer_capacity"`
	QueueDepth      int              `json:"queue_depth"`
	QueueDropped    uint64           `json:"queue_dropped"`
	Episode         episode.Snapshot `json:"episode"`
	Robot           robot.Snapshot   `json:"robot"`
}

// Status returns the current loop counters and collaborator state.
func (d *Driver) Status() Status {
	d.mu.Lock()
	st := d.status
	st.HasSubgoal = d.goal != nil
	st.ForcedManual = d.forced
	d.mu.Unlock()

	st.BufferLen = d.deps.Buffer.Len()
	st.BufferCapacity = d.deps.Buffer.Capacity()
	st.QueueDepth = d.deps.Queue.Len()
	st.QueueDropped = d.deps.Queue.Dropped()
	st.Episode = d.deps.Machine.Snapshot()
	st.Robot = d.deps.Robot.Snapshot()
	return st
}
