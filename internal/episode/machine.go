// Package episode tracks the attempt to reach the active subgoal and decides
// when it ends.
package episode

import (
	"sync"

	"github.com/google/uuid"
)

// State is the status of the current attempt.
type State string

const (
	Running     State = "running"      // Attempt in progress
	ReachedGoal State = "reached_goal" // Distance fell below the close threshold
	Timeout     State = "timeout"      // Attempt ran longer than the subgoal timeout
	Crash       State = "crash"        // Robot reported a reset, waits for task signal
	Manual      State = "manual"       // Robot left autonomous mode, waits for task signal
)

// Robot state labels with meaning to the machine.
const (
	RobotReset  = "reset"
	RobotDoTask = "do_task"
)

// ManualStates are the non-autonomous robot states that end an attempt.
var ManualStates = map[string]bool{
	"idle":        true,
	"nav_to_dock": true,
	"dock":        true,
	"undock":      true,
	"teleop":      true,
}

// DefaultCloseThreshold is the distance below which the subgoal counts as
// reached.
const DefaultCloseThreshold = 10.0

// Terminal reports whether s ends the attempt.
func (s State) Terminal() bool {
	return s != Running
}

// Latched reports whether s holds processing until the robot signals a new task.
func (s State) Latched() bool {
	return s == Crash || s == Manual
}

// Inputs are the per-tick observations the machine decides on.
type Inputs struct {
	Distance   float64
	RobotState string
}

// Snapshot is a read-only copy of the machine.
type Snapshot struct {
	EpisodeID string `json:"episode_id"`
	State     State  `json:"state"`
	Duration  int    `json:"duration"`
}

// Machine holds one explicit state value and the tick counter of the current
// attempt. It is safe for concurrent use.
type Machine struct {
	mu             sync.Mutex
	state          State
	duration       int
	timeout        int
	closeThreshold float64
	episodeID      string
	first          bool
}

// NewMachine creates a machine that times out after timeout running ticks.
// The machine starts Running with no episode until Begin is called.
func NewMachine(timeout int, closeThreshold float64) *Machine {
	if closeThreshold <= 0 {
		closeThreshold = DefaultCloseThreshold
	}
	return &Machine{
		state:          Running,
		timeout:        timeout,
		closeThreshold: closeThreshold,
	}
}

// Evaluate applies one tick of inputs and returns the resulting state. The
// first matching rule wins: timeout, reset, goal reached, manual, running.
// A terminal state is kept until Begin.
func (m *Machine) Evaluate(in Inputs) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		return m.state
	}

	switch {
	case m.duration > m.timeout:
		m.state = Timeout
	case in.RobotState == RobotReset:
		m.state = Crash
	case in.Distance < m.closeThreshold:
		m.state = ReachedGoal
	case ManualStates[in.RobotState]:
		m.state = Manual
	default:
		m.duration++
		return Running
	}
	m.duration = 0
	return m.state
}

// Begin starts a new attempt for a freshly acquired subgoal and returns its
// episode id. The next record taken is the first of the episode.
func (m *Machine) Begin() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = Running
	m.duration = 0
	m.episodeID = "ep_" + uuid.NewString()
	m.first = true
	return m.episodeID
}

// ForceManual ends the attempt as Manual, latching until the robot signals a
// new task.
func (m *Machine) ForceManual() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Manual
	m.duration = 0
}

// RefreshDue reports whether a new subgoal should be requested: the attempt
// ended on its own, no subgoal is active yet, or the robot asks to resume
// after a latched stop.
func (m *Machine) RefreshDue(robotState string, hasSubgoal bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !hasSubgoal {
		return true
	}
	switch m.state {
	case ReachedGoal, Timeout:
		return true
	case Crash, Manual:
		return robotState == RobotDoTask
	}
	return false
}

// TakeFirst reports whether this is the first record of the episode and
// clears the flag.
func (m *Machine) TakeFirst() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := m.first
	m.first = false
	return first
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Latched reports whether processing is held for a task signal.
func (m *Machine) Latched() bool {
	return m.State().Latched()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{EpisodeID: m.episodeID, State: m.state, Duration: m.duration}
}
