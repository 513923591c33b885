// Package control runs the fixed-rate navigation loop: it samples candidate
// trajectories from the context window and active subgoal, emits one waypoint
// command per tick, advances the episode state machine, logs the tick and
// refreshes the subgoal when an attempt ends.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/navpolicy/internal/episode"
	"github.com/banshee-data/navpolicy/internal/monitoring"
	"github.com/banshee-data/navpolicy/internal/policy"
	"github.com/banshee-data/navpolicy/internal/robot"
	"github.com/banshee-data/navpolicy/internal/timeutil"
	"github.com/banshee-data/navpolicy/internal/trajlog"
)

// Reasons a tick emitted a zero command without processing.
const (
	SuppressedDocked    = "docked"
	SuppressedNoSubgoal = "no_subgoal"
	SuppressedLatched   = "latched"
	SuppressedNotReady  = "buffer_not_ready"
	SuppressedRefreshed = "refreshed"
)

// CommandSink receives the waypoint command every tick.
type CommandSink interface {
	SendWaypoint(policy.Command) error
}

// Undocker asks the robot base to leave its dock.
type Undocker interface {
	Undock() error
}

// Observer is notified after every tick. ObserveTick must not block.
type Observer interface {
	ObserveTick(Report)
}

// SubgoalSource produces a new subgoal from the live frame.
type SubgoalSource interface {
	Fetch(ctx context.Context, current policy.Frame) (policy.Frame, error)
}

// Sampler draws candidate trajectories. *policy.Sampler implements it.
type Sampler interface {
	Sample(ctx context.Context, window []policy.Frame, goal policy.Frame) (policy.Result, error)
}

// RecordQueue accepts logged records without blocking. *trajlog.Queue
// implements it.
type RecordQueue interface {
	Put(trajlog.Record) error
	Len() int
	Dropped() uint64
}

// Config holds loop timing. DockReportWait bounds how long startup waits for
// the base's first dock status before deciding whether to undock.
type Config struct {
	Period         time.Duration
	UndockAttempts int
	UndockInterval time.Duration
	DockReportWait time.Duration
}

// Deps are the collaborators the driver sequences.
type Deps struct {
	Buffer    *policy.ContextBuffer
	Sampler   Sampler
	Selector  *policy.Selector
	Machine   *episode.Machine
	Robot     *robot.Tracker
	Subgoals  SubgoalSource
	Queue     RecordQueue
	Commands  []CommandSink
	Observers []Observer
	Clock     timeutil.Clock
}

// Report describes one tick.
type Report struct {
	Tick       uint64
	At         time.Time
	EpisodeID  string
	State      episode.State
	Distance   float64
	Command    policy.Command
	Samples    *policy.Trajectories
	Suppressed string
	Err        error
	Refreshed  bool
	Forced     bool
	Elapsed    time.Duration

	commandSent bool
}

// Driver is the control loop. Tick must only be called from one goroutine;
// SetSubgoal, PushFrame and Status are safe to call concurrently.
type Driver struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	goal   *policy.Frame
	forced bool
	status Status
}

// NewDriver validates deps and creates a driver.
func NewDriver(cfg Config, deps Deps) (*Driver, error) {
	switch {
	case deps.Buffer == nil:
		return nil, errors.New("control: buffer is required")
	case deps.Sampler == nil:
		return nil, errors.New("control: sampler is required")
	case deps.Selector == nil:
		return nil, errors.New("control: waypoint selector is required")
	case deps.Machine == nil:
		return nil, errors.New("control: episode machine is required")
	case deps.Robot == nil:
		return nil, errors.New("control: robot tracker is required")
	case deps.Subgoals == nil:
		return nil, errors.New("control: subgoal source is required")
	case deps.Queue == nil:
		return nil, errors.New("control: record queue is required")
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("control: period must be positive, got %v", cfg.Period)
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	return &Driver{cfg: cfg, deps: deps}, nil
}

// PushFrame adds a camera frame to the context window.
func (d *Driver) PushFrame(f policy.Frame) {
	d.deps.Buffer.Push(f)
}

// SetSubgoal replaces the active subgoal with one pushed by the planner. A new
// attempt begins unless the machine is latched waiting for a task signal.
func (d *Driver) SetSubgoal(f policy.Frame) {
	d.mu.Lock()
	d.goal = &f
	d.mu.Unlock()

	if !d.deps.Machine.Latched() {
		id := d.deps.Machine.Begin()
		monitoring.Logf("[Control] planner subgoal accepted, episode %s", id)
	}
}

func (d *Driver) subgoal() (policy.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.goal == nil {
		return policy.Frame{}, false
	}
	return *d.goal, true
}

// Run ticks at the configured period until ctx is cancelled. A slow tick
// delays the next one; missed ticks are dropped by the ticker.
func (d *Driver) Run(ctx context.Context) error {
	ticker := d.deps.Clock.NewTicker(d.cfg.Period)
	defer ticker.Stop()

	monitoring.Logf("[Control] loop started, period %v", d.cfg.Period)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[Control] loop stopped after %d ticks", d.Status().Ticks)
			return ctx.Err()
		case <-ticker.C():
			d.Tick(ctx)
		}
	}
}

// Tick runs one control step and returns its report.
func (d *Driver) Tick(ctx context.Context) Report {
	start := d.deps.Clock.Now()
	d.mu.Lock()
	d.status.Ticks++
	rep := Report{Tick: d.status.Ticks, At: start}
	d.mu.Unlock()

	rep = d.step(ctx, rep)
	rep.Elapsed = d.deps.Clock.Since(start)

	snap := d.deps.Machine.Snapshot()
	rep.EpisodeID = snap.EpisodeID
	if rep.State == "" {
		rep.State = snap.State
	}
	d.mu.Lock()
	rep.Forced = d.forced
	d.status.LastCommand = rep.Command
	d.status.LastSuppressed = rep.Suppressed
	d.mu.Unlock()

	d.emit(rep)
	return rep
}

func (d *Driver) step(ctx context.Context, rep Report) Report {
	rs := d.deps.Robot.Snapshot()
	if rs.Docked {
		rep.Suppressed = SuppressedDocked
		return rep
	}

	goal, hasGoal := d.subgoal()
	if !hasGoal || d.deps.Machine.Latched() {
		if d.deps.Machine.RefreshDue(rs.State, hasGoal) {
			rep.Refreshed = d.refresh(ctx)
			rep.Suppressed = SuppressedRefreshed
			return rep
		}
		rep.Suppressed = SuppressedLatched
		if !hasGoal {
			rep.Suppressed = SuppressedNoSubgoal
		}
		return rep
	}

	if !d.deps.Buffer.Ready() {
		rep.Suppressed = SuppressedNotReady
		return rep
	}

	window := d.deps.Buffer.Window()
	res, err := d.deps.Sampler.Sample(ctx, window, goal)
	var cmd policy.Command
	if err == nil {
		cmd, err = d.deps.Selector.Select(res.Trajectories)
	}
	if err != nil {
		d.mu.Lock()
		d.status.InferenceErrors++
		d.mu.Unlock()
		monitoring.Logf("[Control] tick %d skipped: %v", rep.Tick, err)
		rep.Err = err
		return rep
	}

	state := d.deps.Machine.Evaluate(episode.Inputs{Distance: res.Distance, RobotState: rs.State})
	if state.Latched() {
		cmd = policy.Command{}
	}
	rep.State = state
	rep.Distance = res.Distance
	rep.Command = cmd
	rep.Samples = &res.Trajectories

	snap := d.deps.Machine.Snapshot()
	latest := window[len(window)-1]
	rec := trajlog.NewRecord(snap.EpisodeID, rep.Tick, rep.At, latest.Encoded, goal.Encoded,
		rs.Pose, res.Distance, state, d.deps.Machine.TakeFirst())
	if err := d.deps.Queue.Put(rec); err != nil {
		monitoring.Logf("[Control] record for tick %d not queued: %v", rep.Tick, err)
	}

	d.mu.Lock()
	d.status.Processed++
	d.status.LastDistance = res.Distance
	d.mu.Unlock()

	if state.Terminal() {
		monitoring.Logf("[Control] episode %s ended: %s (distance %.2f)", snap.EpisodeID, state, res.Distance)
	}
	if state == episode.ReachedGoal || state == episode.Timeout {
		// Emit this tick's waypoint before blocking on the refresh.
		d.send(cmd)
		rep.Refreshed = d.refresh(ctx)
		rep.commandSent = true
	}
	return rep
}

// refresh fetches a new subgoal from the live frame. On failure the machine
// is forced to Manual so the robot stops until told to resume.
func (d *Driver) refresh(ctx context.Context) bool {
	live, ok := d.deps.Buffer.Latest()
	if !ok {
		monitoring.Logf("[Control] subgoal refresh deferred: no live frame")
		return false
	}

	goal, err := d.deps.Subgoals.Fetch(ctx, live)
	if err != nil {
		d.deps.Machine.ForceManual()
		d.mu.Lock()
		d.status.RefreshFailures++
		d.forced = true
		d.mu.Unlock()
		monitoring.Logf("[Control] subgoal refresh failed, holding in manual: %v", err)
		return false
	}

	d.mu.Lock()
	d.goal = &goal
	d.forced = false
	d.status.Refreshes++
	d.mu.Unlock()
	id := d.deps.Machine.Begin()
	monitoring.Logf("[Control] subgoal refreshed, episode %s", id)
	return true
}

func (d *Driver) emit(rep Report) {
	if !rep.commandSent {
		d.send(rep.Command)
	}
	for _, o := range d.deps.Observers {
		o.ObserveTick(rep)
	}
}

func (d *Driver) send(cmd policy.Command) {
	for _, s := range d.deps.Commands {
		if err := s.SendWaypoint(cmd); err != nil {
			monitoring.Logf("[Control] failed to send waypoint: %v", err)
		}
	}
}

// UndockAtStartup waits for the base's first dock report, then asks it to
// undock while it reports docked, up to the configured number of attempts.
// A base that never reports its dock status is left alone.
func (d *Driver) UndockAtStartup(ctx context.Context, u Undocker) error {
	reported, err := d.awaitDockReport(ctx)
	if err != nil || !reported {
		return err
	}

	attempts := d.cfg.UndockAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts && d.deps.Robot.Docked(); i++ {
		monitoring.Logf("[Control] robot docked, sending undock (%d/%d)", i+1, attempts)
		if err := u.Undock(); err != nil {
			return fmt.Errorf("undock: %w", err)
		}
		if err := d.deps.Clock.SleepContext(ctx, d.cfg.UndockInterval); err != nil {
			return err
		}
	}
	if d.deps.Robot.Docked() {
		return fmt.Errorf("robot still docked after %d undock attempt(s)", attempts)
	}
	return nil
}

func (d *Driver) awaitDockReport(ctx context.Context) (bool, error) {
	select {
	case <-d.deps.Robot.DockReported():
		return true, nil
	default:
	}
	if d.cfg.DockReportWait <= 0 {
		monitoring.Logf("[Control] no dock report yet, skipping undock")
		return false, nil
	}

	timeout := d.deps.Clock.NewTicker(d.cfg.DockReportWait)
	defer timeout.Stop()
	select {
	case <-d.deps.Robot.DockReported():
		return true, nil
	case <-timeout.C():
		monitoring.Logf("[Control] no dock report within %v, skipping undock", d.cfg.DockReportWait)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
