package control

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/navpolicy/internal/episode"
	"github.com/banshee-data/navpolicy/internal/imaging"
	"github.com/banshee-data/navpolicy/internal/policy"
	"github.com/banshee-data/navpolicy/internal/robot"
	"github.com/banshee-data/navpolicy/internal/timeutil"
	"github.com/banshee-data/navpolicy/internal/trajlog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const contextSize = 2

type fakeSubgoals struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSubgoals) Fetch(_ context.Context, current policy.Frame) (policy.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return policy.Frame{}, f.err
	}
	return policy.Frame{Image: current.Image, Encoded: []byte("subgoal")}, nil
}

func (f *fakeSubgoals) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu   sync.Mutex
	cmds []policy.Command
}

func (r *recordingSink) SendWaypoint(cmd policy.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *recordingSink) Commands() []policy.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]policy.Command(nil), r.cmds...)
}

type recordingObserver struct {
	reports []Report
}

func (r *recordingObserver) ObserveTick(rep Report) { r.reports = append(r.reports, rep) }

type harness struct {
	driver   *Driver
	buffer   *policy.ContextBuffer
	machine  *episode.Machine
	tracker  *robot.Tracker
	subgoals *fakeSubgoals
	queue    *trajlog.Queue
	sink     *recordingSink
	observer *recordingObserver
	clock    *timeutil.MockClock
	distance float64
	noiseErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{distance: 50}

	net := policy.NetworkFuncs{
		Distance: func([]float64) ([]float64, error) { return []float64{h.distance}, nil },
		Noise: func(sample []float64, _, _ int, _ []float64) ([]float64, error) {
			if h.noiseErr != nil {
				return nil, h.noiseErr
			}
			return make([]float64, len(sample)), nil
		},
	}
	sampler, err := policy.NewSampler(policy.SamplerConfig{
		NumSamples:     2,
		LenTrajPred:    8,
		DiffusionSteps: 5,
		ImageWidth:     8,
		ImageHeight:    6,
		Stats:          policy.ActionStats{Min: [2]float64{-2.5, -4}, Max: [2]float64{5, 4}},
		Seed:           7,
	}, net)
	require.NoError(t, err)
	selector, err := policy.NewSelector(2, 8, true, 0.5, 4)
	require.NoError(t, err)

	h.buffer = policy.NewContextBuffer(contextSize)
	h.machine = episode.NewMachine(5, episode.DefaultCloseThreshold)
	h.tracker = robot.NewTracker()
	h.tracker.SetState("autonomous")
	h.subgoals = &fakeSubgoals{}
	h.queue, err = trajlog.NewQueue(16, trajlog.PolicyDropOldest)
	require.NoError(t, err)
	h.sink = &recordingSink{}
	h.observer = &recordingObserver{}
	h.clock = timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	h.driver, err = NewDriver(Config{
		Period:         250 * time.Millisecond,
		UndockAttempts: 3,
		UndockInterval: time.Second,
		DockReportWait: 5 * time.Second,
	}, Deps{
		Buffer:    h.buffer,
		Sampler:   sampler,
		Selector:  selector,
		Machine:   h.machine,
		Robot:     h.tracker,
		Subgoals:  h.subgoals,
		Queue:     h.queue,
		Commands:  []CommandSink{h.sink},
		Observers: []Observer{h.observer},
		Clock:     h.clock,
	})
	require.NoError(t, err)
	return h
}

func testFrame(t *testing.T, shade uint8) policy.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 12; x++ {
			img.SetRGBA(x, y, color.RGBA{R: shade, G: uint8(x * 20), B: uint8(y * 20), A: 255})
		}
	}
	raw, err := imaging.EncodeJPEG(img)
	require.NoError(t, err)
	return policy.Frame{Image: img, Encoded: raw}
}

func (h *harness) fill(t *testing.T) {
	for i := 0; i <= contextSize; i++ {
		h.driver.PushFrame(testFrame(t, uint8(40*i)))
	}
}

func (h *harness) drain(t *testing.T) []trajlog.Record {
	t.Helper()
	n := h.queue.Len()
	if n == 0 {
		return nil
	}
	recs, err := h.queue.Take(context.Background(), n)
	require.NoError(t, err)
	return recs
}

func TestNewDriverValidation(t *testing.T) {
	h := newHarness(t)
	_, err := NewDriver(Config{Period: time.Second}, Deps{})
	assert.Error(t, err)

	deps := h.driver.deps
	_, err = NewDriver(Config{}, deps)
	assert.ErrorContains(t, err, "period")
}

func TestTickSuppressedWhileDocked(t *testing.T) {
	h := newHarness(t)
	h.fill(t)
	h.tracker.SetDocked(true)

	rep := h.driver.Tick(context.Background())

	assert.Equal(t, SuppressedDocked, rep.Suppressed)
	assert.Equal(t, policy.Command{}, rep.Command)
	assert.Equal(t, []policy.Command{{}}, h.sink.Commands())
	assert.Zero(t, h.subgoals.Calls())
	assert.Zero(t, h.queue.Len())
	require.Len(t, h.observer.reports, 1)
}

func TestTickFetchesInitialSubgoal(t *testing.T) {
	h := newHarness(t)
	h.fill(t)

	rep := h.driver.Tick(context.Background())

	assert.True(t, rep.Refreshed)
	assert.Equal(t, SuppressedRefreshed, rep.Suppressed)
	assert.Equal(t, 1, h.subgoals.Calls())
	assert.True(t, strings.HasPrefix(rep.EpisodeID, "ep_"), rep.EpisodeID)
	assert.True(t, h.driver.Status().HasSubgoal)
	assert.Zero(t, h.queue.Len())
}

func TestTickDefersRefreshWithoutFrame(t *testing.T) {
	h := newHarness(t)

	rep := h.driver.Tick(context.Background())

	assert.False(t, rep.Refreshed)
	assert.Zero(t, h.subgoals.Calls())
	assert.False(t, h.driver.Status().HasSubgoal)
}

func TestTickWaitsForFullWindow(t *testing.T) {
	h := newHarness(t)
	h.driver.SetSubgoal(testFrame(t, 200))
	h.driver.PushFrame(testFrame(t, 0))

	rep := h.driver.Tick(context.Background())

	assert.Equal(t, SuppressedNotReady, rep.Suppressed)
	assert.Equal(t, policy.Command{}, rep.Command)
	assert.Zero(t, h.queue.Len())
}

func TestRunningTicksLogRecords(t *testing.T) {
	h := newHarness(t)
	h.driver.SetSubgoal(testFrame(t, 200))
	h.fill(t)

	first := h.driver.Tick(context.Background())
	h.clock.Advance(250 * time.Millisecond)
	second := h.driver.Tick(context.Background())

	for _, rep := range []Report{first, second} {
		assert.Equal(t, episode.Running, rep.State)
		assert.Empty(t, rep.Suppressed)
		assert.NoError(t, rep.Err)
		require.NotNil(t, rep.Samples)
		assert.Equal(t, 2, rep.Samples.Samples)
		assert.Zero(t, rep.Command[2])
		assert.Zero(t, rep.Command[3])
	}

	recs := h.drain(t)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].IsFirst)
	assert.False(t, recs[1].IsFirst)
	assert.Equal(t, uint64(1), recs[0].Tick)
	assert.Equal(t, uint64(2), recs[1].Tick)
	assert.Equal(t, recs[0].EpisodeID, recs[1].EpisodeID)
	assert.NotEmpty(t, recs[0].Observation)
	assert.NotEmpty(t, recs[0].Subgoal)
	assert.False(t, recs[1].IsTerminal)
	assert.Equal(t, h.clock.Now(), recs[1].Timestamp)
	assert.Zero(t, h.subgoals.Calls())

	st := h.driver.Status()
	assert.Equal(t, uint64(2), st.Processed)
	assert.Equal(t, 50.0, st.LastDistance)
	assert.Equal(t, 2, st.Episode.Duration)
}

func TestReachedGoalEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.distance = 5
	h.driver.SetSubgoal(testFrame(t, 200))
	h.fill(t)
	before := h.machine.Snapshot().EpisodeID

	rep := h.driver.Tick(context.Background())

	assert.Equal(t, episode.ReachedGoal, rep.State)
	assert.True(t, rep.Refreshed)
	assert.Equal(t, 1, h.subgoals.Calls())

	recs := h.drain(t)
	require.Len(t, recs, 1)
	assert.Equal(t, before, recs[0].EpisodeID)
	assert.Equal(t, episode.ReachedGoal, recs[0].Status)
	assert.True(t, recs[0].IsTerminal)
	assert.True(t, recs[0].IsLast)
	assert.Equal(t, 5.0, recs[0].Distance)

	// The waypoint is emitted exactly once for the tick.
	assert.Len(t, h.sink.Commands(), 1)

	snap := h.machine.Snapshot()
	assert.Equal(t, episode.Running, snap.State)
	assert.NotEqual(t, before, snap.EpisodeID)
}

func TestManualRobotStateZeroesCommand(t *testing.T) {
	h := newHarness(t)
	h.driver.SetSubgoal(testFrame(t, 200))
	h.fill(t)
	h.tracker.SetState("teleop")

	rep := h.driver.Tick(context.Background())

	assert.Equal(t, episode.Manual, rep.State)
	assert.Equal(t, policy.Command{}, rep.Command)
	assert.False(t, rep.Refreshed)
	recs := h.drain(t)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].IsTerminal)

	rep = h.driver.Tick(context.Background())
	assert.Equal(t, SuppressedLatched, rep.Suppressed)
	assert.Zero(t, h.queue.Len())

	h.tracker.SetState(episode.RobotDoTask)
	rep = h.driver.Tick(context.Background())
	assert.True(t, rep.Refreshed)
	assert.Equal(t, 1, h.subgoals.Calls())
	assert.Equal(t, episode.Running, h.machine.State())
}

func TestRefreshFailureForcesManual(t *testing.T) {
	h := newHarness(t)
	h.distance = 5
	h.subgoals.err = errors.New("planner unavailable")
	h.driver.SetSubgoal(testFrame(t, 200))
	h.fill(t)

	rep := h.driver.Tick(context.Background())

	assert.Equal(t, episode.ReachedGoal, rep.State)
	assert.False(t, rep.Refreshed)
	assert.True(t, rep.Forced)
	assert.Equal(t, episode.Manual, h.machine.State())
	st := h.driver.Status()
	assert.True(t, st.ForcedManual)
	assert.Equal(t, uint64(1), st.RefreshFailures)

	rep = h.driver.Tick(context.Background())
	assert.Equal(t, SuppressedLatched, rep.Suppressed)
	assert.Equal(t, 1, h.subgoals.Calls())

	h.subgoals.err = nil
	h.tracker.SetState(episode.RobotDoTask)
	rep = h.driver.Tick(context.Background())
	assert.True(t, rep.Refreshed)
	assert.False(t, rep.Forced)
	assert.False(t, h.driver.Status().ForcedManual)
}

func TestInferenceErrorSkipsTick(t *testing.T) {
	h := newHarness(t)
	h.noiseErr = errors.New("session closed")
	h.driver.SetSubgoal(testFrame(t, 200))
	h.fill(t)

	rep := h.driver.Tick(context.Background())

	var infErr *policy.InferenceError
	require.ErrorAs(t, rep.Err, &infErr)
	assert.Equal(t, "noise", infErr.Stage)
	assert.Equal(t, policy.Command{}, rep.Command)
	assert.Zero(t, h.queue.Len())
	assert.Equal(t, uint64(1), h.driver.Status().InferenceErrors)
	assert.Equal(t, episode.Running, h.machine.State())
	assert.Equal(t, []policy.Command{{}}, h.sink.Commands())
}

func TestSetSubgoalRespectsLatch(t *testing.T) {
	h := newHarness(t)
	h.driver.SetSubgoal(testFrame(t, 1))
	first := h.machine.Snapshot().EpisodeID
	require.NotEmpty(t, first)

	h.machine.ForceManual()
	h.driver.SetSubgoal(testFrame(t, 2))
	assert.Equal(t, first, h.machine.Snapshot().EpisodeID)
	assert.Equal(t, episode.Manual, h.machine.State())
}

func TestRunTicksUntilCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.driver.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.clock.Tickers()) == 1 }, time.Second, time.Millisecond)
	ticker := h.clock.Tickers()[0]
	h.clock.Advance(250 * time.Millisecond)
	require.Eventually(t, func() bool { return h.driver.Status().Ticks == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, ticker.Stopped())
}

type fakeUndocker struct {
	tracker *robot.Tracker
	calls   int
	after   int
}

func (f *fakeUndocker) Undock() error {
	f.calls++
	if f.calls >= f.after {
		f.tracker.SetDocked(false)
	}
	return nil
}

func TestUndockAtStartup(t *testing.T) {
	h := newHarness(t)
	h.tracker.SetDocked(true)
	u := &fakeUndocker{tracker: h.tracker, after: 2}

	require.NoError(t, h.driver.UndockAtStartup(context.Background(), u))
	assert.Equal(t, 2, u.calls)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, h.clock.Sleeps())
}

func TestUndockAtStartupGivesUp(t *testing.T) {
	h := newHarness(t)
	h.tracker.SetDocked(true)
	u := &fakeUndocker{tracker: h.tracker, after: 100}

	err := h.driver.UndockAtStartup(context.Background(), u)
	assert.ErrorContains(t, err, "still docked")
	assert.Equal(t, 3, u.calls)
}

func TestUndockAtStartupNotDocked(t *testing.T) {
	h := newHarness(t)
	h.tracker.SetDocked(false)
	u := &fakeUndocker{tracker: h.tracker}

	require.NoError(t, h.driver.UndockAtStartup(context.Background(), u))
	assert.Zero(t, u.calls)
	assert.Empty(t, h.clock.Tickers())
}

func (h *harness) undockAsync(ctx context.Context, u Undocker) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.driver.UndockAtStartup(ctx, u) }()
	return done
}

func (h *harness) awaitTicker(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.clock.Tickers()) == 1 }, time.Second, time.Millisecond)
}

func TestUndockAtStartupWaitsForDockReport(t *testing.T) {
	h := newHarness(t)
	u := &fakeUndocker{tracker: h.tracker, after: 1}

	done := h.undockAsync(context.Background(), u)
	h.awaitTicker(t)
	h.tracker.SetDocked(true)

	require.NoError(t, <-done)
	assert.Equal(t, 1, u.calls)
	assert.True(t, h.clock.Tickers()[0].Stopped())

	h.fill(t)
	h.driver.SetSubgoal(testFrame(t, 200))
	rep := h.driver.Tick(context.Background())
	assert.NotEqual(t, SuppressedDocked, rep.Suppressed)
}

func TestUndockAtStartupWithoutDockReport(t *testing.T) {
	h := newHarness(t)
	u := &fakeUndocker{tracker: h.tracker}

	done := h.undockAsync(context.Background(), u)
	h.awaitTicker(t)
	h.clock.Advance(5 * time.Second)

	require.NoError(t, <-done)
	assert.Zero(t, u.calls)
}

func TestUndockAtStartupCancelledWhileWaiting(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	u := &fakeUndocker{tracker: h.tracker}

	done := h.undockAsync(ctx, u)
	h.awaitTicker(t)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, u.calls)
}

func TestTimeoutRefreshesSubgoal(t *testing.T) {
	h := newHarness(t)
	h.driver.SetSubgoal(testFrame(t, 200))
	h.fill(t)
	before := h.machine.Snapshot().EpisodeID

	// Six running ticks fill the attempt; the seventh exceeds the timeout of 5.
	for i := 0; i < 6; i++ {
		rep := h.driver.Tick(context.Background())
		require.Equal(t, episode.Running, rep.State, "tick %d", i+1)
	}
	rep := h.driver.Tick(context.Background())
	assert.Equal(t, episode.Timeout, rep.State)
	assert.True(t, rep.Refreshed)
	assert.Equal(t, 1, h.subgoals.Calls())
	assert.NotEqual(t, before, h.machine.Snapshot().EpisodeID)

	rep = h.driver.Tick(context.Background())
	assert.Equal(t, episode.Running, rep.State)

	recs := h.drain(t)
	require.Len(t, recs, 8)
	assert.Equal(t, episode.Timeout, recs[6].Status)
	assert.True(t, recs[6].IsTerminal)
	assert.Equal(t, before, recs[6].EpisodeID)
	assert.True(t, recs[7].IsFirst)
	assert.False(t, recs[7].IsTerminal)
	assert.NotEqual(t, before, recs[7].EpisodeID)
}

func TestResetLatchesUntilTaskSignal(t *testing.T) {
	h := newHarness(t)
	h.driver.SetSubgoal(testFrame(t, 200))
	h.fill(t)
	h.tracker.SetState(episode.RobotReset)

	rep := h.driver.Tick(context.Background())
	assert.Equal(t, episode.Crash, rep.State)
	assert.Equal(t, policy.Command{}, rep.Command)
	recs := h.drain(t)
	require.Len(t, recs, 1)
	assert.Equal(t, episode.Crash, recs[0].Status)
	assert.True(t, recs[0].IsTerminal)

	for i := 0; i < 2; i++ {
		rep = h.driver.Tick(context.Background())
		assert.Equal(t, SuppressedLatched, rep.Suppressed)
	}
	assert.Zero(t, h.queue.Len())
	assert.Zero(t, h.subgoals.Calls())

	h.tracker.SetState(episode.RobotDoTask)
	rep = h.driver.Tick(context.Background())
	assert.True(t, rep.Refreshed)
	assert.Equal(t, 1, h.subgoals.Calls())
	assert.Equal(t, episode.Running, h.machine.State())

	rep = h.driver.Tick(context.Background())
	assert.Equal(t, episode.Running, rep.State)
	recs = h.drain(t)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].IsFirst)
}
