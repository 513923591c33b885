package robotlink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/navpolicy/internal/policy"
	"github.com/banshee-data/navpolicy/internal/robot"
)

// pipePort feeds reads from an io.Pipe and captures writes.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	closed   bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

func (p *pipePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *pipePort) feed(t *testing.T, lines ...string) {
	t.Helper()
	for _, l := range lines {
		_, err := p.w.Write([]byte(l + "\n"))
		require.NoError(t, err)
	}
}

func TestLinkSendWaypoint(t *testing.T) {
	port := newPipePort()
	link := New(port, robot.NewTracker())

	require.NoError(t, link.SendWaypoint(policy.Command{0.1, -0.25, 0, 0}))
	require.NoError(t, link.Undock())

	assert.Equal(t,
		`{"type":"waypoint","data":[0.1,-0.25,0,0]}`+"\n"+`{"type":"undock"}`+"\n",
		port.Written())
}

func TestLinkSendError(t *testing.T) {
	port := newPipePort()
	port.writeErr = errors.New("unplugged")
	link := New(port, robot.NewTracker())
	assert.Error(t, link.SendWaypoint(policy.Command{}))
}

func TestLinkMonitorAppliesMessages(t *testing.T) {
	port := newPipePort()
	tracker := robot.NewTracker()
	link := New(port, tracker)

	id, lines := link.Subscribe()
	defer link.Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Monitor(ctx) }()

	port.feed(t,
		`{"type":"dock","docked":true}`,
		`garbage`,
		`{"type":"state","state":"do_task"}`,
		`{"type":"odom","x":2,"y":3,"theta":0.5}`,
	)

	require.Eventually(t, func() bool {
		return tracker.Snapshot().Pose.X == 2
	}, time.Second, 5*time.Millisecond)

	snap := tracker.Snapshot()
	assert.True(t, snap.Docked)
	assert.Equal(t, "do_task", snap.State)
	assert.Equal(t, robot.Pose{X: 2, Y: 3, Theta: 0.5}, snap.Pose)

	select {
	case first := <-lines:
		assert.Equal(t, `{"type":"dock","docked":true}`, first)
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	require.NoError(t, link.Close())
}

func TestLinkMonitorReturnsOnEOF(t *testing.T) {
	port := newPipePort()
	link := New(port, robot.NewTracker())

	done := make(chan error, 1)
	go func() { done <- link.Monitor(context.Background()) }()

	port.feed(t, `{"type":"reset"}`)
	require.NoError(t, port.w.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return on EOF")
	}
}

func TestLinkCloseClosesSubscribers(t *testing.T) {
	port := newPipePort()
	link := New(port, robot.NewTracker())
	_, ch := link.Subscribe()

	require.NoError(t, link.Close())
	_, ok := <-ch
	assert.False(t, ok)
	assert.True(t, port.closed)
}

func TestLinkAdminTailRejectsPost(t *testing.T) {
	link := New(newPipePort(), robot.NewTracker())
	mux := http.NewServeMux()
	link.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/debug/robotlink-tail", strings.NewReader(""))
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDisabledLink(t *testing.T) {
	d := NewDisabled()
	assert.NoError(t, d.SendWaypoint(policy.Command{1, 2, 0, 0}))
	assert.NoError(t, d.Undock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)
	assert.NoError(t, d.Close())
}

func TestPortOptionsNormalize(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	opts, err = PortOptions{BaudRate: 9600, Parity: "even", StopBits: 2}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "E", opts.Parity)

	for _, bad := range []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	} {
		_, err := bad.Normalize()
		assert.Error(t, err, "%+v", bad)
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 57600, StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 57600, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)

	_, err = PortOptions{Parity: "x"}.SerialMode()
	assert.Error(t, err)
}
