// Package robot tracks the latest state reported by the robot base. Updates
// arrive asynchronously from the serial link or the HTTP ingest route and are
// read once at the start of each control tick.
package robot

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Message types understood by Apply.
const (
	MessageDock  = "dock"
	MessageState = "state"
	MessageOdom  = "odom"
	MessageReset = "reset"
)

// ErrUnknownMessage is returned for a message type Apply does not handle.
var ErrUnknownMessage = errors.New("unknown robot message type")

// Message is one JSON line from the robot base, e.g.
// {"type":"state","state":"teleop"} or {"type":"odom","x":1.2,"y":0.4,"theta":0.1}.
type Message struct {
	Type   string  `json:"type"`
	Docked *bool   `json:"docked,omitempty"`
	State  string  `json:"state,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Theta  float64 `json:"theta,omitempty"`
}

// ParseMessage decodes a single JSON message.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode robot message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrUnknownMessage)
	}
	return m, nil
}

// Pose is a 2D position and heading estimate.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// Snapshot is a consistent copy of the tracked state.
type Snapshot struct {
	Docked    bool      `json:"docked"`
	State     string    `json:"state"`
	Pose      Pose      `json:"pose"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker holds the latest robot reports.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time

	dockOnce     sync.Once
	dockReported chan struct{}
}

// NewTracker creates a tracker. The robot is assumed undocked with an empty
// state label until told otherwise.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now, dockReported: make(chan struct{})}
}

// Apply updates the tracker from a message.
func (t *Tracker) Apply(m Message) error {
	switch m.Type {
	case MessageDock:
		if m.Docked == nil {
			return fmt.Errorf("dock message missing docked flag")
		}
		t.SetDocked(*m.Docked)
	case MessageState:
		t.SetState(m.State)
	case MessageOdom:
		t.SetPose(Pose{X: m.X, Y: m.Y, Theta: m.Theta})
	case MessageReset:
		t.SetState(MessageReset)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	return nil
}

func (t *Tracker) SetDocked(docked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Docked = docked
	t.snap.UpdatedAt = t.now()
	t.dockOnce.Do(func() { close(t.dockReported) })
}

// DockReported is closed once the first dock status has been received.
func (t *Tracker) DockReported() <-chan struct{} {
	return t.dockReported
}

func (t *Tracker) SetState(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.State = state
	t.snap.UpdatedAt = t.now()
}

func (t *Tracker) SetPose(p Pose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Pose = p
	t.snap.UpdatedAt = t.now()
}

// Docked reports the last dock status.
func (t *Tracker) Docked() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap.Docked
}

// Snapshot returns a copy of the tracked state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}
