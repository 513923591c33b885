package robot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerApply(t *testing.T) {
	tr := NewTracker()
	assert.False(t, tr.Docked())

	lines := []string{
		`{"type":"dock","docked":true}`,
		`{"type":"state","state":"teleop"}`,
		`{"type":"odom","x":1.5,"y":-0.5,"theta":0.25}`,
	}
	for _, line := range lines {
		m, err := ParseMessage([]byte(line))
		require.NoError(t, err, line)
		require.NoError(t, tr.Apply(m), line)
	}

	snap := tr.Snapshot()
	assert.True(t, snap.Docked)
	assert.Equal(t, "teleop", snap.State)
	assert.Equal(t, Pose{X: 1.5, Y: -0.5, Theta: 0.25}, snap.Pose)
	assert.False(t, snap.UpdatedAt.IsZero())
}

func TestTrackerResetMessage(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Apply(Message{Type: MessageReset}))
	assert.Equal(t, "reset", tr.Snapshot().State)
}

func TestTrackerRejectsBadMessages(t *testing.T) {
	tr := NewTracker()
	assert.ErrorIs(t, tr.Apply(Message{Type: "fly"}), ErrUnknownMessage)
	assert.Error(t, tr.Apply(Message{Type: MessageDock}))

	_, err := ParseMessage([]byte(`{"state":"idle"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = ParseMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestTrackerDockReported(t *testing.T) {
	tr := NewTracker()
	select {
	case <-tr.DockReported():
		t.Fatal("dock reported before any dock message")
	default:
	}

	require.NoError(t, tr.Apply(Message{Type: MessageState, State: "idle"}))
	select {
	case <-tr.DockReported():
		t.Fatal("state message counted as a dock report")
	default:
	}

	docked := false
	require.NoError(t, tr.Apply(Message{Type: MessageDock, Docked: &docked}))
	tr.SetDocked(true)
	select {
	case <-tr.DockReported():
	default:
		t.Fatal("dock report not recorded")
	}
	assert.True(t, tr.Docked())
}
