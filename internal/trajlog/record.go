// Package trajlog packages each processed control tick into a Record and moves
// records through a bounded queue to persistent and remote sinks without
// blocking the control loop.
package trajlog

import (
	"time"

	"github.com/banshee-data/navpolicy/internal/episode"
	"github.com/banshee-data/navpolicy/internal/robot"
)

// Record is one processed tick. Ownership passes to the queue on Put.
type Record struct {
	EpisodeID   string        `json:"episode_id"`
	Tick        uint64        `json:"tick"`
	Timestamp   time.Time     `json:"timestamp"`
	Observation []byte        `json:"observation"`
	Pose        robot.Pose    `json:"pose"`
	Subgoal     []byte        `json:"subgoal"`
	Distance    float64       `json:"distance"`
	Status      episode.State `json:"status"`
	IsFirst     bool          `json:"is_first"`
	IsLast      bool          `json:"is_last"`
	IsTerminal  bool          `json:"is_terminal"`
}

// NewRecord fills the episode flags from the tick's result state: a tick is
// last and terminal exactly when its state is not running.
func NewRecord(episodeID string, tick uint64, at time.Time, obs, subgoal []byte, pose robot.Pose, distance float64, status episode.State, first bool) Record {
	terminal := status.Terminal()
	return Record{
		EpisodeID:   episodeID,
		Tick:        tick,
		Timestamp:   at,
		Observation: obs,
		Pose:        pose,
		Subgoal:     subgoal,
		Distance:    distance,
		Status:      status,
		IsFirst:     first,
		IsLast:      terminal,
		IsTerminal:  terminal,
	}
}
