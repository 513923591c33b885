package robotlink

import (
	"context"
	"net/http"

	"github.com/banshee-data/navpolicy/internal/monitoring"
	"github.com/banshee-data/navpolicy/internal/policy"
)

// Disabled stands in for the serial link when no robot is attached (dev mode
// or an empty robot_link.port). Commands are logged and dropped.
type Disabled struct{}

func NewDisabled() *Disabled { return &Disabled{} }

func (Disabled) SendWaypoint(cmd policy.Command) error {
	monitoring.Logf("[RobotLink] disabled: waypoint x=%.3f y=%.3f", cmd[0], cmd[1])
	return nil
}

func (Disabled) Undock() error {
	monitoring.Logf("[RobotLink] disabled: undock")
	return nil
}

func (Disabled) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (Disabled) Close() error { return nil }

func (Disabled) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/robotlink-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("robot link disabled"))
	})
}
