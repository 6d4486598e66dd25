package projection

import "time"

// State is a runner's lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateApplying State = "applying"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Status is a point-in-time snapshot of a runner.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Position  int64     `json:"position"`
	LastError string    `json:"last_error,omitempty"`
	LastBatch time.Time `json:"last_batch,omitzero"`
	Applied   int64     `json:"applied"`
	Skipped   int64     `json:"skipped"`
}
