package machine

import "time"

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Active reports whether a run is in progress in state s.
func (s State) Active() bool {
	return s == StateRunning || s == StateStopping
}

type RunStatus struct {
	State           State     `json:"state"`
	RunID           string    `json:"run_id,omitempty"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	Samples         int       `json:"samples"`
	OutputPath      string    `json:"output_path,omitempty"`
	Columns         []string  `json:"columns,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}
