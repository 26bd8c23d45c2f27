package system

import (
	"fmt"
	"slices"
)

// SystemState is the application lifecycle state, independent of any run.
type SystemState int

const (
	StateInitializing SystemState = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
)

var stateNames = [...]string{
	StateInitializing: "INITIALIZING",
	StateRunning:      "RUNNING",
	StateStopping:     "STOPPING",
	StateStopped:      "STOPPED",
	StateError:        "ERROR",
}

// transitions lists the allowed successors. Stopped is terminal: a stopped
// process is restarted, not revived.
var transitions = map[SystemState][]SystemState{
	StateInitializing: {StateRunning, StateStopping, StateError},
	StateRunning:      {StateStopping, StateError},
	StateStopping:     {StateStopped, StateError},
	StateStopped:      nil,
	StateError:        {StateStopping, StateStopped},
}

func (s SystemState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

func (s SystemState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func ValidateTransition(from, to SystemState) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("invalid current state: %s", from)
	}
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	return nil
}
