package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrRunNotFound = errors.New("run not found")

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the catalog entry of one measurement run. Sample rows live in the
// run's CSV file only.
type Run struct {
	ID        uuid.UUID  `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	FilePath  string     `json:"file_path,omitempty"`
	Columns   []string   `json:"columns"`
	Samples   int        `json:"samples"`
	Status    RunStatus  `json:"status"`
	Error     string     `json:"error,omitempty"`
}

// RunResult is what FinishRun records.
type RunResult struct {
	StoppedAt time.Time
	Samples   int
	Status    RunStatus
	Error     string
}
