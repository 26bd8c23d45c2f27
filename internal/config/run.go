package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunConfig is the user-editable configuration of the next measurement.
type RunConfig struct {
	MeasuringInterval      int             `json:"measuringInterval"`
	Continuous             bool            `json:"continuous"`
	NumberOfMeasuringTimes int             `json:"numberOfMeasuringTimes"`
	SaveFilePath           string          `json:"saveFilePath"`
	SaveToFile             bool            `json:"saveToFile"`
	ShowGraph              bool            `json:"showGraph"`
	GraphShowStates        map[string]bool `json:"graphShowStates,omitempty"`
	GraphNumberOfPlots     map[string]int  `json:"graphNumberOfPlots,omitempty"`
}

// Interval is the measuring interval as a duration.
func (r RunConfig) Interval() time.Duration {
	return time.Duration(r.MeasuringInterval) * time.Millisecond
}

func (r RunConfig) Validate() error {
	if r.MeasuringInterval < 1 {
		return fmt.Errorf("measuringInterval must be at least 1 ms, got %d", r.MeasuringInterval)
	}
	if !r.Continuous && r.NumberOfMeasuringTimes < 1 {
		return fmt.Errorf("numberOfMeasuringTimes must be at least 1, got %d", r.NumberOfMeasuringTimes)
	}
	if r.SaveToFile && r.SaveFilePath == "" {
		return errors.New("saveFilePath is required when saveToFile is set")
	}
	return nil
}

// RunStore keeps the run configuration as defaults overlaid with a user JSON file.
// The graph hints are maps keyed by column name, so the file is decoded
// directly instead of through viper, which folds key case.
type RunStore struct {
	mu       sync.Mutex
	path     string
	defaults RunConfig
}

const RunConfigFile = "user_run_conf.json"

// DefaultRunConfig returns the configuration used for keys the user never set.
func DefaultRunConfig(dataDir string) RunConfig {
	return RunConfig{
		MeasuringInterval:      1000,
		Continuous:             true,
		NumberOfMeasuringTimes: 100,
		SaveFilePath:           filepath.Join(dataDir, "data_saved", "measurement.csv"),
		SaveToFile:             true,
		ShowGraph:              true,
	}
}

// NewRunStore loads dataDir/user_run_conf.json, creating it when missing.
func NewRunStore(dataDir string) (*RunStore, error) {
	s := &RunStore{
		path:     filepath.Join(dataDir, RunConfigFile),
		defaults: DefaultRunConfig(dataDir),
	}

	// the default save folder lives inside the data dir
	if err := os.MkdirAll(filepath.Dir(s.defaults.SaveFilePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(s.path, []byte("{}"), 0o644); err != nil {
			return nil, fmt.Errorf("failed to create run config: %w", err)
		}
	}
	if _, err := s.Get(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RunStore) Get() (RunConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc := s.defaults
	data, err := os.ReadFile(s.path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("failed to read run config: %w", err)
	}
	if len(data) == 0 {
		return rc, nil
	}
	if err := json.Unmarshal(data, &rc); err != nil {
		return RunConfig{}, fmt.Errorf("failed to parse run config %s: %w", s.path, err)
	}
	return rc, nil
}

// Put validates rc and persists it to the user file.
func (s *RunStore) Put(rc RunConfig) error {
	if err := rc.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rc, "", "    ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run config: %w", err)
	}
	return nil
}
