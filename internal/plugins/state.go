package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type pluginState struct {
	Enable *bool `json:"enable,omitempty"`
}

// EnableState persists which plugins are enabled, as plugin_conf.json.
// Plugins without an entry are enabled.
type EnableState struct {
	mu     sync.Mutex
	path   string
	states map[string]pluginState
}

func LoadEnableState(path string) (*EnableState, error) {
	s := &EnableState{path: path, states: make(map[string]pluginState)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin state: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.states); err != nil {
		return nil, fmt.Errorf("failed to parse plugin state %s: %w", path, err)
	}
	return s, nil
}

func (s *EnableState) Enabled(plugin string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[plugin]
	if !ok || st.Enable == nil {
		return true
	}
	return *st.Enable
}

// SetEnabled records the flag. It takes effect on the next load.
func (s *EnableState) SetEnabled(plugin string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[plugin] = pluginState{Enable: &enabled}

	data, err := json.MarshalIndent(s.states, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
