package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const UserSettingsFile = "user_settings.json"

// SystemPlugin owns the settings declared by the application itself.
const SystemPlugin = "system"

// Entry is one declared setting with its effective value.
type Entry struct {
	Key      string         `json:"key"`
	Plugin   string         `json:"plugin"`
	Property types.Property `json:"property"`
	Value    any            `json:"value"`
}

type declaration struct {
	key      string
	plugin   string
	property types.Property
}

// Store layers user overrides from user_settings.json over the defaults
// declared by plugin manifests.
type Store struct {
	mu        sync.RWMutex
	v         *viper.Viper
	path      string
	decls     map[string]declaration
	overrides map[string]any
	logger    *zap.Logger
}

func NewStore(dataDir string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		v:         viper.New(),
		path:      filepath.Join(dataDir, UserSettingsFile),
		decls:     make(map[string]declaration),
		overrides: make(map[string]any),
		logger:    logger,
	}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read settings: %w", err)
	case len(strings.TrimSpace(string(data))) > 0:
		if err := json.Unmarshal(data, &s.overrides); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
		}
	}

	for k, val := range s.overrides {
		s.v.Set(k, val)
	}

	s.Declare(SystemPlugin, map[string]types.Property{
		"system.defaultFolder": {
			Type:        types.PropertyString,
			Default:     filepath.Join(dataDir, "data_saved"),
			Description: "Folder proposed for saving measurement files",
		},
	})
	return s, nil
}

// Declare registers the configuration block of a plugin and its defaults.
func (s *Store) Declare(plugin string, props map[string]types.Property) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, prop := range props {
		if prev, exists := s.decls[key]; exists && prev.plugin != plugin {
			s.logger.Warn("Setting redeclared",
				zap.String("key", key),
				zap.String("plugin", plugin),
				zap.String("previous", prev.plugin))
		}
		s.decls[key] = declaration{key: key, plugin: plugin, property: prop}
		s.v.SetDefault(key, prop.Default)
	}
}

func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.Get(key)
}

func (s *Store) GetString(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetString(key)
}

func (s *Store) GetInt(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetInt(key)
}

func (s *Store) GetFloat(key string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetFloat64(key)
}

func (s *Store) GetBool(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetBool(key)
}

// Set validates value against the declared property and persists it.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	decl, ok := s.decls[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	coerced, err := decl.property.Coerce(value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}

	s.overrides[key] = coerced
	s.v.Set(key, coerced)
	return s.save()
}

// Reset drops every user override.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.overrides = make(map[string]any)
	s.v = viper.New()
	for key, decl := range s.decls {
		s.v.SetDefault(key, decl.property.Default)
	}
	return s.save()
}

// All returns every declared setting sorted by key.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.decls))
	for key, decl := range s.decls {
		out = append(out, Entry{
			Key:      key,
			Plugin:   decl.plugin,
			Property: decl.property,
			Value:    s.v.Get(key),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// save writes the overrides. Caller must hold the lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.overrides, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
