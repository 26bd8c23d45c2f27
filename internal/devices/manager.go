package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
)

// Manager owns the device statuses produced by the plugin registry
// and tracks their connection state.
type Manager struct {
	statuses map[string]*Status
	order    []string
	mu       sync.RWMutex
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		statuses: make(map[string]*Status),
		logger:   logger,
	}
}

// Add registers a status. Names are unique across all statuses.
func (m *Manager) Add(st *Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.statuses[st.Name]; exists {
		return fmt.Errorf("device %q already registered", st.Name)
	}
	m.statuses[st.Name] = st
	m.order = append(m.order, st.Name)
	return nil
}

// GetStatus returns status by name
func (m *Manager) GetStatus(name string) (*Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, exists := m.statuses[name]
	return st, exists
}

// ListStatuses returns all statuses in registration order
func (m *Manager) ListStatuses() []*Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Status, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.statuses[name])
	}
	return out
}

// Connect applies params to the device, opens it and marks it connected.
// Every parameter except port must be a declared property of the device.
func (m *Manager) Connect(ctx context.Context, name string, params map[string]any) error {
	st, ok := m.GetStatus(name)
	if !ok {
		return fmt.Errorf("device not found: %s", name)
	}
	if st.Connected() {
		return nil
	}

	if len(params) > 0 || len(st.Properties) > 0 {
		resolved, err := resolveParams(st.Properties, params)
		if err != nil {
			return &types.DeviceError{Device: name, Op: "configure", Err: err}
		}
		if c, ok := st.Device.(Configurable); ok {
			if err := c.Configure(resolved); err != nil {
				return &types.DeviceError{Device: name, Op: "configure", Err: err}
			}
		}
	}

	if err := st.Device.Open(ctx); err != nil {
		return &types.DeviceError{Device: name, Op: "open", Err: err}
	}
	st.connected.Store(true)

	m.logger.Info("Device connected", zap.String("device", name), zap.String("plugin", st.Plugin))
	return nil
}

// resolveParams fills declared defaults and validates the given values.
func resolveParams(props map[string]types.Property, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props)+len(params))
	for key, prop := range props {
		if prop.Default != nil {
			out[key] = prop.Default
		}
	}
	for key, value := range params {
		prop, declared := props[key]
		switch {
		case declared:
			v, err := prop.Coerce(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = v
		case key == "port":
			out[key] = value
		default:
			return nil, fmt.Errorf("unknown parameter %q", key)
		}
	}
	return out, nil
}

func (m *Manager) Disconnect(name string) error {
	st, ok := m.GetStatus(name)
	if !ok {
		return fmt.Errorf("device not found: %s", name)
	}
	if !st.Connected() {
		return nil
	}

	st.connected.Store(false)
	if err := st.Device.Close(); err != nil {
		return &types.DeviceError{Device: name, Op: "close", Err: err}
	}

	m.logger.Info("Device disconnected", zap.String("device", name))
	return nil
}

// SetEnabled toggles whether the device's binding joins the next run.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	st, ok := m.GetStatus(name)
	if !ok {
		return fmt.Errorf("device not found: %s", name)
	}
	if st.Binding == nil {
		return fmt.Errorf("device %s has no run binding", name)
	}
	st.enabled.Store(enabled)
	return nil
}

// EnabledBindings returns the bindings of every connected and enabled
// status, in registration order.
func (m *Manager) EnabledBindings() []Binding {
	var out []Binding
	for _, st := range m.ListStatuses() {
		if st.Enabled() && st.Connected() {
			out = append(out, st.Binding)
		}
	}
	return out
}

// CloseAll disconnects every connected device
func (m *Manager) CloseAll() error {
	var errs []error
	for _, st := range m.ListStatuses() {
		if err := m.Disconnect(st.Name); err != nil {
			m.logger.Error("Failed to disconnect device",
				zap.String("device", st.Name),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
