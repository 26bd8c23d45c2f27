package devices

import (
	"sync/atomic"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Status binds a device instance to its registry metadata.
type Status struct {
	Name       string
	Plugin     string
	Device     Device
	Properties map[string]types.Property
	// Binding is nil for devices without a run-time tab.
	Binding Binding

	connected atomic.Bool
	enabled   atomic.Bool
}

func NewStatus(name, plugin string, dev Device, props map[string]types.Property, binding Binding) *Status {
	st := &Status{
		Name:       name,
		Plugin:     plugin,
		Device:     dev,
		Properties: props,
		Binding:    binding,
	}
	st.enabled.Store(binding != nil)
	return st
}

func (s *Status) Connected() bool { return s.connected.Load() }

// Enabled reports whether the binding takes part in the next run.
func (s *Status) Enabled() bool { return s.Binding != nil && s.enabled.Load() }

// StatusInfo is the JSON view of a Status.
type StatusInfo struct {
	Name       string                    `json:"name"`
	Plugin     string                    `json:"plugin"`
	Connected  bool                      `json:"connected"`
	HasBinding bool                      `json:"has_binding"`
	Enabled    bool                      `json:"enabled"`
	Measures   bool                      `json:"measures"`
	Properties map[string]types.Property `json:"properties,omitempty"`
}

func (s *Status) Info() StatusInfo {
	_, measures := MeasurerOf(s.Device)
	return StatusInfo{
		Name:       s.Name,
		Plugin:     s.Plugin,
		Connected:  s.Connected(),
		HasBinding: s.Binding != nil,
		Enabled:    s.Enabled(),
		Measures:   measures,
		Properties: s.Properties,
	}
}
