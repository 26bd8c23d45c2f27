package devices

import (
	"context"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Device is a handle to a physical or virtual instrument.
// Receive must return within a bounded time; an empty string means nothing arrived.
type Device interface {
	Open(ctx context.Context) error
	Close() error
	Send(message string) error
	Receive() (string, error)
	ResetBuffer() error
}

// Configurable devices accept connection parameters such as port or
// baudrate before they are opened.
type Configurable interface {
	Configure(params map[string]any) error
}

// Measurer is implemented by devices that contribute values to a sample.
type Measurer interface {
	Measure(ctx context.Context) (map[string]float64, error)
}

// Controller actively drives hardware during a run.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Binding ties a device to its run-time behaviour: setup before a run,
// an optional controller and the columns it contributes.
type Binding interface {
	// Name is the logical name of the bound device.
	Name() string
	Device() Device
	Setup(ctx context.Context) error
	// Controller returns nil when the device is passive.
	Controller() Controller
	Parameters() types.Columns
}

// MeasurerOf returns the measurer capability of d, if it has one.
func MeasurerOf(d Device) (Measurer, bool) {
	if d == nil {
		return nil, false
	}
	m, ok := d.(Measurer)
	return m, ok
}
