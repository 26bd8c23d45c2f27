package builtin

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/plugins"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Query is one measurement of a serial instrument: the command sent and
// the column its numeric reply fills.
type Query struct {
	Command string `json:"command"`
	Column  string `json:"column"`
	Unit    string `json:"unit"`
}

type SerialOptions struct {
	Port    string  `json:"port"`
	Measure []Query `json:"measure"`
}

type lineDevice interface {
	devices.Device
	Query(message string) (string, error)
}

// SerialInstrument measures by sending each query and parsing the reply as a float.
type SerialInstrument struct {
	lineDevice
	queries []Query
}

func registerSerial(t *plugins.Table) {
	t.RegisterDevice("serial-instrument:Instrument", func(env plugins.Env) (devices.Device, error) {
		var opts SerialOptions
		if err := env.Entry.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		dev := devices.NewSerialDevice(devices.SerialConfig{Port: opts.Port})
		return NewSerialInstrument(dev, opts.Measure)
	})
	t.RegisterTab("serial-instrument:InstrumentTab", func(env plugins.Env, dev devices.Device) (devices.Binding, error) {
		inst, ok := dev.(*SerialInstrument)
		if !ok {
			return nil, fmt.Errorf("instrument tab needs a serial instrument, got %T", dev)
		}
		return &tab{name: env.Device, device: inst, columns: inst.Columns()}, nil
	})
}

func NewSerialInstrument(dev lineDevice, queries []Query) (*SerialInstrument, error) {
	for _, q := range queries {
		if q.Command == "" || q.Column == "" {
			return nil, fmt.Errorf("measure query needs command and column: %+v", q)
		}
	}
	return &SerialInstrument{lineDevice: dev, queries: queries}, nil
}

func (s *SerialInstrument) Configure(params map[string]any) error {
	c, ok := s.lineDevice.(devices.Configurable)
	if !ok {
		return nil
	}
	return c.Configure(params)
}

func (s *SerialInstrument) Measure(ctx context.Context) (map[string]float64, error) {
	values := make(map[string]float64, len(s.queries))
	for _, q := range s.queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reply, err := s.Query(q.Command)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", q.Command, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: unexpected reply %q", q.Command, reply)
		}
		values[q.Column] = v
	}
	return values, nil
}

func (s *SerialInstrument) Columns() types.Columns {
	var cols types.Columns
	for _, q := range s.queries {
		cols = cols.Add(q.Column, q.Unit)
	}
	return cols
}
