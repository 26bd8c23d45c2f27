package builtin

import (
	"fmt"

	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/modbus"
	"github.com/KevinKickass/OpenLabCore/internal/plugins"
)

func registerModbus(t *plugins.Table) {
	t.RegisterDevice("modbus:Instrument", func(env plugins.Env) (devices.Device, error) {
		var cfg modbus.InstrumentConfig
		if err := env.Entry.DecodeOptions(&cfg); err != nil {
			return nil, err
		}
		return modbus.NewInstrument(cfg)
	})
	t.RegisterTab("modbus:InstrumentTab", func(env plugins.Env, dev devices.Device) (devices.Binding, error) {
		inst, ok := dev.(*modbus.Instrument)
		if !ok {
			return nil, fmt.Errorf("modbus tab needs a modbus instrument, got %T", dev)
		}
		return &tab{name: env.Device, device: inst, columns: inst.Columns()}, nil
	})
}
