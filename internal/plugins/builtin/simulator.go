package builtin

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/plugins"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const outputColumn = "Output"

func registerSimulator(t *plugins.Table) {
	t.RegisterDevice("simulator:SignalGenerator", func(plugins.Env) (devices.Device, error) {
		return NewSignalGenerator(), nil
	})
	t.RegisterTab("simulator:GeneratorTab", func(env plugins.Env, dev devices.Device) (devices.Binding, error) {
		gen, ok := dev.(*SignalGenerator)
		if !ok {
			return nil, fmt.Errorf("generator tab needs a signal generator, got %T", dev)
		}
		return &tab{
			name:       env.Device,
			device:     gen,
			controller: devices.NewCountedController(gen, env.Counter),
			columns:    types.Columns{{Name: outputColumn, Unit: "V"}},
		}, nil
	})

	t.RegisterDevice("simulator:Multimeter", func(env plugins.Env) (devices.Device, error) {
		var opts MultimeterOptions
		if err := env.Entry.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return NewMultimeter(opts), nil
	})
	t.RegisterTab("simulator:MultimeterTab", func(env plugins.Env, dev devices.Device) (devices.Binding, error) {
		dmm, ok := dev.(*Multimeter)
		if !ok {
			return nil, fmt.Errorf("multimeter tab needs a multimeter, got %T", dev)
		}
		return &tab{
			name:    env.Device,
			device:  dmm,
			columns: types.Columns{{Name: dmm.opts.Column, Unit: dmm.opts.Unit}},
		}, nil
	})
}

// SignalGenerator is a virtual sine source. Its output advances one step
// per measurement while it is started and is zero otherwise.
type SignalGenerator struct {
	mu        sync.Mutex
	amplitude float64
	period    int
	on        bool
	step      int
	open      bool
	replies   []string
}

func NewSignalGenerator() *SignalGenerator {
	return &SignalGenerator{amplitude: 1, period: 20}
}

func (g *SignalGenerator) Configure(params map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if v, ok := params["amplitude"]; ok {
		a, err := number("amplitude", v)
		if err != nil {
			return err
		}
		g.amplitude = a
	}
	if v, ok := params["period"]; ok {
		p, err := number("period", v)
		if err != nil {
			return err
		}
		if p < 2 {
			return fmt.Errorf("period must be at least 2, got %v", p)
		}
		g.period = int(p)
	}
	return nil
}

func (g *SignalGenerator) Open(context.Context) error {
	g.mu.Lock()
	g.open = true
	g.mu.Unlock()
	return nil
}

func (g *SignalGenerator) Close() error {
	g.mu.Lock()
	g.open = false
	g.on = false
	g.mu.Unlock()
	return nil
}

// Send understands "AMP <volt>", "OUTP ON|OFF" and "AMP?".
func (g *SignalGenerator) Send(message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open {
		return types.ErrNotConnected
	}

	fields := strings.Fields(strings.ToUpper(message))
	switch {
	case len(fields) == 1 && fields[0] == "AMP?":
		g.replies = append(g.replies, strconv.FormatFloat(g.amplitude, 'f', -1, 64))
	case len(fields) == 2 && fields[0] == "AMP":
		a, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("invalid amplitude %q", fields[1])
		}
		g.amplitude = a
		g.replies = append(g.replies, "OK")
	case len(fields) == 2 && fields[0] == "OUTP":
		g.on = fields[1] == "ON"
		g.replies = append(g.replies, "OK")
	default:
		g.replies = append(g.replies, "ERR")
	}
	return nil
}

func (g *SignalGenerator) Receive() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.replies) == 0 {
		return "", nil
	}
	r := g.replies[0]
	g.replies = g.replies[1:]
	return r, nil
}

func (g *SignalGenerator) ResetBuffer() error {
	g.mu.Lock()
	g.replies = nil
	g.mu.Unlock()
	return nil
}

func (g *SignalGenerator) Start(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return types.ErrNotConnected
	}
	g.on = true
	g.step = 0
	return nil
}

func (g *SignalGenerator) Stop(context.Context) error {
	g.mu.Lock()
	g.on = false
	g.mu.Unlock()
	return nil
}

func (g *SignalGenerator) Measure(context.Context) (map[string]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.on {
		return map[string]float64{outputColumn: 0}, nil
	}
	v := g.amplitude * math.Sin(2*math.Pi*float64(g.step)/float64(g.period))
	g.step++
	return map[string]float64{outputColumn: v}, nil
}

type MultimeterOptions struct {
	Column string  `json:"column"`
	Unit   string  `json:"unit"`
	Offset float64 `json:"offset"`
	Step   float64 `json:"step"`
}

// Multimeter reports offset + n*step on its n-th reading.
type Multimeter struct {
	opts MultimeterOptions

	mu    sync.Mutex
	count int
	open  bool
}

func NewMultimeter(opts MultimeterOptions) *Multimeter {
	if opts.Column == "" {
		opts.Column = "Voltage"
	}
	if opts.Unit == "" {
		opts.Unit = "V"
	}
	return &Multimeter{opts: opts}
}

func (m *Multimeter) Open(context.Context) error {
	m.mu.Lock()
	m.open = true
	m.count = 0
	m.mu.Unlock()
	return nil
}

func (m *Multimeter) Close() error {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
	return nil
}

func (m *Multimeter) Send(string) error        { return nil }
func (m *Multimeter) Receive() (string, error) { return "", nil }
func (m *Multimeter) ResetBuffer() error       { return nil }

func (m *Multimeter) Measure(context.Context) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return nil, types.ErrNotConnected
	}
	v := m.opts.Offset + float64(m.count)*m.opts.Step
	m.count++
	return map[string]float64{m.opts.Column: v}, nil
}
