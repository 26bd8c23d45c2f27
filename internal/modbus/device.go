package modbus

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const defaultPort = 502

// InstrumentConfig is the options block of a Modbus device entry.
type InstrumentConfig struct {
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	UnitID    uint8      `json:"unit_id"`
	TimeoutMs int        `json:"timeout_ms"`
	Registers []Register `json:"registers"`
}

// Instrument is a Modbus TCP instrument. Send takes a register name to read
// or name=value to write; the reply is queued for Receive.
type Instrument struct {
	config    InstrumentConfig
	registers map[string]Register

	mu     sync.Mutex
	client *Client
	lines  []string
}

func NewInstrument(cfg InstrumentConfig) (*Instrument, error) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = 1000
	}
	if cfg.UnitID == 0 {
		cfg.UnitID = 1
	}

	registers := make(map[string]Register, len(cfg.Registers))
	for _, reg := range cfg.Registers {
		if err := reg.validate(); err != nil {
			return nil, err
		}
		if _, dup := registers[reg.Name]; dup {
			return nil, fmt.Errorf("duplicate register %s", reg.Name)
		}
		registers[reg.Name] = reg
	}

	return &Instrument{config: cfg, registers: registers}, nil
}

// Configure accepts host and port from a connect request.
func (d *Instrument) Configure(params map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := params["host"]; ok {
		host, ok := v.(string)
		if !ok {
			return fmt.Errorf("host must be a string, got %T", v)
		}
		d.config.Host = host
	}
	if v, ok := params["port"]; ok {
		switch p := v.(type) {
		case int64:
			d.config.Port = int(p)
		case int:
			d.config.Port = p
		case float64:
			d.config.Port = int(p)
		case string:
			// the device manager passes "port" through untyped
			n, err := strconv.Atoi(p)
			if err != nil {
				return fmt.Errorf("invalid port %q", p)
			}
			d.config.Port = n
		default:
			return fmt.Errorf("port must be a number, got %T", v)
		}
	}
	return nil
}

func (d *Instrument) Address() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return net.JoinHostPort(d.config.Host, strconv.Itoa(d.config.Port))
}

func (d *Instrument) Open(ctx context.Context) error {
	client := NewClient(d.Address(), time.Duration(d.config.TimeoutMs)*time.Millisecond)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.client = client
	d.lines = nil
	d.mu.Unlock()
	return nil
}

func (d *Instrument) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

func (d *Instrument) conn() (*Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, types.ErrNotConnected
	}
	return d.client, nil
}

func (d *Instrument) Send(message string) error {
	message = strings.TrimSpace(message)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(d.config.TimeoutMs)*time.Millisecond)
	defer cancel()

	if name, raw, ok := strings.Cut(message, "="); ok {
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("invalid value %q", raw)
		}
		if err := d.WriteRegister(ctx, strings.TrimSpace(name), value); err != nil {
			return err
		}
		d.push(fmt.Sprintf("%s=%s", strings.TrimSpace(name), formatValue(value)))
		return nil
	}

	value, err := d.ReadRegister(ctx, message)
	if err != nil {
		return err
	}
	d.push(fmt.Sprintf("%s=%s", message, formatValue(value)))
	return nil
}

func (d *Instrument) push(line string) {
	d.mu.Lock()
	d.lines = append(d.lines, line)
	d.mu.Unlock()
}

// Receive returns the oldest queued reply, or "" when there is none.
func (d *Instrument) Receive() (string, error) {
	if _, err := d.conn(); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.lines) == 0 {
		return "", nil
	}
	line := d.lines[0]
	d.lines = d.lines[1:]
	return line, nil
}

func (d *Instrument) ResetBuffer() error {
	d.mu.Lock()
	d.lines = nil
	d.mu.Unlock()
	return nil
}

func (d *Instrument) ReadRegister(ctx context.Context, name string) (float64, error) {
	reg, ok := d.registers[name]
	if !ok {
		return 0, fmt.Errorf("register not found: %s", name)
	}
	client, err := d.conn()
	if err != nil {
		return 0, err
	}

	var words []uint16
	if reg.Type == RegisterTypeInputRegister {
		words, err = client.ReadInputRegisters(ctx, d.config.UnitID, reg.Address, reg.quantity())
	} else {
		words, err = client.ReadHoldingRegisters(ctx, d.config.UnitID, reg.Address, reg.quantity())
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read register %s: %w", name, err)
	}
	return reg.decode(words)
}

func (d *Instrument) WriteRegister(ctx context.Context, name string, value float64) error {
	reg, ok := d.registers[name]
	if !ok {
		return fmt.Errorf("register not found: %s", name)
	}
	if reg.Access != AccessTypeReadWrite || reg.Type == RegisterTypeInputRegister {
		return fmt.Errorf("register %s is read-only", name)
	}
	word, err := reg.encode(value)
	if err != nil {
		return err
	}
	client, err := d.conn()
	if err != nil {
		return err
	}
	return client.WriteSingleRegister(ctx, d.config.UnitID, reg.Address, word)
}

// Measure reads every register in declaration order.
func (d *Instrument) Measure(ctx context.Context) (map[string]float64, error) {
	values := make(map[string]float64, len(d.config.Registers))
	for _, reg := range d.config.Registers {
		v, err := d.ReadRegister(ctx, reg.Name)
		if err != nil {
			return nil, err
		}
		values[reg.Name] = v
	}
	return values, nil
}

// Columns lists the registers as sample columns.
func (d *Instrument) Columns() types.Columns {
	var cols types.Columns
	for _, reg := range d.config.Registers {
		cols = cols.Add(reg.Name, reg.Unit)
	}
	return cols
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
