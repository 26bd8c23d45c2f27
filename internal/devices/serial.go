package devices

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

const (
	serialTimeout  = 200 * time.Millisecond
	lineTerminator = "\n"
)

// SerialConfig holds the connection parameters of a line-oriented instrument.
type SerialConfig struct {
	Port     string        `json:"port" mapstructure:"port"`
	BaudRate int           `json:"baudrate" mapstructure:"baudrate"`
	DataBits int           `json:"data_bits" mapstructure:"data_bits"`
	StopBits int           `json:"stop_bits" mapstructure:"stop_bits"`
	Parity   string        `json:"parity" mapstructure:"parity"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// SerialDevice talks to an instrument over a serial port using
// newline-terminated ASCII messages.
type SerialDevice struct {
	config serial.Config

	mu      sync.Mutex
	port    io.ReadWriteCloser
	pending []byte

	// open is replaced in tests
	open func(*serial.Config) (io.ReadWriteCloser, error)
}

func NewSerialDevice(cfg SerialConfig) *SerialDevice {
	d := &SerialDevice{
		open: func(c *serial.Config) (io.ReadWriteCloser, error) { return serial.Open(c) },
	}
	d.SetConfig(cfg)
	return d
}

// Configure applies port and baudrate parameters from a connect request.
func (d *SerialDevice) Configure(params map[string]any) error {
	d.mu.Lock()
	cfg := SerialConfig{
		Port:     d.config.Address,
		BaudRate: d.config.BaudRate,
		DataBits: d.config.DataBits,
		StopBits: d.config.StopBits,
		Parity:   d.config.Parity,
		Timeout:  d.config.Timeout,
	}
	d.mu.Unlock()

	if v, ok := params["port"]; ok {
		port, ok := v.(string)
		if !ok {
			return fmt.Errorf("port must be a string, got %T", v)
		}
		cfg.Port = port
	}
	if v, ok := params["baudrate"]; ok {
		switch b := v.(type) {
		case int64:
			cfg.BaudRate = int(b)
		case int:
			cfg.BaudRate = b
		case float64:
			cfg.BaudRate = int(b)
		default:
			return fmt.Errorf("baudrate must be a number, got %T", v)
		}
	}
	d.SetConfig(cfg)
	return nil
}

// SetConfig replaces the connection parameters. They take effect on the next Open.
func (d *SerialDevice) SetConfig(cfg SerialConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.config.Address = cfg.Port
	d.config.BaudRate = cfg.BaudRate
	d.config.DataBits = cfg.DataBits
	d.config.StopBits = cfg.StopBits
	d.config.Parity = cfg.Parity
	d.config.Timeout = cfg.Timeout

	if d.config.BaudRate == 0 {
		d.config.BaudRate = 9600
	}
	if d.config.DataBits == 0 {
		d.config.DataBits = 8
	}
	if d.config.StopBits == 0 {
		d.config.StopBits = 1
	}
	if d.config.Parity == "" {
		d.config.Parity = "N"
	}
	if d.config.Timeout <= 0 {
		d.config.Timeout = serialTimeout
	}
}

func (d *SerialDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if d.port != nil {
		return nil
	}
	if d.config.Address == "" {
		return errors.New("no serial port configured")
	}

	port, err := d.open(&d.config)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", d.config.Address, err)
	}
	d.port = port
	d.pending = d.pending[:0]
	return nil
}

func (d *SerialDevice) Close() (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		err = d.port.Close()
		d.port = nil
	}
	return
}

func (d *SerialDevice) Send(message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.send(message)
}

// Receive returns the next complete line without its terminator. If no full
// line arrives within the port timeout it returns an empty string.
func (d *SerialDevice) Receive() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receive()
}

// Query sends message and waits for a single reply line. The port stays
// locked in between so a concurrent reader (the monitor) cannot take the reply.
func (d *SerialDevice) Query(message string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.send(message); err != nil {
		return "", err
	}
	return d.receive()
}

// send and receive expect d.mu to be held.
func (d *SerialDevice) send(message string) error {
	if d.port == nil {
		return errors.New("serial port is not open")
	}
	_, err := io.WriteString(d.port, message+lineTerminator)
	return err
}

func (d *SerialDevice) receive() (string, error) {
	if d.port == nil {
		return "", errors.New("serial port is not open")
	}

	deadline := time.Now().Add(d.config.Timeout)
	buf := make([]byte, 256)
	for {
		if i := bytes.IndexByte(d.pending, '\n'); i >= 0 {
			line := string(d.pending[:i])
			d.pending = append(d.pending[:0], d.pending[i+1:]...)
			return strings.TrimRight(line, "\r"), nil
		}
		if time.Now().After(deadline) {
			return "", nil
		}

		n, err := d.port.Read(buf)
		d.pending = append(d.pending, buf[:n]...)
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				return "", nil
			}
			return "", err
		}
	}
}

// ResetBuffer discards any partially received input.
func (d *SerialDevice) ResetBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = d.pending[:0]
	return nil
}

var portPatterns = []string{
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/ttyS*",
	"/dev/tty.usb*",
	"/dev/cu.usb*",
}

// ListPorts returns candidate serial port paths present on this machine.
func ListPorts() []string {
	var ports []string
	for _, pattern := range portPatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		ports = append(ports, matches...)
	}
	sort.Strings(ports)
	return ports
}
