package modbus

import (
	"fmt"
	"math"
)

type RegisterType string

const (
	RegisterTypeInputRegister   RegisterType = "input_register"
	RegisterTypeHoldingRegister RegisterType = "holding_register"
)

type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeFloat32 DataType = "float32"
)

type AccessType string

const (
	AccessTypeReadOnly  AccessType = "read_only"
	AccessTypeReadWrite AccessType = "read_write"
)

// Register describes one value of an instrument. Name doubles as the
// sample column name.
type Register struct {
	Name        string       `json:"name"`
	Address     uint16       `json:"address"`
	Type        RegisterType `json:"type"`
	DataType    DataType     `json:"data_type"`
	ScaleFactor float64      `json:"scale_factor"`
	Unit        string       `json:"unit"`
	Access      AccessType   `json:"access"`
}

func (r Register) validate() error {
	if r.Name == "" {
		return fmt.Errorf("register at address %d has no name", r.Address)
	}
	switch r.Type {
	case "", RegisterTypeHoldingRegister, RegisterTypeInputRegister:
	default:
		return fmt.Errorf("register %s: unsupported type %q", r.Name, r.Type)
	}
	switch r.DataType {
	case "", DataTypeBool, DataTypeInt16, DataTypeUint16, DataTypeInt32, DataTypeUint32, DataTypeFloat32:
	default:
		return fmt.Errorf("register %s: unsupported data type %q", r.Name, r.DataType)
	}
	return nil
}

func (r Register) quantity() uint16 {
	switch r.DataType {
	case DataTypeInt32, DataTypeUint32, DataTypeFloat32:
		return 2
	default:
		return 1
	}
}

// decode converts raw big-endian registers to a scaled value.
func (r Register) decode(registers []uint16) (float64, error) {
	if len(registers) < int(r.quantity()) {
		return 0, fmt.Errorf("register %s: got %d words, need %d", r.Name, len(registers), r.quantity())
	}

	scale := r.ScaleFactor
	if scale == 0 {
		scale = 1.0
	}

	var v float64
	switch r.DataType {
	case DataTypeInt16:
		v = float64(int16(registers[0]))
	case DataTypeUint32:
		v = float64(uint32(registers[0])<<16 | uint32(registers[1]))
	case DataTypeInt32:
		v = float64(int32(uint32(registers[0])<<16 | uint32(registers[1])))
	case DataTypeFloat32:
		v = float64(math.Float32frombits(uint32(registers[0])<<16 | uint32(registers[1])))
	case DataTypeBool:
		if registers[0] != 0 {
			return 1, nil
		}
		return 0, nil
	default:
		v = float64(registers[0])
	}

	return v * scale, nil
}

// encode converts a scaled value back to a single register word.
func (r Register) encode(value float64) (uint16, error) {
	if r.DataType != "" && r.DataType != DataTypeUint16 && r.DataType != DataTypeInt16 {
		return 0, fmt.Errorf("only int16/uint16 write supported for now")
	}
	scale := r.ScaleFactor
	if scale == 0 {
		scale = 1.0
	}
	raw := math.Round(value / scale)
	if r.DataType == DataTypeInt16 {
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return 0, fmt.Errorf("register %s: %v out of range", r.Name, value)
		}
		return uint16(int16(raw)), nil
	}
	if raw < 0 || raw > math.MaxUint16 {
		return 0, fmt.Errorf("register %s: %v out of range", r.Name, value)
	}
	return uint16(raw), nil
}
