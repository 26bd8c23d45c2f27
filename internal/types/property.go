package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

type PropertyType string

const (
	PropertyBoolean PropertyType = "boolean"
	PropertyString  PropertyType = "string"
	PropertyNumber  PropertyType = "number"
	PropertyInteger PropertyType = "integer"
)

// Property is a typed setting declared by a plugin manifest, either in its
// configuration block or as a device property such as baudrate.
type Property struct {
	Type        PropertyType `json:"type,omitempty" yaml:"type,omitempty"`
	Default     any          `json:"default,omitempty" yaml:"default,omitempty"`
	Minimum     *float64     `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64     `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Enum        []any        `json:"enum,omitempty" yaml:"enum,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// Coerce converts v to the declared type and checks bounds and enum membership.
func (p Property) Coerce(v any) (any, error) {
	out, err := p.convert(v)
	if err != nil {
		return nil, err
	}

	if f, ok := asFloat(out); ok && (p.Type == PropertyNumber || p.Type == PropertyInteger) {
		if p.Minimum != nil && f < *p.Minimum {
			return nil, fmt.Errorf("value %v is below minimum %v", f, *p.Minimum)
		}
		if p.Maximum != nil && f > *p.Maximum {
			return nil, fmt.Errorf("value %v is above maximum %v", f, *p.Maximum)
		}
	}

	if len(p.Enum) > 0 && !p.inEnum(out) {
		return nil, fmt.Errorf("value %v is not one of %v", out, p.Enum)
	}

	return out, nil
}

func (p Property) convert(v any) (any, error) {
	switch p.Type {
	case PropertyBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
	case PropertyString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case PropertyNumber:
		if f, ok := asFloat(v); ok {
			return f, nil
		}
		if s, ok := v.(string); ok {
			return strconv.ParseFloat(s, 64)
		}
	case PropertyInteger:
		if f, ok := asFloat(v); ok {
			if f != math.Trunc(f) {
				return nil, fmt.Errorf("value %v is not an integer", v)
			}
			return int64(f), nil
		}
		if s, ok := v.(string); ok {
			return strconv.ParseInt(s, 10, 64)
		}
	case "":
		return v, nil
	default:
		return nil, fmt.Errorf("unknown property type %q", p.Type)
	}
	return nil, fmt.Errorf("value %v (%T) is not a %s", v, v, p.Type)
}

func (p Property) inEnum(v any) bool {
	for _, e := range p.Enum {
		if ef, ok := asFloat(e); ok {
			if vf, ok := asFloat(v); ok && ef == vf {
				return true
			}
			continue
		}
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint16:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
