package types

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

const (
	TimeColumn = "Time"
	TimeUnit   = "sec"
)

// Column is one output column with its display unit.
type Column struct {
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// Columns is an ordered column→unit mapping. The first entry of a run's
// columns is always Time[sec].
type Columns []Column

// NewColumns returns a column list seeded with the implicit Time column.
func NewColumns() Columns {
	return Columns{{Name: TimeColumn, Unit: TimeUnit}}
}

// Add appends a column or replaces the unit of an existing one, keeping its position.
func (c Columns) Add(name, unit string) Columns {
	for i := range c {
		if c[i].Name == name {
			c[i].Unit = unit
			return c
		}
	}
	return append(c, Column{Name: name, Unit: unit})
}

// Merge adds every column of other in order.
func (c Columns) Merge(other Columns) Columns {
	for _, col := range other {
		c = c.Add(col.Name, col.Unit)
	}
	return c
}

func (c Columns) Names() []string {
	names := make([]string, len(c))
	for i, col := range c {
		names[i] = col.Name
	}
	return names
}

// Header renders the columns as name[unit] fields.
func (c Columns) Header() []string {
	fields := make([]string, len(c))
	for i, col := range c {
		fields[i] = col.Name + "[" + col.Unit + "]"
	}
	return fields
}

// Sample is one ordered row of values produced by one tick.
type Sample struct {
	keys   []string
	values map[string]float64
}

func NewSample() *Sample {
	return &Sample{values: make(map[string]float64)}
}

// NewTimedSample seeds a sample with the elapsed time rounded to two decimals.
func NewTimedSample(elapsedSeconds float64) *Sample {
	s := NewSample()
	s.Set(TimeColumn, RoundTime(elapsedSeconds))
	return s
}

func RoundTime(seconds float64) float64 {
	return math.Round(seconds*100) / 100
}

// Set stores v under key. An existing key keeps its position and takes the new value.
func (s *Sample) Set(key string, v float64) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = v
}

func (s *Sample) Get(key string) (float64, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *Sample) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

func (s *Sample) Len() int { return len(s.keys) }

// Merge copies every entry of m, in the order given by keys. Colliding keys are overwritten.
func (s *Sample) Merge(keys []string, m map[string]float64) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			s.Set(k, v)
		}
	}
}

// Map returns a copy of the values.
func (s *Sample) Map() map[string]float64 {
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// MarshalJSON keeps column order, which a plain map would lose.
func (s *Sample) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		v := s.values[k]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			buf.WriteString("null")
			continue
		}
		buf.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
