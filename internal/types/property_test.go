package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

func TestPropertyCoerce(t *testing.T) {
	baud := Property{Type: PropertyInteger, Default: 9600, Enum: []any{9600, 19200, 115200}}

	v, err := baud.Coerce(19200.0)
	require.NoError(t, err)
	assert.Equal(t, int64(19200), v)

	_, err = baud.Coerce(4800)
	assert.Error(t, err)

	_, err = baud.Coerce(9600.5)
	assert.Error(t, err)
}

func TestPropertyBounds(t *testing.T) {
	p := Property{Type: PropertyNumber, Minimum: ptr(0), Maximum: ptr(10)}

	v, err := p.Coerce("2.5")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	_, err = p.Coerce(11)
	assert.Error(t, err)
	_, err = p.Coerce(-1)
	assert.Error(t, err)
}

func TestPropertyTypeMismatch(t *testing.T) {
	_, err := Property{Type: PropertyBoolean}.Coerce(3)
	assert.Error(t, err)

	v, err := Property{Type: PropertyBoolean}.Coerce("true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = Property{Type: PropertyString}.Coerce(1)
	assert.Error(t, err)
}
