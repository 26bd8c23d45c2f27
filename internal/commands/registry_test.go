package commands

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	calls := 0
	require.NoError(t, r.Register("monitor.toggle", func() error { calls++; return nil }))
	assert.Error(t, r.Register("monitor.toggle", func() error { return nil }))

	require.NoError(t, r.Execute("monitor.toggle"))
	assert.Equal(t, 1, calls)

	assert.ErrorIs(t, r.Execute("missing"), ErrUnknownCommand)
}

func TestRegistryWhenGating(t *testing.T) {
	r := NewRegistry()
	running := false
	r.SetRunState(func() bool { return running })

	r.Declare(Command{ID: "gen.output", Plugin: "simulator", Title: "Output", When: WhenRun})
	require.NoError(t, r.Register("gen.output", func() error { return errors.New("boom") }))

	assert.ErrorIs(t, r.Execute("gen.output"), ErrNotAvailable)
	running = true
	assert.EqualError(t, r.Execute("gen.output"), "boom")
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Declare(Command{ID: "b.declared", Title: "Declared only", When: WhenStop})
	require.NoError(t, r.Register("a.plain", func() error { return nil }))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a.plain", list[0].ID)
	assert.True(t, list[0].Available)
	assert.Equal(t, "b.declared", list[1].ID)
	assert.False(t, list[1].Registered)
	assert.False(t, list[1].Available)
}
