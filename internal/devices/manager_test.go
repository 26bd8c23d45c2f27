package devices

import (
	"context"
	"errors"
	"testing"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDevice struct {
	opened  bool
	openErr error
}

func (f *fakeDevice) Open(context.Context) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}
func (f *fakeDevice) Close() error             { f.opened = false; return nil }
func (f *fakeDevice) Send(string) error        { return nil }
func (f *fakeDevice) Receive() (string, error) { return "", nil }
func (f *fakeDevice) ResetBuffer() error       { return nil }

type fakeBinding struct{ dev Device }

func (b *fakeBinding) Name() string                { return "fake" }
func (b *fakeBinding) Device() Device              { return b.dev }
func (b *fakeBinding) Setup(context.Context) error { return nil }
func (b *fakeBinding) Controller() Controller      { return nil }
func (b *fakeBinding) Parameters() types.Columns   { return types.Columns{{Name: "V", Unit: "V"}} }

func TestManagerUniqueNames(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Add(NewStatus("dmm", "sim", &fakeDevice{}, nil, nil)))
	assert.Error(t, m.Add(NewStatus("dmm", "other", &fakeDevice{}, nil, nil)))
	assert.Len(t, m.ListStatuses(), 1)
}

func TestManagerConnectDisconnect(t *testing.T) {
	m := NewManager(zap.NewNop())
	dev := &fakeDevice{}
	require.NoError(t, m.Add(NewStatus("dmm", "sim", dev, nil, nil)))

	require.NoError(t, m.Connect(context.Background(), "dmm", nil))
	st, _ := m.GetStatus("dmm")
	assert.True(t, st.Connected())
	assert.True(t, dev.opened)

	require.NoError(t, m.CloseAll())
	assert.False(t, st.Connected())
	assert.False(t, dev.opened)

	assert.Error(t, m.Connect(context.Background(), "missing", nil))
}

func TestManagerConnectFailureIsDeviceError(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Add(NewStatus("gen", "sim", &fakeDevice{openErr: errors.New("busy")}, nil, nil)))

	err := m.Connect(context.Background(), "gen", nil)
	var devErr *types.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "open", devErr.Op)
}

func TestManagerEnabledBindings(t *testing.T) {
	m := NewManager(zap.NewNop())
	a := &fakeBinding{dev: &fakeDevice{}}
	b := &fakeBinding{dev: &fakeDevice{}}
	require.NoError(t, m.Add(NewStatus("a", "sim", a.dev, nil, a)))
	require.NoError(t, m.Add(NewStatus("plain", "sim", &fakeDevice{}, nil, nil)))
	require.NoError(t, m.Add(NewStatus("b", "sim", b.dev, nil, b)))

	// bindings of devices that are not connected never join a run
	assert.Empty(t, m.EnabledBindings())

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "a", nil))
	require.NoError(t, m.Connect(ctx, "plain", nil))
	require.NoError(t, m.Connect(ctx, "b", nil))
	assert.Equal(t, []Binding{a, b}, m.EnabledBindings())

	require.NoError(t, m.SetEnabled("a", false))
	assert.Equal(t, []Binding{b}, m.EnabledBindings())
	assert.Error(t, m.SetEnabled("plain", true))
}

type configurableDevice struct {
	fakeDevice
	params map[string]any
}

func (d *configurableDevice) Configure(params map[string]any) error {
	d.params = params
	return nil
}

func TestManagerConnectParams(t *testing.T) {
	m := NewManager(zap.NewNop())
	dev := &configurableDevice{}
	props := map[string]types.Property{
		"baudrate": {Type: types.PropertyInteger, Default: 9600, Enum: []any{9600, 115200}},
	}
	require.NoError(t, m.Add(NewStatus("inst", "serial", dev, props, nil)))

	err := m.Connect(context.Background(), "inst", map[string]any{"baudrate": 4800.0})
	assert.Error(t, err)
	err = m.Connect(context.Background(), "inst", map[string]any{"parity": "E"})
	assert.Error(t, err)

	require.NoError(t, m.Connect(context.Background(), "inst", map[string]any{"port": "/dev/ttyUSB0", "baudrate": 115200.0}))
	assert.Equal(t, map[string]any{"port": "/dev/ttyUSB0", "baudrate": int64(115200)}, dev.params)
}
