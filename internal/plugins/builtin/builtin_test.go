package builtin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/commands"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/monitor"
	"github.com/KevinKickass/OpenLabCore/internal/plugins"
	"github.com/KevinKickass/OpenLabCore/internal/settings"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testHost struct {
	manager *devices.Manager

	mu     sync.Mutex
	events []any
}

func (h *testHost) Statuses() []*devices.Status { return h.manager.ListStatuses() }

func (h *testHost) Publish(kind string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if kind == MonitorEvent {
		h.events = append(h.events, payload)
	}
}

func (h *testHost) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func loadBundled(t *testing.T) (*plugins.Registry, *plugins.LoadResult, *testHost) {
	t.Helper()
	table := plugins.NewTable()
	require.NoError(t, Register(table))

	store, err := settings.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	host := &testHost{manager: devices.NewManager(zap.NewNop())}
	r, err := plugins.NewRegistry(plugins.Options{
		Table:    table,
		Commands: commands.NewRegistry(),
		Settings: store,
		Host:     host,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	res := r.Load()
	for _, st := range res.Statuses {
		require.NoError(t, host.manager.Add(st))
	}
	t.Cleanup(r.Shutdown)
	return r, res, host
}

func TestBundledPluginsLoad(t *testing.T) {
	r, res, _ := loadBundled(t)

	assert.Empty(t, res.Errors)
	var names []string
	for _, p := range res.Plugins {
		names = append(names, p.Name)
		assert.True(t, p.Bundled)
	}
	assert.Equal(t, []string{"modbus", "monitor", "serial-instrument", "simulator"}, names)

	var devs []string
	for _, st := range res.Statuses {
		devs = append(devs, st.Name)
		assert.NotNil(t, st.Binding, st.Name)
	}
	assert.Equal(t, []string{"Modbus instrument", "Serial instrument", "Multimeter", "Signal generator"}, devs)

	list := r.Commands().List()
	require.Len(t, list, 1)
	assert.Equal(t, ToggleMonitorCommand, list[0].ID)
	assert.True(t, list[0].Registered)
}

func TestSimulatorRun(t *testing.T) {
	r, _, host := loadBundled(t)
	ctx := context.Background()

	require.NoError(t, host.manager.Connect(ctx, "Signal generator", map[string]any{"amplitude": 2, "period": 4}))
	require.NoError(t, host.manager.Connect(ctx, "Multimeter", nil))

	gen, _ := host.manager.GetStatus("Signal generator")
	ctrl := gen.Binding.Controller()
	require.NotNil(t, ctrl)
	m, ok := devices.MeasurerOf(gen.Device)
	require.True(t, ok)

	require.NoError(t, ctrl.Start(ctx))
	assert.True(t, r.Counter().Controllable())
	var got []float64
	for i := 0; i < 4; i++ {
		v, err := m.Measure(ctx)
		require.NoError(t, err)
		got = append(got, v[outputColumn])
	}
	assert.InDeltaSlice(t, []float64{0, 2, 0, -2}, got, 1e-9)

	require.NoError(t, ctrl.Stop(ctx))
	assert.False(t, r.Counter().Controllable())
	v, err := m.Measure(ctx)
	require.NoError(t, err)
	assert.Zero(t, v[outputColumn])

	dmm, _ := host.manager.GetStatus("Multimeter")
	assert.Nil(t, dmm.Binding.Controller())
	assert.Equal(t, []string{"Voltage"}, dmm.Binding.Parameters().Names())
	mm, _ := devices.MeasurerOf(dmm.Device)
	first, err := mm.Measure(ctx)
	require.NoError(t, err)
	second, err := mm.Measure(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.5, first["Voltage"])
	assert.InDelta(t, 0.51, second["Voltage"], 1e-9)
}

func TestSignalGeneratorProtocol(t *testing.T) {
	g := NewSignalGenerator()
	assert.ErrorIs(t, g.Send("AMP?"), types.ErrNotConnected)

	require.NoError(t, g.Open(context.Background()))
	require.NoError(t, g.Send("amp 3.5"))
	require.NoError(t, g.Send("AMP?"))
	require.NoError(t, g.Send("bogus"))

	var replies []string
	for {
		r, err := g.Receive()
		require.NoError(t, err)
		if r == "" {
			break
		}
		replies = append(replies, r)
	}
	assert.Equal(t, []string{"OK", "3.5", "ERR"}, replies)
	assert.Error(t, g.Configure(map[string]any{"period": int64(1)}))
}

type fakeLine struct {
	replies map[string]string
	sent    []string
}

func (f *fakeLine) Open(context.Context) error { return nil }
func (f *fakeLine) Close() error               { return nil }
func (f *fakeLine) Send(string) error          { return nil }
func (f *fakeLine) Receive() (string, error)   { return "", nil }
func (f *fakeLine) ResetBuffer() error         { return nil }

func (f *fakeLine) Query(m string) (string, error) {
	f.sent = append(f.sent, m)
	r, ok := f.replies[m]
	if !ok {
		return "", errors.New("timeout")
	}
	return r, nil
}

func TestSerialInstrumentMeasure(t *testing.T) {
	line := &fakeLine{replies: map[string]string{"VOLT?": " 1.5e-3\r", "CURR?": "0.25"}}
	inst, err := NewSerialInstrument(line, []Query{
		{Command: "VOLT?", Column: "Voltage", Unit: "V"},
		{Command: "CURR?", Column: "Current", Unit: "A"},
	})
	require.NoError(t, err)

	values, err := inst.Measure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"Voltage": 0.0015, "Current": 0.25}, values)
	assert.Equal(t, []string{"VOLT?", "CURR?"}, line.sent)
	assert.Equal(t, []string{"Voltage", "Current"}, inst.Columns().Names())

	line.replies["CURR?"] = "OVERLOAD"
	_, err = inst.Measure(context.Background())
	assert.Error(t, err)

	_, err = NewSerialInstrument(line, []Query{{Command: "X?"}})
	assert.Error(t, err)
}

func TestMonitorToggle(t *testing.T) {
	r, _, host := loadBundled(t)
	require.NoError(t, host.manager.Connect(context.Background(), "Signal generator", nil))

	gen, _ := host.manager.GetStatus("Signal generator")
	require.NoError(t, gen.Device.Send("AMP?"))

	require.NoError(t, r.Commands().Execute(ToggleMonitorCommand))
	require.Eventually(t, func() bool { return host.count() == 1 }, time.Second, 5*time.Millisecond)

	host.mu.Lock()
	line := host.events[0].(monitor.Line)
	host.mu.Unlock()
	assert.Equal(t, "Signal generator", line.Device)
	assert.Equal(t, "1", line.Text)

	require.NoError(t, r.Commands().Execute(ToggleMonitorCommand))
}
