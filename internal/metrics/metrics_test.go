package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTick(20 * time.Millisecond)
	m.ObserveTick(30 * time.Millisecond)
	m.MeasureFailed("dmm")
	m.RowPersisted()
	m.SetRunActive(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticks))
	assert.Equal(t, 1, testutil.CollectAndCount(m.tickDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.measureErrors.WithLabelValues("dmm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.samplesPersisted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runActive))

	m.SetRunActive(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.runActive))

	expected := `
# HELP labcore_samples_persisted_total Rows written to measurement files.
# TYPE labcore_samples_persisted_total counter
labcore_samples_persisted_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "labcore_samples_persisted_total"))
}

func TestControllersGaugeFollowsCounter(t *testing.T) {
	m := New(prometheus.NewRegistry())
	counter := devices.NewActiveCounter()
	counter.OnChange(m.ControllersChanged)

	ctrl := devices.NewCountedController(nopController{}, counter)
	require.NoError(t, ctrl.Start(t.Context()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeControllers))

	require.NoError(t, ctrl.Stop(t.Context()))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeControllers))
}

type nopController struct{}

func (nopController) Start(ctx context.Context) error { return nil }
func (nopController) Stop(ctx context.Context) error  { return nil }
