package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes sampler, persistence and controller activity.
type Metrics struct {
	ticks             prometheus.Counter
	tickDuration      prometheus.Histogram
	measureErrors     *prometheus.CounterVec
	samplesPersisted  prometheus.Counter
	activeControllers prometheus.Gauge
	runActive         prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labcore_ticks_total",
			Help: "Sampling ticks executed.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "labcore_tick_duration_seconds",
			Help:    "Time spent measuring all devices in one tick.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		measureErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labcore_measure_errors_total",
			Help: "Failed or timed out measurements per device.",
		}, []string{"device"}),
		samplesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labcore_samples_persisted_total",
			Help: "Rows written to measurement files.",
		}),
		activeControllers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labcore_active_controllers",
			Help: "Controllers currently driving hardware.",
		}),
		runActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labcore_run_active",
			Help: "1 while a measurement run is in progress.",
		}),
	}

	reg.MustRegister(m.ticks, m.tickDuration, m.measureErrors, m.samplesPersisted, m.activeControllers, m.runActive)
	return m
}

func (m *Metrics) ObserveTick(d time.Duration) {
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) MeasureFailed(device string) {
	m.measureErrors.WithLabelValues(device).Inc()
}

// RowPersisted is handed to the persistence worker factory.
func (m *Metrics) RowPersisted() {
	m.samplesPersisted.Inc()
}

// ControllersChanged matches the active counter listener signature.
func (m *Metrics) ControllersChanged(active int, _ bool) {
	m.activeControllers.Set(float64(active))
}

func (m *Metrics) SetRunActive(active bool) {
	if active {
		m.runActive.Set(1)
		return
	}
	m.runActive.Set(0)
}
