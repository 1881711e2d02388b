// Package metrics exposes simulator counters to Prometheus. All methods are
// no-ops on a nil *Metrics so callers can run without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pumpsim"

type Metrics struct {
	Publishes       *prometheus.CounterVec
	Ticks           prometheus.Counter
	TickDuration    prometheus.Histogram
	ConnectionState prometheus.Gauge
	TransportEvents *prometheus.CounterVec
	LevelOverrides  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Readings published per device, by result.",
		}, []string{"device", "result"}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Completed publish cycles.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent synthesizing and publishing one cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "0 init, 1 connecting, 2 connected, 3 disconnected, 4 terminated.",
		}),
		TransportEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_events_total",
			Help:      "Connection lifecycle events reported by the transport.",
		}, []string{"kind"}),
		LevelOverrides: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "level_overrides_total",
			Help:      "Readings built around a measured water level.",
		}),
	}
	reg.MustRegister(m.Publishes, m.Ticks, m.TickDuration, m.ConnectionState, m.TransportEvents, m.LevelOverrides)
	return m
}

func (m *Metrics) ObservePublish(device string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Publishes.WithLabelValues(device, result).Inc()
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) SetState(v int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(v))
}

func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.TransportEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveOverride() {
	if m == nil {
		return
	}
	m.LevelOverrides.Inc()
}
