// Package metrics exposes refresh and alert counters in the Prometheus
// text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quotedesk/internal/notify"
)

const namespace = "quotedesk"

type Metrics struct {
	registry *prometheus.Registry

	RefreshTotal        *prometheus.CounterVec
	RefreshDuration     *prometheus.HistogramVec
	Instruments         prometheus.Gauge
	ConsecutiveFailures prometheus.Gauge
	AlertsTotal         *prometheus.CounterVec
}

// New builds the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Refreshes by source and result",
		}, []string{"source", "result"}),
		RefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Time spent fetching and swapping one snapshot",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		Instruments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instruments",
			Help:      "Instruments in the current snapshot",
		}),
		ConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_failures",
			Help:      "Refresh failures since the last success",
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert requests by outcome",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.RefreshTotal,
		m.RefreshDuration,
		m.Instruments,
		m.ConsecutiveFailures,
		m.AlertsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Attach(bus *notify.Bus) func() {
	return bus.SubscribeAll("metrics", m.OnRefresh, m.OnError)
}

func (m *Metrics) OnRefresh(evt notify.Event) {
	m.RefreshTotal.WithLabelValues(evt.Source, "ok").Inc()
	m.RefreshDuration.WithLabelValues(evt.Source).Observe(evt.Elapsed.Seconds())
	m.ConsecutiveFailures.Set(0)
	if evt.Snapshot != nil {
		m.Instruments.Set(float64(evt.Snapshot.Len()))
	}
}

func (m *Metrics) OnError(evt notify.ErrorEvent) {
	m.RefreshTotal.WithLabelValues(evt.Source, "error").Inc()
	m.RefreshDuration.WithLabelValues(evt.Source).Observe(evt.Elapsed.Seconds())
	m.ConsecutiveFailures.Set(float64(evt.ConsecutiveFailures))
}

func (m *Metrics) ObserveAlert(status string) {
	m.AlertsTotal.WithLabelValues(status).Inc()
}
