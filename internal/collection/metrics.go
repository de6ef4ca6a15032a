package collection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is an Observer exporting per-collection counters and gauges.
type Metrics struct {
	events  *prometheus.CounterVec
	size    *prometheus.GaugeVec
	stale   *prometheus.GaugeVec
	version *prometheus.GaugeVec
}

// NewMetrics registers collectors on reg. Registration is explicit so
// tests and multiple engines can use private registries.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaffediem",
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Inputs processed by collection caches, by source and outcome.",
		}, []string{"collection", "source", "outcome"}),
		size: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kaffediem",
			Subsystem: "sync",
			Name:      "cache_records",
			Help:      "Records currently held in each collection cache.",
		}, []string{"collection"}),
		stale: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kaffediem",
			Subsystem: "sync",
			Name:      "cache_stale",
			Help:      "1 while a collection cache is not receiving live events.",
		}, []string{"collection"}),
		version: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kaffediem",
			Subsystem: "sync",
			Name:      "cache_version",
			Help:      "Current published version of each collection cache.",
		}, []string{"collection"}),
	}
}

// Observe implements Observer.
func (m *Metrics) Observe(e Event) {
	m.events.WithLabelValues(e.Collection, string(e.Source), string(e.Outcome)).Inc()
}

// ObserveState implements Observer.
func (m *Metrics) ObserveState(s State) {
	m.size.WithLabelValues(s.Collection).Set(float64(s.Size))
	m.version.WithLabelValues(s.Collection).Set(float64(s.Version))
	stale := 0.0
	if s.Stale {
		stale = 1
	}
	m.stale.WithLabelValues(s.Collection).Set(stale)
}
