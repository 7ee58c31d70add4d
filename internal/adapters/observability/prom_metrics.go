// Package observability implements ports.Observability the way the
// teacher's internal/adapters/observability.PromObs does: log.Printf for
// error/critical (info is a no-op, matching the teacher's own choice not
// to log the hot path), Prometheus counters/gauges/histogram for
// everything else.
package observability

import (
	"fmt"
	"log"

	"github.com/beamsync/bsas/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
)

// PromObs is a ports.Observability backed by Prometheus collectors
// registered against the default registry.
type PromObs struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers and returns the fixed set of BSAS collectors.
func NewPromObs() *PromObs {
	events := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bsas_events_total",
		Help: "Total per-column samples accepted by a Subscription.",
	})
	overflows := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bsas_overflows_total",
		Help: "Total samples dropped by bounded-queue or pending-slice overflow.",
	})
	disconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bsas_disconnects_total",
		Help: "Total southbound disconnect transitions observed.",
	})
	errors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bsas_errors_total",
		Help: "Total wire-layer or type errors counted across all columns.",
	})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bsas_pending_slices",
		Help: "Current number of incomplete slices held by a Collector.",
	})
	retypes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bsas_retypes_total",
		Help: "Total Table Receiver schema retype transitions.",
	})
	flushLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bsas_flush_latency_seconds",
		Help:    "Age of each emitted slice's key at the time it is emitted.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	prometheus.MustRegister(events, overflows, disconnects, errors, pending, retypes, flushLatency)

	return &PromObs{
		counters: map[string]prometheus.Counter{
			"bsas_events_total":      events,
			"bsas_overflows_total":   overflows,
			"bsas_disconnects_total": disconnects,
			"bsas_errors_total":      errors,
			"bsas_retypes_total":     retypes,
		},
		gauges: map[string]prometheus.Gauge{
			"bsas_pending_slices": pending,
		},
		histos: map[string]prometheus.Observer{
			"bsas_flush_latency_seconds": flushLatency,
		},
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	if err != nil {
		log.Printf("ERROR: %s: %v %s", msg, err, formatFields(fields))
	}
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	if err != nil {
		log.Printf("CRITICAL: %s: %v %s", msg, err, formatFields(fields))
	}
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func formatFields(fields []ports.Field) string {
	if len(fields) == 0 {
		return ""
	}
	out := "["
	for i, f := range fields {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", f.Key, f.Value)
	}
	return out + "]"
}
