// Package metrics registers the prometheus instruments shared across the
// engine, the evolution agents, and the API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument. One instance per process, registered on
// a caller-supplied registry so tests can use a fresh one.
type Metrics struct {
	TickDuration prometheus.Histogram
	TickOverruns prometheus.Counter
	Entities     prometheus.Gauge
	Resources    prometheus.Gauge

	MutationOutcomes *prometheus.CounterVec
	LLMLatency       prometheus.Histogram
}

// New builds and registers the instrument set.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "genesis",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one simulation tick.",
			Buckets:   []float64{.001, .002, .004, .008, .016, .032, .064, .128},
		}),
		TickOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "genesis",
			Name:      "tick_overruns_total",
			Help:      "Ticks that exceeded the configured period.",
		}),
		Entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "genesis",
			Name:      "entities",
			Help:      "Living entity count.",
		}),
		Resources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "genesis",
			Name:      "resources",
			Help:      "Resource point count.",
		}),
		MutationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genesis",
			Name:      "mutation_outcomes_total",
			Help:      "Mutation pipeline outcomes by result.",
		}, []string{"outcome"}),
		LLMLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "genesis",
			Name:      "llm_request_seconds",
			Help:      "Latency of LLM completions.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.TickDuration, m.TickOverruns, m.Entities, m.Resources, m.MutationOutcomes, m.LLMLatency)
	return m
}
