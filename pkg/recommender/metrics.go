package recommender

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics are the run counters, kept on a private registry
type Metrics struct {
	registry *prometheus.Registry

	entities       prometheus.Counter
	results        *prometheus.CounterVec
	cache          *prometheus.CounterVec
	guards         prometheus.Counter
	htw            prometheus.Counter
	skipped        prometheus.Counter
	synthetic      prometheus.Counter
	entityDuration prometheus.Histogram
}

// NewMetrics registers the run counters on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		entities: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nfit_entities_analyzed_total",
			Help: "Entities whose pipeline ran to completion.",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfit_profile_results_total",
			Help: "Profile results by profile and availability.",
		}, []string{"profile", "status"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfit_result_cache_lookups_total",
			Help: "Result cache lookups by outcome.",
		}, []string{"outcome"}),
		guards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nfit_downsize_guards_total",
			Help: "Downsizing evaluations blocked by a guard.",
		}),
		htw: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nfit_hot_thread_dampenings_total",
			Help: "Additive CPU adjustments dampened as hot-thread workloads.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nfit_records_skipped_total",
			Help: "Malformed input records skipped during ingestion.",
		}),
		synthetic: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nfit_synthetic_configs_total",
			Help: "Entities analysed with a synthesized configuration epoch.",
		}),
		entityDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nfit_entity_duration_seconds",
			Help:    "Wall time of one entity's pipeline.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	m.registry.MustRegister(m.entities, m.results, m.cache, m.guards, m.htw, m.skipped, m.synthetic, m.entityDuration)
	return m
}

// Write renders every metric in the Prometheus text format
func (m *Metrics) Write(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		return closer.Close()
	}
	return nil
}
