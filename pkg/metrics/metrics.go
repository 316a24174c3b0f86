// Package metrics is a thin façade over the host's Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Facade exposes the engine's counters, histograms, and gauges. All
// instruments are safe for concurrent use.
type Facade struct {
	BlocksProcessed     prometheus.Counter
	DivergencesTotal    prometheus.Counter
	DivergencesByType   *prometheus.CounterVec
	OOGEventsTotal      *prometheus.CounterVec
	GasEfficiencyRatio  prometheus.Histogram
	BlockProcessingTime prometheus.Histogram
	StoreQueueDepth     prometheus.Gauge
	StoreRecordsDropped prometheus.Counter
}

// New registers the engine's instruments on the default registerer.
func New() *Facade {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the engine's instruments on reg.
func NewWith(reg prometheus.Registerer) *Facade {
	factory := promauto.With(reg)

	return &Facade{
		BlocksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gas_divergence_blocks_processed_total",
			Help: "Total number of blocks run through the dual-execution pipeline",
		}),
		DivergencesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gas_divergence_divergences_total",
			Help: "Total number of divergence records emitted",
		}),
		DivergencesByType: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gas_divergence_divergences_by_type_total",
			Help: "Divergence records by dimension",
		}, []string{"type"}),
		OOGEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gas_divergence_oog_events_total",
			Help: "Experimental-pass out-of-gas events by pattern",
		}, []string{"pattern"}),
		GasEfficiencyRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gas_divergence_gas_efficiency_ratio",
			Help:    "Normalized experimental/normal gas ratio per diverging transaction",
			Buckets: []float64{0.0, 0.5, 0.9, 0.99, 1.0, 1.01, 1.1, 2.0},
		}),
		BlockProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gas_divergence_block_processing_time_seconds",
			Help:    "Wall-clock time to process one block",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		StoreQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gas_divergence_store_queue_depth",
			Help: "Current number of records in the store submit queue",
		}),
		StoreRecordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gas_divergence_store_records_dropped_total",
			Help: "Records dropped on queue overflow or after exhausted write retries",
		}),
	}
}
