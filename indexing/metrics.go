package indexing

import "github.com/prometheus/client_golang/prometheus"

var CycleCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sklad",
	Subsystem: "indexing",
	Name:      "cycles",
}, []string{"engine", "outcome"})

var DocsFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sklad",
	Subsystem: "indexing",
	Name:      "docs_fetched",
}, []string{"engine", "source"})

var PrefetchEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sklad",
	Subsystem: "indexing",
	Name:      "prefetch_events",
}, []string{"engine", "event"})

var IndexBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sklad",
	Subsystem: "indexing",
	Name:      "index_batches",
}, []string{"engine", "index", "result"})

var IndexBatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "sklad",
	Subsystem: "indexing",
	Name:      "index_batch_duration",
	Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
}, []string{"engine", "index"})

var BatchSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "sklad",
	Subsystem: "indexing",
	Name:      "batch_size",
}, []string{"engine"})

// RegisterMetrics registers every collector of this package with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(CycleCount, DocsFetched, PrefetchEvents, IndexBatches, IndexBatchDuration, BatchSize)
}
