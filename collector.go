package sklad

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// StorageCollector exposes the store's Pebble internals to Prometheus:
// compactions, memtables and the WAL.
type StorageCollector struct {
	db *pebble.DB

	compactionCount  *prometheus.Desc
	compactionDebt   *prometheus.Desc
	compactionActive *prometheus.Desc

	memtableSize  *prometheus.Desc
	memtableCount *prometheus.Desc

	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesIn      *prometheus.Desc
	walBytesWritten *prometheus.Desc

	flushCount *prometheus.Desc
}

// Collector returns a Prometheus collector over this store's storage
// engine.
func (s *Store) Collector() prometheus.Collector {
	return &StorageCollector{
		db: s.db,

		compactionCount: prometheus.NewDesc(
			"sklad_storage_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"sklad_storage_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, nil,
		),
		compactionActive: prometheus.NewDesc(
			"sklad_storage_compaction_in_progress_bytes",
			"Number of bytes being compacted currently",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"sklad_storage_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"sklad_storage_memtable_count_total",
			"Current count of memtables",
			nil, nil,
		),
		walFiles: prometheus.NewDesc(
			"sklad_storage_wal_files_total",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"sklad_storage_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesIn: prometheus.NewDesc(
			"sklad_storage_wal_bytes_in_total",
			"Total logical bytes written to the WAL",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"sklad_storage_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
		flushCount: prometheus.NewDesc(
			"sklad_storage_flush_count_total",
			"Total number of memtable flushes",
			nil, nil,
		),
	}
}

func (sc *StorageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.compactionCount
	ch <- sc.compactionDebt
	ch <- sc.compactionActive

	ch <- sc.memtableSize
	ch <- sc.memtableCount

	ch <- sc.walFiles
	ch <- sc.walSize
	ch <- sc.walBytesIn
	ch <- sc.walBytesWritten

	ch <- sc.flushCount
}

func (sc *StorageCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := sc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(
		sc.compactionCount,
		prometheus.CounterValue,
		float64(metrics.Compact.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.compactionDebt,
		prometheus.GaugeValue,
		float64(metrics.Compact.EstimatedDebt),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.compactionActive,
		prometheus.GaugeValue,
		float64(metrics.Compact.InProgressBytes),
	)

	ch <- prometheus.MustNewConstMetric(
		sc.memtableSize,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.memtableCount,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Count),
	)

	ch <- prometheus.MustNewConstMetric(
		sc.walFiles,
		prometheus.GaugeValue,
		float64(metrics.WAL.Files),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walSize,
		prometheus.GaugeValue,
		float64(metrics.WAL.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walBytesIn,
		prometheus.CounterValue,
		float64(metrics.WAL.BytesIn),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walBytesWritten,
		prometheus.CounterValue,
		float64(metrics.WAL.BytesWritten),
	)

	ch <- prometheus.MustNewConstMetric(
		sc.flushCount,
		prometheus.CounterValue,
		float64(metrics.Flush.Count),
	)
}
