package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "SIFS"

var (
	Registry = prometheus.NewRegistry()

	StoreOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "ops_total",
		Help:      "store operations by op and status",
	}, []string{"op", "status"})

	StoreOpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "op_latency_ms",
		Help:      "store operation latency in milliseconds",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
	}, []string{"op"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "index_queue_depth",
		Help:      "pending index updates per segment",
	}, []string{"segment"})

	ResidentNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "resident_nodes",
		Help:      "index nodes kept in memory per segment",
	}, []string{"segment"})

	LiveEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "live_entries",
		Help:      "live entries per segment",
	}, []string{"segment"})

	FreeBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "free_bytes",
		Help:      "garbage bytes held by the data files of a segment",
	}, []string{"segment"})

	Compactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "compaction",
		Name:      "files_total",
		Help:      "compacted data files by result",
	}, []string{"result"})

	CompactedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "compaction",
		Name:      "input_bytes_total",
		Help:      "bytes of data files rewritten by compaction",
	})

	Checkpoints = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "checkpoints_total",
		Help:      "committed index checkpoints",
	})

	Recoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "recoveries_total",
		Help:      "segment recoveries by kind, replay from a checkpoint or full rebuild",
	}, []string{"kind"})

	PurgedEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "purged_entries_total",
		Help:      "expired entries deleted by purge",
	})

	OpenFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fdcache",
		Name:      "open_files",
		Help:      "file handles held open by the cache",
	})
)

func init() {
	Registry.MustRegister(
		StoreOps,
		StoreOpLatency,
		QueueDepth,
		ResidentNodes,
		LiveEntries,
		FreeBytes,
		Compactions,
		CompactedBytes,
		Checkpoints,
		Recoveries,
		PurgedEntries,
		OpenFiles,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
