package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 采集/聚合管线的 Prometheus 指标。
var (
	FetchBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketboard_fetch_batches_total",
		Help: "Number of upstream fetch batches by tier and result.",
	}, []string{"tier", "result"})

	ItemsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketboard_items_ingested_total",
		Help: "Number of items ingested by path (full / aggregated).",
	}, []string{"path"})

	SnapshotsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketboard_snapshots_skipped_total",
		Help: "Price snapshots skipped because nothing changed since the previous one.",
	})

	SalesInsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketboard_sales_inserted_total",
		Help: "New sales rows inserted past the per-item watermark.",
	})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketboard_upstream_rate_limited_total",
		Help: "Upstream 429 responses observed.",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketboard_poll_cycle_duration_seconds",
		Help:    "Duration of a full polling cycle.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketboard_fetch_queue_depth",
		Help: "Depth of the Redis fetch queues.",
	}, []string{"queue"})

	TasksPushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketboard_fetch_tasks_pushed_total",
		Help: "Fetch batch messages pushed to the queue.",
	})

	TasksSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketboard_fetch_tasks_skipped_total",
		Help: "Fetch batch messages skipped because an identical batch is pending.",
	})

	AnalyticsComputeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketboard_analytics_compute_duration_seconds",
		Help:    "Duration of analytics recomputation by kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	CacheMissTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketboard_cache_miss_total",
		Help: "Cache misses (including cache errors treated as misses) by key kind.",
	}, []string{"kind"})
)
