package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for AutoVault.
type Metrics struct {
	// --- Core Processing ---
	CoreOpsApplied   *prometheus.CounterVec
	CoreOpsRejected  *prometheus.CounterVec
	CoreOpDuration   *prometheus.HistogramVec
	CoreStateHashDur prometheus.Histogram
	CoreSequence     prometheus.Gauge
	TotalShares      prometheus.Gauge
	VaultPaused      prometheus.Gauge

	// --- Lending protocol ---
	ExternalCalls        *prometheus.CounterVec
	ExternalCallDuration *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Persistence ---
	PersistOpsWritten   prometheus.Counter
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastSequence prometheus.Gauge
	PersistHalted       prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayOpsTotal    prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
	RateLimited   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	// JSON-RPC round trips and receipt waits are orders of magnitude slower
	// than in-memory application.
	rpcBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	return &Metrics{
		// Core Processing
		CoreOpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autovault_core_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op"}),

		CoreOpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autovault_core_ops_rejected_total",
			Help: "Operations rejected (validation, external failure, duplicate)",
		}, []string{"op", "reason"}),

		CoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autovault_core_op_duration_seconds",
			Help:    "End-to-end time to apply one operation, including the protocol call",
			Buckets: rpcBuckets,
		}, []string{"op"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "autovault_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "autovault_core_sequence",
			Help: "Current global sequence number",
		}),

		TotalShares: f.NewGauge(prometheus.GaugeOpts{
			Name: "autovault_total_shares",
			Help: "Vault-wide outstanding shares (float approximation)",
		}),

		VaultPaused: f.NewGauge(prometheus.GaugeOpts{
			Name: "autovault_paused",
			Help: "1 while deposits and borrows are paused",
		}),

		// Lending protocol
		ExternalCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autovault_protocol_calls_total",
			Help: "Calls made to the lending protocol",
		}, []string{"call", "result"}),

		ExternalCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autovault_protocol_call_duration_seconds",
			Help:    "Lending protocol call latency",
			Buckets: rpcBuckets,
		}, []string{"call"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autovault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autovault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autovault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "autovault_publish_drops_total",
			Help: "Operations dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "autovault_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autovault_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"op", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "autovault_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		// Persistence
		PersistOpsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "autovault_persist_ops_written_total",
			Help: "Operations written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "autovault_persist_batch_size",
			Help:    "Operations per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "autovault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autovault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "autovault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "autovault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		PersistHalted: f.NewGauge(prometheus.GaugeOpts{
			Name: "autovault_persist_halted",
			Help: "1 once the operation log refused a batch and persistence stopped",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "autovault_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "autovault_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "autovault_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "autovault_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayOpsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "autovault_replay_ops_total",
			Help: "Operations replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "autovault_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autovault_api_requests_total",
			Help: "API requests",
		}, []string{"method", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autovault_api_duration_seconds",
			Help:    "API latency",
			Buckets: rpcBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autovault_api_errors_total",
			Help: "API errors",
		}, []string{"method", "code"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autovault_api_rate_limited_total",
			Help: "Requests rejected by the per-caller rate limiter",
		}, []string{"method"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// ObserveExternalCall records one lending protocol call. Safe on a nil receiver.
func (m *Metrics) ObserveExternalCall(call string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ExternalCalls.WithLabelValues(call, result).Inc()
	m.ExternalCallDuration.WithLabelValues(call).Observe(time.Since(started).Seconds())
}
