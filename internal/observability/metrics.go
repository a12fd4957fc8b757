package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the hub ledger.
type Metrics struct {
	// --- Core processing ---
	EventsApplied  *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	EventDuration  *prometheus.HistogramVec
	CoreSequence   prometheus.Gauge
	OpenPositions  prometheus.Gauge

	// --- Lending flows ---
	DepositsCredited    *prometheus.CounterVec
	BorrowsInitiated    prometheus.Counter
	BorrowsRolledBack   prometheus.Counter
	RepaymentsApplied   prometheus.Counter
	LiquidationsApplied prometheus.Counter
	RevertsCompensated  prometheus.Counter
	StaleReverts        prometheus.Counter
	OutboundSettled     prometheus.Counter
	OutboundPublished   *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    prometheus.Counter

	// --- Idempotency & ordering ---
	DuplicatesCaught *prometheus.CounterVec
	DedupLRUSize     prometheus.Gauge
	DedupTier2Errors prometheus.Gauge
	StaleSequences   *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistAuditWritten  prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Replay / restore ---
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics on the default
// registry.
func NewMetrics() *Metrics {
	applyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		EventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnilend_core_events_applied_total",
			Help: "Events successfully applied by the ledger core",
		}, []string{"event_type"}),

		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnilend_core_events_rejected_total",
			Help: "Events rejected (duplicate, stale, validation)",
		}, []string{"event_type", "reason"}),

		EventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omnilend_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in the core",
			Buckets: applyBuckets,
		}, []string{"event_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "omnilend_core_sequence",
			Help: "Current global sequence number",
		}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "omnilend_open_positions",
			Help: "Positions currently tracked by the store",
		}),

		DepositsCredited: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnilend_deposits_credited_total",
			Help: "Cross-chain deposits credited as collateral",
		}, []string{"chain_id"}),

		BorrowsInitiated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnilend_borrows_initiated_total",
			Help: "Borrows accepted and dispatched outbound",
		}),

		BorrowsRolledBack: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnilend_borrows_rolled_back_total",
			Help: "Borrows rolled back after synchronous outbound rejection",
		}),

		RepaymentsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnilend_repayments_applied_total",
			Help: "Repayments applied against debt",
		}),

		LiquidationsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnilend_liquidations_applied_total",
			Help: "Positions liquidated",
		}),

		RevertsCompensated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnilend_reverts_compensated_total",
			Help: "Outbound reverts compensated against provisional debt",
		}),

		StaleReverts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnilend_stale_reverts_total",
			Help: "Revert notifications with no matching in-flight request",
		}),

		OutboundSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnilend_outbound_settled_total",
			Help: "Outbound withdrawals confirmed settled on the spoke chain",
		}),

		OutboundPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnilend_outbound_published_total",
			Help: "Withdraw-and-call instructions published to the gateway",
		}, []string{"dest_chain_id"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omnilend_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omnilend_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omnilend_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnilend_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}),

		DuplicatesCaught: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnilend_idempotency_duplicates_total",
			Help: "Duplicate deliveries caught (lru/postgres)",
		}, []string{"event_type"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "omnilend_dedup_lru_size",
			Help: "Current dedup LRU occupancy",
		}),

		DedupTier2Errors: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "omnilend_dedup_tier2_errors_total",
			Help: "Failed Postgres dedup lookups (treated as not-duplicate)",
		}),

		StaleSequences: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnilend_stale_sequences_total",
			Help: "Gateway notifications at or below the per-chain watermark",
		}, []string{"partition"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnilend_persist_events_written_total",
			Help: "Event envelopes written to Postgres",
		}),

		PersistAuditWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnilend_persist_audit_written_total",
			Help: "Audit entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "omnilend_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "omnilend_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnilend_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnilend_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "omnilend_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnilend_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "omnilend_replay_duration_seconds",
			Help: "Total replay time",
		}),

		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnilend_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omnilend_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization gauges.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
