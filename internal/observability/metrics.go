package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement node.
type Metrics struct {
	// --- Message ledger ---
	MessagesSent      *prometheus.CounterVec // by op kind
	MessagesConfirmed prometheus.Counter
	MessagesFailed    prometheus.Counter
	MessagesExpired   prometheus.Counter
	MessageNonce      prometheus.Gauge

	// --- Positions ---
	CollateralLocks    prometheus.Counter
	CollateralReleases prometheus.Counter
	SyncsApplied       *prometheus.CounterVec // local | received
	SyncsRejected      *prometheus.CounterVec // by reason
	AggRecomputes      prometheus.Counter

	// --- Settlement ---
	SettlementsInitiated prometheus.Counter
	SettlementsExecuted  prometheus.Counter
	SettlementsRejected  *prometheus.CounterVec // by reason
	ImbalanceRatio       prometheus.Gauge       // last observed, 1e18-scaled parts stored as float
	RebalanceRequests    prometheus.Counter
	RebalanceExecutions  prometheus.Counter

	// --- Node command loop ---
	CommandsApplied  prometheus.Counter
	CommandsRejected prometheus.Counter
	CommandDuration  prometheus.Histogram

	// --- Persistence ---
	PersistRowsWritten prometheus.Counter
	PersistBatchSize   prometheus.Histogram
	PersistErrors      prometheus.Counter
	PersistRetries     prometheus.Counter

	// --- Relay transport ---
	RelayPublished      *prometheus.CounterVec // by op kind
	RelayPublishErrors  prometheus.Counter
	RelayInboundApplied prometheus.Counter
	RelayInboundNaked   prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_messages_sent_total",
			Help: "Outbound cross-chain messages appended to the ledger",
		}, []string{"op"}),
		MessagesConfirmed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_messages_confirmed_total",
			Help: "Messages confirmed by relayer attestation",
		}),
		MessagesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_messages_failed_total",
			Help: "Messages marked failed by relayer attestation",
		}),
		MessagesExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_messages_expired_total",
			Help: "Confirm attempts rejected past the expiry window",
		}),
		MessageNonce: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_message_nonce",
			Help: "Current node-local message nonce",
		}),

		CollateralLocks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_collateral_locks_total",
			Help: "Successful collateral lock operations",
		}),
		CollateralReleases: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_collateral_releases_total",
			Help: "Successful collateral release operations",
		}),
		SyncsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_syncs_applied_total",
			Help: "Position syncs applied",
		}, []string{"kind"}),
		SyncsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_syncs_rejected_total",
			Help: "Position syncs rejected",
		}, []string{"reason"}),
		AggRecomputes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_aggregate_recomputes_total",
			Help: "Full aggregate recomputations",
		}),

		SettlementsInitiated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_settlements_initiated_total",
			Help: "Hub settlements committed",
		}),
		SettlementsExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_settlements_executed_total",
			Help: "Spoke settlements applied from relayed deltas",
		}),
		SettlementsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_settlements_rejected_total",
			Help: "Settlement attempts rejected",
		}, []string{"reason"}),
		ImbalanceRatio: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_last_imbalance_ratio",
			Help: "Relative imbalance observed at the last settlement attempt",
		}),
		RebalanceRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_rebalance_requests_total",
			Help: "Liquidity rebalance requests created",
		}),
		RebalanceExecutions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_rebalance_executions_total",
			Help: "Liquidity rebalances executed locally",
		}),

		CommandsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_commands_applied_total",
			Help: "Node commands applied",
		}),
		CommandsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_commands_rejected_total",
			Help: "Node commands rejected",
		}),
		CommandDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_command_duration_seconds",
			Help:    "Time to apply a single node command",
			Buckets: latencyBuckets,
		}),

		PersistRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_rows_written_total",
			Help: "Rows written by the persistence worker",
		}),
		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_persist_batch_size",
			Help:    "Rows per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		PersistErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_errors_total",
			Help: "Persistence flush failures after retries",
		}),
		PersistRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_retries_total",
			Help: "Persistence flush retries",
		}),

		RelayPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_relay_published_total",
			Help: "Outbound messages published to the relay transport",
		}, []string{"op"}),
		RelayPublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_relay_publish_errors_total",
			Help: "Outbound publish failures",
		}),
		RelayInboundApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_relay_inbound_applied_total",
			Help: "Inbound relayed commands applied",
		}),
		RelayInboundNaked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_relay_inbound_naked_total",
			Help: "Inbound relayed commands NAKed for redelivery",
		}),
	}
}
