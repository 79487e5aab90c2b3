package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement engine.
type Metrics struct {
	// --- Payout pipeline ---
	PayoutsStarted    prometheus.Counter
	PayoutsCompleted  prometheus.Counter
	PayoutsFailed     *prometheus.CounterVec
	PayoutRetries     prometheus.Counter
	PayoutDuration    prometheus.Histogram
	PayoutsReconcile  prometheus.Gauge

	// --- Liquidity ---
	ReservationsActive   *prometheus.GaugeVec
	ReservationsCreated  *prometheus.CounterVec
	ReservationsReleased *prometheus.CounterVec
	ReservationsExpired  *prometheus.CounterVec
	ReserveRejections    *prometheus.CounterVec

	// --- Cession ---
	CessionsProcessed *prometheus.CounterVec
	CessionNetPayable *prometheus.CounterVec
	CessionDuration   prometheus.Histogram

	// --- Ledger gateway ---
	TransferDuration  prometheus.Histogram
	TransferFailures  *prometheus.CounterVec
	FinalityWaits     prometheus.Histogram
	FinalityTimeouts  prometheus.Counter

	// --- Audit emitter ---
	EventsEmitted           *prometheus.CounterVec
	EmitterBufferDepth      prometheus.Gauge
	EmitterDeliveryFailures prometheus.Counter

	// --- Ingestion ---
	TriggersReceived prometheus.Counter
	TriggersRejected *prometheus.CounterVec

	// --- Persistence ---
	StoreErrors *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	durationBuckets := []float64{
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
	}

	return &Metrics{
		PayoutsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_payouts_started_total",
			Help: "Payout requests accepted into the pipeline",
		}),
		PayoutsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_payouts_completed_total",
			Help: "Payouts that reached COMPLETED",
		}),
		PayoutsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_payouts_failed_total",
			Help: "Payouts that reached FAILED, by reason code",
		}, []string{"reason"}),
		PayoutRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_payout_retries_total",
			Help: "Manual/automatic retry attempts of failed payouts",
		}),
		PayoutDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_payout_duration_seconds",
			Help:    "Wall time from pipeline start to terminal status",
			Buckets: durationBuckets,
		}),
		PayoutsReconcile: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_payouts_pending_reconciliation",
			Help: "Payouts stuck EXECUTING past the finality window",
		}),

		ReservationsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_reservations_active",
			Help: "ACTIVE liquidity reservations per pool",
		}, []string{"pool_id"}),
		ReservationsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_reservations_created_total",
			Help: "Reservations created per pool",
		}, []string{"pool_id"}),
		ReservationsReleased: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_reservations_released_total",
			Help: "Reservations released or utilized per pool",
		}, []string{"pool_id", "outcome"}),
		ReservationsExpired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_reservations_expired_total",
			Help: "Reservations released by the TTL sweeper",
		}, []string{"pool_id"}),
		ReserveRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_reserve_rejections_total",
			Help: "Reserve attempts rejected for insufficient liquidity",
		}, []string{"pool_id"}),

		CessionsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_cessions_processed_total",
			Help: "Cession settlements by terminal status",
		}, []string{"status"}),
		CessionNetPayable: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_cession_net_payable_total",
			Help: "Net amount ceded to reinsurers, by currency (base units)",
		}, []string{"currency"}),
		CessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_cession_duration_seconds",
			Help:    "Per-contract cession settlement wall time",
			Buckets: durationBuckets,
		}),

		TransferDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_ledger_transfer_duration_seconds",
			Help:    "Ledger gateway transfer call latency",
			Buckets: durationBuckets,
		}),
		TransferFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_ledger_transfer_failures_total",
			Help: "Ledger transfer failures by class (transient|rejected)",
		}, []string{"class"}),
		FinalityWaits: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_finality_wait_seconds",
			Help:    "Time spent polling for finality confirmation",
			Buckets: durationBuckets,
		}),
		FinalityTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_finality_timeouts_total",
			Help: "Transfers that did not reach finality inside the window",
		}),

		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_events_emitted_total",
			Help: "Audit events delivered to the sink, by type",
		}, []string{"type"}),
		EmitterBufferDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_emitter_buffer_depth",
			Help: "Audit events waiting for delivery",
		}),
		EmitterDeliveryFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_emitter_delivery_failures_total",
			Help: "Audit events abandoned after exhausting delivery retries",
		}),

		TriggersReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_triggers_received_total",
			Help: "Trigger confirmations received from the event bus",
		}),
		TriggersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_triggers_rejected_total",
			Help: "Trigger confirmations rejected at parse/validation",
		}, []string{"reason"}),

		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_store_errors_total",
			Help: "Persistence failures by entity",
		}, []string{"entity"}),
	}
}
