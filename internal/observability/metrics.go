// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Market metrics
	QuotesIngested    *prometheus.CounterVec
	QuotesRejected    *prometheus.CounterVec
	SnapshotVersion   *prometheus.GaugeVec
	SlippageEstimates *prometheus.CounterVec
	QuoteReconnects   prometheus.Counter
	SnapshotSpreadBps *prometheus.GaugeVec

	// Scheduler metrics
	TicksTotal        prometheus.Counter
	TickDuration      prometheus.Histogram
	SessionsEvaluated prometheus.Counter
	SessionsEligible  prometheus.Counter
	SessionsSkipped   *prometheus.CounterVec
	SessionsExpired   prometheus.Counter
	IntentsDispatched prometheus.Counter
	PulseResults      *prometheus.CounterVec
	TimeDecayForced   prometheus.Counter

	// Executor metrics
	Executions       *prometheus.CounterVec
	ExecutionLatency prometheus.Histogram
	ExecutedAmountIn *prometheus.CounterVec

	// Venue metrics
	VenueCallLatency *prometheus.HistogramVec
	VenueCallErrors  *prometheus.CounterVec

	// Health metrics
	LastTickTimestamp prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "kaskade"
	}

	return &Metrics{
		// Market metrics
		QuotesIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "quotes_ingested_total",
			Help:      "Total number of quote events accepted into a pair window",
		}, []string{"pair"}),
		QuotesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "quotes_rejected_total",
			Help:      "Total number of quote events dropped by reason",
		}, []string{"reason"}),
		SnapshotVersion: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "snapshot_version",
			Help:      "Latest published snapshot version per pair",
		}, []string{"pair"}),
		SlippageEstimates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "slippage_estimates_total",
			Help:      "Slippage oracle lookups by result (hit, miss, error)",
		}, []string{"result"}),
		QuoteReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "quote_stream_reconnects_total",
			Help:      "Total number of quote stream reconnects",
		}),
		SnapshotSpreadBps: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "spread_bps",
			Help:      "Latest spread in basis points per pair",
		}, []string{"pair"}),

		// Scheduler metrics
		TicksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of scheduler ticks",
		}),
		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Scheduler tick duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		SessionsEvaluated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sessions_evaluated_total",
			Help:      "Total number of session pulse evaluations",
		}),
		SessionsEligible: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sessions_eligible_total",
			Help:      "Total number of eligible session evaluations",
		}),
		SessionsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sessions_skipped_total",
			Help:      "Sessions not dispatched by reason",
		}, []string{"reason"}),
		SessionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sessions_expired_total",
			Help:      "Total number of sessions moved to expired",
		}),
		IntentsDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "intents_dispatched_total",
			Help:      "Total number of execution intents emitted",
		}),
		PulseResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pulse_results_total",
			Help:      "Pulse evaluations by pulse type and result",
		}, []string{"pulse", "result"}),
		TimeDecayForced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "time_decay_forced_total",
			Help:      "Evaluations where the time-decay fallback fired",
		}),

		// Executor metrics
		Executions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Executor attempts by outcome",
		}, []string{"outcome"}),
		ExecutionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "execution_latency_seconds",
			Help:      "Executor attempt latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		ExecutedAmountIn: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "executed_amount_in_total",
			Help:      "Executed input amount in minor units per pair",
		}, []string{"pair"}),

		// Venue metrics
		VenueCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "call_latency_seconds",
			Help:      "Swap API call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		VenueCallErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "call_errors_total",
			Help:      "Total number of failed swap API calls",
		}, []string{"op"}),

		// Health metrics
		LastTickTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_tick_timestamp",
			Help:      "Unix timestamp of the last completed scheduler tick",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordQuoteIngested records an accepted quote and the resulting snapshot.
func RecordQuoteIngested(pair string, version uint64, spreadBps float64) {
	DefaultMetrics.QuotesIngested.WithLabelValues(pair).Inc()
	DefaultMetrics.SnapshotVersion.WithLabelValues(pair).Set(float64(version))
	DefaultMetrics.SnapshotSpreadBps.WithLabelValues(pair).Set(spreadBps)
}

// RecordQuoteRejected records a dropped quote.
func RecordQuoteRejected(reason string) {
	DefaultMetrics.QuotesRejected.WithLabelValues(reason).Inc()
}

// RecordQuoteReconnect records a quote stream reconnect.
func RecordQuoteReconnect() {
	DefaultMetrics.QuoteReconnects.Inc()
}

// RecordSlippageEstimate records an oracle lookup result.
func RecordSlippageEstimate(result string) {
	DefaultMetrics.SlippageEstimates.WithLabelValues(result).Inc()
}

// RecordTick records a completed scheduler tick.
func RecordTick(seconds float64, unixTs int64) {
	DefaultMetrics.TicksTotal.Inc()
	DefaultMetrics.TickDuration.Observe(seconds)
	DefaultMetrics.LastTickTimestamp.Set(float64(unixTs))
}

// RecordEvaluation records a pulse evaluation for one session.
func RecordEvaluation(eligible, timeDecayForced bool) {
	DefaultMetrics.SessionsEvaluated.Inc()
	if eligible {
		DefaultMetrics.SessionsEligible.Inc()
	}
	if timeDecayForced {
		DefaultMetrics.TimeDecayForced.Inc()
	}
}

// RecordPulse records one pulse result.
func RecordPulse(pulse string, passed bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	DefaultMetrics.PulseResults.WithLabelValues(pulse, result).Inc()
}

// RecordSkip records a session skipped for reason.
func RecordSkip(reason string) {
	DefaultMetrics.SessionsSkipped.WithLabelValues(reason).Inc()
}

// RecordExpired records a session expiry.
func RecordExpired() {
	DefaultMetrics.SessionsExpired.Inc()
}

// RecordDispatched records an emitted intent.
func RecordDispatched() {
	DefaultMetrics.IntentsDispatched.Inc()
}

// RecordExecution records an executor attempt.
func RecordExecution(outcome, pair string, amountIn uint64, seconds float64) {
	DefaultMetrics.Executions.WithLabelValues(outcome).Inc()
	DefaultMetrics.ExecutionLatency.Observe(seconds)
	if amountIn > 0 {
		DefaultMetrics.ExecutedAmountIn.WithLabelValues(pair).Add(float64(amountIn))
	}
}

// RecordVenueCall records swap API call metrics.
func RecordVenueCall(op string, seconds float64, err error) {
	DefaultMetrics.VenueCallLatency.WithLabelValues(op).Observe(seconds)
	if err != nil {
		DefaultMetrics.VenueCallErrors.WithLabelValues(op).Inc()
	}
}
