package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the merchant backend.
type Metrics struct {
	// Pay metrics
	PaysTotal        *prometheus.CounterVec
	PaysSuccessTotal *prometheus.CounterVec
	PaysFailedTotal  *prometheus.CounterVec
	PayDuration      *prometheus.HistogramVec
	PayTxRetries     prometheus.Counter

	// Exchange RPC metrics
	ExchangeCallsTotal  *prometheus.CounterVec
	ExchangeCallErrors  *prometheus.CounterVec
	ExchangeCallSeconds *prometheus.HistogramVec

	// Refund metrics
	RefundIncreasesTotal *prometheus.CounterVec
	RefundLookupsTotal   *prometheus.CounterVec

	// Long-poll metrics
	SuspendedConnections prometheus.Gauge
	ResumesTotal         *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		PaysTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merchant_pays_total",
				Help: "Total number of /pay attempts",
			},
			[]string{"instance", "mode"},
		),
		PaysSuccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merchant_pays_success_total",
				Help: "Total number of successful payments",
			},
			[]string{"instance", "mode"},
		),
		PaysFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merchant_pays_failed_total",
				Help: "Total number of failed payments",
			},
			[]string{"instance", "mode", "reason"},
		),
		PayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "merchant_pay_duration_seconds",
				Help:    "End-to-end /pay request duration",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"instance"},
		),
		PayTxRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "merchant_pay_tx_retries_total",
				Help: "Serializable transaction restarts during /pay",
			},
		),
		ExchangeCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merchant_exchange_calls_total",
				Help: "Outbound exchange RPCs",
			},
			[]string{"exchange", "op"},
		),
		ExchangeCallErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merchant_exchange_call_errors_total",
				Help: "Failed outbound exchange RPCs",
			},
			[]string{"exchange", "op"},
		),
		ExchangeCallSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "merchant_exchange_call_seconds",
				Help:    "Exchange RPC round-trip time",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"exchange", "op"},
		),
		RefundIncreasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merchant_refund_increases_total",
				Help: "Refund increase requests by outcome",
			},
			[]string{"instance", "outcome"},
		),
		RefundLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merchant_refund_lookups_total",
				Help: "Refund lookup requests by outcome",
			},
			[]string{"instance", "outcome"},
		),
		SuspendedConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "merchant_suspended_connections",
				Help: "Currently suspended long-poll connections",
			},
		),
		ResumesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merchant_longpoll_resumes_total",
				Help: "Long-poll resumptions by trigger",
			},
			[]string{"trigger"},
		),
	}
}

// ObserveExchangeCall records one exchange RPC outcome.
func (m *Metrics) ObserveExchangeCall(exchange, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ExchangeCallsTotal.WithLabelValues(exchange, op).Inc()
	m.ExchangeCallSeconds.WithLabelValues(exchange, op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.ExchangeCallErrors.WithLabelValues(exchange, op).Inc()
	}
}
