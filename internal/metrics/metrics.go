package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Dispatch
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Ledger
	SettlementsTotal *prometheus.CounterVec
	CreditSettled    *prometheus.CounterVec
	TokensSettled    *prometheus.CounterVec
	CreditAdjusted   *prometheus.CounterVec

	// Auth
	AuthFailuresTotal *prometheus.CounterVec

	// Circuit breaker
	BreakerState *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var defaultBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// New creates and registers all collectors with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "dispatch",
				Name:      "requests_total",
				Help:      "Dispatched relay calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "relay",
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Provider call latency",
				Buckets:   defaultBuckets,
			},
			[]string{"provider"},
		),
		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "ledger",
				Name:      "settlements_total",
				Help:      "Settlement attempts by result (applied, refused, failed)",
			},
			[]string{"result"},
		),
		CreditSettled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "ledger",
				Name:      "credit_settled_total",
				Help:      "Credit debited by applied settlements",
			},
			[]string{"model"},
		),
		TokensSettled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "ledger",
				Name:      "tokens_settled_total",
				Help:      "Tokens counted by applied settlements",
			},
			[]string{"model"},
		),
		CreditAdjusted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "ledger",
				Name:      "adjustments_total",
				Help:      "Administrative credit adjustments by direction",
			},
			[]string{"direction"},
		),
		AuthFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "auth",
				Name:      "failures_total",
				Help:      "Rejected access keys by reason",
			},
			[]string{"reason"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "relay",
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state per channel (0=closed, 1=half-open, 2=open)",
			},
			[]string{"channel"},
		),
		BreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "breaker",
				Name:      "trips_total",
				Help:      "Transitions into the open state per channel",
			},
			[]string{"channel"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "relay",
				Subsystem: "http",
				Name:      "duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   defaultBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RecordDispatch records one provider call.
func (m *Metrics) RecordDispatch(providerName, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(providerName, outcome).Inc()
	m.DispatchDuration.WithLabelValues(providerName).Observe(d.Seconds())
}

func (m *Metrics) RecordSettlement(result, model string, credit, tokens int64) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(result).Inc()
	if result == "applied" {
		m.CreditSettled.WithLabelValues(model).Add(float64(credit))
		m.TokensSettled.WithLabelValues(model).Add(float64(tokens))
	}
}

func (m *Metrics) RecordAdjustment(delta int64) {
	if m == nil {
		return
	}
	dir := "credit"
	if delta < 0 {
		dir = "debit"
	}
	m.CreditAdjusted.WithLabelValues(dir).Inc()
}

func (m *Metrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// SetBreakerState records the breaker state for channel.
func (m *Metrics) SetBreakerState(channel string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(channel).Set(float64(state))
}

func (m *Metrics) RecordBreakerTrip(channel string) {
	if m == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
