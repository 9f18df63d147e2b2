package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method becomes a no-op.
type Metrics struct {
	attempts *prometheus.CounterVec
	retries  *prometheus.CounterVec
	dispatch *prometheus.HistogramVec
	breaker  *prometheus.GaugeVec
	tokens   *prometheus.CounterVec
	cost     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor_gateway",
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by outcome.",
		}, []string{"provider", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor_gateway",
			Name:      "provider_retries_total",
			Help:      "Rate-limit retries issued per provider.",
		}, []string{"provider"}),
		dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tutor_gateway",
			Name:      "dispatch_duration_seconds",
			Help:      "End to end dispatch latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"outcome"}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tutor_gateway",
			Name:      "circuit_breaker_state",
			Help:      "0 closed, 1 half-open, 2 open.",
		}, []string{"provider"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor_gateway",
			Name:      "tokens_total",
			Help:      "Tokens billed per provider.",
		}, []string{"provider"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor_gateway",
			Name:      "cost_usd_total",
			Help:      "Cost billed per provider in USD.",
		}, []string{"provider"}),
		gatherer: reg,
	}
	reg.MustRegister(m.attempts, m.retries, m.dispatch, m.breaker, m.tokens, m.cost)
	return m
}

func (m *Metrics) ObserveAttempt(provider, outcome string, calls int) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(provider, outcome).Inc()
	if calls > 1 {
		m.retries.WithLabelValues(provider).Add(float64(calls - 1))
	}
}

func (m *Metrics) ObserveDispatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveUsage(provider string, tokens int, cost float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(provider).Add(float64(tokens))
	m.cost.WithLabelValues(provider).Add(cost)
}

func (m *Metrics) SetBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.breaker.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
