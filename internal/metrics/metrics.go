// Package metrics holds the Prometheus collectors for Kestrel.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Prediction outcomes used as the "outcome" label.
const (
	OutcomeFraud       = "fraud"
	OutcomeLegitimate  = "legitimate"
	OutcomeInvalid     = "invalid"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
	OutcomeReplayed    = "replayed"
)

// Metrics owns a private registry; nothing is registered globally.
type Metrics struct {
	registry *prometheus.Registry

	PredictionsTotal    *prometheus.CounterVec
	RiskScore           prometheus.Histogram
	RuleHitsTotal       *prometheus.CounterVec
	EventsTotal         *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the registry and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.PredictionsTotal = m.newCounterVec(prometheus.CounterOpts{
		Name: "kestrel_predictions_total",
		Help: "Prediction requests by outcome",
	}, []string{"outcome"})

	m.RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_risk_score",
		Help:    "Distribution of risk scores",
		Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 120},
	})
	reg.MustRegister(m.RiskScore)

	m.RuleHitsTotal = m.newCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rule_hits_total",
		Help: "Rule hits by reason",
	}, []string{"reason"})

	m.EventsTotal = m.newCounterVec(prometheus.CounterOpts{
		Name: "kestrel_events_total",
		Help: "Verdict events by topic and result",
	}, []string{"topic", "result"})

	m.BreakerState = m.newGaugeVec(prometheus.GaugeOpts{
		Name: "kestrel_event_breaker_state",
		Help: "Circuit breaker state (0: closed, 1: half-open, 2: open)",
	}, []string{"name"})

	m.HTTPRequestsTotal = m.newCounterVec(prometheus.CounterOpts{
		Name: "kestrel_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	m.HTTPRequestDuration = m.newHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	return m
}

func (m *Metrics) newCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(opts, labels)
	m.registry.MustRegister(cv)
	return cv
}

func (m *Metrics) newGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(opts, labels)
	m.registry.MustRegister(gv)
	return gv
}

func (m *Metrics) newHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(opts, labels)
	m.registry.MustRegister(hv)
	return hv
}

// ObserveVerdict records a successful prediction.
func (m *Metrics) ObserveVerdict(v *domain.Verdict) {
	if m == nil || v == nil {
		return
	}
	outcome := OutcomeLegitimate
	if v.IsFraud {
		outcome = OutcomeFraud
	}
	m.PredictionsTotal.WithLabelValues(outcome).Inc()
	m.RiskScore.Observe(float64(v.RiskScore))
	for _, reason := range v.FraudReasons {
		m.RuleHitsTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveOutcome records a prediction that produced no verdict.
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.PredictionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEvent records a publish attempt.
func (m *Metrics) ObserveEvent(topic string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsTotal.WithLabelValues(topic, result).Inc()
}

// SetBreakerState records a circuit breaker state.
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(state)
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
