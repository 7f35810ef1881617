package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects login and token counters for the /metrics endpoint.
type Metrics struct {
	logins           *prometheus.CounterVec
	tokensIssued     *prometheus.CounterVec
	tokenValidations *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	rateLimited      prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authfed_logins_total",
			Help: "Completed provider logins by outcome.",
		}, []string{"outcome"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authfed_tokens_issued_total",
			Help: "Session tokens minted by kind.",
		}, []string{"kind"}),
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authfed_token_validations_total",
			Help: "Session token verifications by result.",
		}, []string{"result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authfed_provider_request_seconds",
			Help:    "Latency of calls to the identity provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authfed_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}

	reg.MustRegister(
		m.logins,
		m.tokensIssued,
		m.tokenValidations,
		m.providerLatency,
		m.rateLimited,
	)
	return m
}

// LoginCompleted records the outcome of a callback, labelled by error kind on failure.
func (m *Metrics) LoginCompleted(outcome string) {
	m.logins.WithLabelValues(outcome).Inc()
}

// TokenIssued records a minted session token.
func (m *Metrics) TokenIssued(kind string) {
	m.tokensIssued.WithLabelValues(kind).Inc()
}

// TokenVerified records a verification result.
func (m *Metrics) TokenVerified(result string) {
	m.tokenValidations.WithLabelValues(result).Inc()
}

// ProviderCall records the latency of one provider round trip.
func (m *Metrics) ProviderCall(op string, d time.Duration) {
	m.providerLatency.WithLabelValues(op).Observe(d.Seconds())
}

// RateLimited records a rejected request.
func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

// MetricsHandler exposes gatherer in the Prometheus text format.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
