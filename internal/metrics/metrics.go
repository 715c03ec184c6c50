package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sso"

// Metrics holds the server's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tokensIssued     *prometheus.CounterVec
	tokenErrors      *prometheus.CounterVec
	authorizeResults *prometheus.CounterVec
	codeReplays      prometheus.Counter
	introspections   *prometheus.CounterVec
	revocations      prometheus.Counter
	httpDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Token responses issued, by grant type.",
		}, []string{"grant_type"}),
		tokenErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_errors_total",
			Help:      "Token endpoint failures, by grant type and OAuth2 error code.",
		}, []string{"grant_type", "error"}),
		authorizeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorize_results_total",
			Help:      "Authorization endpoint outcomes.",
		}, []string{"result"}),
		codeReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_code_replays_total",
			Help:      "Exchanges of an already consumed authorization code.",
		}),
		introspections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "introspections_total",
			Help:      "Introspection requests, by whether the token was active.",
		}, []string{"active"}),
		revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Revocation requests that revoked a token.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokensIssued,
		m.tokenErrors,
		m.authorizeResults,
		m.codeReplays,
		m.introspections,
		m.revocations,
		m.httpDuration,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TokenIssued(grantType string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(grantType).Inc()
}

func (m *Metrics) TokenError(grantType, code string) {
	if m == nil {
		return
	}
	m.tokenErrors.WithLabelValues(grantType, code).Inc()
}

func (m *Metrics) AuthorizeResult(result string) {
	if m == nil {
		return
	}
	m.authorizeResults.WithLabelValues(result).Inc()
}

func (m *Metrics) CodeReplay() {
	if m == nil {
		return
	}
	m.codeReplays.Inc()
}

func (m *Metrics) Introspection(active bool) {
	if m == nil {
		return
	}
	m.introspections.WithLabelValues(strconv.FormatBool(active)).Inc()
}

func (m *Metrics) Revocation() {
	if m == nil {
		return
	}
	m.revocations.Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
