package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Callback outcomes.
const (
	OutcomeMissingCode     = "missing_code"
	OutcomeExchangeFailed  = "exchange_failed"
	OutcomeProvisionFailed = "provision_failed"
	OutcomeSuccess         = "success"
)

// Metrics holds the Prometheus collectors shared by the services.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CallbackRequestsTotal  *prometheus.CounterVec
	UsersProvisionedTotal  *prometheus.CounterVec
	AnalyticsFailuresTotal prometheus.Counter
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signin_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signin_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		CallbackRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signin_callback_requests_total",
				Help: "Sign-in callbacks by outcome",
			},
			[]string{"outcome"},
		),
		UsersProvisionedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signin_users_provisioned_total",
				Help: "Users resolved during sign-in, by whether they were created",
			},
			[]string{"result"},
		),
		AnalyticsFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "signin_analytics_failures_total",
				Help: "Sign-in analytics events that could not be queued",
			},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CallbackRequestsTotal,
		m.UsersProvisionedTotal,
		m.AnalyticsFailuresTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCallback counts one callback outcome. A nil receiver is a no-op.
func (m *Metrics) ObserveCallback(outcome string) {
	if m == nil {
		return
	}
	m.CallbackRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveProvision counts a resolved user; created reports whether it was new.
func (m *Metrics) ObserveProvision(created bool) {
	if m == nil {
		return
	}
	result := "existing"
	if created {
		result = "created"
	}
	m.UsersProvisionedTotal.WithLabelValues(result).Inc()
}

// ObserveAnalyticsFailure counts a dropped analytics event.
func (m *Metrics) ObserveAnalyticsFailure() {
	if m == nil {
		return
	}
	m.AnalyticsFailuresTotal.Inc()
}
