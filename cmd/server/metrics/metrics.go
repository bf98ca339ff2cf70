// Package metrics provides Prometheus instrumentation for the server.
//
// Metrics exposed:
//   - voltcast_http_requests_total: Counter of HTTP requests by route and status code
//   - voltcast_http_request_duration_seconds: Histogram of HTTP latency by route
//   - voltcast_billing_requests_total: Counter of billing computations by transport and outcome
//   - voltcast_grpc_request_duration_seconds: Histogram of gRPC latency by method
//   - voltcast_table_rows: Gauge of rows in the last monthly table served
//   - voltcast_trend_loaded: 1 when a trend model was loaded at start-up
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Billing outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeInvalid  = "invalid"
	OutcomeTooLarge = "too_large"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	BillingRequests     *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	TableRows           prometheus.Gauge
	TrendLoaded         prometheus.Gauge
}

// New creates the metrics in a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voltcast_http_requests_total",
			Help: "Total HTTP requests by route and status code",
		}, []string{"route", "code"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voltcast_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		BillingRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voltcast_billing_requests_total",
			Help: "Billing computations by transport and outcome",
		}, []string{"transport", "outcome"}),

		GRPCRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voltcast_grpc_request_duration_seconds",
			Help:    "gRPC request latency by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		TableRows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voltcast_table_rows",
			Help: "Rows in the monthly table last read from the store",
		}),

		TrendLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voltcast_trend_loaded",
			Help: "1 when a trend model was loaded at start-up",
		}),
	}
}

// Registry returns the registry to expose on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(route string, code int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordBilling records the outcome of a billing computation.
func (m *Metrics) RecordBilling(transport, outcome string) {
	m.BillingRequests.WithLabelValues(transport, outcome).Inc()
}

// ObserveGRPCDuration records the latency of a gRPC method.
func (m *Metrics) ObserveGRPCDuration(method string, seconds float64) {
	m.GRPCRequestDuration.WithLabelValues(method).Observe(seconds)
}

// SetTableRows sets the table rows gauge.
func (m *Metrics) SetTableRows(n int) {
	m.TableRows.Set(float64(n))
}

// SetTrendLoaded sets the trend gauge.
func (m *Metrics) SetTrendLoaded(loaded bool) {
	if loaded {
		m.TrendLoaded.Set(1)
		return
	}
	m.TrendLoaded.Set(0)
}
