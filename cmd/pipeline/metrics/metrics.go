// Package metrics provides Prometheus instrumentation for pipeline runs.
//
// The pipeline is a batch job, so metrics live in a private registry and are
// pushed to a Pushgateway once the run ends instead of being scraped.
//
// Metrics exposed:
//   - voltcast_pipeline_stage_seconds: Histogram of stage duration by stage
//   - voltcast_pipeline_rows_read_total: Raw rows read from the source
//   - voltcast_pipeline_rows_dropped_total: Rows dropped, by reason
//   - voltcast_pipeline_months_published: Months in the published table
//   - voltcast_pipeline_trend_fitted: 1 when a trend was fitted, else 0
//   - voltcast_pipeline_last_success_timestamp_seconds: End of the last good run
//   - voltcast_pipeline_errors_total: Counter of errors by stage
//
// All metrics carry the dataset label.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Job is the Pushgateway job name.
const Job = "voltcast_pipeline"

// Metrics holds all Prometheus metrics for a pipeline run.
type Metrics struct {
	registry *prometheus.Registry
	dataset  string

	StageSeconds    *prometheus.HistogramVec
	RowsRead        prometheus.Counter
	RowsDropped     *prometheus.CounterVec
	MonthsPublished prometheus.Gauge
	TrendFitted     prometheus.Gauge
	LastSuccess     prometheus.Gauge
	ErrorsTotal     *prometheus.CounterVec
}

// New creates the metrics in a fresh registry.
func New(dataset string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"dataset": dataset}

	m := &Metrics{
		registry: reg,
		dataset:  dataset,

		StageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "voltcast_pipeline_stage_seconds",
			Help:        "Time spent in each pipeline stage",
			ConstLabels: labels,
			Buckets:     []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}, []string{"stage"}),

		RowsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "voltcast_pipeline_rows_read_total",
			Help:        "Raw rows read from the source",
			ConstLabels: labels,
		}),

		RowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "voltcast_pipeline_rows_dropped_total",
			Help:        "Raw rows dropped, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),

		MonthsPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "voltcast_pipeline_months_published",
			Help:        "Rows in the published monthly table",
			ConstLabels: labels,
		}),

		TrendFitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "voltcast_pipeline_trend_fitted",
			Help:        "1 when the last run published a trend model",
			ConstLabels: labels,
		}),

		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "voltcast_pipeline_last_success_timestamp_seconds",
			Help:        "Unix time of the last successful run",
			ConstLabels: labels,
		}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "voltcast_pipeline_errors_total",
			Help:        "Total number of errors by pipeline stage",
			ConstLabels: labels,
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.StageSeconds,
		m.RowsRead,
		m.RowsDropped,
		m.MonthsPublished,
		m.TrendFitted,
		m.LastSuccess,
		m.ErrorsTotal,
	)
	return m
}

// Registry returns the registry the metrics are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordStage records the time spent in a stage.
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	m.StageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordRows records how many raw rows were read and why some were dropped.
func (m *Metrics) RecordRows(read int, dropped map[string]int) {
	m.RowsRead.Add(float64(read))
	for reason, n := range dropped {
		if n > 0 {
			m.RowsDropped.WithLabelValues(reason).Add(float64(n))
		}
	}
}

// RecordPublish records a successful publish.
func (m *Metrics) RecordPublish(months int, trend bool, at time.Time) {
	m.MonthsPublished.Set(float64(months))
	if trend {
		m.TrendFitted.Set(1)
	} else {
		m.TrendFitted.Set(0)
	}
	m.LastSuccess.Set(float64(at.Unix()))
}

// RecordError increments the error counter for stage.
func (m *Metrics) RecordError(stage string) {
	m.ErrorsTotal.WithLabelValues(stage).Inc()
}

// Push sends the registry to the Pushgateway at url, replacing the metrics
// previously pushed for this job and dataset.
func (m *Metrics) Push(ctx context.Context, url string) error {
	err := push.New(url, Job).
		Gatherer(m.registry).
		Grouping("dataset", m.dataset).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
