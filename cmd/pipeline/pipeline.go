// Package main implements the batch ETL run.
//
// This file contains the Pipeline type which runs the stages in order:
//
//	collect → clean → aggregate → fit → publish → export
//
// A failure before publish aborts the run and leaves the previously
// published snapshot untouched. A trend that cannot be fitted is only a
// warning: the monthly table is published without one. Exporters run after
// a successful publish; their failures are reported but do not undo it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/voltcast/cmd/pipeline/metrics"
	"github.com/HatiCode/voltcast/pkg/adapters"
	"github.com/HatiCode/voltcast/pkg/aggregate"
	"github.com/HatiCode/voltcast/pkg/exporters"
	"github.com/HatiCode/voltcast/pkg/models"
	"github.com/HatiCode/voltcast/pkg/readings"
	"github.com/HatiCode/voltcast/pkg/storage"
)

// Stage names used in logs and the errors_total metric.
const (
	StageCollect   = "collect"
	StageClean     = "clean"
	StageAggregate = "aggregate"
	StageFit       = "fit"
	StagePublish   = "publish"
	StageExport    = "export"
)

// ErrNoMonths is returned when cleaning left nothing to aggregate.
var ErrNoMonths = errors.New("no monthly rows to publish")

// StageError tags an error with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// Report summarises a run.
type Report struct {
	RunID       string
	RawRows     int
	Skipped     int
	Clean       readings.Stats
	Months      int
	TrendFitted bool
	Exported    []string
}

// Pipeline runs one ETL pass for a dataset.
type Pipeline struct {
	dataset   string
	adapter   adapters.Adapter
	store     storage.Store
	exporters []exporters.Exporter
	logger    *slog.Logger
	metrics   *metrics.Metrics

	now      func() time.Time
	newRunID func() string
}

// New creates a new Pipeline. metrics may be nil.
func New(
	dataset string,
	adapter adapters.Adapter,
	store storage.Store,
	exps []exporters.Exporter,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		dataset:   dataset,
		adapter:   adapter,
		store:     store,
		exporters: exps,
		logger:    logger,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		newRunID:  uuid.NewString,
	}
}

// Run performs one complete pass. Errors are *StageError values.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	start := p.now()
	report := Report{RunID: p.newRunID()}
	log := p.logger.With("run_id", report.RunID, "dataset", p.dataset)
	log.Info("starting pipeline run", "source", p.adapter.Name())

	batch, err := timed(p, StageCollect, func() (*adapters.Batch, error) {
		return p.adapter.Collect(ctx)
	})
	if err != nil {
		return report, p.fail(log, StageCollect, err)
	}
	report.RawRows = len(batch.Readings) + batch.Skipped
	report.Skipped = batch.Skipped

	type cleaned struct {
		rs    []readings.Reading
		stats readings.Stats
	}
	c, err := timed(p, StageClean, func() (cleaned, error) {
		rs, stats, err := readings.Clean(batch.Readings)
		return cleaned{rs, stats}, err
	})
	if err != nil {
		return report, p.fail(log, StageClean, err)
	}
	report.Clean = c.stats
	if p.metrics != nil {
		p.metrics.RecordRows(report.RawRows, map[string]int{
			"malformed":     batch.Skipped,
			"missing_power": c.stats.DroppedMissingPower,
			"bad_timestamp": c.stats.DroppedBadTimestamp,
			"duplicate":     c.stats.Duplicates,
		})
	}
	log.Info("cleaned readings",
		"raw", report.RawRows,
		"kept", c.stats.Kept,
		"malformed", batch.Skipped,
		"missing_power", c.stats.DroppedMissingPower,
		"bad_timestamp", c.stats.DroppedBadTimestamp,
		"duplicates", c.stats.Duplicates,
	)

	months, _ := timed(p, StageAggregate, func() ([]aggregate.Month, error) {
		return aggregate.Monthly(c.rs), nil
	})
	if len(months) == 0 {
		return report, p.fail(log, StageAggregate, ErrNoMonths)
	}
	report.Months = len(months)
	log.Info("aggregated months",
		"months", len(months),
		"first", months[0].Label(),
		"last", months[len(months)-1].Label(),
	)

	snapshot := storage.Snapshot{
		Dataset:     p.dataset,
		RunID:       report.RunID,
		GeneratedAt: start,
		Months:      months,
	}

	trend, err := timed(p, StageFit, func() (models.TrendModel, error) {
		return models.Fit(months)
	})
	var insufficient *models.InsufficientDataError
	switch {
	case errors.As(err, &insufficient):
		log.Warn("trend not fitted, publishing table only", "rows", insufficient.Rows, "need", insufficient.Need)
	case err != nil:
		if p.metrics != nil {
			p.metrics.RecordError(StageFit)
		}
		log.Warn("trend fit failed, publishing table only", "error", err)
	default:
		trend.RunID = report.RunID
		trend.FittedAt = start
		snapshot.Trend = &trend
		report.TrendFitted = true
		log.Info("fitted trend",
			"weights", trend.Weights,
			"intercept", trend.Intercept,
		)
	}

	if _, err := timed(p, StagePublish, func() (struct{}, error) {
		return struct{}{}, p.store.Put(ctx, snapshot)
	}); err != nil {
		return report, p.fail(log, StagePublish, err)
	}
	if p.metrics != nil {
		p.metrics.RecordPublish(report.Months, report.TrendFitted, p.now())
	}
	log.Info("published snapshot", "months", report.Months, "trend", report.TrendFitted)

	var exportErrs []error
	for _, e := range p.exporters {
		if _, err := timed(p, StageExport, func() (struct{}, error) {
			return struct{}{}, e.Export(ctx, snapshot)
		}); err != nil {
			if p.metrics != nil {
				p.metrics.RecordError(StageExport)
			}
			log.Error("export failed", "exporter", e.Name(), "error", err)
			exportErrs = append(exportErrs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		report.Exported = append(report.Exported, e.Name())
		log.Info("exported snapshot", "exporter", e.Name())
	}

	log.Info("pipeline run complete", "duration_ms", p.now().Sub(start).Milliseconds())

	if len(exportErrs) > 0 {
		return report, &StageError{Stage: StageExport, Err: errors.Join(exportErrs...)}
	}
	return report, nil
}

func (p *Pipeline) fail(log *slog.Logger, stage string, err error) error {
	if p.metrics != nil {
		p.metrics.RecordError(stage)
	}
	log.Error("pipeline stage failed", "stage", stage, "error", err)
	return &StageError{Stage: stage, Err: err}
}

// timed runs fn and records its duration under stage.
func timed[T any](p *Pipeline, stage string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	if p.metrics != nil {
		p.metrics.RecordStage(stage, time.Since(start))
	}
	return v, err
}
