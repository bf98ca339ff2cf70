// Command pipeline implements the voltcast offline ETL job.
//
// A run:
//  1. Reads the raw minute-resolution power log from a file or HTTP source
//  2. Cleans it (missing values, timestamps, duplicates)
//  3. Resamples it to hourly and then monthly per-zone energy totals
//  4. Fits the zone-to-total trend model
//  5. Publishes the snapshot atomically to the configured store
//  6. Runs the optional exporters
//
// The job exits non-zero when any stage before publish fails, in which case
// nothing is published, or when an exporter fails after publishing.
//
// Usage:
//
//	pipeline \
//	  -input=household_power_consumption.txt \
//	  -store=file -store-dir=./data \
//	  -exporters=parquet
//
// Environment variables:
//
//	SOURCE          - Raw log source: file or http (default: file)
//	INPUT           - Raw log path or URL
//	DATASET         - Dataset name (default: household)
//	STORE           - Store backend: file, sqlite, redis (default: file)
//	STORE_DIR       - File store directory (default: ./data)
//	EXPORTERS       - Comma-separated exporters
//	PUSHGATEWAY_URL - Pushgateway for run metrics
//	CONFIG_FILE     - YAML configuration file
//	LOG_LEVEL       - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT      - Logging format: text, json (default: text)
//	LOG_FILE        - Rotating log file, in addition to stderr
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HatiCode/voltcast/cmd/pipeline/config"
	"github.com/HatiCode/voltcast/cmd/pipeline/metrics"
	"github.com/HatiCode/voltcast/pkg/adapters"
	"github.com/HatiCode/voltcast/pkg/exporters"
	"github.com/HatiCode/voltcast/pkg/httpx"
	"github.com/HatiCode/voltcast/pkg/logger"
	"github.com/HatiCode/voltcast/pkg/storage"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	os.Exit(execute(config.ParseFlags()))
}

// execute sets up logging, performs one run and returns the exit code. The
// log file is closed before it returns.
func execute(cfg *config.Config) int {
	log, logCloser, err := logger.New(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	return run(cfg, log)
}

func run(cfg *config.Config, log *slog.Logger) int {
	log.Info("starting voltcast pipeline",
		"version", version,
		"dataset", cfg.Dataset,
		"source", cfg.Source,
		"store", cfg.Store,
	)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	adapter, err := buildAdapter(cfg)
	if err != nil {
		log.Error("failed to create adapter", "error", err)
		return 1
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return 1
	}
	defer closeStore()

	exps, err := exporters.NewAll(ctx, cfg.Exporters, cfg.ExporterConfig)
	if err != nil {
		log.Error("failed to create exporters", "error", err)
		return 1
	}
	defer func() {
		for _, e := range exps {
			if err := e.Close(); err != nil {
				log.Error("failed to close exporter", "exporter", e.Name(), "error", err)
			}
		}
	}()

	m := metrics.New(cfg.Dataset)
	p := New(cfg.Dataset, adapter, store, exps, log, m)

	report, runErr := p.Run(ctx)

	if cfg.PushgatewayURL != "" {
		pushCtx, pushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.Push(pushCtx, cfg.PushgatewayURL); err != nil {
			log.Error("failed to push metrics", "error", err)
		}
		pushCancel()
	}

	if runErr != nil {
		var se *StageError
		if errors.As(runErr, &se) && se.Stage == StageExport {
			log.Error("snapshot published but export failed", "run_id", report.RunID, "error", runErr)
		} else {
			log.Error("pipeline run failed, nothing published", "run_id", report.RunID, "error", runErr)
		}
		return 1
	}

	log.Info("pipeline finished",
		"run_id", report.RunID,
		"months", report.Months,
		"trend", report.TrendFitted,
		"exported", report.Exported,
	)
	return 0
}

// buildAdapter creates the raw-log source. The http source gets a client
// honouring the TLS settings.
func buildAdapter(cfg *config.Config) (adapters.Adapter, error) {
	a, err := adapters.New(cfg.Source, cfg.AdapterSettings())
	if err != nil {
		return nil, err
	}
	if h, ok := a.(*adapters.HTTPAdapter); ok {
		client, err := httpx.NewClient(cfg.TLS, cfg.SourceTimeout)
		if err != nil {
			return nil, err
		}
		h.HTTPClient = client
	}
	return a, nil
}

// openStore opens the configured backend. The returned close function is
// never nil.
func openStore(cfg *config.Config) (storage.Store, func(), error) {
	noop := func() {}
	switch cfg.Store {
	case config.StoreFile:
		s, err := storage.NewFileStore(cfg.StoreDir)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case config.StoreSQLite:
		s, err := storage.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return s, closeFunc(s), nil
	case config.StoreRedis:
		s, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return nil, noop, err
		}
		return s, closeFunc(s), nil
	default:
		return nil, noop, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func closeFunc(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}
}
