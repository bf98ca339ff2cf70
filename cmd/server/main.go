// Command server implements the voltcast HTTP and gRPC API.
//
// The server:
//  1. Opens the store the pipeline publishes to
//  2. Loads the trend model once at start-up
//  3. Serves the last 12 months of the monthly table on GET /api/data
//  4. Computes appliance billing estimates on POST /predict and over gRPC
//  5. Exposes health, readiness and Prometheus metrics endpoints
//
// The table is read from the store on every request, so a new pipeline run
// becomes visible without a restart. The trend model is not reloaded.
//
// Usage:
//
//	server -listen=:8080 -grpc-listen=:9090 -store=file -store-dir=./data
//
// Environment variables:
//
//	LISTEN       - HTTP listen address (default: :8080)
//	GRPC_LISTEN  - gRPC listen address, empty disables gRPC (default: :9090)
//	DATASET      - Dataset name (default: household)
//	STORE        - Store backend: file, sqlite, redis (default: file)
//	DEFAULT_RATE - Tariff per kWh when a request omits it (default: 8.0)
//	RATE_LIMIT   - Billing requests per second, 0 disables limiting
//	CONFIG_FILE  - YAML configuration file
//	LOG_LEVEL    - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT   - Logging format: text, json (default: text)
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/voltcast/cmd/server/config"
	"github.com/HatiCode/voltcast/cmd/server/metrics"
	"github.com/HatiCode/voltcast/cmd/server/router"
	"github.com/HatiCode/voltcast/pkg/httpx"
	"github.com/HatiCode/voltcast/pkg/logger"
	"github.com/HatiCode/voltcast/pkg/models"
	"github.com/HatiCode/voltcast/pkg/storage"
	voltcasttls "github.com/HatiCode/voltcast/pkg/tls"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	os.Exit(serve(config.ParseFlags()))
}

// serve runs the server until a shutdown signal or a listener failure and
// returns the process exit code. Deferred cleanup runs before main exits.
func serve(cfg *config.Config) int {
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

	log.Info("starting voltcast server",
		"version", version,
		"listen", cfg.Listen,
		"grpc_listen", cfg.GRPCListen,
		"dataset", cfg.Dataset,
		"store", cfg.Store,
		"tls_enabled", cfg.TLS.Enabled,
	)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return 1
	}
	defer closeStore()

	m := metrics.New()

	trend, err := loadTrend(context.Background(), cfg, store)
	if err != nil {
		log.Error("failed to load trend model", "error", err)
		return 1
	}
	if trend != nil {
		log.Info("trend model loaded", "run_id", trend.RunID, "rows", trend.Rows)
	} else {
		log.Warn("no trend model available, /api/trend will return 404")
	}
	m.SetTrendLoaded(trend != nil)

	env := router.Env{
		Store:     store,
		Dataset:   cfg.Dataset,
		Trend:     trend,
		Defaults:  cfg.BillingDefaults(),
		Logger:    log,
		Metrics:   m,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}

	httpServer := httpx.NewServer(cfg.Listen, router.SetupRoutes(env), log)
	if cfg.TLS.Enabled {
		tlsCfg, err := voltcasttls.NewServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			log.Error("failed to create TLS config", "error", err)
			return 1
		}
		httpServer.SetTLSConfig(tlsCfg)
	}

	var (
		grpcServer *grpc.Server
		grpcLis    net.Listener
	)
	if cfg.GRPCListen != "" {
		grpcServer, err = newGRPCServer(cfg, env, log)
		if err != nil {
			log.Error("failed to create grpc server", "error", err)
			return 1
		}
		grpcLis, err = net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			log.Error("failed to listen", "address", cfg.GRPCListen, "error", err)
			return 1
		}
	}

	serveErr := make(chan error, 2)
	go func() {
		var err error
		if cfg.TLS.Enabled {
			err = httpServer.StartTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = httpServer.Start()
		}
		if err != nil {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	if grpcServer != nil {
		go func() {
			log.Info("grpc server listening", "address", cfg.GRPCListen)
			if err := grpcServer.Serve(grpcLis); err != nil {
				serveErr <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serveErr:
		log.Error("server failed", "error", err)
		code = 1
	}

	if grpcServer != nil {
		log.Info("shutting down grpc server")
		grpcServer.GracefulStop()
	}

	log.Info("shutting down http server")
	if err := httpServer.Stop(10 * time.Second); err != nil {
		log.Error("http server shutdown error", "error", err)
	}

	log.Info("shutdown complete")
	return code
}

// newGRPCServer registers the billing, health and reflection services.
func newGRPCServer(cfg *config.Config, env router.Env, log *slog.Logger) (*grpc.Server, error) {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(loggingInterceptor(log), recoveryInterceptor(log)),
		grpc.MaxRecvMsgSize(router.MaxBodyBytes),
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := voltcasttls.NewServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	s := grpc.NewServer(opts...)
	RegisterBillingServer(s, NewBilling(env.Defaults, log, env.Metrics))

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(billingServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(s)
	return s, nil
}

// loadTrend returns the trend model to serve, or nil when none exists. An
// explicit trend file must exist; a snapshot without a trend is not an error.
func loadTrend(ctx context.Context, cfg *config.Config, store storage.Store) (*models.TrendModel, error) {
	if cfg.TrendFile != "" {
		m, found, err := storage.ReadTrend(cfg.TrendFile)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("trend file %s not found", cfg.TrendFile)
		}
		return &m, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	snapshot, found, err := store.GetLatest(ctx, cfg.Dataset)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if !found || snapshot.Trend == nil {
		return nil, nil
	}
	return snapshot.Trend, nil
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
		s, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 0)
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
