// Package config provides configuration parsing for the server.
//
// Settings come from command-line flags, environment variables, an optional
// YAML file and built-in defaults, in that order of precedence (see
// pkg/settings). The Config struct covers:
//   - HTTP and gRPC listen addresses
//   - The store the pipeline publishes to (file, sqlite or redis)
//   - Billing defaults and rate limiting
//   - Logging configuration (level, format, file)
//   - TLS configuration for both listeners
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/HatiCode/voltcast/pkg/billing"
	"github.com/HatiCode/voltcast/pkg/settings"
	"github.com/HatiCode/voltcast/pkg/storage"
	"github.com/HatiCode/voltcast/pkg/tls"
)

// Store backends the server can read from.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds all server configuration.
type Config struct {
	ConfigFile string
	LogFormat  string
	LogLevel   string
	LogFile    string

	Listen     string
	GRPCListen string
	TLS        tls.Config

	Dataset       string
	Store         string
	StoreDir      string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TrendFile overrides the trend artifact of the published snapshot.
	TrendFile string

	DefaultRate float64
	DefaultDays int
	RateLimit   float64
	RateBurst   int
}

// ParseFlags parses os.Args and exits on error.
func ParseFlags() *Config {
	cfg, err := Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	return cfg
}

// Parse builds a Config from args, the environment, the YAML file and
// defaults, and validates it.
func Parse(args []string) (*Config, error) {
	src, err := settings.Load(args, ".env")
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	fs := flag.NewFlagSet("server", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, settings.ConfigFileFlag, src.Path(), "YAML configuration file")
	fs.StringVar(&cfg.LogFormat, "log-format", src.String("log-format", "LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", src.String("log-level", "LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFile, "log-file", src.String("log-file", "LOG_FILE", ""), "Also write logs to this rotating file")

	fs.StringVar(&cfg.Listen, "listen", src.String("listen", "LISTEN", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", src.String("grpc-listen", "GRPC_LISTEN", ":9090"), "gRPC listen address (empty disables gRPC)")
	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", src.Bool("tls-enabled", "TLS_ENABLED", false), "Serve HTTP and gRPC over TLS")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", src.String("tls-cert-file", "TLS_CERT_FILE", ""), "TLS server certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", src.String("tls-key-file", "TLS_KEY_FILE", ""), "TLS server private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", src.String("tls-ca-file", "TLS_CA_FILE", ""), "TLS CA file; when set, client certificates are required")

	fs.StringVar(&cfg.Dataset, "dataset", src.String("dataset", "DATASET", "household"), "Dataset whose snapshot is served")
	fs.StringVar(&cfg.Store, "store", src.String("store", "STORE", StoreFile), "Store backend: file, sqlite or redis")
	fs.StringVar(&cfg.StoreDir, "store-dir", src.String("store-dir", "STORE_DIR", "./data"), "Directory of the file store")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", src.String("sqlite-path", "SQLITE_PATH", "./data/voltcast.db"), "SQLite database file")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", src.String("redis-addr", "REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", src.String("redis-password", "REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", src.Int("redis-db", "REDIS_DB", 0), "Redis database number")
	fs.StringVar(&cfg.TrendFile, "trend-file", src.String("trend-file", "TREND_FILE", ""), "Trend artifact to load instead of the published one")

	fs.Float64Var(&cfg.DefaultRate, "default-rate", src.Float("default-rate", "DEFAULT_RATE", billing.StandardDefaults.Rate), "Tariff per kWh when a request omits rate")
	fs.IntVar(&cfg.DefaultDays, "default-days", src.Int("default-days", "DEFAULT_DAYS", billing.StandardDefaults.DaysInMonth), "Days in month when a request omits days_in_month")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", src.Float("rate-limit", "RATE_LIMIT", 0), "Billing requests per second (0 disables limiting)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", src.Int("rate-burst", "RATE_BURST", 20), "Billing request burst size")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := src.Check(fs); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that flag parsing cannot.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if err := storage.ValidateDataset(c.Dataset); err != nil {
		return err
	}
	switch c.Store {
	case StoreFile:
		if c.StoreDir == "" {
			return fmt.Errorf("store-dir is required for the file store")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite-path is required for the sqlite store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis-addr is required for the redis store")
		}
	default:
		return fmt.Errorf("invalid store %q (must be file, sqlite or redis)", c.Store)
	}
	if c.DefaultRate <= 0 {
		return fmt.Errorf("default-rate must be > 0")
	}
	if c.DefaultDays <= 0 {
		return fmt.Errorf("default-days must be > 0")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate-limit cannot be negative")
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		return fmt.Errorf("rate-burst must be > 0 when rate-limit is set")
	}
	return c.TLS.Validate()
}

// BillingDefaults returns the defaults applied to billing requests.
func (c *Config) BillingDefaults() billing.Defaults {
	d := billing.StandardDefaults
	d.Rate = c.DefaultRate
	d.DaysInMonth = c.DefaultDays
	return d
}
