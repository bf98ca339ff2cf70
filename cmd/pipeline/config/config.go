// Package config provides configuration parsing for the pipeline.
//
// Settings come from command-line flags, environment variables, an optional
// YAML file and built-in defaults, in that order of precedence (see
// pkg/settings). The Config struct covers:
//   - Source selection (file or http adapter, input path or URL)
//   - Publishing (dataset name, store backend and its connection settings)
//   - Optional exporters (parquet, influxdb, kafka, s3)
//   - Pushgateway URL for run metrics
//   - Logging configuration (level, format, file)
//   - TLS configuration for the http source client
//
// Adapter-specific settings can be given as ADAPTER_* environment variables
// or under an "adapter" mapping in the YAML file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/HatiCode/voltcast/pkg/exporters"
	"github.com/HatiCode/voltcast/pkg/settings"
	"github.com/HatiCode/voltcast/pkg/storage"
	"github.com/HatiCode/voltcast/pkg/tls"
)

// Store backends the pipeline can publish to.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds all pipeline configuration.
type Config struct {
	ConfigFile string
	LogFormat  string
	LogLevel   string
	LogFile    string

	Source        string
	Input         string
	AdapterConfig map[string]string
	SourceTimeout time.Duration
	TLS           tls.Config

	Dataset       string
	Store         string
	StoreDir      string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	Exporters      []string
	ExporterConfig exporters.Config

	PushgatewayURL string
	Timeout        time.Duration
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
	fs := flag.NewFlagSet("pipeline", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, settings.ConfigFileFlag, src.Path(), "YAML configuration file")
	fs.StringVar(&cfg.LogFormat, "log-format", src.String("log-format", "LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", src.String("log-level", "LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFile, "log-file", src.String("log-file", "LOG_FILE", ""), "Also write logs to this rotating file")

	fs.StringVar(&cfg.Source, "source", src.String("source", "SOURCE", "file"), "Raw log source: file or http")
	fs.StringVar(&cfg.Input, "input", src.String("input", "INPUT", "household_power_consumption.txt"), "Raw log path (file source) or URL (http source)")
	fs.DurationVar(&cfg.SourceTimeout, "source-timeout", src.Duration("source-timeout", "SOURCE_TIMEOUT", 5*time.Minute), "HTTP source request timeout")
	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", src.Bool("tls-enabled", "TLS_ENABLED", false), "Use a client certificate for the http source")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", src.String("tls-cert-file", "TLS_CERT_FILE", ""), "TLS client certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", src.String("tls-key-file", "TLS_KEY_FILE", ""), "TLS client private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", src.String("tls-ca-file", "TLS_CA_FILE", ""), "TLS CA certificate file for server verification")

	fs.StringVar(&cfg.Dataset, "dataset", src.String("dataset", "DATASET", "household"), "Dataset name the snapshot is published under")
	fs.StringVar(&cfg.Store, "store", src.String("store", "STORE", StoreFile), "Store backend: file, sqlite or redis")
	fs.StringVar(&cfg.StoreDir, "store-dir", src.String("store-dir", "STORE_DIR", "./data"), "Directory of the file store")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", src.String("sqlite-path", "SQLITE_PATH", "./data/voltcast.db"), "SQLite database file")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", src.String("redis-addr", "REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", src.String("redis-password", "REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", src.Int("redis-db", "REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.RedisTTL, "redis-ttl", src.Duration("redis-ttl", "REDIS_TTL", 0), "Redis snapshot TTL (0 keeps it until the next run)")

	var exporterList string
	fs.StringVar(&exporterList, "exporters", src.String("exporters", "EXPORTERS", ""), "Comma-separated exporters: parquet, influxdb, kafka, s3")
	e := &cfg.ExporterConfig
	fs.StringVar(&e.ParquetDir, "parquet-dir", src.String("parquet-dir", "PARQUET_DIR", "./data/parquet"), "Parquet export directory")
	fs.StringVar(&e.InfluxURL, "influx-url", src.String("influx-url", "INFLUX_URL", "http://localhost:8086"), "InfluxDB URL")
	fs.StringVar(&e.InfluxToken, "influx-token", src.String("influx-token", "INFLUX_TOKEN", ""), "InfluxDB token")
	fs.StringVar(&e.InfluxOrg, "influx-org", src.String("influx-org", "INFLUX_ORG", ""), "InfluxDB organization")
	fs.StringVar(&e.InfluxBucket, "influx-bucket", src.String("influx-bucket", "INFLUX_BUCKET", ""), "InfluxDB bucket")
	var kafkaBrokers string
	fs.StringVar(&kafkaBrokers, "kafka-brokers", src.String("kafka-brokers", "KAFKA_BROKERS", ""), "Comma-separated Kafka brokers")
	fs.StringVar(&e.KafkaTopic, "kafka-topic", src.String("kafka-topic", "KAFKA_TOPIC", "voltcast.monthly-usage"), "Kafka topic")
	fs.StringVar(&e.S3.Bucket, "s3-bucket", src.String("s3-bucket", "S3_BUCKET", ""), "S3 bucket")
	fs.StringVar(&e.S3.Prefix, "s3-prefix", src.String("s3-prefix", "S3_PREFIX", "voltcast"), "S3 key prefix")
	fs.StringVar(&e.S3.Region, "s3-region", src.String("s3-region", "AWS_REGION", "us-east-1"), "S3 region")
	fs.StringVar(&e.S3.Endpoint, "s3-endpoint", src.String("s3-endpoint", "S3_ENDPOINT", ""), "S3-compatible endpoint URL")
	fs.BoolVar(&e.S3.PathStyle, "s3-path-style", src.Bool("s3-path-style", "S3_PATH_STYLE", false), "Use path-style S3 addressing")
	e.S3.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	e.S3.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")

	fs.StringVar(&cfg.PushgatewayURL, "pushgateway-url", src.String("pushgateway-url", "PUSHGATEWAY_URL", ""), "Prometheus Pushgateway URL (empty disables pushing)")
	fs.DurationVar(&cfg.Timeout, "timeout", src.Duration("timeout", "TIMEOUT", 30*time.Minute), "Overall run timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := src.Check(fs, "adapter"); err != nil {
		return nil, err
	}

	cfg.Exporters = splitList(exporterList)
	e.KafkaBrokers = splitList(kafkaBrokers)
	cfg.AdapterConfig = src.Map("adapter", "ADAPTER_")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that flag parsing cannot.
func (c *Config) Validate() error {
	if err := storage.ValidateDataset(c.Dataset); err != nil {
		return err
	}
	if c.Source != "file" && c.Source != "http" {
		return fmt.Errorf("invalid source %q (must be file or http)", c.Source)
	}
	if c.Input == "" {
		return fmt.Errorf("input is required")
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
		if c.RedisTTL < 0 {
			return fmt.Errorf("redis-ttl cannot be negative")
		}
	default:
		return fmt.Errorf("invalid store %q (must be file, sqlite or redis)", c.Store)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	return c.TLS.Validate()
}

// AdapterSettings returns the adapter configuration map with the input
// bound to the key the selected source expects.
func (c *Config) AdapterSettings() map[string]string {
	out := make(map[string]string, len(c.AdapterConfig)+1)
	for k, v := range c.AdapterConfig {
		out[k] = v
	}
	if c.Source == "http" {
		out["url"] = c.Input
	} else {
		out["path"] = c.Input
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
