// Package exporters copies a published snapshot to downstream systems.
//
// Exporters run after the snapshot has been stored; they never decide
// whether a run is published. Every exporter sends the monthly table with
// the same columns as the stored table plus the dataset and run identifiers.
package exporters

import (
	"context"
	"fmt"
	"strings"

	"github.com/HatiCode/voltcast/pkg/aggregate"
	"github.com/HatiCode/voltcast/pkg/storage"
)

// Exporter sends a snapshot to one destination.
type Exporter interface {
	Name() string
	Export(ctx context.Context, s storage.Snapshot) error
	Close() error
}

// Config holds the settings of every exporter kind. Only the fields of
// the requested kinds are read.
type Config struct {
	ParquetDir string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	KafkaBrokers []string
	KafkaTopic   string

	S3 S3Config
}

// New creates the exporter for kind: "parquet", "influxdb", "kafka" or "s3".
func New(ctx context.Context, kind string, cfg Config) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "parquet":
		return NewParquetExporter(cfg.ParquetDir)
	case "influxdb", "influx":
		return NewInfluxExporter(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
	case "kafka":
		return NewKafkaExporter(cfg.KafkaBrokers, cfg.KafkaTopic)
	case "s3":
		return NewS3Exporter(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown exporter kind: %q (supported: parquet, influxdb, kafka, s3)", kind)
	}
}

// NewAll creates one exporter per kind. On error the exporters already
// created are closed.
func NewAll(ctx context.Context, kinds []string, cfg Config) ([]Exporter, error) {
	out := make([]Exporter, 0, len(kinds))
	for _, kind := range kinds {
		if strings.TrimSpace(kind) == "" {
			continue
		}
		e, err := New(ctx, kind, cfg)
		if err != nil {
			for _, created := range out {
				created.Close()
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// row is the exported form of one monthly aggregate.
type row struct {
	Dataset        string  `json:"dataset" parquet:"name=dataset, type=BYTE_ARRAY, convertedtype=UTF8"`
	RunID          string  `json:"run_id" parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	DT             string  `json:"dt" parquet:"name=dt, type=BYTE_ARRAY, convertedtype=UTF8"`
	Month          string  `json:"month" parquet:"name=month, type=BYTE_ARRAY, convertedtype=UTF8"`
	ZoneAKWh       float64 `json:"zone_A_kwh" parquet:"name=zone_a_kwh, type=DOUBLE"`
	ZoneBKWh       float64 `json:"zone_B_kwh" parquet:"name=zone_b_kwh, type=DOUBLE"`
	ZoneCKWh       float64 `json:"zone_C_kwh" parquet:"name=zone_c_kwh, type=DOUBLE"`
	TotalKWhEst    float64 `json:"total_kwh_est" parquet:"name=total_kwh_est, type=DOUBLE"`
	ActivePowerSum float64 `json:"global_active_power_sum" parquet:"name=global_active_power_sum, type=DOUBLE"`
}

func rows(s storage.Snapshot) []row {
	out := make([]row, 0, len(s.Months))
	for _, m := range s.Months {
		out = append(out, newRow(s, m))
	}
	return out
}

func newRow(s storage.Snapshot, m aggregate.Month) row {
	return row{
		Dataset:        s.Dataset,
		RunID:          s.RunID,
		DT:             m.Period.Format(aggregate.DateLayout),
		Month:          m.Label(),
		ZoneAKWh:       m.ZoneAKWh,
		ZoneBKWh:       m.ZoneBKWh,
		ZoneCKWh:       m.ZoneCKWh,
		TotalKWhEst:    m.TotalKWhEst(),
		ActivePowerSum: m.ActivePowerSum,
	}
}
