package exporters

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/HatiCode/voltcast/pkg/storage"
)

// InfluxMeasurement is the measurement monthly rows are written to.
const InfluxMeasurement = "monthly_energy"

// InfluxExporter writes one point per month, timestamped with the month-end
// anchor and tagged with the dataset and month label.
type InfluxExporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInfluxExporter(url, token, org, bucket string) (*InfluxExporter, error) {
	if url == "" {
		return nil, errors.New("influxdb url cannot be empty")
	}
	if org == "" || bucket == "" {
		return nil, errors.New("influxdb org and bucket are required")
	}

	client := influxdb2.NewClient(url, token)
	return &InfluxExporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}, nil
}

func (e *InfluxExporter) Name() string { return "influxdb" }

func (e *InfluxExporter) Export(ctx context.Context, s storage.Snapshot) error {
	if len(s.Months) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(s.Months))
	for _, m := range s.Months {
		points = append(points, write.NewPoint(
			InfluxMeasurement,
			map[string]string{
				"dataset": s.Dataset,
				"month":   m.Label(),
			},
			map[string]interface{}{
				"zone_a_kwh":              m.ZoneAKWh,
				"zone_b_kwh":              m.ZoneBKWh,
				"zone_c_kwh":              m.ZoneCKWh,
				"total_kwh_est":           m.TotalKWhEst(),
				"global_active_power_sum": m.ActivePowerSum,
				"run_id":                  s.RunID,
			},
			m.Period,
		))
	}

	if err := e.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write influxdb points: %w", err)
	}
	return nil
}

func (e *InfluxExporter) Close() error {
	e.client.Close()
	return nil
}
