package sink

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"telemetry-hub/internal/config"
	"telemetry-hub/internal/types"
)

// InfluxWriter mirrors readings into an InfluxDB bucket
type InfluxWriter struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

// NewInfluxWriter creates a blocking writer for the configured bucket
func NewInfluxWriter(cfg config.InfluxConfig) *InfluxWriter {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxWriter{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
	}
}

// WriteReadings writes one point per reading
func (w *InfluxWriter) WriteReadings(ctx context.Context, readings []types.TelemetryReading) error {
	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		points = append(points, BuildPoint(w.measurement, r))
	}
	if err := w.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write points: %w", err)
	}
	return nil
}

// Close closes the client
func (w *InfluxWriter) Close() error {
	if w != nil && w.client != nil {
		w.client.Close()
	}
	return nil
}

// BuildPoint converts a reading to a point tagged by tenant, device and variable
func BuildPoint(measurement string, r types.TelemetryReading) *write.Point {
	tags := map[string]string{
		"tenant":   r.TenantID,
		"variable": r.VariableCode,
	}
	if r.DeviceID != "" {
		tags["device"] = r.DeviceID
	}
	if r.InventoryID != "" {
		tags["inventory"] = r.InventoryID
	}

	fields := map[string]interface{}{
		"value": r.Value,
	}

	return write.NewPoint(measurement, tags, fields, r.CapturedAt)
}
