package database

import (
	"context"
	"database/sql"
	"fmt"

	"telemetry-hub/internal/types"
)

// RecentValues returns up to limit historical values for a device variable, oldest first.
// Readings belonging to excludeMessageID are left out so the current reading is not part of its own baseline.
func (db *DB) RecentValues(ctx context.Context, deviceID, variableCode string, limit int, excludeMessageID string) ([]float64, error) {
	query := `
		SELECT value FROM telemetry_readings
		WHERE device_id = ? AND variable_code = ? AND message_id <> ?
		ORDER BY captured_at DESC
		LIMIT ?
	`
	rows, err := db.query(ctx, db.conn, query, deviceID, variableCode, excludeMessageID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent values: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating values: %w", err)
	}

	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values, nil
}

// ListReadings returns the newest readings of a device
func (db *DB) ListReadings(ctx context.Context, deviceID string, limit int) ([]types.TelemetryReading, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	return db.listReadings(ctx, `device_id = ?`, deviceID, limit)
}

// ReadingsForMessage returns every reading written for a message
func (db *DB) ReadingsForMessage(ctx context.Context, messageID string) ([]types.TelemetryReading, error) {
	return db.listReadings(ctx, `message_id = ?`, messageID, 10000)
}

func (db *DB) listReadings(ctx context.Context, where string, arg interface{}, limit int) ([]types.TelemetryReading, error) {
	query := `
		SELECT id, tenant_id, device_id, inventory_id, message_id, variable_code, value, captured_at
		FROM telemetry_readings
		WHERE ` + where + `
		ORDER BY captured_at DESC
		LIMIT ?
	`
	rows, err := db.query(ctx, db.conn, query, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}
	defer rows.Close()

	var readings []types.TelemetryReading
	for rows.Next() {
		var r types.TelemetryReading
		var deviceID sql.NullString
		if err := rows.Scan(&r.ID, &r.TenantID, &deviceID, &r.InventoryID, &r.MessageID, &r.VariableCode, &r.Value, &r.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.DeviceID = deviceID.String
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating readings: %w", err)
	}
	return readings, nil
}
