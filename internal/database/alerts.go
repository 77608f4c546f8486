package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"telemetry-hub/internal/types"
)

var (
	// ErrAlertNotFound is returned when an alert id does not exist
	ErrAlertNotFound = errors.New("alert not found")
	// ErrInvalidTransition is returned for a status change the lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// AlertFilter narrows ListAlerts
type AlertFilter struct {
	TenantID string
	DeviceID string
	Status   types.AlertStatus
	Limit    int
}

// InsertAlert creates an open alert unless one is already open for the same
// device, variable and rule key. Returns false when the insert was suppressed.
func (db *DB) InsertAlert(ctx context.Context, alert *types.Alert) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	alert.Status = types.AlertStatusOpen

	query := `
		INSERT INTO alerts (id, tenant_id, device_id, rule_id, rule_key, source, variable_code, value,
			severity, title, message, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	result, err := db.exec(ctx, db.conn, query,
		alert.ID,
		alert.TenantID,
		alert.DeviceID,
		nullString(alert.RuleID),
		alert.RuleKey,
		string(alert.Source),
		alert.VariableCode,
		alert.Value,
		string(alert.Severity),
		alert.Title,
		alert.Message,
		string(alert.Status),
		alert.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// GetAlert retrieves one alert by id
func (db *DB) GetAlert(ctx context.Context, alertID string) (*types.Alert, error) {
	rows, err := db.query(ctx, db.conn, alertSelect+` WHERE id = ?`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, nil
	}
	return alerts[0], nil
}

// ListAlerts returns the newest alerts matching the filter
func (db *DB) ListAlerts(ctx context.Context, filter AlertFilter) ([]*types.Alert, error) {
	query := alertSelect + ` WHERE 1 = 1`
	var args []interface{}

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, filter.DeviceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.query(ctx, db.conn, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return scanAlerts(rows)
}

// UpdateAlertStatus moves an alert along its lifecycle
func (db *DB) UpdateAlertStatus(ctx context.Context, alertID string, to types.AlertStatus) (*types.Alert, error) {
	alert, err := db.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, ErrAlertNotFound
	}
	if !alert.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, alert.Status, to)
	}

	result, err := db.exec(ctx, db.conn,
		`UPDATE alerts SET status = ? WHERE id = ? AND status = ?`,
		string(to), alertID, string(alert.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to update alert status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: alert changed concurrently", ErrInvalidTransition)
	}

	alert.Status = to
	return alert, nil
}

// PendingAlerts returns alerts that have not been through a dispatch cycle, oldest first
func (db *DB) PendingAlerts(ctx context.Context, limit int) ([]*types.Alert, error) {
	rows, err := db.query(ctx, db.conn,
		alertSelect+` WHERE notified_at IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending alerts: %w", err)
	}
	return scanAlerts(rows)
}

// MarkAlertsNotified stamps alerts as dispatched
func (db *DB) MarkAlertsNotified(ctx context.Context, alertIDs []string, at time.Time) error {
	if len(alertIDs) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(alertIDs)+1)
	args = append(args, at.UTC())
	for _, id := range alertIDs {
		args = append(args, id)
	}

	query := fmt.Sprintf(`UPDATE alerts SET notified_at = ? WHERE id IN (%s)`, generatePlaceholders(len(alertIDs)))
	if _, err := db.exec(ctx, db.conn, query, args...); err != nil {
		return fmt.Errorf("failed to mark alerts notified: %w", err)
	}
	return nil
}

// CountAlertsSince counts alerts for a device created after since. An empty source counts both kinds.
func (db *DB) CountAlertsSince(ctx context.Context, deviceID string, since time.Time, source types.AlertSource) (int, error) {
	query := `SELECT COUNT(*) FROM alerts WHERE device_id = ? AND created_at >= ?`
	args := []interface{}{deviceID, since.UTC()}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, string(source))
	}

	var count int
	if err := db.queryRow(ctx, db.conn, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return count, nil
}

const alertSelect = `
	SELECT id, tenant_id, device_id, rule_id, rule_key, source, variable_code, value,
	       severity, title, message, status, created_at, notified_at
	FROM alerts`

func scanAlerts(rows *sql.Rows) ([]*types.Alert, error) {
	defer rows.Close()

	var alerts []*types.Alert
	for rows.Next() {
		var alert types.Alert
		var ruleID sql.NullString
		var source, severity, status string
		var notifiedAt sql.NullTime

		err := rows.Scan(
			&alert.ID,
			&alert.TenantID,
			&alert.DeviceID,
			&ruleID,
			&alert.RuleKey,
			&source,
			&alert.VariableCode,
			&alert.Value,
			&severity,
			&alert.Title,
			&alert.Message,
			&status,
			&alert.CreatedAt,
			&notifiedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		alert.RuleID = ruleID.String
		alert.Source = types.AlertSource(source)
		alert.Severity = types.Severity(severity)
		alert.Status = types.AlertStatus(status)
		alert.NotifiedAt = timePtr(notifiedAt)
		alerts = append(alerts, &alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}
