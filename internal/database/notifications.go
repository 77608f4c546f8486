package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"telemetry-hub/internal/types"
)

// SetNotificationPreference adds a delivery address for a tenant
func (db *DB) SetNotificationPreference(ctx context.Context, tenantID string, recipient types.Recipient) error {
	query := `
		INSERT INTO notification_preferences (tenant_id, channel, address)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	if _, err := db.exec(ctx, db.conn, query, tenantID, recipient.Channel, recipient.Address); err != nil {
		return fmt.Errorf("failed to set notification preference: %w", err)
	}
	return nil
}

// GetNotificationPreferences returns every delivery address of a tenant
func (db *DB) GetNotificationPreferences(ctx context.Context, tenantID string) ([]types.Recipient, error) {
	rows, err := db.query(ctx, db.conn, `
		SELECT channel, address FROM notification_preferences
		WHERE tenant_id = ?
		ORDER BY channel, address
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification preferences: %w", err)
	}
	defer rows.Close()

	var recipients []types.Recipient
	for rows.Next() {
		var r types.Recipient
		if err := rows.Scan(&r.Channel, &r.Address); err != nil {
			return nil, fmt.Errorf("failed to scan notification preference: %w", err)
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// InsertNotificationLog records one dispatch attempt
func (db *DB) InsertNotificationLog(ctx context.Context, entry *types.NotificationLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO notification_log (id, tenant_id, recipient, channel, subject, status, error, alert_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.exec(ctx, db.conn, query,
		entry.ID,
		nullString(entry.TenantID),
		entry.Recipient,
		entry.Channel,
		entry.Subject,
		string(entry.Status),
		nullString(entry.Error),
		entry.AlertCount,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification log: %w", err)
	}
	return nil
}

// ListNotificationLog returns the newest dispatch attempts
func (db *DB) ListNotificationLog(ctx context.Context, limit int) ([]*types.NotificationLogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.query(ctx, db.conn, `
		SELECT id, tenant_id, recipient, channel, subject, status, error, alert_count, created_at
		FROM notification_log
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification log: %w", err)
	}
	defer rows.Close()

	var entries []*types.NotificationLogEntry
	for rows.Next() {
		var e types.NotificationLogEntry
		var tenantID, errText sql.NullString
		var status string
		if err := rows.Scan(&e.ID, &tenantID, &e.Recipient, &e.Channel, &e.Subject, &status, &errText, &e.AlertCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification log: %w", err)
		}
		e.TenantID = tenantID.String
		e.Error = errText.String
		e.Status = types.NotificationStatus(status)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
