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

// ErrMessageNotPending is returned when a message has already left the pending state
var ErrMessageNotPending = errors.New("message is not pending")

// MessageFilter narrows ListInboundMessages
type MessageFilter struct {
	TenantID string
	DeviceID string
	Status   types.ParseStatus
	Limit    int
}

// CommitParams carries everything written atomically when a message parses successfully
type CommitParams struct {
	MessageID   string
	TenantID    string
	DeviceID    string
	InventoryID string
	Readings    []types.TelemetryReading
	SeenAt      time.Time
}

// CreateInboundMessage records a new message in the pending state
func (db *DB) CreateInboundMessage(ctx context.Context, msg *types.InboundMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	msg.ParseStatus = types.ParseStatusPending

	query := `
		INSERT INTO inbound_messages (id, tenant_id, device_id, inventory_id, source, raw_payload, parse_status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.exec(ctx, db.conn, query,
		msg.ID,
		nullString(msg.TenantID),
		nullString(msg.DeviceID),
		nullString(msg.InventoryID),
		string(msg.Source),
		msg.RawPayload,
		string(msg.ParseStatus),
		msg.ReceivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert inbound message: %w", err)
	}
	return nil
}

// MarkMessageFailed moves a pending message to failed with a reason
func (db *DB) MarkMessageFailed(ctx context.Context, messageID, reason string) error {
	query := `
		UPDATE inbound_messages
		SET parse_status = 'failed', parse_error = ?
		WHERE id = ? AND parse_status = 'pending'
	`
	result, err := db.exec(ctx, db.conn, query, reason, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrMessageNotPending
	}
	return nil
}

// CommitMessage writes readings, marks the message parsed and advances last-seen in one transaction.
// Last-seen only moves forward.
func (db *DB) CommitMessage(ctx context.Context, params CommitParams) error {
	if len(params.Readings) == 0 {
		return fmt.Errorf("cannot commit message %s without readings", params.MessageID)
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		insert := db.rebind(`
			INSERT INTO telemetry_readings (id, tenant_id, device_id, inventory_id, message_id, variable_code, value, captured_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("failed to prepare reading insert: %w", err)
		}
		defer stmt.Close()

		for i := range params.Readings {
			r := &params.Readings[i]
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			r.TenantID = params.TenantID
			r.DeviceID = params.DeviceID
			r.InventoryID = params.InventoryID
			r.MessageID = params.MessageID

			if _, err := stmt.ExecContext(ctx,
				r.ID,
				r.TenantID,
				nullString(r.DeviceID),
				r.InventoryID,
				r.MessageID,
				r.VariableCode,
				r.Value,
				r.CapturedAt.UTC(),
			); err != nil {
				return fmt.Errorf("failed to insert reading %s: %w", r.VariableCode, err)
			}
		}

		result, err := db.exec(ctx, tx, `
			UPDATE inbound_messages
			SET parse_status = 'parsed', parse_error = NULL, tenant_id = ?, device_id = ?, inventory_id = ?
			WHERE id = ? AND parse_status = 'pending'
		`, params.TenantID, nullString(params.DeviceID), params.InventoryID, params.MessageID)
		if err != nil {
			return fmt.Errorf("failed to mark message parsed: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrMessageNotPending
		}

		seenAt := params.SeenAt.UTC()
		if params.DeviceID != "" {
			if _, err := db.exec(ctx, tx, `
				UPDATE devices SET last_seen_at = ?
				WHERE id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)
			`, seenAt, params.DeviceID, seenAt); err != nil {
				return fmt.Errorf("failed to update device last seen: %w", err)
			}
		}

		if _, err := db.exec(ctx, tx, `
			UPDATE inventory_units SET last_seen_at = ?
			WHERE id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)
		`, seenAt, params.InventoryID, seenAt); err != nil {
			return fmt.Errorf("failed to update inventory last seen: %w", err)
		}

		return nil
	})
}

// GetInboundMessage retrieves one message by id
func (db *DB) GetInboundMessage(ctx context.Context, messageID string) (*types.InboundMessage, error) {
	rows, err := db.query(ctx, db.conn, messageSelect+` WHERE id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get inbound message: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// ListInboundMessages returns the newest messages matching the filter
func (db *DB) ListInboundMessages(ctx context.Context, filter MessageFilter) ([]*types.InboundMessage, error) {
	query := messageSelect + ` WHERE 1 = 1`
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
		query += ` AND parse_status = ?`
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY received_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.query(ctx, db.conn, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbound messages: %w", err)
	}
	return scanMessages(rows)
}

// MessageTimes returns receive times of parsed messages for a device since a point in time, oldest first
func (db *DB) MessageTimes(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	query := `
		SELECT received_at FROM inbound_messages
		WHERE device_id = ? AND parse_status = 'parsed' AND received_at >= ?
		ORDER BY received_at ASC
	`
	rows, err := db.query(ctx, db.conn, query, deviceID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query message times: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan message time: %w", err)
		}
		times = append(times, t.UTC())
	}
	return times, rows.Err()
}

const messageSelect = `
	SELECT id, tenant_id, device_id, inventory_id, source, raw_payload, parse_status, parse_error, received_at
	FROM inbound_messages`

func scanMessages(rows *sql.Rows) ([]*types.InboundMessage, error) {
	defer rows.Close()

	var msgs []*types.InboundMessage
	for rows.Next() {
		var msg types.InboundMessage
		var tenantID, deviceID, inventoryID, parseError sql.NullString
		var source, status string

		err := rows.Scan(
			&msg.ID,
			&tenantID,
			&deviceID,
			&inventoryID,
			&source,
			&msg.RawPayload,
			&status,
			&parseError,
			&msg.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inbound message: %w", err)
		}

		msg.TenantID = tenantID.String
		msg.DeviceID = deviceID.String
		msg.InventoryID = inventoryID.String
		msg.Source = types.TransportSource(source)
		msg.ParseStatus = types.ParseStatus(status)
		msg.ParseError = parseError.String
		msgs = append(msgs, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inbound messages: %w", err)
	}
	return msgs, nil
}
