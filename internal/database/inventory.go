package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"telemetry-hub/internal/types"
)

const deviceColumns = `
	d.id, d.tenant_id, d.inventory_id, d.status, d.last_seen_at, d.created_at,
	i.serial_number, i.device_type, i.protocol`

// CreateInventoryUnit registers a physical unit in the catalogue
func (db *DB) CreateInventoryUnit(ctx context.Context, unit *types.InventoryUnit) error {
	if unit.SerialNumber == "" {
		return fmt.Errorf("serial number cannot be empty")
	}
	if unit.ID == "" {
		unit.ID = uuid.NewString()
	}
	if unit.Protocol == "" {
		unit.Protocol = types.ProtocolHTTP
	}
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO inventory_units (id, serial_number, legacy_id, device_type, protocol, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.exec(ctx, db.conn, query,
		unit.ID,
		unit.SerialNumber,
		nullString(unit.LegacyID),
		unit.DeviceType,
		string(unit.Protocol),
		nullTime(unit.LastSeenAt),
		unit.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert inventory unit: %w", err)
	}
	return nil
}

// GetInventoryBySerial retrieves a unit by exact serial number
func (db *DB) GetInventoryBySerial(ctx context.Context, serial string) (*types.InventoryUnit, error) {
	return db.getInventory(ctx, "serial_number = ?", serial)
}

// GetInventoryByLegacyID retrieves a unit by exact legacy identifier
func (db *DB) GetInventoryByLegacyID(ctx context.Context, legacyID string) (*types.InventoryUnit, error) {
	return db.getInventory(ctx, "legacy_id = ?", legacyID)
}

// GetInventoryUnit retrieves a unit by id
func (db *DB) GetInventoryUnit(ctx context.Context, id string) (*types.InventoryUnit, error) {
	return db.getInventory(ctx, "id = ?", id)
}

func (db *DB) getInventory(ctx context.Context, where string, arg interface{}) (*types.InventoryUnit, error) {
	query := `
		SELECT id, serial_number, legacy_id, device_type, protocol, last_seen_at, created_at
		FROM inventory_units
		WHERE ` + where + `
		LIMIT 1
	`

	var unit types.InventoryUnit
	var legacyID sql.NullString
	var protocol string
	var lastSeen sql.NullTime

	err := db.queryRow(ctx, db.conn, query, arg).Scan(
		&unit.ID,
		&unit.SerialNumber,
		&legacyID,
		&unit.DeviceType,
		&protocol,
		&lastSeen,
		&unit.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get inventory unit: %w", err)
	}

	unit.LegacyID = legacyID.String
	unit.Protocol = types.Protocol(protocol)
	unit.LastSeenAt = timePtr(lastSeen)
	return &unit, nil
}

// CreateDevice assigns an inventory unit to a tenant
func (db *DB) CreateDevice(ctx context.Context, device *types.Device) error {
	if device.TenantID == "" || device.InventoryID == "" {
		return fmt.Errorf("tenant and inventory ids are required")
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	if device.Status == "" {
		device.Status = types.DeviceStatusActive
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO devices (id, tenant_id, inventory_id, status, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := db.exec(ctx, db.conn, query,
		device.ID,
		device.TenantID,
		device.InventoryID,
		string(device.Status),
		nullTime(device.LastSeenAt),
		device.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device with its inventory details
func (db *DB) GetDevice(ctx context.Context, deviceID string) (*types.Device, error) {
	query := `SELECT ` + deviceColumns + `
		FROM devices d
		JOIN inventory_units i ON i.id = d.inventory_id
		WHERE d.id = ?
	`
	rows, err := db.query(ctx, db.conn, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	devices, err := scanDevices(rows)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, nil
	}
	return devices[0], nil
}

// GetAssignment returns the tenant assignment of an inventory unit. Retired devices do not count.
func (db *DB) GetAssignment(ctx context.Context, inventoryID string) (*types.Device, error) {
	query := `SELECT ` + deviceColumns + `
		FROM devices d
		JOIN inventory_units i ON i.id = d.inventory_id
		WHERE d.inventory_id = ? AND d.status <> 'retired'
		ORDER BY d.created_at DESC
		LIMIT 1
	`
	rows, err := db.query(ctx, db.conn, query, inventoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device assignment: %w", err)
	}
	devices, err := scanDevices(rows)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, nil
	}
	return devices[0], nil
}

// ListDevices returns the devices of a tenant, or every device when tenantID is empty
func (db *DB) ListDevices(ctx context.Context, tenantID string) ([]*types.Device, error) {
	query := `SELECT ` + deviceColumns + `
		FROM devices d
		JOIN inventory_units i ON i.id = d.inventory_id
		WHERE d.status <> 'retired'`
	var args []interface{}
	if tenantID != "" {
		query += ` AND d.tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY d.tenant_id, i.serial_number`

	rows, err := db.query(ctx, db.conn, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return scanDevices(rows)
}

// UpdateDeviceStatus changes the operational status of a device
func (db *DB) UpdateDeviceStatus(ctx context.Context, deviceID string, status types.DeviceStatus) error {
	result, err := db.exec(ctx, db.conn, `UPDATE devices SET status = ? WHERE id = ?`, string(status), deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("device not found: %s", deviceID)
	}
	return nil
}

func scanDevices(rows *sql.Rows) ([]*types.Device, error) {
	defer rows.Close()

	var devices []*types.Device
	for rows.Next() {
		var device types.Device
		var status, protocol string
		var lastSeen sql.NullTime

		err := rows.Scan(
			&device.ID,
			&device.TenantID,
			&device.InventoryID,
			&status,
			&lastSeen,
			&device.CreatedAt,
			&device.SerialNumber,
			&device.DeviceType,
			&protocol,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}

		device.Status = types.DeviceStatus(status)
		device.Protocol = types.Protocol(protocol)
		device.LastSeenAt = timePtr(lastSeen)
		devices = append(devices, &device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}
