package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/types"
)

// ErrDeviceNotFound is returned when no identifier matches a known unit
var ErrDeviceNotFound = errors.New("device not found")

// ErrNoIdentifier is returned when a request carries no identifier at all
var ErrNoIdentifier = errors.New("at least one device identifier is required")

// Store is the lookup surface the resolver needs. Getters return (nil, nil) when nothing matches.
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (*types.Device, error)
	GetInventoryBySerial(ctx context.Context, serial string) (*types.InventoryUnit, error)
	GetInventoryByLegacyID(ctx context.Context, legacyID string) (*types.InventoryUnit, error)
	GetAssignment(ctx context.Context, inventoryID string) (*types.Device, error)
}

// Hints are the identifiers an inbound request may carry
type Hints struct {
	DeviceRef  string
	Serial     string
	LegacyID   string
	TenantHint string
}

// Empty reports whether no device identifier is present
func (h Hints) Empty() bool {
	return strings.TrimSpace(h.DeviceRef) == "" &&
		strings.TrimSpace(h.Serial) == "" &&
		strings.TrimSpace(h.LegacyID) == ""
}

// MatchSource records which identifier produced the match
type MatchSource string

const (
	MatchDeviceRef MatchSource = "device_ref"
	MatchSerial    MatchSource = "serial"
	MatchLegacyID  MatchSource = "legacy_id"
)

// Resolution is the outcome of a lookup. Partial is set when the unit has no tenant assignment,
// in which case DeviceID is empty and TenantID comes from the hint or the unassigned tenant.
type Resolution struct {
	TenantID     string
	DeviceID     string
	InventoryID  string
	SerialNumber string
	DeviceType   string
	Protocol     types.Protocol
	DeviceStatus types.DeviceStatus
	MatchedBy    MatchSource
	Partial      bool
}

// Resolver maps inbound identifiers to a tenant-owned device
type Resolver struct {
	store              Store
	unassignedTenantID string
	logger             *logrus.Entry
}

// NewResolver creates a resolver. unassignedTenantID receives units with no tenant and no hint.
func NewResolver(store Store, unassignedTenantID string, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		store:              store,
		unassignedTenantID: unassignedTenantID,
		logger:             logger.WithField("component", "identity"),
	}
}

// Resolve walks device reference, serial number and legacy id in that order. The first match wins.
func (r *Resolver) Resolve(ctx context.Context, hints Hints) (*Resolution, error) {
	if hints.Empty() {
		return nil, ErrNoIdentifier
	}

	if ref := strings.TrimSpace(hints.DeviceRef); ref != "" {
		device, err := r.store.GetDevice(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to look up device reference: %w", err)
		}
		if device != nil {
			return fromDevice(device, MatchDeviceRef), nil
		}
	}

	var unit *types.InventoryUnit
	var matchedBy MatchSource

	if serial := strings.TrimSpace(hints.Serial); serial != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := r.store.GetInventoryBySerial(ctx, serial)
		if err != nil {
			return nil, fmt.Errorf("failed to look up serial number: %w", err)
		}
		if found != nil {
			unit, matchedBy = found, MatchSerial
		}
	}

	if unit == nil {
		if legacyID := strings.TrimSpace(hints.LegacyID); legacyID != "" {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			found, err := r.store.GetInventoryByLegacyID(ctx, legacyID)
			if err != nil {
				return nil, fmt.Errorf("failed to look up legacy id: %w", err)
			}
			if found != nil {
				unit, matchedBy = found, MatchLegacyID
			}
		}
	}

	if unit == nil {
		return nil, ErrDeviceNotFound
	}

	assignment, err := r.store.GetAssignment(ctx, unit.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up device assignment: %w", err)
	}

	if assignment != nil {
		if hint := strings.TrimSpace(hints.TenantHint); hint != "" && hint != assignment.TenantID {
			r.logger.WithFields(logrus.Fields{
				"inventory_id": unit.ID,
				"tenant_id":    assignment.TenantID,
				"tenant_hint":  hint,
			}).Warn("Tenant hint does not match device assignment, using assignment")
		}
		res := fromDevice(assignment, matchedBy)
		res.SerialNumber = unit.SerialNumber
		res.DeviceType = unit.DeviceType
		res.Protocol = unit.Protocol
		return res, nil
	}

	tenantID := strings.TrimSpace(hints.TenantHint)
	if tenantID == "" {
		tenantID = r.unassignedTenantID
	}

	r.logger.WithFields(logrus.Fields{
		"inventory_id": unit.ID,
		"serial":       unit.SerialNumber,
		"tenant_id":    tenantID,
	}).Info("Resolved unassigned inventory unit")

	return &Resolution{
		TenantID:     tenantID,
		InventoryID:  unit.ID,
		SerialNumber: unit.SerialNumber,
		DeviceType:   unit.DeviceType,
		Protocol:     unit.Protocol,
		MatchedBy:    matchedBy,
		Partial:      true,
	}, nil
}

func fromDevice(device *types.Device, matchedBy MatchSource) *Resolution {
	return &Resolution{
		TenantID:     device.TenantID,
		DeviceID:     device.ID,
		InventoryID:  device.InventoryID,
		SerialNumber: device.SerialNumber,
		DeviceType:   device.DeviceType,
		Protocol:     device.Protocol,
		DeviceStatus: device.Status,
		MatchedBy:    matchedBy,
	}
}
