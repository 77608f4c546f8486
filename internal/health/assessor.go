package health

import (
	"context"
	"fmt"
	"time"

	"telemetry-hub/internal/types"
)

// AssessmentWindow is how far back alerts, anomalies and gaps are counted
const AssessmentWindow = 7 * 24 * time.Hour

// DeviceStore is the read surface the assessor needs
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (*types.Device, error)
	CountAlertsSince(ctx context.Context, deviceID string, since time.Time, source types.AlertSource) (int, error)
	MessageTimes(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error)
}

// Assessment combines connectivity and health score for one device
type Assessment struct {
	DeviceID     string       `json:"deviceId"`
	TenantID     string       `json:"tenantId"`
	Connectivity Connectivity `json:"connectivity"`
	Health       Score        `json:"health"`
	AssessedAt   time.Time    `json:"assessedAt"`
}

// Assessor gathers device signals from the store and scores them
type Assessor struct {
	store DeviceStore
	now   func() time.Time
}

// NewAssessor creates an assessor
func NewAssessor(store DeviceStore) *Assessor {
	return &Assessor{store: store, now: time.Now}
}

// Assess returns nil, nil when the device does not exist
func (a *Assessor) Assess(ctx context.Context, deviceID string) (*Assessment, error) {
	device, err := a.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, nil
	}

	now := a.now().UTC()
	since := now.Add(-AssessmentWindow)

	alerts, err := a.store.CountAlertsSince(ctx, deviceID, since, "")
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	anomalies, err := a.store.CountAlertsSince(ctx, deviceID, since, types.AlertSourceAnomaly)
	if err != nil {
		return nil, fmt.Errorf("failed to count anomalies: %w", err)
	}
	times, err := a.store.MessageTimes(ctx, deviceID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load message times: %w", err)
	}

	return &Assessment{
		DeviceID:     device.ID,
		TenantID:     device.TenantID,
		Connectivity: Classify(device.LastSeenAt, now, device.Status),
		Health: ComputeScore(ScoreInputs{
			LastSeenAt:    device.LastSeenAt,
			Now:           now,
			Status:        device.Status,
			RecentAlerts:  alerts,
			TelemetryGaps: CountGaps(times, DegradedWindow),
			Anomalies:     anomalies,
		}),
		AssessedAt: now,
	}, nil
}
