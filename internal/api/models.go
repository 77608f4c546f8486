package api

import (
	"time"

	"telemetry-hub/internal/health"
	"telemetry-hub/internal/types"
)

// IngestResponse is returned to devices on successful ingestion
type IngestResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse is the only body a device sees on failure
type ErrorResponse struct {
	Error string `json:"error"`
}

// Remote actions an operator can trigger, by device protocol
const (
	ActionSendSMSPing    = "send_sms_ping"
	ActionRequestReading = "request_reading"
	ActionReboot         = "reboot"
	ActionPing           = "ping"
)

// SupportedActions lists the remote actions a device's protocol allows.
// HTTP-push devices can only be waited on.
func SupportedActions(protocol types.Protocol) []string {
	switch protocol {
	case types.ProtocolSMS:
		return []string{ActionSendSMSPing}
	case types.ProtocolMQTT:
		return []string{ActionRequestReading, ActionReboot, ActionPing}
	default:
		return []string{}
	}
}

// DiagnosticReport is the device ping/diagnostic view for operators
type DiagnosticReport struct {
	DeviceID           string                   `json:"deviceId"`
	TenantID           string                   `json:"tenantId"`
	SerialNumber       string                   `json:"serialNumber,omitempty"`
	Protocol           types.Protocol           `json:"protocol,omitempty"`
	Connectivity       health.Connectivity      `json:"connectivity"`
	HoursSinceLastSeen *float64                 `json:"hoursSinceLastSeen,omitempty"`
	LastSeenAt         *time.Time               `json:"lastSeenAt,omitempty"`
	SupportedActions   []string                 `json:"supportedActions"`
	RecentReadings     []types.TelemetryReading `json:"recentReadings"`
	GeneratedAt        time.Time                `json:"generatedAt"`
}

// DeviceSummary is one row of the fleet listing
type DeviceSummary struct {
	*types.Device
	Fleet health.FleetStatus `json:"fleetStatus"`
}

// AlertStatusRequest moves an alert along its lifecycle
type AlertStatusRequest struct {
	Status types.AlertStatus `json:"status"`
}

// ListResponse wraps collection responses
type ListResponse struct {
	Items interface{} `json:"items"`
	Count int         `json:"count"`
}
