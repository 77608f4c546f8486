package health

import (
	"time"

	"telemetry-hub/internal/types"
)

// ConnectivityStatus is derived purely from last-seen recency
type ConnectivityStatus string

const (
	ConnectivityOnline         ConnectivityStatus = "online"
	ConnectivityDegraded       ConnectivityStatus = "degraded"
	ConnectivityOffline        ConnectivityStatus = "offline"
	ConnectivityNeverConnected ConnectivityStatus = "never_connected"
)

const (
	OnlineWindow   = time.Hour
	DegradedWindow = 3 * time.Hour
)

// DiagnosticHints are shown to humans for any device that is not online. Order is fixed.
var DiagnosticHints = []string{
	"power loss",
	"network loss",
	"SIM/cellular issue",
	"hardware fault",
	"firmware hang",
}

// Connectivity is the outcome of Classify. HoursSinceLastSeen is nil for devices that never reported.
type Connectivity struct {
	Status             ConnectivityStatus `json:"status"`
	HoursSinceLastSeen *float64           `json:"hoursSinceLastSeen,omitempty"`
	OperationalStatus  types.DeviceStatus `json:"operationalStatus,omitempty"`
	DiagnosticHints    []string           `json:"diagnosticHints,omitempty"`
}

// Classify derives connectivity from the last-seen time. It never changes the operational status.
func Classify(lastSeenAt *time.Time, now time.Time, operational types.DeviceStatus) Connectivity {
	result := Connectivity{OperationalStatus: operational}

	if lastSeenAt == nil {
		result.Status = ConnectivityNeverConnected
		result.DiagnosticHints = hints()
		return result
	}

	gap := now.Sub(*lastSeenAt)
	hours := gap.Hours()
	result.HoursSinceLastSeen = &hours

	switch {
	case gap <= OnlineWindow:
		result.Status = ConnectivityOnline
	case gap <= DegradedWindow:
		result.Status = ConnectivityDegraded
		result.DiagnosticHints = hints()
	default:
		result.Status = ConnectivityOffline
		result.DiagnosticHints = hints()
	}

	return result
}

// FleetStatus is the coarse two-state dashboard view
type FleetStatus string

const (
	FleetOnline  FleetStatus = "online"
	FleetOffline FleetStatus = "offline"
)

// ClassifyFleet collapses connectivity to online/offline, offline meaning no data for more than three hours
func ClassifyFleet(lastSeenAt *time.Time, now time.Time) FleetStatus {
	if lastSeenAt == nil || now.Sub(*lastSeenAt) > DegradedWindow {
		return FleetOffline
	}
	return FleetOnline
}

func hints() []string {
	out := make([]string, len(DiagnosticHints))
	copy(out, DiagnosticHints)
	return out
}
