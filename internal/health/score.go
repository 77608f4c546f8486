package health

import (
	"time"

	"telemetry-hub/internal/types"
)

// HealthStatus is the band a device health score falls into
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusWarning  HealthStatus = "warning"
	HealthStatusCritical HealthStatus = "critical"
)

// String returns the string representation of the health status
func (h HealthStatus) String() string {
	return string(h)
}

// ScoreInputs are the signals a device health score is built from
type ScoreInputs struct {
	LastSeenAt    *time.Time
	Now           time.Time
	Status        types.DeviceStatus
	RecentAlerts  int
	TelemetryGaps int
	Anomalies     int
}

// Issue is one deduction applied to a score
type Issue struct {
	Category  string `json:"category"`
	Detail    string `json:"detail"`
	Deduction int    `json:"deduction"`
}

// Score is a 0-100 device health report
type Score struct {
	Score  int          `json:"score"`
	Status HealthStatus `json:"status"`
	Issues []Issue      `json:"issues"`
}

// ComputeScore applies fixed deductions per issue category, floored at zero.
// A device that never reported is treated as offline for more than a week.
func ComputeScore(in ScoreInputs) Score {
	score := 100
	var issues []Issue

	deduct := func(category, detail string, amount int) {
		score -= amount
		issues = append(issues, Issue{Category: category, Detail: detail, Deduction: amount})
	}

	var offline time.Duration
	if in.LastSeenAt == nil {
		offline = 8 * 24 * time.Hour
	} else {
		offline = in.Now.Sub(*in.LastSeenAt)
	}
	switch {
	case offline > 7*24*time.Hour:
		deduct("connectivity", "offline for more than a week", 35)
	case offline > 3*24*time.Hour:
		deduct("connectivity", "offline for more than 3 days", 25)
	case offline > 24*time.Hour:
		deduct("connectivity", "offline for more than 24 hours", 15)
	}

	switch in.Status {
	case types.DeviceStatusInactive:
		deduct("status", "device is inactive", 20)
	case types.DeviceStatusSuspended:
		deduct("status", "device is suspended", 30)
	}

	switch {
	case in.RecentAlerts > 10:
		deduct("alerts", "more than 10 recent alerts", 20)
	case in.RecentAlerts > 5:
		deduct("alerts", "more than 5 recent alerts", 10)
	}

	if in.TelemetryGaps > 5 {
		deduct("telemetry", "more than 5 telemetry gaps", 15)
	}

	if in.Anomalies > 3 {
		deduct("anomalies", "more than 3 anomalies", 10)
	}

	if score < 0 {
		score = 0
	}

	return Score{Score: score, Status: band(score), Issues: issues}
}

func band(score int) HealthStatus {
	switch {
	case score >= 80:
		return HealthStatusHealthy
	case score >= 50:
		return HealthStatusWarning
	default:
		return HealthStatusCritical
	}
}

// CountGaps counts intervals between consecutive message times longer than maxGap
func CountGaps(times []time.Time, maxGap time.Duration) int {
	gaps := 0
	for i := 1; i < len(times); i++ {
		if times[i].Sub(times[i-1]) > maxGap {
			gaps++
		}
	}
	return gaps
}
