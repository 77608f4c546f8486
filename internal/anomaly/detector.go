package anomaly

import (
	"fmt"
	"math"

	"telemetry-hub/internal/types"
)

const (
	DefaultZThreshold = 2.5
	MinSamples        = 5
	TrendWindow       = 5
	TrendMinChange    = 0.20
)

// Result is the outcome of one detection
type Result struct {
	IsAnomaly bool              `json:"isAnomaly"`
	Score     int               `json:"score"`
	Type      types.AnomalyType `json:"type"`
	Message   string            `json:"message"`
}

// Detector is a stateless z-score and trend-shift evaluator. It is deterministic for identical inputs.
type Detector struct {
	ZThreshold float64
}

// NewDetector creates a detector; a non-positive threshold selects the default
func NewDetector(zThreshold float64) Detector {
	if zThreshold <= 0 {
		zThreshold = DefaultZThreshold
	}
	return Detector{ZThreshold: zThreshold}
}

// Detect scores current against history, which must be ordered oldest first
func (d Detector) Detect(current float64, history []float64) Result {
	if len(history) < MinSamples {
		return normal(fmt.Sprintf("insufficient history (%d samples)", len(history)))
	}

	mean, std := meanStd(history)

	if std == 0 {
		if current == mean {
			return normal("value matches constant baseline")
		}
		return Result{
			IsAnomaly: true,
			Score:     100,
			Type:      types.AnomalySpike,
			Message:   fmt.Sprintf("value %.2f deviates from constant baseline %.2f", current, mean),
		}
	}

	threshold := d.ZThreshold
	if threshold <= 0 {
		threshold = DefaultZThreshold
	}

	z := math.Abs(current-mean) / std
	if z > threshold {
		kind, direction := types.AnomalySpike, "above"
		if current < mean {
			kind, direction = types.AnomalyDrop, "below"
		}
		return Result{
			IsAnomaly: true,
			Score:     clampScore(math.Round(z / threshold * 50)),
			Type:      kind,
			Message:   fmt.Sprintf("value %.2f is %.2f standard deviations %s the recent mean %.2f", current, z, direction, mean),
		}
	}

	if len(history) >= 2*TrendWindow {
		n := len(history)
		recent := mean1(history[n-TrendWindow:])
		previous := mean1(history[n-2*TrendWindow : n-TrendWindow])
		if previous != 0 {
			change := math.Abs(recent-previous) / math.Abs(previous)
			if change > TrendMinChange {
				direction := "rising"
				if recent < previous {
					direction = "falling"
				}
				return Result{
					IsAnomaly: true,
					Score:     clampScore(math.Round(change * 100)),
					Type:      types.AnomalyTrend,
					Message:   fmt.Sprintf("%s trend: recent mean %.2f vs previous %.2f (%.0f%% change)", direction, recent, previous, change*100),
				}
			}
		}
	}

	return normal("within expected range")
}

// SeverityForScore maps an anomaly score to an alert severity
func SeverityForScore(score int) types.Severity {
	switch {
	case score >= 85:
		return types.SeverityCritical
	case score >= 60:
		return types.SeverityWarning
	default:
		return types.SeverityInfo
	}
}

func normal(message string) Result {
	return Result{Type: types.AnomalyNormal, Message: message}
}

// meanStd returns the mean and population standard deviation
func meanStd(values []float64) (float64, float64) {
	mean := mean1(values)
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func mean1(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clampScore(f float64) int {
	if f > 100 {
		return 100
	}
	if f < 0 {
		return 0
	}
	return int(f)
}
