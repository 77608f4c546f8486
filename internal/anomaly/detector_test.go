package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"telemetry-hub/internal/types"
)

func TestDetect_InsufficientHistory(t *testing.T) {
	d := NewDetector(0)

	result := d.Detect(1000, []float64{1, 2, 3, 4})
	assert.False(t, result.IsAnomaly)
	assert.Equal(t, 0, result.Score)
	assert.Equal(t, types.AnomalyNormal, result.Type)
}

func TestDetect_ConstantBaseline(t *testing.T) {
	d := NewDetector(0)
	window := []float64{10, 10, 10, 10, 10, 10}

	same := d.Detect(10, window)
	assert.False(t, same.IsAnomaly)
	assert.Equal(t, 0, same.Score)
	assert.Equal(t, types.AnomalyNormal, same.Type)

	spike := d.Detect(50, window)
	assert.True(t, spike.IsAnomaly)
	assert.Equal(t, 100, spike.Score)
	assert.Equal(t, types.AnomalySpike, spike.Type)

	below := d.Detect(5, window)
	assert.True(t, below.IsAnomaly)
	assert.Equal(t, types.AnomalySpike, below.Type)
}

func TestDetect_ZScoreSpike(t *testing.T) {
	d := NewDetector(2.5)
	// mean 10, population std dev 2
	window := []float64{8, 12, 8, 12, 8, 12}

	result := d.Detect(20, window)
	assert.True(t, result.IsAnomaly)
	assert.Equal(t, types.AnomalySpike, result.Type)
	// z = 5, 5/2.5*50 = 100
	assert.Equal(t, 100, result.Score)
}

func TestDetect_ZScoreDrop(t *testing.T) {
	d := NewDetector(2.5)
	window := []float64{8, 12, 8, 12, 8, 12}

	// z = 3, round(3/2.5*50) = 60
	result := d.Detect(4, window)
	assert.True(t, result.IsAnomaly)
	assert.Equal(t, types.AnomalyDrop, result.Type)
	assert.Equal(t, 60, result.Score)
}

func TestDetect_WithinRange(t *testing.T) {
	d := NewDetector(2.5)
	window := []float64{8, 12, 8, 12, 8, 12}

	result := d.Detect(13, window)
	assert.False(t, result.IsAnomaly)
	assert.Equal(t, types.AnomalyNormal, result.Type)
}

func TestDetect_Trend(t *testing.T) {
	d := NewDetector(2.5)
	// previous five mean 10, recent five mean 14: 40% change
	window := []float64{9, 11, 9, 11, 10, 13, 15, 13, 15, 14}

	result := d.Detect(14, window)
	assert.True(t, result.IsAnomaly)
	assert.Equal(t, types.AnomalyTrend, result.Type)
	assert.Equal(t, 40, result.Score)
	assert.Contains(t, result.Message, "rising")
}

func TestDetect_TrendNeedsTenPoints(t *testing.T) {
	d := NewDetector(2.5)
	window := []float64{9, 11, 10, 13, 15, 13, 15, 14, 14}

	result := d.Detect(14, window)
	assert.Equal(t, types.AnomalyNormal, result.Type)
}

func TestDetect_SmallTrendIgnored(t *testing.T) {
	d := NewDetector(2.5)
	window := []float64{10, 10, 10, 10, 10, 11, 11, 11, 11, 12}

	result := d.Detect(11, window)
	assert.Equal(t, types.AnomalyNormal, result.Type)
}

func TestDetect_Deterministic(t *testing.T) {
	d := NewDetector(2.5)
	window := []float64{3, 7, 2, 9, 4, 6, 5, 8, 1, 5}

	first := d.Detect(30, window)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, d.Detect(30, window))
	}
}

func TestSeverityForScore(t *testing.T) {
	assert.Equal(t, types.SeverityCritical, SeverityForScore(100))
	assert.Equal(t, types.SeverityCritical, SeverityForScore(85))
	assert.Equal(t, types.SeverityWarning, SeverityForScore(84))
	assert.Equal(t, types.SeverityWarning, SeverityForScore(60))
	assert.Equal(t, types.SeverityInfo, SeverityForScore(59))
}
