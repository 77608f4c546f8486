package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"telemetry-hub/internal/types"
)

func TestComputeScore(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		in       ScoreInputs
		score    int
		status   HealthStatus
		issueCnt int
	}{
		{"perfect", ScoreInputs{LastSeenAt: ago(now, time.Minute), Status: types.DeviceStatusActive}, 100, HealthStatusHealthy, 0},
		{"offline 2 days", ScoreInputs{LastSeenAt: ago(now, 48*time.Hour)}, 85, HealthStatusHealthy, 1},
		{"offline 4 days", ScoreInputs{LastSeenAt: ago(now, 96*time.Hour)}, 75, HealthStatusWarning, 1},
		{"offline 8 days", ScoreInputs{LastSeenAt: ago(now, 8*24*time.Hour)}, 65, HealthStatusWarning, 1},
		{"never seen", ScoreInputs{}, 65, HealthStatusWarning, 1},
		{"inactive", ScoreInputs{LastSeenAt: ago(now, time.Minute), Status: types.DeviceStatusInactive}, 80, HealthStatusHealthy, 1},
		{"suspended", ScoreInputs{LastSeenAt: ago(now, time.Minute), Status: types.DeviceStatusSuspended}, 70, HealthStatusWarning, 1},
		{"6 alerts", ScoreInputs{LastSeenAt: ago(now, time.Minute), RecentAlerts: 6}, 90, HealthStatusHealthy, 1},
		{"11 alerts", ScoreInputs{LastSeenAt: ago(now, time.Minute), RecentAlerts: 11}, 80, HealthStatusHealthy, 1},
		{"gaps", ScoreInputs{LastSeenAt: ago(now, time.Minute), TelemetryGaps: 6}, 85, HealthStatusHealthy, 1},
		{"anomalies", ScoreInputs{LastSeenAt: ago(now, time.Minute), Anomalies: 4}, 90, HealthStatusHealthy, 1},
		{"everything wrong", ScoreInputs{
			LastSeenAt: ago(now, 30*24*time.Hour), Status: types.DeviceStatusSuspended,
			RecentAlerts: 50, TelemetryGaps: 10, Anomalies: 10,
		}, 0, HealthStatusCritical, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Now = now
			result := ComputeScore(tt.in)
			assert.Equal(t, tt.score, result.Score)
			assert.Equal(t, tt.status, result.Status)
			assert.Len(t, result.Issues, tt.issueCnt)
		})
	}
}

func TestBand(t *testing.T) {
	assert.Equal(t, HealthStatusHealthy, band(80))
	assert.Equal(t, HealthStatusWarning, band(79))
	assert.Equal(t, HealthStatusWarning, band(50))
	assert.Equal(t, HealthStatusCritical, band(49))
}

func TestCountGaps(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(time.Hour),
		base.Add(5 * time.Hour),
		base.Add(6 * time.Hour),
		base.Add(10 * time.Hour),
	}
	assert.Equal(t, 2, CountGaps(times, 3*time.Hour))
	assert.Equal(t, 0, CountGaps(nil, 3*time.Hour))
	assert.Equal(t, 0, CountGaps(times[:1], 3*time.Hour))
}

type MockDeviceStore struct {
	mock.Mock
}

func (m *MockDeviceStore) GetDevice(ctx context.Context, deviceID string) (*types.Device, error) {
	args := m.Called(ctx, deviceID)
	if d, ok := args.Get(0).(*types.Device); ok {
		return d, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDeviceStore) CountAlertsSince(ctx context.Context, deviceID string, since time.Time, source types.AlertSource) (int, error) {
	args := m.Called(ctx, deviceID, since, source)
	return args.Int(0), args.Error(1)
}

func (m *MockDeviceStore) MessageTimes(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	args := m.Called(ctx, deviceID, since)
	if ts, ok := args.Get(0).([]time.Time); ok {
		return ts, args.Error(1)
	}
	return nil, args.Error(1)
}

func TestAssessor_Assess(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &MockDeviceStore{}
	store.On("GetDevice", mock.Anything, "dev-1").Return(&types.Device{
		ID: "dev-1", TenantID: "t1", Status: types.DeviceStatusActive, LastSeenAt: ago(now, 2*time.Hour),
	}, nil)
	store.On("CountAlertsSince", mock.Anything, "dev-1", mock.Anything, types.AlertSource("")).Return(7, nil)
	store.On("CountAlertsSince", mock.Anything, "dev-1", mock.Anything, types.AlertSourceAnomaly).Return(4, nil)
	store.On("MessageTimes", mock.Anything, "dev-1", mock.Anything).Return([]time.Time{}, nil)

	assessor := NewAssessor(store)
	assessor.now = func() time.Time { return now }

	result, err := assessor.Assess(context.Background(), "dev-1")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, ConnectivityDegraded, result.Connectivity.Status)
	assert.Equal(t, 80, result.Health.Score)
	assert.Equal(t, HealthStatusHealthy, result.Health.Status)
	store.AssertExpectations(t)
}

func TestAssessor_UnknownDevice(t *testing.T) {
	store := &MockDeviceStore{}
	store.On("GetDevice", mock.Anything, "missing").Return(nil, nil)

	result, err := NewAssessor(store).Assess(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, result)
}
