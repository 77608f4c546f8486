package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-hub/internal/types"
)

// setupTestDB creates a migrated temporary SQLite database for testing
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "telemetry-hub-test-*")
	require.NoError(t, err)

	db, err := NewDB(Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(tempDir, "test.db") + "?_foreign_keys=on&_busy_timeout=5000",
	})
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	require.NoError(t, db.Migrate(context.Background(), logger))

	t.Cleanup(func() {
		db.Close()
		os.RemoveAll(tempDir)
	})

	return db
}

// seedDevice creates an inventory unit and, when tenantID is set, an active assignment
func seedDevice(t *testing.T, db *DB, serial, tenantID string) (*types.InventoryUnit, *types.Device) {
	t.Helper()
	ctx := context.Background()

	unit := &types.InventoryUnit{SerialNumber: serial, DeviceType: "water", Protocol: types.ProtocolHTTP}
	require.NoError(t, db.CreateInventoryUnit(ctx, unit))

	if tenantID == "" {
		return unit, nil
	}

	device := &types.Device{TenantID: tenantID, InventoryID: unit.ID}
	require.NoError(t, db.CreateDevice(ctx, device))
	return unit, device
}

func TestNewDB_UnsupportedDriver(t *testing.T) {
	_, err := NewDB(Config{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	version, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)

	require.NoError(t, db.Migrate(ctx, nil))
	version, err = db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &DB{driver: DriverSQLite}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestGeneratePlaceholders(t *testing.T) {
	assert.Equal(t, "", generatePlaceholders(0))
	assert.Equal(t, "?", generatePlaceholders(1))
	assert.Equal(t, "?, ?, ?", generatePlaceholders(3))
}

func TestInventoryLookups(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	unit := &types.InventoryUnit{SerialNumber: "WAT-001", LegacyID: "42", DeviceType: "water", Protocol: types.ProtocolSMS}
	require.NoError(t, db.CreateInventoryUnit(ctx, unit))
	assert.NotEmpty(t, unit.ID)

	bySerial, err := db.GetInventoryBySerial(ctx, "WAT-001")
	require.NoError(t, err)
	require.NotNil(t, bySerial)
	assert.Equal(t, unit.ID, bySerial.ID)
	assert.Equal(t, types.ProtocolSMS, bySerial.Protocol)

	byLegacy, err := db.GetInventoryByLegacyID(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, byLegacy)
	assert.Equal(t, unit.ID, byLegacy.ID)

	missing, err := db.GetInventoryBySerial(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = db.CreateInventoryUnit(ctx, &types.InventoryUnit{SerialNumber: "WAT-001", DeviceType: "water"})
	assert.Error(t, err, "serial numbers are unique")
}

func TestDeviceAssignment(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	unit, device := seedDevice(t, db, "WAT-001", "tenant-1")

	assignment, err := db.GetAssignment(ctx, unit.ID)
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, device.ID, assignment.ID)
	assert.Equal(t, "WAT-001", assignment.SerialNumber)
	assert.Equal(t, "water", assignment.DeviceType)

	require.NoError(t, db.UpdateDeviceStatus(ctx, device.ID, types.DeviceStatusRetired))
	assignment, err = db.GetAssignment(ctx, unit.ID)
	require.NoError(t, err)
	assert.Nil(t, assignment, "retired devices are not assignments")

	got, err := db.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.DeviceStatusRetired, got.Status)

	assert.Error(t, db.UpdateDeviceStatus(ctx, "missing", types.DeviceStatusActive))
}

func TestListDevices(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	seedDevice(t, db, "A-1", "tenant-1")
	seedDevice(t, db, "A-2", "tenant-1")
	seedDevice(t, db, "B-1", "tenant-2")

	all, err := db.ListDevices(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	t1, err := db.ListDevices(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Len(t, t1, 2)
}

func TestCommitMessage(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	unit, device := seedDevice(t, db, "WAT-001", "tenant-1")

	msg := &types.InboundMessage{Source: types.SourceHTTP, RawPayload: "serial=WAT-001&W=15"}
	require.NoError(t, db.CreateInboundMessage(ctx, msg))

	pending, err := db.GetInboundMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ParseStatusPending, pending.ParseStatus)

	seenAt := time.Now().UTC().Truncate(time.Second)
	err = db.CommitMessage(ctx, CommitParams{
		MessageID:   msg.ID,
		TenantID:    "tenant-1",
		DeviceID:    device.ID,
		InventoryID: unit.ID,
		SeenAt:      seenAt,
		Readings: []types.TelemetryReading{
			{VariableCode: "W", Value: 15, CapturedAt: seenAt},
			{VariableCode: "WP", Value: 30, CapturedAt: seenAt},
		},
	})
	require.NoError(t, err)

	parsed, err := db.GetInboundMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ParseStatusParsed, parsed.ParseStatus)
	assert.Equal(t, "tenant-1", parsed.TenantID)
	assert.Equal(t, device.ID, parsed.DeviceID)

	readings, err := db.ReadingsForMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, readings, 2)

	got, err := db.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSeenAt)
	assert.True(t, got.LastSeenAt.Equal(seenAt))

	// second commit on the same message is rejected
	err = db.CommitMessage(ctx, CommitParams{
		MessageID: msg.ID, TenantID: "tenant-1", DeviceID: device.ID, InventoryID: unit.ID, SeenAt: seenAt,
		Readings: []types.TelemetryReading{{VariableCode: "W", Value: 1, CapturedAt: seenAt}},
	})
	assert.ErrorIs(t, err, ErrMessageNotPending)

	readings, err = db.ReadingsForMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, readings, 2, "rolled back commit must not leave readings")
}

func TestCommitMessage_LastSeenIsMonotonic(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	unit, device := seedDevice(t, db, "WAT-001", "tenant-1")
	later := time.Now().UTC().Truncate(time.Second)
	earlier := later.Add(-time.Hour)

	for _, seen := range []time.Time{later, earlier} {
		msg := &types.InboundMessage{Source: types.SourceHTTP, RawPayload: "W=1"}
		require.NoError(t, db.CreateInboundMessage(ctx, msg))
		require.NoError(t, db.CommitMessage(ctx, CommitParams{
			MessageID: msg.ID, TenantID: "tenant-1", DeviceID: device.ID, InventoryID: unit.ID, SeenAt: seen,
			Readings: []types.TelemetryReading{{VariableCode: "W", Value: 1, CapturedAt: seen}},
		}))
	}

	got, err := db.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.True(t, got.LastSeenAt.Equal(later))

	inv, err := db.GetInventoryUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.True(t, inv.LastSeenAt.Equal(later))
}

func TestCommitMessage_RequiresReadings(t *testing.T) {
	db := setupTestDB(t)
	err := db.CommitMessage(context.Background(), CommitParams{MessageID: "m"})
	assert.Error(t, err)
}

func TestMarkMessageFailed(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	msg := &types.InboundMessage{Source: types.SourceSMS, RawPayload: "garbage"}
	require.NoError(t, db.CreateInboundMessage(ctx, msg))
	require.NoError(t, db.MarkMessageFailed(ctx, msg.ID, "no valid data"))

	failed, err := db.GetInboundMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ParseStatusFailed, failed.ParseStatus)
	assert.Equal(t, "no valid data", failed.ParseError)

	assert.ErrorIs(t, db.MarkMessageFailed(ctx, msg.ID, "again"), ErrMessageNotPending)

	list, err := db.ListInboundMessages(ctx, MessageFilter{Status: types.ParseStatusFailed})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecentValues(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	unit, device := seedDevice(t, db, "WAT-001", "tenant-1")
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	var lastMsg string
	for i := 0; i < 6; i++ {
		msg := &types.InboundMessage{Source: types.SourceHTTP, RawPayload: "W"}
		require.NoError(t, db.CreateInboundMessage(ctx, msg))
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, db.CommitMessage(ctx, CommitParams{
			MessageID: msg.ID, TenantID: "tenant-1", DeviceID: device.ID, InventoryID: unit.ID, SeenAt: at,
			Readings: []types.TelemetryReading{{VariableCode: "W", Value: float64(i), CapturedAt: at}},
		}))
		lastMsg = msg.ID
	}

	values, err := db.RecentValues(ctx, device.ID, "W", 3, lastMsg)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3, 4}, values)

	times, err := db.MessageTimes(ctx, device.ID, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, times, 6)
}

func TestAlertRules(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	t2 := 40.0
	rules := []*types.AlertRule{
		{DeviceType: "water", VariableCode: "W", Operator: types.OperatorLTE, Threshold1: 20, Severity: types.SeverityWarning, Active: true},
		{TenantID: "tenant-1", DeviceType: "water", VariableCode: "W", Operator: types.OperatorBetween, Threshold1: 10, Threshold2: &t2, Severity: types.SeverityCritical, Active: true},
		{TenantID: "tenant-2", DeviceType: "water", VariableCode: "W", Operator: types.OperatorGT, Threshold1: 90, Severity: types.SeverityInfo, Active: true},
		{DeviceType: "water", VariableCode: "W", Operator: types.OperatorGT, Threshold1: 99, Severity: types.SeverityInfo, Active: false},
	}
	for _, r := range rules {
		require.NoError(t, db.UpsertAlertRule(ctx, r))
	}

	active, err := db.ListActiveRules(ctx, "tenant-1", "water", "W")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "tenant-1", active[0].TenantID, "tenant rules sort first")
	require.NotNil(t, active[0].Threshold2)
	assert.Equal(t, 40.0, *active[0].Threshold2)
	assert.Empty(t, active[1].TenantID)

	rules[0].Threshold1 = 25
	require.NoError(t, db.UpsertAlertRule(ctx, rules[0]))
	all, err := db.ListRules(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestInsertAlert_DedupesOpenCondition(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	newAlert := func() *types.Alert {
		return &types.Alert{
			TenantID: "tenant-1", DeviceID: "dev-1", RuleID: "rule-1", RuleKey: "rule-1",
			Source: types.AlertSourceThreshold, VariableCode: "W", Value: 15,
			Severity: types.SeverityWarning, Title: "W low", Message: "W is 15",
		}
	}

	first := newAlert()
	created, err := db.InsertAlert(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = db.InsertAlert(ctx, newAlert())
	require.NoError(t, err)
	assert.False(t, created, "second open alert for the same condition is suppressed")

	_, err = db.UpdateAlertStatus(ctx, first.ID, types.AlertStatusAcknowledged)
	require.NoError(t, err)

	created, err = db.InsertAlert(ctx, newAlert())
	require.NoError(t, err)
	assert.True(t, created, "a new alert may open once the prior one left open")

	open, err := db.ListAlerts(ctx, AlertFilter{DeviceID: "dev-1", Status: types.AlertStatusOpen})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestUpdateAlertStatus_Transitions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	alert := &types.Alert{
		TenantID: "t", DeviceID: "d", RuleKey: types.AnomalyRuleKey, Source: types.AlertSourceAnomaly,
		VariableCode: "T", Value: 99, Severity: types.SeverityCritical, Title: "x", Message: "y",
	}
	_, err := db.InsertAlert(ctx, alert)
	require.NoError(t, err)

	_, err = db.UpdateAlertStatus(ctx, alert.ID, types.AlertStatusClosed)
	require.NoError(t, err)

	_, err = db.UpdateAlertStatus(ctx, alert.ID, types.AlertStatusOpen)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = db.UpdateAlertStatus(ctx, "missing", types.AlertStatusClosed)
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestPendingAlertsAndCounts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	var ids []string
	for i, key := range []string{"r1", "r2", types.AnomalyRuleKey} {
		source := types.AlertSourceThreshold
		if key == types.AnomalyRuleKey {
			source = types.AlertSourceAnomaly
		}
		a := &types.Alert{
			TenantID: "t", DeviceID: "d", RuleKey: key, Source: source, VariableCode: "W",
			Value: float64(i), Severity: types.SeverityInfo, Title: "x", Message: "y",
		}
		_, err := db.InsertAlert(ctx, a)
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	pending, err := db.PendingAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	require.NoError(t, db.MarkAlertsNotified(ctx, ids[:2], time.Now()))
	pending, err = db.PendingAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	since := time.Now().Add(-time.Hour)
	total, err := db.CountAlertsSince(ctx, "d", since, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	anomalies, err := db.CountAlertsSince(ctx, "d", since, types.AlertSourceAnomaly)
	require.NoError(t, err)
	assert.Equal(t, 1, anomalies)
}

func TestNotificationPreferencesAndLog(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	r := types.Recipient{Channel: "webhook", Address: "https://example.test/hook"}
	require.NoError(t, db.SetNotificationPreference(ctx, "tenant-1", r))
	require.NoError(t, db.SetNotificationPreference(ctx, "tenant-1", r))

	prefs, err := db.GetNotificationPreferences(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, []types.Recipient{r}, prefs)

	entry := &types.NotificationLogEntry{
		TenantID: "tenant-1", Recipient: r.Address, Channel: r.Channel, Subject: "2 alerts",
		Status: types.NotificationFailed, Error: "502", AlertCount: 2,
	}
	require.NoError(t, db.InsertNotificationLog(ctx, entry))

	log, err := db.ListNotificationLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, types.NotificationFailed, log[0].Status)
	assert.Equal(t, "502", log[0].Error)
}
