package ingest

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"telemetry-hub/internal/alerting"
	"telemetry-hub/internal/config"
	"telemetry-hub/internal/database"
	"telemetry-hub/internal/identity"
	"telemetry-hub/internal/parser"
	"telemetry-hub/internal/queue"
	"telemetry-hub/internal/types"
)

var fixedNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testIngestConfig() config.IngestConfig {
	return config.DefaultConfig().Ingest
}

// setupTestDB creates a migrated temporary SQLite database for testing
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "telemetry-hub-ingest-*")
	require.NoError(t, err)

	db, err := database.NewDB(database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(tempDir, "test.db") + "?_foreign_keys=on&_busy_timeout=5000",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background(), quietLogger()))

	t.Cleanup(func() {
		db.Close()
		os.RemoveAll(tempDir)
	})
	return db
}

type testEnv struct {
	db       *database.DB
	queue    *queue.MemoryQueue
	pipeline *Pipeline
}

func setupPipeline(t *testing.T, cfg config.IngestConfig, opts ...PipelineOption) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	q := queue.NewMemoryQueue(16)
	resolver := identity.NewResolver(db, cfg.UnassignedTenantID, quietLogger())

	opts = append([]PipelineOption{
		WithLogger(quietLogger()),
		WithJobPublisher(q),
		WithClock(func() time.Time { return fixedNow }),
	}, opts...)

	return &testEnv{db: db, queue: q, pipeline: NewPipeline(db, resolver, cfg, opts...)}
}

func seedDevice(t *testing.T, db *database.DB, serial, legacyID, tenantID string) (*types.InventoryUnit, *types.Device) {
	t.Helper()
	ctx := context.Background()

	unit := &types.InventoryUnit{SerialNumber: serial, LegacyID: legacyID, DeviceType: "water", Protocol: types.ProtocolHTTP}
	require.NoError(t, db.CreateInventoryUnit(ctx, unit))
	if tenantID == "" {
		return unit, nil
	}

	device := &types.Device{TenantID: tenantID, InventoryID: unit.ID, Status: types.DeviceStatusActive}
	require.NoError(t, db.CreateDevice(ctx, device))
	return unit, device
}

func TestIngest_QueryStringEndToEnd(t *testing.T) {
	env := setupPipeline(t, testIngestConfig())
	ctx := context.Background()
	_, device := seedDevice(t, env.db, "WAT-001", "", "tenant-1")

	rule := &types.AlertRule{
		TenantID: "tenant-1", DeviceType: "water", VariableCode: "W",
		Operator: types.OperatorLTE, Threshold1: 20, Severity: types.SeverityWarning, Active: true,
	}
	require.NoError(t, env.db.UpsertAlertRule(ctx, rule))

	req, err := FromQuery("serial=WAT-001&W=15&WP=30")
	require.NoError(t, err)

	result, err := env.pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ReadingCount)
	assert.Equal(t, device.ID, result.DeviceID)
	assert.False(t, result.Partial)

	readings, err := env.db.ReadingsForMessage(ctx, result.MessageID)
	require.NoError(t, err)
	values := map[string]float64{}
	for _, r := range readings {
		values[r.VariableCode] = r.Value
	}
	assert.Equal(t, map[string]float64{"W": 15, "WP": 30}, values)

	msg, err := env.db.GetInboundMessage(ctx, result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, types.ParseStatusParsed, msg.ParseStatus)
	assert.Equal(t, "tenant-1", msg.TenantID)

	stored, err := env.db.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastSeenAt)
	assert.True(t, stored.LastSeenAt.Equal(fixedNow))

	job, err := env.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "water", job.DeviceType)
	assert.Len(t, job.Readings, 2)

	engine := alerting.NewEngine(env.db, alerting.DefaultConfig(), alerting.WithLogger(quietLogger()))
	alerts, err := engine.Evaluate(ctx, job)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "W", alerts[0].VariableCode)
	assert.Equal(t, 15.0, alerts[0].Value)
}

func TestIngest_NoValidDataFailsMessage(t *testing.T) {
	env := setupPipeline(t, testIngestConfig())
	ctx := context.Background()
	_, device := seedDevice(t, env.db, "WAT-002", "", "tenant-1")

	req, err := FromJSON([]byte(`{"serialNumber":"WAT-002","rawText":"battery ok / signal good"}`), types.SourceSMS)
	require.NoError(t, err)

	_, err = env.pipeline.Ingest(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, parser.ErrNoValidData)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))

	failed, err := env.db.ListInboundMessages(ctx, database.MessageFilter{Status: types.ParseStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.NotEmpty(t, failed[0].ParseError)
	assert.Equal(t, types.SourceSMS, failed[0].Source)

	readings, err := env.db.ReadingsForMessage(ctx, failed[0].ID)
	require.NoError(t, err)
	assert.Empty(t, readings)

	stored, err := env.db.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastSeenAt)

	depth, _ := env.queue.Depth(ctx)
	assert.Equal(t, int64(0), depth)
}

func TestIngest_DeviceNotFoundTwice(t *testing.T) {
	env := setupPipeline(t, testIngestConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		req, err := FromQuery("serial=UNKNOWN-9&W=1")
		require.NoError(t, err)

		_, err = env.pipeline.Ingest(ctx, req)
		assert.ErrorIs(t, err, identity.ErrDeviceNotFound)
		assert.Equal(t, http.StatusNotFound, StatusCode(err))
	}

	failed, err := env.db.ListInboundMessages(ctx, database.MessageFilter{Status: types.ParseStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.NotEqual(t, failed[0].ID, failed[1].ID)

	for _, msg := range failed {
		readings, err := env.db.ReadingsForMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Empty(t, readings)
	}
}

func TestIngest_ValidationLeavesNoMessage(t *testing.T) {
	env := setupPipeline(t, testIngestConfig())
	ctx := context.Background()

	tests := []struct {
		name  string
		req   *Request
		field string
	}{
		{
			name:  "missing identifier",
			req:   &Request{Source: types.SourceHTTP, Payload: parser.Payload{Format: parser.FormatInlineKV, Text: "W=1"}},
			field: "identifier",
		},
		{
			name:  "missing data",
			req:   &Request{Source: types.SourceHTTP, Hints: identity.Hints{Serial: "X"}},
			field: "data",
		},
		{
			name:  "unknown source",
			req:   &Request{Source: "fax", Hints: identity.Hints{Serial: "X"}, Payload: parser.Payload{Format: parser.FormatInlineKV, Text: "W=1"}},
			field: "source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.pipeline.Ingest(ctx, tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, http.StatusBadRequest, StatusCode(err))
		})
	}

	msgs, err := env.db.ListInboundMessages(ctx, database.MessageFilter{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestIngest_PayloadTooLarge(t *testing.T) {
	cfg := testIngestConfig()
	cfg.MaxPayloadBytes = 16
	env := setupPipeline(t, cfg)

	req, err := FromQuery("serial=WAT-001&W=15&WP=30&X=1")
	require.NoError(t, err)

	_, err = env.pipeline.Ingest(context.Background(), req)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payload", verr.Field)
}

func TestIngest_PartialResolution(t *testing.T) {
	env := setupPipeline(t, testIngestConfig())
	ctx := context.Background()
	unit, _ := seedDevice(t, env.db, "TMP-77", "4711", "")

	req, err := FromLegacyQuery("temp=T:21.5/H:40&DID=4711")
	require.NoError(t, err)

	result, err := env.pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.Partial)
	assert.Empty(t, result.DeviceID)
	assert.Equal(t, "unassigned", result.TenantID)
	assert.Equal(t, 2, result.ReadingCount)

	stored, err := env.db.GetInventoryUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastSeenAt)

	depth, _ := env.queue.Depth(ctx)
	assert.Equal(t, int64(0), depth, "partial resolutions are not evaluated")
}

func TestIngest_ClientTimestamp(t *testing.T) {
	body := []byte(`{"serialNumber":"WAT-003","data":{"W":"12.5"},"timestamp":"2024-05-31T23:00:00Z"}`)
	clientTime := time.Date(2024, 5, 31, 23, 0, 0, 0, time.UTC)

	t.Run("ignored by default", func(t *testing.T) {
		env := setupPipeline(t, testIngestConfig())
		seedDevice(t, env.db, "WAT-003", "", "tenant-1")

		req, err := FromJSON(body, types.SourceHTTP)
		require.NoError(t, err)
		result, err := env.pipeline.Ingest(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, result.Readings[0].CapturedAt.Equal(fixedNow))
	})

	t.Run("trusted when configured", func(t *testing.T) {
		cfg := testIngestConfig()
		cfg.TrustClientTimestamps = true
		env := setupPipeline(t, cfg)
		seedDevice(t, env.db, "WAT-003", "", "tenant-1")

		req, err := FromJSON(body, types.SourceHTTP)
		require.NoError(t, err)
		result, err := env.pipeline.Ingest(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, result.Readings[0].CapturedAt.Equal(clientTime))
		assert.True(t, result.ReceivedAt.Equal(fixedNow))
	})
}

// MockStore is a mock implementation of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateInboundMessage(ctx context.Context, msg *types.InboundMessage) error {
	args := m.Called(ctx, msg)
	if msg.ID == "" {
		msg.ID = "msg-1"
	}
	return args.Error(0)
}

func (m *MockStore) MarkMessageFailed(ctx context.Context, messageID, reason string) error {
	args := m.Called(ctx, messageID, reason)
	return args.Error(0)
}

func (m *MockStore) CommitMessage(ctx context.Context, params database.CommitParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

// MockResolver is a mock implementation of Resolver
type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, hints identity.Hints) (*identity.Resolution, error) {
	args := m.Called(ctx, hints)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.Resolution), args.Error(1)
}

// MockMirror is a mock implementation of ReadingMirror
type MockMirror struct {
	mock.Mock
}

func (m *MockMirror) WriteReadings(ctx context.Context, readings []types.TelemetryReading) error {
	args := m.Called(ctx, readings)
	return args.Error(0)
}

// MockJobPublisher is a mock implementation of JobPublisher
type MockJobPublisher struct {
	mock.Mock
}

func (m *MockJobPublisher) Enqueue(ctx context.Context, job *queue.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func inlineRequest() *Request {
	return &Request{
		Source:     types.SourceHTTP,
		Hints:      identity.Hints{Serial: "WAT-001"},
		Payload:    parser.Payload{Format: parser.FormatInlineKV, Text: "W=15,WP=30"},
		RawPayload: "W=15,WP=30",
	}
}

func TestIngest_CommitFailureMarksFailed(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)

	store.On("CreateInboundMessage", mock.Anything, mock.Anything).Return(nil)
	resolver.On("Resolve", mock.Anything, mock.Anything).Return(&identity.Resolution{
		TenantID: "tenant-1", DeviceID: "dev-1", InventoryID: "unit-1",
	}, nil)
	store.On("CommitMessage", mock.Anything, mock.Anything).Return(errors.New("disk I/O error"))
	store.On("MarkMessageFailed", mock.Anything, "msg-1", mock.MatchedBy(func(reason string) bool {
		return reason == "disk I/O error"
	})).Return(nil)

	pipeline := NewPipeline(store, resolver, testIngestConfig(), WithLogger(quietLogger()))
	_, err := pipeline.Ingest(context.Background(), inlineRequest())

	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	store.AssertExpectations(t)
}

func TestIngest_MarkFailedErrorLeavesPending(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)

	store.On("CreateInboundMessage", mock.Anything, mock.Anything).Return(nil)
	resolver.On("Resolve", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))
	store.On("MarkMessageFailed", mock.Anything, "msg-1", mock.Anything).Return(errors.New("connection reset"))

	pipeline := NewPipeline(store, resolver, testIngestConfig(), WithLogger(quietLogger()))
	_, err := pipeline.Ingest(context.Background(), inlineRequest())

	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	store.AssertNotCalled(t, "CommitMessage", mock.Anything, mock.Anything)
}

func TestIngest_CreateMessageFailure(t *testing.T) {
	store := new(MockStore)
	store.On("CreateInboundMessage", mock.Anything, mock.Anything).Return(errors.New("database is locked"))

	pipeline := NewPipeline(store, new(MockResolver), testIngestConfig(), WithLogger(quietLogger()))
	_, err := pipeline.Ingest(context.Background(), inlineRequest())

	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "create message", serr.Op)
}

func TestIngest_MirrorFailureDoesNotFailIngestion(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)
	mirror := new(MockMirror)

	store.On("CreateInboundMessage", mock.Anything, mock.Anything).Return(nil)
	resolver.On("Resolve", mock.Anything, mock.Anything).Return(&identity.Resolution{
		TenantID: "tenant-1", DeviceID: "dev-1", InventoryID: "unit-1", DeviceType: "water",
	}, nil)
	store.On("CommitMessage", mock.Anything, mock.Anything).Return(nil)
	mirror.On("WriteReadings", mock.Anything, mock.Anything).Return(errors.New("influx unreachable"))

	q := queue.NewMemoryQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), &queue.Job{MessageID: "filler"}))

	pipeline := NewPipeline(store, resolver, testIngestConfig(),
		WithLogger(quietLogger()), WithMirror(mirror), WithJobPublisher(q))

	result, err := pipeline.Ingest(context.Background(), inlineRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, result.ReadingCount)
	mirror.AssertExpectations(t)
}

func TestIngest_ResolveTimeout(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)

	store.On("CreateInboundMessage", mock.Anything, mock.Anything).Return(nil)
	resolver.On("Resolve", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.DeadlineExceeded)
	store.On("MarkMessageFailed", mock.Anything, "msg-1", mock.Anything).Return(nil)

	cfg := testIngestConfig()
	cfg.ResolveTimeout = 20 * time.Millisecond
	pipeline := NewPipeline(store, resolver, cfg, WithLogger(quietLogger()))

	_, err := pipeline.Ingest(context.Background(), inlineRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.Equal(t, "request timed out, retry later", PublicMessage(err))
}

func TestIngest_HandOffSurvivesRequestCancellation(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)
	mirror := new(MockMirror)
	jobs := new(MockJobPublisher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	live := mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil })

	store.On("CreateInboundMessage", mock.Anything, mock.Anything).Return(nil)
	resolver.On("Resolve", mock.Anything, mock.Anything).Return(&identity.Resolution{
		TenantID: "tenant-1", DeviceID: "dev-1", InventoryID: "unit-1", DeviceType: "water",
	}, nil)
	store.On("CommitMessage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		cancel()
	}).Return(nil)
	mirror.On("WriteReadings", live, mock.Anything).Return(nil)
	jobs.On("Enqueue", live, mock.MatchedBy(func(job *queue.Job) bool {
		return job.DeviceID == "dev-1" && len(job.Readings) == 2
	})).Return(nil)

	pipeline := NewPipeline(store, resolver, testIngestConfig(),
		WithLogger(quietLogger()), WithMirror(mirror), WithJobPublisher(jobs))

	_, err := pipeline.Ingest(ctx, inlineRequest())
	require.NoError(t, err)
	mirror.AssertExpectations(t)
	jobs.AssertExpectations(t)
}

func TestIngest_WarnsOnDroppedFields(t *testing.T) {
	env := setupPipeline(t, testIngestConfig())
	seedDevice(t, env.db, "WAT-004", "", "tenant-1")

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	env.pipeline.logger = logger

	req, err := FromJSON([]byte(`{"serialNumber":"WAT-004","data":{"W":15,"STATE":"open","T":"20"}}`), types.SourceHTTP)
	require.NoError(t, err)

	result, err := env.pipeline.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ReadingCount)

	output := buf.String()
	assert.Contains(t, output, `"level":"warning"`)
	assert.Contains(t, output, "Dropped unparsable fields from message")
	assert.Contains(t, output, "STATE=open")
}
