package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStructuredError(t *testing.T) {
	err := errors.New("test error")
	context := ErrorContext{
		Category:    ErrorCategoryStorage,
		Severity:    ErrorSeverityHigh,
		Component:   "database",
		Operation:   "insert_readings",
		Recoverable: true,
	}

	structuredErr := NewStructuredError(err, context)

	assert.NotNil(t, structuredErr)
	assert.Equal(t, err, structuredErr.Err)
	assert.Equal(t, context, structuredErr.Context)
	assert.False(t, structuredErr.Timestamp.IsZero())
	assert.NotEmpty(t, structuredErr.Stack)
}

func TestNewStructuredError_NoStackForLowSeverity(t *testing.T) {
	structuredErr := NewStructuredError(errors.New("bad payload"), ErrorContext{
		Category: ErrorCategoryParse,
		Severity: ErrorSeverityLow,
	})

	assert.Empty(t, structuredErr.Stack)
}

func TestStructuredErrorInterface(t *testing.T) {
	originalErr := errors.New("original error")
	structuredErr := NewStructuredError(originalErr, ErrorContext{
		Category:  ErrorCategoryDelivery,
		Severity:  ErrorSeverityMedium,
		Component: "notify",
	})

	assert.Equal(t, "original error", structuredErr.Error())
	assert.Equal(t, originalErr, structuredErr.Unwrap())
	assert.True(t, errors.Is(structuredErr, originalErr))
}

func TestLogStructuredError(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	structuredErr := NewStructuredError(errors.New("test error"), ErrorContext{
		Category:    ErrorCategoryStorage,
		Severity:    ErrorSeverityCritical,
		Component:   "database",
		Operation:   "insert",
		TenantID:    "tenant-1",
		DeviceID:    "device-1",
		Recoverable: false,
		Metadata: map[string]interface{}{
			"table": "telemetry_readings",
		},
	})

	LogStructuredError(logger, structuredErr)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "storage", entry["error_category"])
	assert.Equal(t, "tenant-1", entry["tenant_id"])
	assert.Equal(t, "device-1", entry["device_id"])
	assert.Equal(t, "telemetry_readings", entry["meta_table"])

	// nil logger and nil error must not panic
	LogStructuredError(nil, structuredErr)
	LogStructuredError(logger, nil)
}

func TestLogParseError_TruncatesPayload(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	raw := strings.Repeat("x", MaxPayloadLogBytes*2)
	LogParseError(logger, errors.New("no valid data"), "msg-1", "sms", raw)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "parse", entry["error_category"])
	logged, ok := entry["meta_raw_payload"].(string)
	require.True(t, ok)
	assert.Less(t, len(logged), len(raw))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{"nil", nil, ErrorCategoryUnknown},
		{"parse", errors.New("no valid data in payload"), ErrorCategoryParse},
		{"identity", errors.New("device not found"), ErrorCategoryIdentity},
		{"security", errors.New("invalid token"), ErrorCategorySecurity},
		{"delivery", errors.New("webhook returned 502"), ErrorCategoryDelivery},
		{"storage", errors.New("sqlite: database is locked"), ErrorCategoryStorage},
		{"validation", errors.New("payload too large"), ErrorCategoryValidation},
		{"config", errors.New("configuration missing"), ErrorCategoryConfig},
		{"unknown", errors.New("something odd"), ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyError(tt.err))
		})
	}
}

func TestInitialize(t *testing.T) {
	logger := Initialize("debug")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger = Initialize("not-a-level")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestInitialize_AddsServiceFields(t *testing.T) {
	logger := Initialize("info")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.Info("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, ServiceName, entry["service"])
	assert.Equal(t, "hello", entry["message"])
}

func TestTruncatePayload(t *testing.T) {
	assert.Equal(t, "short", TruncatePayload("short"))
	long := strings.Repeat("a", MaxPayloadLogBytes+10)
	assert.True(t, strings.HasSuffix(TruncatePayload(long), "...(truncated)"))
	assert.True(t, strings.HasPrefix(TruncatePayload(long), strings.Repeat("a", MaxPayloadLogBytes)))
}
