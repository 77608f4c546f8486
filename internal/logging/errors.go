package logging

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorCategory represents different categories of errors for classification
type ErrorCategory string

const (
	// Malformed input rejected before parsing
	ErrorCategoryValidation ErrorCategory = "validation"
	// Wire format could not be decoded
	ErrorCategoryParse ErrorCategory = "parse"
	// Device identity could not be resolved
	ErrorCategoryIdentity ErrorCategory = "identity"
	// Database/Storage errors
	ErrorCategoryStorage ErrorCategory = "storage"
	// Notification or side-channel delivery errors
	ErrorCategoryDelivery ErrorCategory = "delivery"
	// Authentication/Security errors
	ErrorCategorySecurity ErrorCategory = "security"
	// Configuration errors
	ErrorCategoryConfig ErrorCategory = "config"
	// Service/Application errors
	ErrorCategoryService ErrorCategory = "service"
	// Unknown/Uncategorized errors
	ErrorCategoryUnknown ErrorCategory = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "critical"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityInfo     ErrorSeverity = "info"
)

// ErrorContext provides additional context for error logging
type ErrorContext struct {
	Category    ErrorCategory          `json:"category"`
	Severity    ErrorSeverity          `json:"severity"`
	Component   string                 `json:"component"`
	Operation   string                 `json:"operation"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	DeviceID    string                 `json:"device_id,omitempty"`
	MessageID   string                 `json:"message_id,omitempty"`
	Recoverable bool                   `json:"recoverable"`
	RetryCount  int                    `json:"retry_count,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// StructuredError represents a structured error with context
type StructuredError struct {
	Err       error        `json:"error"`
	Context   ErrorContext `json:"context"`
	Timestamp time.Time    `json:"timestamp"`
	Stack     string       `json:"stack,omitempty"`
}

// Error implements the error interface
func (se *StructuredError) Error() string {
	if se.Err != nil {
		return se.Err.Error()
	}
	return "unknown error"
}

// Unwrap returns the underlying error
func (se *StructuredError) Unwrap() error {
	return se.Err
}

// NewStructuredError creates a new structured error with context
func NewStructuredError(err error, context ErrorContext) *StructuredError {
	structuredErr := &StructuredError{
		Err:       err,
		Context:   context,
		Timestamp: time.Now(),
	}

	// Capture stack trace for critical and high severity errors
	if context.Severity == ErrorSeverityCritical || context.Severity == ErrorSeverityHigh {
		structuredErr.Stack = captureStackTrace()
	}

	return structuredErr
}

// LogStructuredError logs a structured error with appropriate level and context
func LogStructuredError(logger *logrus.Logger, structuredErr *StructuredError) {
	if logger == nil || structuredErr == nil {
		return
	}

	entry := logger.WithFields(logrus.Fields{
		"error_category": structuredErr.Context.Category,
		"error_severity": structuredErr.Context.Severity,
		"component":      structuredErr.Context.Component,
		"operation":      structuredErr.Context.Operation,
		"recoverable":    structuredErr.Context.Recoverable,
	})

	if structuredErr.Context.TenantID != "" {
		entry = entry.WithField("tenant_id", structuredErr.Context.TenantID)
	}
	if structuredErr.Context.DeviceID != "" {
		entry = entry.WithField("device_id", structuredErr.Context.DeviceID)
	}
	if structuredErr.Context.MessageID != "" {
		entry = entry.WithField("message_id", structuredErr.Context.MessageID)
	}
	if structuredErr.Context.RetryCount > 0 {
		entry = entry.WithField("retry_count", structuredErr.Context.RetryCount)
	}
	for key, value := range structuredErr.Context.Metadata {
		entry = entry.WithField(fmt.Sprintf("meta_%s", key), value)
	}
	if structuredErr.Stack != "" {
		entry = entry.WithField("stack_trace", structuredErr.Stack)
	}

	switch structuredErr.Context.Severity {
	case ErrorSeverityCritical, ErrorSeverityHigh:
		entry.Error(structuredErr.Error())
	case ErrorSeverityMedium, ErrorSeverityLow:
		entry.Warn(structuredErr.Error())
	case ErrorSeverityInfo:
		entry.Info(structuredErr.Error())
	default:
		entry.Error(structuredErr.Error())
	}
}

// LogParseError logs a payload that could not be decoded. The raw payload is truncated.
func LogParseError(logger *logrus.Logger, err error, messageID, source, rawPayload string) {
	context := ErrorContext{
		Category:    ErrorCategoryParse,
		Severity:    ErrorSeverityLow,
		Component:   "parser",
		Operation:   "parse_payload",
		MessageID:   messageID,
		Recoverable: false,
		Metadata: map[string]interface{}{
			"source":      source,
			"raw_payload": TruncatePayload(rawPayload),
		},
	}

	LogStructuredError(logger, NewStructuredError(err, context))
}

// LogIdentityError logs a message whose device could not be resolved
func LogIdentityError(logger *logrus.Logger, err error, messageID, serial, legacyID string) {
	context := ErrorContext{
		Category:    ErrorCategoryIdentity,
		Severity:    ErrorSeverityMedium,
		Component:   "identity",
		Operation:   "resolve_device",
		MessageID:   messageID,
		Recoverable: false,
		Metadata: map[string]interface{}{
			"serial":    serial,
			"legacy_id": legacyID,
		},
	}

	LogStructuredError(logger, NewStructuredError(err, context))
}

// LogStorageError logs database/storage-related errors
func LogStorageError(logger *logrus.Logger, err error, operation string, recoverable bool) {
	severity := ErrorSeverityHigh
	if !recoverable {
		severity = ErrorSeverityCritical
	}

	context := ErrorContext{
		Category:    ErrorCategoryStorage,
		Severity:    severity,
		Component:   "database",
		Operation:   operation,
		Recoverable: recoverable,
	}

	LogStructuredError(logger, NewStructuredError(err, context))
}

// LogDeliveryError logs a failed notification or mirror delivery
func LogDeliveryError(logger *logrus.Logger, err error, channel, recipient string, retryCount int) {
	severity := ErrorSeverityMedium
	if retryCount > 3 {
		severity = ErrorSeverityHigh
	}

	context := ErrorContext{
		Category:    ErrorCategoryDelivery,
		Severity:    severity,
		Component:   "notify",
		Operation:   "deliver",
		Recoverable: true,
		RetryCount:  retryCount,
		Metadata: map[string]interface{}{
			"channel":   channel,
			"recipient": recipient,
		},
	}

	LogStructuredError(logger, NewStructuredError(err, context))
}

// LogSecurityError logs security-related errors
func LogSecurityError(logger *logrus.Logger, err error, subject, operation string) {
	context := ErrorContext{
		Category:    ErrorCategorySecurity,
		Severity:    ErrorSeverityHigh,
		Component:   "auth",
		Operation:   operation,
		Recoverable: false,
		Metadata: map[string]interface{}{
			"subject": subject,
		},
	}

	LogStructuredError(logger, NewStructuredError(err, context))
}

// LogServiceError logs service/application-related errors
func LogServiceError(logger *logrus.Logger, err error, serviceName, operation string, recoverable bool) {
	severity := ErrorSeverityMedium
	if !recoverable {
		severity = ErrorSeverityHigh
	}

	context := ErrorContext{
		Category:    ErrorCategoryService,
		Severity:    severity,
		Component:   serviceName,
		Operation:   operation,
		Recoverable: recoverable,
	}

	LogStructuredError(logger, NewStructuredError(err, context))
}

func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// ClassifyError attempts to classify an error based on its message
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	errMsg := strings.ToLower(err.Error())

	keywords := []struct {
		category ErrorCategory
		words    []string
	}{
		{ErrorCategoryParse, []string{"no valid data", "parse", "malformed", "not a number"}},
		{ErrorCategoryIdentity, []string{"device not found", "unknown serial", "legacy id"}},
		{ErrorCategorySecurity, []string{"unauthorized", "forbidden", "invalid token", "signature", "expired"}},
		{ErrorCategoryDelivery, []string{"webhook", "smtp", "kafka", "influx", "connection refused", "i/o timeout", "no such host"}},
		{ErrorCategoryStorage, []string{"database", "sqlite", "sql", "constraint", "deadlock", "no space left"}},
		{ErrorCategoryValidation, []string{"required", "too large", "too many", "invalid"}},
		{ErrorCategoryConfig, []string{"config", "configuration", "yaml", "setting"}},
	}

	for _, group := range keywords {
		for _, word := range group.words {
			if strings.Contains(errMsg, word) {
				return group.category
			}
		}
	}

	return ErrorCategoryUnknown
}
