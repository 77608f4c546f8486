package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ServiceName is attached to every log line emitted by the hub
const ServiceName = "telemetry-hub"

// Version is overridden at build time with -ldflags
var Version = "dev"

// MaxPayloadLogBytes bounds how much of a raw device payload ends up in a log line
const MaxPayloadLogBytes = 512

// Initialize sets up structured logging with the specified level
func Initialize(logLevel string) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = logrus.InfoLevel
		logger.WithError(err).Warn("Invalid log level, defaulting to info")
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	logger.SetOutput(os.Stdout)
	logger.AddHook(&staticFieldsHook{fields: logrus.Fields{
		"service": ServiceName,
		"version": Version,
	}})

	return logger
}

// SetupFileLogging configures logging to write to a file in addition to stdout
func SetupFileLogging(logger *logrus.Logger, logFile string) error {
	if logFile == "" {
		return nil
	}

	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	multiWriter := io.MultiWriter(os.Stdout, file)
	logger.SetOutput(multiWriter)

	logger.WithField("log_file", logFile).Info("File logging enabled")

	return nil
}

// NewContextLogger creates a logger with additional context fields
func NewContextLogger(logger *logrus.Logger, fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// NewServiceLogger creates a logger for internal services
func NewServiceLogger(logger *logrus.Logger, serviceName string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "service",
		"service":   serviceName,
	})
}

// NewTransportLogger creates a logger for an ingestion transport (http, sms, mqtt)
func NewTransportLogger(logger *logrus.Logger, transport string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "transport",
		"transport": transport,
	})
}

// TruncatePayload shortens a raw payload for logging
func TruncatePayload(raw string) string {
	if len(raw) <= MaxPayloadLogBytes {
		return raw
	}
	return raw[:MaxPayloadLogBytes] + "...(truncated)"
}

type staticFieldsHook struct {
	fields logrus.Fields
}

func (h *staticFieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *staticFieldsHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, exists := entry.Data[k]; !exists {
			entry.Data[k] = v
		}
	}
	return nil
}
