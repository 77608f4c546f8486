package alerting

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/types"
)

// AlertHandler receives every newly created alert. Handler errors are logged
// and never undo the alert.
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert *types.Alert) error
}

// HandlerFunc adapts a function to AlertHandler
type HandlerFunc func(ctx context.Context, alert *types.Alert) error

// HandleAlert calls f
func (f HandlerFunc) HandleAlert(ctx context.Context, alert *types.Alert) error {
	return f(ctx, alert)
}

// LogAlertHandler logs alerts to the system log
type LogAlertHandler struct {
	logger *logrus.Logger
}

// NewLogAlertHandler creates a new log-based alert handler
func NewLogAlertHandler(logger *logrus.Logger) *LogAlertHandler {
	return &LogAlertHandler{
		logger: logger,
	}
}

// HandleAlert logs the alert with a level matching its severity
func (h *LogAlertHandler) HandleAlert(ctx context.Context, alert *types.Alert) error {
	logEntry := h.logger.WithFields(logrus.Fields{
		"alert_id":      alert.ID,
		"tenant_id":     alert.TenantID,
		"device_id":     alert.DeviceID,
		"variable_code": alert.VariableCode,
		"value":         alert.Value,
		"severity":      string(alert.Severity),
		"source":        string(alert.Source),
		"rule_key":      alert.RuleKey,
	})

	message := fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.Title, alert.Message)

	switch alert.Severity {
	case types.SeverityCritical:
		logEntry.Error(message)
	case types.SeverityWarning:
		logEntry.Warn(message)
	default:
		logEntry.Info(message)
	}

	return nil
}
