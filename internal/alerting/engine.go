package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/anomaly"
	"telemetry-hub/internal/logging"
	"telemetry-hub/internal/queue"
	"telemetry-hub/internal/types"
)

// Store is the persistence the engine needs
type Store interface {
	ListActiveRules(ctx context.Context, tenantID, deviceType, variableCode string) ([]*types.AlertRule, error)
	InsertAlert(ctx context.Context, alert *types.Alert) (bool, error)
	RecentValues(ctx context.Context, deviceID, variableCode string, limit int, excludeMessageID string) ([]float64, error)
}

// Config tunes threshold and anomaly evaluation
type Config struct {
	ThresholdEnabled bool
	AnomalyEnabled   bool
	ZThreshold       float64
	AnomalyMinScore  int
	HistoryWindow    int
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		ThresholdEnabled: true,
		AnomalyEnabled:   true,
		ZThreshold:       anomaly.DefaultZThreshold,
		AnomalyMinScore:  50,
		HistoryWindow:    30,
	}
}

// Engine evaluates committed readings against threshold rules and the anomaly detector
type Engine struct {
	mu       sync.RWMutex
	store    Store
	config   Config
	detector anomaly.Detector
	logger   *logrus.Logger
	handlers []AlertHandler
	now      func() time.Time
}

// EngineOption is a functional option for configuring the Engine
type EngineOption func(*Engine)

// WithLogger sets the logger for the engine
func WithLogger(logger *logrus.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithHandler registers an alert handler
func WithHandler(handler AlertHandler) EngineOption {
	return func(e *Engine) {
		e.handlers = append(e.handlers, handler)
	}
}

// NewEngine creates a new alert engine
func NewEngine(store Store, config Config, opts ...EngineOption) *Engine {
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = 30
	}

	e := &Engine{
		store:    store,
		config:   config,
		detector: anomaly.NewDetector(config.ZThreshold),
		logger:   logrus.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// AddHandler adds an alert handler to the engine
func (e *Engine) AddHandler(handler AlertHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// Evaluate runs both evaluation paths for every reading of the job and returns
// the alerts that were created. Jobs without a tenant and device are skipped.
func (e *Engine) Evaluate(ctx context.Context, job *queue.Job) ([]*types.Alert, error) {
	if job.TenantID == "" || job.DeviceID == "" {
		e.logger.WithField("message_id", job.MessageID).Debug("Skipping alert evaluation for unassigned device")
		return nil, nil
	}

	var created []*types.Alert
	for _, reading := range job.Readings {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		if e.config.ThresholdEnabled {
			alerts, err := e.evaluateThresholds(ctx, job, reading)
			created = append(created, alerts...)
			if err != nil {
				return created, err
			}
		}

		if e.config.AnomalyEnabled {
			alert, err := e.evaluateAnomaly(ctx, job, reading)
			if alert != nil {
				created = append(created, alert)
			}
			if err != nil {
				return created, err
			}
		}
	}

	return created, nil
}

func (e *Engine) evaluateThresholds(ctx context.Context, job *queue.Job, reading queue.Reading) ([]*types.Alert, error) {
	rules, err := e.store.ListActiveRules(ctx, job.TenantID, job.DeviceType, reading.VariableCode)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for %s: %w", reading.VariableCode, err)
	}

	var created []*types.Alert
	for _, rule := range SelectRules(rules) {
		if !Matches(rule, reading.Value) {
			continue
		}

		condition := DescribeCondition(rule)
		message := fmt.Sprintf("%s value %s matched %s", reading.VariableCode, FormatValue(reading.Value), condition)
		if rule.MessageTemplate != "" {
			message = RenderMessage(rule.MessageTemplate, reading.Value)
		}

		alert := &types.Alert{
			TenantID:     job.TenantID,
			DeviceID:     job.DeviceID,
			RuleID:       rule.ID,
			RuleKey:      rule.ID,
			Source:       types.AlertSourceThreshold,
			VariableCode: reading.VariableCode,
			Value:        reading.Value,
			Severity:     rule.Severity,
			Title:        fmt.Sprintf("Threshold %s", condition),
			Message:      message,
		}

		ok, err := e.raise(ctx, alert)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, alert)
		}
	}

	return created, nil
}

func (e *Engine) evaluateAnomaly(ctx context.Context, job *queue.Job, reading queue.Reading) (*types.Alert, error) {
	history, err := e.store.RecentValues(ctx, job.DeviceID, reading.VariableCode, e.config.HistoryWindow, job.MessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", reading.VariableCode, err)
	}

	result := e.detector.Detect(reading.Value, history)
	if !result.IsAnomaly || result.Score < e.config.AnomalyMinScore {
		return nil, nil
	}

	alert := &types.Alert{
		TenantID:     job.TenantID,
		DeviceID:     job.DeviceID,
		RuleKey:      types.AnomalyRuleKey,
		Source:       types.AlertSourceAnomaly,
		VariableCode: reading.VariableCode,
		Value:        reading.Value,
		Severity:     anomaly.SeverityForScore(result.Score),
		Title:        fmt.Sprintf("%s anomaly: %s (score %d)", reading.VariableCode, result.Type, result.Score),
		Message:      result.Message,
	}

	ok, err := e.raise(ctx, alert)
	if err != nil || !ok {
		return nil, err
	}
	return alert, nil
}

// raise inserts the alert and notifies handlers. Returns false when an open
// alert for the same condition already exists.
func (e *Engine) raise(ctx context.Context, alert *types.Alert) (bool, error) {
	alert.CreatedAt = e.now()

	inserted, err := e.store.InsertAlert(ctx, alert)
	if err != nil {
		logging.LogStorageError(e.logger, err, "insert_alert", true)
		return false, err
	}

	logger := e.logger.WithFields(logrus.Fields{
		"tenant_id":     alert.TenantID,
		"device_id":     alert.DeviceID,
		"variable_code": alert.VariableCode,
		"rule_key":      alert.RuleKey,
	})
	if !inserted {
		logger.Debug("Open alert already exists, suppressed duplicate")
		return false, nil
	}
	logger.WithField("alert_id", alert.ID).Info("Alert created")

	e.mu.RLock()
	handlers := make([]AlertHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, h := range handlers {
		if err := h.HandleAlert(ctx, alert); err != nil {
			logger.WithError(err).Warn("Alert handler failed")
		}
	}

	return true, nil
}
