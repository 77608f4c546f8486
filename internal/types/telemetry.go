package types

import (
	"time"
)

// TransportSource identifies how an inbound message reached the platform
type TransportSource string

const (
	SourceSMS    TransportSource = "sms"
	SourceHTTP   TransportSource = "http"
	SourceMQTT   TransportSource = "mqtt"
	SourceImport TransportSource = "import"
)

// IsValidSource checks if the provided transport source is known
func IsValidSource(source string) bool {
	switch TransportSource(source) {
	case SourceSMS, SourceHTTP, SourceMQTT, SourceImport:
		return true
	default:
		return false
	}
}

// ParseStatus is the lifecycle state of an inbound message
type ParseStatus string

const (
	ParseStatusPending ParseStatus = "pending"
	ParseStatusParsed  ParseStatus = "parsed"
	ParseStatusFailed  ParseStatus = "failed"
)

// InboundMessage is the audit record of one ingestion attempt.
// Empty TenantID/DeviceID/InventoryID mean "not resolved".
type InboundMessage struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId,omitempty"`
	DeviceID    string          `json:"deviceId,omitempty"`
	InventoryID string          `json:"inventoryId,omitempty"`
	Source      TransportSource `json:"source"`
	RawPayload  string          `json:"rawPayload"`
	ParseStatus ParseStatus     `json:"parseStatus"`
	ParseError  string          `json:"parseError,omitempty"`
	ReceivedAt  time.Time       `json:"receivedAt"`
}

// TelemetryReading is one normalized (variable, value, time) observation
type TelemetryReading struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	DeviceID     string    `json:"deviceId,omitempty"`
	InventoryID  string    `json:"inventoryId"`
	MessageID    string    `json:"messageId"`
	VariableCode string    `json:"variableCode"`
	Value        float64   `json:"value"`
	CapturedAt   time.Time `json:"capturedAt"`
}

// DeviceStatus is the operational status managed by tenant/billing administration
type DeviceStatus string

const (
	DeviceStatusActive    DeviceStatus = "active"
	DeviceStatusInactive  DeviceStatus = "inactive"
	DeviceStatusSuspended DeviceStatus = "suspended"
	DeviceStatusRetired   DeviceStatus = "retired"
)

// Protocol is the transport a field unit uses to report
type Protocol string

const (
	ProtocolSMS  Protocol = "sms"
	ProtocolHTTP Protocol = "http"
	ProtocolMQTT Protocol = "mqtt"
)

// InventoryUnit is a physical field device in the platform catalogue
type InventoryUnit struct {
	ID           string     `json:"id"`
	SerialNumber string     `json:"serialNumber"`
	LegacyID     string     `json:"legacyId,omitempty"`
	DeviceType   string     `json:"deviceType"`
	Protocol     Protocol   `json:"protocol"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Device is the assignment of an inventory unit to a tenant
type Device struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenantId"`
	InventoryID  string       `json:"inventoryId"`
	Status       DeviceStatus `json:"status"`
	LastSeenAt   *time.Time   `json:"lastSeenAt,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	SerialNumber string       `json:"serialNumber,omitempty"`
	DeviceType   string       `json:"deviceType,omitempty"`
	Protocol     Protocol     `json:"protocol,omitempty"`
}

// Operator is a threshold comparison used by alert rules
type Operator string

const (
	OperatorLT      Operator = "lt"
	OperatorLTE     Operator = "lte"
	OperatorEQ      Operator = "eq"
	OperatorNEQ     Operator = "neq"
	OperatorGTE     Operator = "gte"
	OperatorGT      Operator = "gt"
	OperatorBetween Operator = "between"
	OperatorOutside Operator = "outside"
)

// IsValidOperator checks if the provided operator is supported
func IsValidOperator(op string) bool {
	switch Operator(op) {
	case OperatorLT, OperatorLTE, OperatorEQ, OperatorNEQ, OperatorGTE, OperatorGT,
		OperatorBetween, OperatorOutside:
		return true
	default:
		return false
	}
}

// NeedsSecondThreshold reports whether the operator compares against a range
func (o Operator) NeedsSecondThreshold() bool {
	return o == OperatorBetween || o == OperatorOutside
}

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// IsValidSeverity checks if the provided severity is known
func IsValidSeverity(s string) bool {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// AlertRule is a configured threshold condition. Empty TenantID marks a platform default.
type AlertRule struct {
	ID              string    `json:"id" yaml:"id"`
	TenantID        string    `json:"tenantId,omitempty" yaml:"tenant_id"`
	DeviceType      string    `json:"deviceType" yaml:"device_type"`
	VariableCode    string    `json:"variableCode" yaml:"variable_code"`
	Operator        Operator  `json:"operator" yaml:"operator"`
	Threshold1      float64   `json:"threshold1" yaml:"threshold1"`
	Threshold2      *float64  `json:"threshold2,omitempty" yaml:"threshold2"`
	Severity        Severity  `json:"severity" yaml:"severity"`
	MessageTemplate string    `json:"messageTemplate" yaml:"message_template"`
	Active          bool      `json:"active" yaml:"active"`
	CreatedAt       time.Time `json:"createdAt" yaml:"-"`
}

// AlertStatus is the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "open"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusClosed       AlertStatus = "closed"
)

// CanTransition reports whether an alert may move from one status to another
func (s AlertStatus) CanTransition(to AlertStatus) bool {
	switch s {
	case AlertStatusOpen:
		return to == AlertStatusAcknowledged || to == AlertStatusResolved || to == AlertStatusClosed
	case AlertStatusAcknowledged:
		return to == AlertStatusResolved || to == AlertStatusClosed
	case AlertStatusResolved:
		return to == AlertStatusClosed
	default:
		return false
	}
}

// AlertSource tells which evaluation path created an alert
type AlertSource string

const (
	AlertSourceThreshold AlertSource = "threshold"
	AlertSourceAnomaly   AlertSource = "anomaly"
)

// AnomalyRuleKey is the dedup key used for alerts raised by the anomaly path
const AnomalyRuleKey = "anomaly"

// Alert is a raised condition on a tenant device
type Alert struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenantId"`
	DeviceID     string      `json:"deviceId"`
	RuleID       string      `json:"ruleId,omitempty"`
	RuleKey      string      `json:"ruleKey"`
	Source       AlertSource `json:"source"`
	VariableCode string      `json:"variableCode"`
	Value        float64     `json:"value"`
	Severity     Severity    `json:"severity"`
	Title        string      `json:"title"`
	Message      string      `json:"message"`
	Status       AlertStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
	NotifiedAt   *time.Time  `json:"notifiedAt,omitempty"`
}

// AnomalyType classifies an anomaly observation
type AnomalyType string

const (
	AnomalySpike   AnomalyType = "spike"
	AnomalyDrop    AnomalyType = "drop"
	AnomalyTrend   AnomalyType = "trend"
	AnomalyPattern AnomalyType = "pattern"
	AnomalyNormal  AnomalyType = "normal"
)

// AnomalyObservation is the transient outcome of one anomaly evaluation
type AnomalyObservation struct {
	DeviceID     string      `json:"deviceId"`
	VariableCode string      `json:"variableCode"`
	Score        int         `json:"score"`
	Type         AnomalyType `json:"type"`
	Message      string      `json:"message"`
}

// Recipient is a notification destination for a tenant or the platform operator
type Recipient struct {
	Channel string `json:"channel" mapstructure:"channel"`
	Address string `json:"address" mapstructure:"address"`
}

// NotificationStatus is the outcome of one dispatch attempt
type NotificationStatus string

const (
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

// NotificationLogEntry records one dispatch attempt regardless of outcome
type NotificationLogEntry struct {
	ID         string             `json:"id"`
	TenantID   string             `json:"tenantId,omitempty"`
	Recipient  string             `json:"recipient"`
	Channel    string             `json:"channel"`
	Subject    string             `json:"subject"`
	Status     NotificationStatus `json:"status"`
	Error      string             `json:"error,omitempty"`
	AlertCount int                `json:"alertCount"`
	CreatedAt  time.Time          `json:"createdAt"`
}
