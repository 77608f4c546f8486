package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"telemetry-hub/internal/config"
	"telemetry-hub/internal/types"
)

// MessageWriter is the subset of *kafka.Writer the publisher uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes committed readings and created alerts. Messages are
// keyed by device so one device's records stay on one partition.
type KafkaPublisher struct {
	readings MessageWriter
	alerts   MessageWriter
}

// NewKafkaPublisher creates writers for the readings and alerts topics
func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	balancer := &kafka.Hash{}

	return &KafkaPublisher{
		readings: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.ReadingsTopic,
			Balancer:     balancer,
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		alerts: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.AlertsTopic,
			Balancer:     balancer,
			BatchSize:    10,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// NewKafkaPublisherWithWriters is used by tests to inject writers
func NewKafkaPublisherWithWriters(readings, alerts MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{readings: readings, alerts: alerts}
}

// WriteReadings publishes one message per reading
func (p *KafkaPublisher) WriteReadings(ctx context.Context, readings []types.TelemetryReading) error {
	msgs := make([]kafka.Message, 0, len(readings))
	for _, r := range readings {
		value, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal reading: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(partitionKey(r.DeviceID, r.InventoryID)),
			Value: value,
			Time:  r.CapturedAt,
			Headers: []kafka.Header{
				{Key: "tenant_id", Value: []byte(r.TenantID)},
				{Key: "message_id", Value: []byte(r.MessageID)},
			},
		})
	}

	if err := p.readings.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish readings: %w", err)
	}
	return nil
}

// HandleAlert publishes a created alert
func (p *KafkaPublisher) HandleAlert(ctx context.Context, alert *types.Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	err = p.alerts.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.DeviceID),
		Value: value,
		Time:  alert.CreatedAt,
		Headers: []kafka.Header{
			{Key: "tenant_id", Value: []byte(alert.TenantID)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// Close closes both writers
func (p *KafkaPublisher) Close() error {
	rerr := p.readings.Close()
	aerr := p.alerts.Close()
	if rerr != nil {
		return rerr
	}
	return aerr
}

func partitionKey(deviceID, inventoryID string) string {
	if deviceID != "" {
		return deviceID
	}
	return inventoryID
}
