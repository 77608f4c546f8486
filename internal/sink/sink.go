package sink

import (
	"context"

	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/types"
)

// ReadingSink mirrors committed readings to a downstream system
type ReadingSink interface {
	WriteReadings(ctx context.Context, readings []types.TelemetryReading) error
	Close() error
}

// Fanout writes to every sink and logs failures. Mirrors are best-effort:
// a failing sink never affects the others or the caller.
type Fanout struct {
	sinks  []ReadingSink
	logger *logrus.Entry
}

// NewFanout creates a fanout over the given sinks, skipping nil entries
func NewFanout(logger *logrus.Logger, sinks ...ReadingSink) *Fanout {
	f := &Fanout{logger: logger.WithField("component", "sink")}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len returns the number of configured sinks
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// WriteReadings writes to all sinks and always returns nil
func (f *Fanout) WriteReadings(ctx context.Context, readings []types.TelemetryReading) error {
	if len(readings) == 0 {
		return nil
	}
	for _, s := range f.sinks {
		if err := s.WriteReadings(ctx, readings); err != nil {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"sink":       sinkName(s),
				"message_id": readings[0].MessageID,
				"count":      len(readings),
			}).Warn("Failed to mirror readings")
		}
	}
	return nil
}

// Close closes every sink
func (f *Fanout) Close() error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func sinkName(s ReadingSink) string {
	switch s.(type) {
	case *KafkaPublisher:
		return "kafka"
	case *InfluxWriter:
		return "influx"
	default:
		return "custom"
	}
}
