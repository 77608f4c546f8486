package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ServiceStatus represents the overall health of the hub process itself
type ServiceStatus string

const (
	ServiceStatusHealthy   ServiceStatus = "healthy"
	ServiceStatusDegraded  ServiceStatus = "degraded"
	ServiceStatusUnhealthy ServiceStatus = "unhealthy"
)

// SystemHealth is reported on the service health endpoint
type SystemHealth struct {
	Status     ServiceStatus `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
	Database   string        `json:"database"`
	QueueDepth int64         `json:"queueDepth"`
	Uptime     string        `json:"uptime"`
	Version    string        `json:"version"`
}

// Pinger is satisfied by the database
type Pinger interface {
	Health(ctx context.Context) error
}

// DepthReporter is satisfied by the alert evaluation queue
type DepthReporter interface {
	Depth(ctx context.Context) (int64, error)
}

// MonitorOption is a functional option for configuring the Monitor
type MonitorOption func(*Monitor)

// WithLogger sets the logger for the monitor
func WithLogger(logger *logrus.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithVersion sets the version for the monitor
func WithVersion(version string) MonitorOption {
	return func(m *Monitor) {
		m.version = version
	}
}

// WithQueueDegradedDepth sets the backlog above which the service reports degraded
func WithQueueDegradedDepth(depth int64) MonitorOption {
	return func(m *Monitor) {
		m.degradedDepth = depth
	}
}

// Monitor checks the hub's own dependencies
type Monitor struct {
	mu            sync.RWMutex
	db            Pinger
	queue         DepthReporter
	logger        *logrus.Logger
	version       string
	startTime     time.Time
	degradedDepth int64
	current       SystemHealth
}

// NewMonitor creates a new service monitor. queue may be nil.
func NewMonitor(db Pinger, queue DepthReporter, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		db:            db,
		queue:         queue,
		logger:        logrus.New(),
		version:       "unknown",
		startTime:     time.Now(),
		degradedDepth: 10000,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Check refreshes and returns the current health
func (m *Monitor) Check(ctx context.Context) SystemHealth {
	now := time.Now()
	status := ServiceStatusHealthy
	dbState := "ok"

	if err := m.db.Health(ctx); err != nil {
		m.logger.WithError(err).Error("Database health check failed")
		status = ServiceStatusUnhealthy
		dbState = "unreachable"
	}

	var depth int64
	if m.queue != nil {
		d, err := m.queue.Depth(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("Failed to read evaluation queue depth")
			depth = -1
			if status == ServiceStatusHealthy {
				status = ServiceStatusDegraded
			}
		} else {
			depth = d
			if depth > m.degradedDepth && status == ServiceStatusHealthy {
				status = ServiceStatusDegraded
			}
		}
	}

	health := SystemHealth{
		Status:     status,
		Timestamp:  now.UTC(),
		Database:   dbState,
		QueueDepth: depth,
		Uptime:     now.Sub(m.startTime).Round(time.Second).String(),
		Version:    m.version,
	}

	m.mu.Lock()
	m.current = health
	m.mu.Unlock()

	return health
}

// Current returns the last computed health without re-checking
func (m *Monitor) Current() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}
