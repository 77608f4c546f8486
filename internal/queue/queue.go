package queue

import (
	"context"
	"errors"
	"time"
)

// MaxRetries is how many times a failed job is retried before it is dead-lettered
const MaxRetries = 3

// ErrQueueFull is returned by bounded queues that cannot accept more jobs
var ErrQueueFull = errors.New("evaluation queue is full")

// ErrQueueClosed is returned after Close
var ErrQueueClosed = errors.New("evaluation queue is closed")

// Reading is the part of a telemetry reading alert evaluation needs
type Reading struct {
	ReadingID    string    `json:"readingId"`
	VariableCode string    `json:"variableCode"`
	Value        float64   `json:"value"`
	CapturedAt   time.Time `json:"capturedAt"`
}

// Job asks the alert engine to evaluate the readings of one committed message
type Job struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"messageId"`
	TenantID   string    `json:"tenantId"`
	DeviceID   string    `json:"deviceId"`
	DeviceType string    `json:"deviceType"`
	Readings   []Reading `json:"readings"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Retries    int       `json:"retries"`
}

// Queue decouples alert evaluation from the ingestion write path
type Queue interface {
	// Enqueue adds a job
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue waits up to timeout for a job; it returns nil, nil on timeout
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	// Retry re-queues a failed job, or dead-letters it after MaxRetries
	Retry(ctx context.Context, job *Job) error
	// Depth returns the number of jobs waiting
	Depth(ctx context.Context) (int64, error)
	// Close releases resources
	Close() error
}
