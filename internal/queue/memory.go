package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process bounded Queue used when Redis is not configured
type MemoryQueue struct {
	jobs   chan *Job
	mu     sync.Mutex
	dead   []*Job
	closed bool
}

// NewMemoryQueue creates a queue holding at most capacity jobs
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{jobs: make(chan *Job, capacity)}
}

// Enqueue adds a job without blocking; it fails with ErrQueueFull when at capacity
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue waits up to timeout for a job
func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, ErrQueueClosed
		}
		return job, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Retry re-queues a job or keeps it as dead-lettered after MaxRetries
func (q *MemoryQueue) Retry(ctx context.Context, job *Job) error {
	job.Retries++
	if job.Retries < MaxRetries {
		return q.Enqueue(ctx, job)
	}

	q.mu.Lock()
	q.dead = append(q.dead, job)
	q.mu.Unlock()
	return nil
}

// Depth returns the number of jobs waiting
func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	return int64(len(q.jobs)), nil
}

// DeadLetters returns a copy of the dead-lettered jobs
func (q *MemoryQueue) DeadLetters() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close stops accepting jobs; jobs already queued can still be drained
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}
