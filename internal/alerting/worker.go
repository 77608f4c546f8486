package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/queue"
)

// DefaultPollTimeout bounds each blocking dequeue so workers notice Stop promptly
const DefaultPollTimeout = 2 * time.Second

// Worker consumes evaluation jobs from the queue and runs them through the engine
type Worker struct {
	mu          sync.Mutex
	engine      *Engine
	queue       queue.Queue
	workers     int
	pollTimeout time.Duration
	logger      *logrus.Logger

	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewWorker creates a pool of count workers
func NewWorker(engine *Engine, q queue.Queue, count int, logger *logrus.Logger) *Worker {
	if count <= 0 {
		count = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Worker{
		engine:      engine,
		queue:       q,
		workers:     count,
		pollTimeout: DefaultPollTimeout,
		logger:      logger,
	}
}

// Start launches the worker goroutines
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return fmt.Errorf("alert worker is already running")
	}

	w.logger.WithField("workers", w.workers).Info("Starting alert evaluation workers")
	w.isRunning = true
	w.stopChan = make(chan struct{})

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
	return nil
}

// Stop signals the workers and waits for in-flight jobs to finish
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isRunning {
		return nil
	}

	w.logger.Info("Stopping alert evaluation workers")
	w.isRunning = false
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Alert evaluation workers stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, id int) {
	defer w.wg.Done()
	logger := w.logger.WithField("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("Failed to dequeue evaluation job")
			select {
			case <-time.After(w.pollTimeout):
			case <-w.stopChan:
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		w.ProcessJob(ctx, job)
	}
}

// ProcessJob evaluates one job and re-queues it when evaluation fails
func (w *Worker) ProcessJob(ctx context.Context, job *queue.Job) {
	logger := w.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"message_id": job.MessageID,
		"device_id":  job.DeviceID,
	})

	alerts, err := w.engine.Evaluate(ctx, job)
	if err != nil {
		logger.WithError(err).WithField("retries", job.Retries).Warn("Alert evaluation failed")
		if rerr := w.queue.Retry(ctx, job); rerr != nil {
			logger.WithError(rerr).Error("Failed to re-queue evaluation job")
		}
		return
	}

	logger.WithField("alerts_created", len(alerts)).Debug("Evaluation job processed")
}
