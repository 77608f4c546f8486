package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RedisConfig holds the connection settings for RedisQueue
type RedisConfig struct {
	Addr     string
	Password string
	Database int
	PoolSize int
	Key      string
}

// RedisQueue implements Queue with Redis lists. Jobs are LPUSHed and BRPOPed;
// failed jobs go to <key>:retry and finally <key>:dlq.
type RedisQueue struct {
	client *redis.Client
	key    string
	logger *logrus.Entry
}

// NewRedisQueue creates a new Redis-based evaluation queue
func NewRedisQueue(ctx context.Context, cfg RedisConfig, logger *logrus.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.Database,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &RedisQueue{
		client: client,
		key:    cfg.Key,
		logger: logger.WithField("component", "redis_queue"),
	}, nil
}

func (q *RedisQueue) retryKey() string { return q.key + ":retry" }
func (q *RedisQueue) dlqKey() string   { return q.key + ":dlq" }

// Enqueue publishes a job to the main list
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	return q.push(ctx, q.key, job)
}

func (q *RedisQueue) push(ctx context.Context, key string, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout, preferring the main list over the retry list
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BRPop(ctx, timeout, q.key, q.retryKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive job: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.WithError(err).Error("Dropping undecodable job")
		return nil, nil
	}
	return &job, nil
}

// Retry re-queues the job or moves it to the dead letter list
func (q *RedisQueue) Retry(ctx context.Context, job *Job) error {
	job.Retries++
	if job.Retries < MaxRetries {
		return q.push(ctx, q.retryKey(), job)
	}

	q.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"message_id": job.MessageID,
		"retries":    job.Retries,
	}).Warn("Moving job to dead letter queue")
	return q.push(ctx, q.dlqKey(), job)
}

// Depth returns the number of jobs waiting in the main and retry lists
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	main, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, err
	}
	retry, err := q.client.LLen(ctx, q.retryKey()).Result()
	if err != nil {
		return 0, err
	}
	return main + retry, nil
}

// DeadLetterDepth returns the number of dead-lettered jobs
func (q *RedisQueue) DeadLetterDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dlqKey()).Result()
}

// Health checks the Redis connection health
func (q *RedisQueue) Health(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
