package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(messageID string) *Job {
	return &Job{
		MessageID: messageID,
		TenantID:  "tenant-1",
		DeviceID:  "dev-1",
		Readings:  []Reading{{VariableCode: "W", Value: 15}},
	}
}

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("m1")))
	require.NoError(t, q.Enqueue(ctx, newJob("m2")))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "m1", job.MessageID)
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.EnqueuedAt.IsZero())
}

func TestMemoryQueue_DequeueTimeout(t *testing.T) {
	q := NewMemoryQueue(1)

	job, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, job)
}

func TestMemoryQueue_Full(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("m1")))
	assert.ErrorIs(t, q.Enqueue(ctx, newJob("m2")), ErrQueueFull)
}

func TestMemoryQueue_RetryThenDeadLetter(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx := context.Background()
	job := newJob("m1")

	for i := 1; i < MaxRetries; i++ {
		require.NoError(t, q.Retry(ctx, job))
		got, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, i, got.Retries)
	}

	require.NoError(t, q.Retry(ctx, job))
	assert.Len(t, q.DeadLetters(), 1)
	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(0), depth)
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("m1")))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(ctx, newJob("m2")), ErrQueueClosed)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m1", job.MessageID)

	_, err = q.Dequeue(ctx, time.Second)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryQueue_ConcurrentEnqueue(t *testing.T) {
	q := NewMemoryQueue(100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, q.Enqueue(ctx, newJob("m")))
		}()
	}
	wg.Wait()

	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(50), depth)
}

func TestRedisQueue(t *testing.T) {
	ctx := context.Background()
	q, err := NewRedisQueue(ctx, RedisConfig{Addr: "localhost:6379", Key: "telemetry-test:" + time.Now().Format("150405.000")}, nil)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer q.Close()

	require.NoError(t, q.Health(ctx))
	require.NoError(t, q.Enqueue(ctx, newJob("m1")))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "m1", job.MessageID)

	job.Retries = MaxRetries - 1
	require.NoError(t, q.Retry(ctx, job))
	dead, err := q.DeadLetterDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	q.client.Del(ctx, q.key, q.retryKey(), q.dlqKey())
}
