package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *RedisQueue {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewRedisQueue(rdb, "test:queue")
	require.NoError(t, q.Ping(ctx))
	return q
}

func TestRedisQueueLifecycle(t *testing.T) {
	q := setupRedis(t)
	ctx := context.Background()

	first, err := q.Add(ctx, "ExecuteCCTPMint", payload{Value: "a"}, Options{
		JobID:    "ExecuteCCTPMint-0xabc",
		Attempts: 2,
		Backoff:  Backoff{Type: BackoffExponential, Delay: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	dup, err := q.Add(ctx, "ExecuteCCTPMint", payload{Value: "b"}, Options{JobID: "ExecuteCCTPMint-0xabc"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID)

	job, err := q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.UpdateData(ctx, job, payload{Value: "tx"}))

	retrying, err := q.Fail(ctx, job, errors.New("boom"))
	require.NoError(t, err)
	assert.True(t, retrying)

	time.Sleep(20 * time.Millisecond)
	job, err = q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	var p payload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, "tx", p.Value)

	retrying, err = q.Fail(ctx, job, errors.New("boom"))
	require.NoError(t, err)
	assert.False(t, retrying)

	stored, err := q.Get(ctx, "ExecuteCCTPMint-0xabc")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[StateFailed])
}

func TestRedisQueueDelayAndRemoval(t *testing.T) {
	q := setupRedis(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "CheckCCTPAttestation", payload{}, Options{Delay: 50 * time.Millisecond, RemoveOnComplete: true})
	require.NoError(t, err)

	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, job)

	time.Sleep(60 * time.Millisecond)
	job, err = q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Complete(ctx, job, nil))

	_, err = q.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRedisQueueReapRequeuesExpiredLease(t *testing.T) {
	q := setupRedis(t)
	q.lease = 50 * time.Millisecond
	ctx := context.Background()

	_, err := q.Add(ctx, "ExecuteRebalance", payload{Value: "legs"}, Options{
		JobID:    "ExecuteRebalance-stalled",
		Attempts: 2,
		Backoff:  Backoff{Type: BackoffFixed, Delay: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	job, err := q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	reaped, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped)

	time.Sleep(60 * time.Millisecond)
	reaped, err = q.Reap(ctx)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, 1, reaped[0].AttemptsMade)
	assert.False(t, reaped[0].Exhausted())

	_, err = q.Fail(ctx, job, errors.New("late"))
	assert.ErrorIs(t, err, ErrLeaseExpired)

	again, err := q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.AttemptsMade)
	require.NoError(t, q.Complete(ctx, again, nil))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts[StateActive])
	assert.EqualValues(t, 1, counts[StateCompleted])
}
