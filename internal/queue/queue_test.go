package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Value string `json:"value"`
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRetryDelay(t *testing.T) {
	exp := Options{Backoff: Backoff{Type: BackoffExponential, Delay: 10 * time.Second}}
	assert.Equal(t, 10*time.Second, exp.RetryDelay(1))
	assert.Equal(t, 20*time.Second, exp.RetryDelay(2))
	assert.Equal(t, 40*time.Second, exp.RetryDelay(3))

	fixed := Options{Backoff: Backoff{Type: BackoffFixed, Delay: 5 * time.Second}}
	assert.Equal(t, 5*time.Second, fixed.RetryDelay(3))
	assert.Zero(t, Options{}.RetryDelay(2))
}

func TestMemoryQueueDedup(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	first, err := q.Add(ctx, "ExecuteCCTPMint", payload{Value: "a"}, Options{JobID: "mint-1"})
	require.NoError(t, err)
	second, err := q.Add(ctx, "ExecuteCCTPMint", payload{Value: "b"}, Options{JobID: "mint-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var p payload
	require.NoError(t, second.Decode(&p))
	assert.Equal(t, "a", p.Value)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[StateWaiting])
}

func TestMemoryQueueDelay(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	q := NewMemoryQueue().WithClock(c.Now)
	ctx := context.Background()

	_, err := q.Add(ctx, "CheckCCTPAttestation", payload{}, Options{Delay: 30 * time.Second})
	require.NoError(t, err)

	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, job)

	c.Advance(31 * time.Second)
	job, err = q.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StateActive, job.State)
}

func TestMemoryQueueRetryAndRetention(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	q := NewMemoryQueue().WithClock(c.Now)
	ctx := context.Background()

	_, err := q.Add(ctx, "mint", payload{}, Options{
		JobID:    "keep",
		Attempts: 2,
		Backoff:  Backoff{Type: BackoffExponential, Delay: 10 * time.Second},
	})
	require.NoError(t, err)

	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	retrying, err := q.Fail(ctx, job, errors.New("rpc down"))
	require.NoError(t, err)
	assert.True(t, retrying)
	assert.False(t, job.Exhausted())

	c.Advance(9 * time.Second)
	job, err = q.Reserve(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, job)

	c.Advance(time.Second)
	job, err = q.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.AttemptsMade)

	retrying, err = q.Fail(ctx, job, errors.New("rpc down"))
	require.NoError(t, err)
	assert.False(t, retrying)
	assert.True(t, job.Exhausted())

	stored, err := q.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
	assert.Equal(t, "rpc down", stored.FailedReason)
}

func TestMemoryQueueRemoveOnComplete(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, err := q.Add(ctx, "swap", payload{}, Options{JobID: "swap-1", RemoveOnComplete: true})
	require.NoError(t, err)
	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job, map[string]string{"tx": "0x1"}))

	_, err = q.Get(ctx, "swap-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryQueueUpdateData(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, err := q.Add(ctx, "mint", payload{Value: "before"}, Options{JobID: "m"})
	require.NoError(t, err)
	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, q.UpdateData(ctx, job, payload{Value: "after"}))

	stored, err := q.Get(ctx, "m")
	require.NoError(t, err)
	var p payload
	require.NoError(t, stored.Decode(&p))
	assert.Equal(t, "after", p.Value)
}

type recordingHandler struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	completed []string
	failed    []int
	done      chan struct{}
}

func (h *recordingHandler) Process(ctx context.Context, job *Job) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failUntil {
		return nil, errors.New("transient")
	}
	return "ok", nil
}

func (h *recordingHandler) OnComplete(ctx context.Context, job *Job, result any) {
	h.mu.Lock()
	h.completed = append(h.completed, job.ID)
	h.mu.Unlock()
	close(h.done)
}

func (h *recordingHandler) OnFailed(ctx context.Context, job *Job, err error) {
	h.mu.Lock()
	h.failed = append(h.failed, job.AttemptsMade)
	h.mu.Unlock()
}

func TestWorkerRetriesUntilSuccess(t *testing.T) {
	q := NewMemoryQueue()
	h := &recordingHandler{failUntil: 2, done: make(chan struct{})}
	w := NewWorker(q, h, WorkerOptions{Concurrency: 2, PollInterval: 10 * time.Millisecond}, zerolog.Nop())

	_, err := q.Add(context.Background(), "job", payload{}, Options{
		JobID:    "retry-me",
		Attempts: 3,
		Backoff:  Backoff{Type: BackoffExponential, Delay: time.Millisecond},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
	}
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"retry-me"}, h.completed)
	assert.Equal(t, []int{1, 2}, h.failed)
}

func TestMemoryQueueUnrecoverableSkipsRetries(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, err := q.Add(ctx, "CheckDelivery", payload{}, Options{JobID: "d", Attempts: 20})
	require.NoError(t, err)
	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)

	retrying, err := q.Fail(ctx, job, Unrecoverable(errors.New("refunded")))
	require.NoError(t, err)
	assert.False(t, retrying)
	assert.True(t, job.Exhausted())
	assert.Equal(t, 1, job.AttemptsMade)

	stored, err := q.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
	assert.True(t, stored.Discarded)
}

func TestMemoryQueueReapExpiredLease(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	q := NewMemoryQueue().WithClock(c.Now).WithLease(time.Minute)
	ctx := context.Background()

	_, err := q.Add(ctx, "ExecuteRebalance", payload{}, Options{
		JobID:    "stalled",
		Attempts: 2,
		Backoff:  Backoff{Type: BackoffFixed, Delay: 5 * time.Second},
	})
	require.NoError(t, err)
	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	reaped, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped)

	c.Advance(time.Minute)
	reaped, err = q.Reap(ctx)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, 1, reaped[0].AttemptsMade)
	assert.Equal(t, StateDelayed, reaped[0].State)
	assert.False(t, reaped[0].Exhausted())

	// the original consumer can no longer settle the job
	assert.ErrorIs(t, q.Complete(ctx, job, nil), ErrLeaseExpired)

	c.Advance(5 * time.Second)
	again, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "stalled", again.ID)

	c.Advance(time.Minute)
	reaped, err = q.Reap(ctx)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.True(t, reaped[0].Exhausted())

	stored, err := q.Get(ctx, "stalled")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
	assert.Equal(t, ErrLeaseExpired.Error(), stored.FailedReason)
}

type blockingHandler struct {
	started chan struct{}
	failed  chan error
}

func (h *blockingHandler) Process(ctx context.Context, job *Job) (any, error) {
	close(h.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *blockingHandler) OnComplete(ctx context.Context, job *Job, result any) {}

func (h *blockingHandler) OnFailed(ctx context.Context, job *Job, err error) {
	h.failed <- err
}

func TestWorkerJobTimeoutBoundsShutdown(t *testing.T) {
	q := NewMemoryQueue()
	h := &blockingHandler{started: make(chan struct{}), failed: make(chan error, 1)}
	w := NewWorker(q, h, WorkerOptions{PollInterval: 10 * time.Millisecond, JobTimeout: 100 * time.Millisecond}, zerolog.Nop())

	_, err := q.Add(context.Background(), "ExecuteRebalance", payload{}, Options{JobID: "hung", Attempts: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-h.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not reserved")
	}
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after the job deadline")
	}
	assert.ErrorIs(t, <-h.failed, context.DeadlineExceeded)

	stored, err := q.Get(context.Background(), "hung")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
}

type reapHandler struct {
	failed chan *Job
}

func (h *reapHandler) Process(ctx context.Context, job *Job) (any, error)   { return nil, nil }
func (h *reapHandler) OnComplete(ctx context.Context, job *Job, result any) {}
func (h *reapHandler) OnFailed(ctx context.Context, job *Job, err error) {
	if errors.Is(err, ErrLeaseExpired) {
		h.failed <- job
	}
}

func TestWorkerReportsReapedJobs(t *testing.T) {
	q := NewMemoryQueue().WithLease(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a consumer that died after reserving
	_, err := q.Add(ctx, "ExecuteCCTPMint", payload{}, Options{JobID: "orphan", Attempts: 1})
	require.NoError(t, err)
	_, err = q.Reserve(ctx, 0)
	require.NoError(t, err)

	h := &reapHandler{failed: make(chan *Job, 1)}
	w := NewWorker(q, h, WorkerOptions{PollInterval: 10 * time.Millisecond, ReapInterval: 20 * time.Millisecond}, zerolog.Nop())
	go func() { _ = w.Run(ctx) }()

	select {
	case job := <-h.failed:
		assert.Equal(t, "orphan", job.ID)
		assert.True(t, job.Exhausted())
	case <-time.After(5 * time.Second):
		t.Fatal("expired job was not reaped")
	}
}
