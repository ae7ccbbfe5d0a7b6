package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a process-local Queue. An attempt whose count fell behind the stored job was
// reclaimed by Reap and can no longer settle it.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	ready  []string
	due    map[string]time.Time
	leases map[string]time.Time
	lease  time.Duration
	signal chan struct{}
	now    func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:   make(map[string]*Job),
		due:    make(map[string]time.Time),
		leases: make(map[string]time.Time),
		lease:  DefaultLease,
		signal: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// WithClock overrides the time source used for delays.
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

// WithLease sets how long a reserved job may run before Reap reclaims it.
func (q *MemoryQueue) WithLease(d time.Duration) *MemoryQueue {
	if d > 0 {
		q.lease = d
	}
	return q
}

func (q *MemoryQueue) Add(ctx context.Context, name string, payload any, opts Options) (*Job, error) {
	data, err := encode(payload)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if existing, ok := q.jobs[id]; ok {
		return copyJob(existing), nil
	}

	job := &Job{ID: id, Name: name, Data: data, Opts: opts, State: StateWaiting, CreatedAt: q.now()}
	q.jobs[id] = job
	if opts.Delay > 0 {
		job.State = StateDelayed
		q.due[id] = q.now().Add(opts.Delay)
	} else {
		q.ready = append(q.ready, id)
		q.notify()
	}
	return copyJob(job), nil
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

func (q *MemoryQueue) Reserve(ctx context.Context, wait time.Duration) (*Job, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		if job := q.take(); job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return q.take(), nil
		case <-q.signal:
		case <-time.After(minDuration(wait, 50*time.Millisecond)):
		}
	}
}

func (q *MemoryQueue) take() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promote()
	if len(q.ready) == 0 {
		return nil
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	job.State = StateActive
	q.leases[id] = q.now().Add(q.lease)
	return copyJob(job)
}

// promote moves due delayed jobs to the ready list in due order. Callers hold mu.
func (q *MemoryQueue) promote() {
	now := q.now()
	var due []string
	for id, at := range q.due {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return q.due[due[i]].Before(q.due[due[j]]) })
	for _, id := range due {
		delete(q.due, id)
		if job, ok := q.jobs[id]; ok {
			job.State = StateWaiting
			q.ready = append(q.ready, id)
		}
	}
}

func (q *MemoryQueue) UpdateData(ctx context.Context, job *Job, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	stored.Data = data
	job.Data = data
	return nil
}

func (q *MemoryQueue) Complete(ctx context.Context, job *Job, result any) error {
	raw, err := encode(result)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if stored.AttemptsMade > job.AttemptsMade {
		return ErrLeaseExpired
	}
	delete(q.leases, job.ID)
	if stored.Opts.RemoveOnComplete {
		delete(q.jobs, job.ID)
		return nil
	}
	stored.State = StateCompleted
	stored.ReturnValue = raw
	stored.FinishedAt = q.now()
	job.State = StateCompleted
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.jobs[job.ID]
	if !ok {
		return false, ErrJobNotFound
	}
	if stored.AttemptsMade > job.AttemptsMade {
		return false, ErrLeaseExpired
	}
	delete(q.leases, job.ID)
	retrying := q.settleFailure(stored, cause)
	job.AttemptsMade = stored.AttemptsMade
	job.FailedReason = stored.FailedReason
	job.Discarded = stored.Discarded
	job.State = stored.State
	return retrying, nil
}

// settleFailure records a failed attempt on a stored job and schedules its retry. Callers hold mu.
func (q *MemoryQueue) settleFailure(stored *Job, cause error) bool {
	if stored.recordFailure(cause) {
		stored.State = StateDelayed
		q.due[stored.ID] = q.now().Add(stored.Opts.RetryDelay(stored.AttemptsMade))
		return true
	}
	stored.State = StateFailed
	stored.FinishedAt = q.now()
	if stored.Opts.RemoveOnFail {
		delete(q.jobs, stored.ID)
	}
	return false
}

func (q *MemoryQueue) Reap(ctx context.Context) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var reaped []*Job
	for id, expires := range q.leases {
		if expires.After(now) {
			continue
		}
		delete(q.leases, id)
		stored, ok := q.jobs[id]
		if !ok {
			continue
		}
		q.settleFailure(stored, ErrLeaseExpired)
		reaped = append(reaped, copyJob(stored))
	}
	sort.Slice(reaped, func(i, j int) bool { return reaped[i].ID < reaped[j].ID })
	return reaped, nil
}

func (q *MemoryQueue) Counts(ctx context.Context) (map[State]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[State]int64)
	for _, job := range q.jobs {
		out[job.State]++
	}
	return out, nil
}

func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func copyJob(j *Job) *Job {
	out := *j
	out.Data = append([]byte(nil), j.Data...)
	if j.ReturnValue != nil {
		out.ReturnValue = append([]byte(nil), j.ReturnValue...)
	}
	return &out
}

func minDuration(a, b time.Duration) time.Duration {
	if a > 0 && a < b {
		return a
	}
	return b
}

var _ Queue = (*MemoryQueue)(nil)
