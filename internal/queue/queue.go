// Package queue is a named-job queue with delays, retries, and id based dedup.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to the queue.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrUnrecoverable fails a job without spending its remaining attempts.
	ErrUnrecoverable = errors.New("unrecoverable")
	// ErrLeaseExpired is the failure recorded for an active job whose consumer disappeared.
	ErrLeaseExpired = errors.New("queue: job lease expired")
)

// Unrecoverable marks err so the queue fails the job immediately.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

// DefaultLease is how long a reserved job may stay active before Reap returns it to the queue.
const DefaultLease = 15 * time.Minute

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff is the retry delay policy of a job.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Options are per-job submission options.
type Options struct {
	// JobID deduplicates submissions: adding an id that is queued or retained returns the existing job.
	JobID            string        `json:"jobId,omitempty"`
	Delay            time.Duration `json:"delay,omitempty"`
	Attempts         int           `json:"attempts,omitempty"`
	Backoff          Backoff       `json:"backoff"`
	RemoveOnComplete bool          `json:"removeOnComplete,omitempty"`
	RemoveOnFail     bool          `json:"removeOnFail,omitempty"`
	// Timeout bounds one attempt. Zero uses the worker default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// State is where a job sits in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is a unit of queued work.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	Opts         Options         `json:"opts"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason,omitempty"`
	ReturnValue  json.RawMessage `json:"returnValue,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	FinishedAt   time.Time       `json:"finishedAt,omitempty"`
	// Discarded is set when an unrecoverable failure ended the job early.
	Discarded bool `json:"discarded,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Name, j.ID, err)
	}
	return nil
}

// MaxAttempts is the effective attempt budget, at least one.
func (j *Job) MaxAttempts() int {
	if j.Opts.Attempts < 1 {
		return 1
	}
	return j.Opts.Attempts
}

// Exhausted reports whether the last failure ended the job for good.
func (j *Job) Exhausted() bool {
	return j.Discarded || j.AttemptsMade >= j.MaxAttempts()
}

// recordFailure counts a failed attempt and reports whether another one is due.
func (j *Job) recordFailure(cause error) bool {
	j.AttemptsMade++
	j.FailedReason = cause.Error()
	if errors.Is(cause, ErrUnrecoverable) {
		j.Discarded = true
	}
	return !j.Exhausted()
}

// RetryDelay is the wait before attempt number attemptsMade+1.
func (o Options) RetryDelay(attemptsMade int) time.Duration {
	if o.Backoff.Delay <= 0 {
		return 0
	}
	if o.Backoff.Type != BackoffExponential || attemptsMade < 1 {
		return o.Backoff.Delay
	}
	factor := math.Pow(2, float64(attemptsMade-1))
	return time.Duration(float64(o.Backoff.Delay) * factor)
}

// Queue is the producer and consumer surface shared by the Redis and in-memory queues.
type Queue interface {
	// Add submits a job. The payload is JSON encoded.
	Add(ctx context.Context, name string, payload any, opts Options) (*Job, error)
	// Get loads a job by id.
	Get(ctx context.Context, id string) (*Job, error)
	// Reserve takes the next ready job, waiting up to wait. It returns nil when none is ready.
	Reserve(ctx context.Context, wait time.Duration) (*Job, error)
	// UpdateData replaces the payload of a job so later attempts observe it.
	UpdateData(ctx context.Context, job *Job, payload any) error
	// Complete marks an active job as done.
	Complete(ctx context.Context, job *Job, result any) error
	// Fail records a failed attempt and reports whether the job was scheduled for retry.
	Fail(ctx context.Context, job *Job, cause error) (bool, error)
	// Reap returns active jobs whose lease expired to the queue, counting the lost run as a failed
	// attempt. The reaped jobs are returned so exhausted ones can be reported.
	Reap(ctx context.Context) ([]*Job, error)
	// Counts reports jobs per state.
	Counts(ctx context.Context) (map[State]int64, error)
}

func encode(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	return raw, nil
}
