package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes jobs reserved by a Worker.
// OnFailed runs after every failed attempt; job.Exhausted reports whether it was the last.
type Handler interface {
	Process(ctx context.Context, job *Job) (any, error)
	OnComplete(ctx context.Context, job *Job, result any)
	OnFailed(ctx context.Context, job *Job, err error)
}

// WorkerOptions tune a Worker.
type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	// JobTimeout bounds an attempt when the job carries no Timeout of its own.
	JobTimeout time.Duration
	// ReapInterval is how often expired leases are collected. Zero disables reaping.
	ReapInterval time.Duration
}

// Worker runs a fixed pool of consumers against a queue.
type Worker struct {
	queue   Queue
	handler Handler
	opts    WorkerOptions
	logger  zerolog.Logger
}

// NewWorker constructs a worker pool.
func NewWorker(q Queue, h Handler, opts WorkerOptions, logger zerolog.Logger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	return &Worker{
		queue:   q,
		handler: h,
		opts:    opts,
		logger:  logger.With().Str("component", "worker").Logger(),
	}
}

// Run blocks until ctx is cancelled. In-flight jobs finish before it returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("concurrency", w.opts.Concurrency).Msg("worker pool started")

	var wg sync.WaitGroup
	if w.opts.ReapInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.reap(ctx)
		}()
	}
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}
	wg.Wait()

	w.logger.Info().Msg("worker pool stopped")
	return ctx.Err()
}

func (w *Worker) consume(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		job, err := w.queue.Reserve(ctx, w.opts.PollInterval)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error().Err(err).Int("slot", slot).Msg("reserve job failed")
			sleep(ctx, w.opts.PollInterval)
			continue
		}
		if job == nil {
			continue
		}
		// shutdown never interrupts a reserved job; only its own deadline does
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout(job))
		w.RunJob(jobCtx, job)
		cancel()
	}
}

func (w *Worker) timeout(job *Job) time.Duration {
	if job.Opts.Timeout > 0 {
		return job.Opts.Timeout
	}
	return w.opts.JobTimeout
}

func (w *Worker) reap(ctx context.Context) {
	ticker := time.NewTicker(w.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		jobs, err := w.queue.Reap(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("reap expired jobs failed")
		}
		for _, job := range jobs {
			w.logger.Warn().
				Str("job", job.Name).
				Str("job_id", job.ID).
				Int("attempts_made", job.AttemptsMade).
				Bool("retrying", !job.Exhausted()).
				Msg("reclaimed job with expired lease")
			w.handler.OnFailed(ctx, job, ErrLeaseExpired)
		}
	}
}

// RunJob processes one reserved job and settles it on the queue.
func (w *Worker) RunJob(ctx context.Context, job *Job) {
	log := w.logger.With().Str("job", job.Name).Str("job_id", job.ID).Int("attempt", job.AttemptsMade+1).Logger()
	log.Debug().Msg("processing job")

	result, err := w.process(ctx, job)
	if err == nil {
		if cerr := w.queue.Complete(ctx, job, result); errors.Is(cerr, ErrLeaseExpired) {
			log.Warn().Msg("job finished after its lease was reclaimed")
		} else if cerr != nil {
			log.Error().Err(cerr).Msg("failed to mark job complete")
		}
		w.handler.OnComplete(ctx, job, result)
		return
	}

	retrying, ferr := w.queue.Fail(ctx, job, err)
	if errors.Is(ferr, ErrLeaseExpired) {
		// Reap already counted this attempt and reported it
		log.Warn().Err(err).Msg("job failed after its lease was reclaimed")
		return
	}
	if ferr != nil {
		log.Error().Err(ferr).Msg("failed to record job failure")
	}
	log.Warn().Err(err).Bool("retrying", retrying).Int("attempts_made", job.AttemptsMade).Msg("job attempt failed")
	w.handler.OnFailed(ctx, job, err)
}

func (w *Worker) process(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return w.handler.Process(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
