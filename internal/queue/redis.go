package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue stores jobs as JSON strings created with SETNX, a ready list, a delayed sorted set
// scored by due time in unix milliseconds and an active sorted set scored by lease expiry.
type RedisQueue struct {
	rdb    redis.UniversalClient
	prefix string
	lease  time.Duration
	poll   time.Duration
	now    func() time.Time
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithLease sets how long a reserved job may stay active before Reap reclaims it.
func WithLease(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// NewRedisQueue binds a queue named prefix to rdb.
func NewRedisQueue(rdb redis.UniversalClient, prefix string, opts ...RedisOption) *RedisQueue {
	if prefix == "" {
		prefix = "rebalancer:queue"
	}
	q := &RedisQueue{rdb: rdb, prefix: prefix, lease: DefaultLease, poll: 200 * time.Millisecond, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// reserveScript promotes due delayed ids, pops the oldest ready id and leases it in one step.
var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
local id = redis.call('RPOP', KEYS[2])
if not id then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], id)
return id
`)

// reapScript settles an expired lease unless the owning consumer settled it first.
var reapScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if ARGV[3] == 'remove' then
  redis.call('DEL', KEYS[2])
  return 1
end
redis.call('SET', KEYS[2], ARGV[2])
if ARGV[3] == 'retry' then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
  redis.call('SADD', KEYS[4], ARGV[1])
end
return 1
`)

// Ping checks the connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *RedisQueue) jobKey(id string) string { return q.prefix + ":job:" + id }
func (q *RedisQueue) waitKey() string         { return q.prefix + ":wait" }
func (q *RedisQueue) delayedKey() string      { return q.prefix + ":delayed" }
func (q *RedisQueue) activeKey() string       { return q.prefix + ":active" }
func (q *RedisQueue) stateKey(s State) string {
	return q.prefix + ":" + string(s)
}

func (q *RedisQueue) Add(ctx context.Context, name string, payload any, opts Options) (*Job, error) {
	data, err := encode(payload)
	if err != nil {
		return nil, err
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := q.now()
	job := &Job{ID: id, Name: name, Data: data, Opts: opts, State: StateWaiting, CreatedAt: now.UTC()}
	if opts.Delay > 0 {
		job.State = StateDelayed
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	created, err := q.rdb.SetNX(ctx, q.jobKey(id), raw, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("store job %s: %w", id, err)
	}
	if !created {
		return q.Get(ctx, id)
	}

	if opts.Delay > 0 {
		err = q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: score(now.Add(opts.Delay)), Member: id}).Err()
	} else {
		err = q.rdb.LPush(ctx, q.waitKey(), id).Err()
	}
	if err != nil {
		return nil, fmt.Errorf("schedule job %s: %w", id, err)
	}
	return job, nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) save(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.rdb.Set(ctx, q.jobKey(job.ID), raw, 0).Err()
}

func (q *RedisQueue) Reserve(ctx context.Context, wait time.Duration) (*Job, error) {
	deadline := q.now().Add(wait)
	for {
		job, err := q.reserve(ctx)
		if job != nil || err != nil {
			return job, err
		}
		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(minDuration(remaining, q.poll))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *RedisQueue) reserve(ctx context.Context) (*Job, error) {
	now := q.now()
	id, err := reserveScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.waitKey(), q.activeKey()},
		score(now), score(now.Add(q.lease)),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve job: %w", err)
	}

	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return nil, q.rdb.ZRem(ctx, q.activeKey(), id).Err()
	}
	if err != nil {
		return nil, err
	}
	job.State = StateActive
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *RedisQueue) UpdateData(ctx context.Context, job *Job, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	stored, err := q.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	stored.Data = data
	if err := q.save(ctx, stored); err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	job.Data = data
	return nil
}

// release drops the lease of job. It fails with ErrLeaseExpired when Reap already took it back.
func (q *RedisQueue) release(ctx context.Context, job *Job) error {
	removed, err := q.rdb.ZRem(ctx, q.activeKey(), job.ID).Result()
	if err != nil {
		return fmt.Errorf("release job %s: %w", job.ID, err)
	}
	if removed == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job, result any) error {
	raw, err := encode(result)
	if err != nil {
		return err
	}
	if err := q.release(ctx, job); err != nil {
		return err
	}
	if job.Opts.RemoveOnComplete {
		return q.rdb.Del(ctx, q.jobKey(job.ID)).Err()
	}
	job.State = StateCompleted
	job.ReturnValue = raw
	job.FinishedAt = q.now().UTC()
	if err := q.save(ctx, job); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return q.rdb.SAdd(ctx, q.stateKey(StateCompleted), job.ID).Err()
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	if err := q.release(ctx, job); err != nil {
		return false, err
	}

	if job.recordFailure(cause) {
		job.State = StateDelayed
		if err := q.save(ctx, job); err != nil {
			return false, fmt.Errorf("fail job %s: %w", job.ID, err)
		}
		due := q.now().Add(job.Opts.RetryDelay(job.AttemptsMade))
		if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: score(due), Member: job.ID}).Err(); err != nil {
			return false, fmt.Errorf("retry job %s: %w", job.ID, err)
		}
		return true, nil
	}

	job.State = StateFailed
	if job.Opts.RemoveOnFail {
		return false, q.rdb.Del(ctx, q.jobKey(job.ID)).Err()
	}
	job.FinishedAt = q.now().UTC()
	if err := q.save(ctx, job); err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return false, q.rdb.SAdd(ctx, q.stateKey(StateFailed), job.ID).Err()
}

func (q *RedisQueue) Reap(ctx context.Context) ([]*Job, error) {
	now := q.now()
	ids, err := q.rdb.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(score(now), 'f', 0, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}

	var reaped []*Job
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			if err := q.rdb.ZRem(ctx, q.activeKey(), id).Err(); err != nil {
				return reaped, fmt.Errorf("drop lease %s: %w", id, err)
			}
			continue
		}
		if err != nil {
			return reaped, err
		}

		mode, due := "fail", now
		if job.recordFailure(ErrLeaseExpired) {
			mode = "retry"
			job.State = StateDelayed
			due = now.Add(job.Opts.RetryDelay(job.AttemptsMade))
		} else {
			job.State = StateFailed
			job.FinishedAt = now.UTC()
			if job.Opts.RemoveOnFail {
				mode = "remove"
			}
		}
		raw, err := json.Marshal(job)
		if err != nil {
			return reaped, fmt.Errorf("encode job: %w", err)
		}
		settled, err := reapScript.Run(ctx, q.rdb,
			[]string{q.activeKey(), q.jobKey(id), q.delayedKey(), q.stateKey(StateFailed)},
			id, raw, mode, score(due),
		).Int()
		if err != nil {
			return reaped, fmt.Errorf("reap job %s: %w", id, err)
		}
		if settled == 1 {
			reaped = append(reaped, job)
		}
	}
	return reaped, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (map[State]int64, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.waitKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.ZCard(ctx, q.activeKey())
	completed := pipe.SCard(ctx, q.stateKey(StateCompleted))
	failed := pipe.SCard(ctx, q.stateKey(StateFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return map[State]int64{
		StateWaiting:   waiting.Val(),
		StateDelayed:   delayed.Val(),
		StateActive:    active.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

var _ Queue = (*RedisQueue)(nil)
