// Package queue implements the Redis-backed queue substrate described in
// spec.md §4.A: named FIFO queues with per-job retry metadata, result TTL,
// a connection pool, and a dead-letter list.
//
// Delivery model: enqueue LPUSHes an encoded Job onto `queue:<name>:ready`.
// Reserve atomically BRPOPLPUSH's the tail into `queue:<name>:processing`
// and stamps a per-job lease key (`queue:<name>:lease:<id>`) with a TTL,
// giving at most one visible owner per job. Lease expiry is enforced by a
// reaper pass that Reserve runs before each pop: it re-queues jobs whose
// lease key has disappeared but which are still present in the processing
// list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

// RetryPolicy drives exponential-with-jitter backoff up to MaxRetries
// (spec.md §4.A), after which a job is moved to the dead-letter list.
type RetryPolicy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the spec's stated default of 3 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
}

// NextDelay returns the backoff delay before retry attempt n (1-indexed):
// the interval doubles from BaseDelay and is capped at MaxDelay, then a
// ±50% randomization is applied to it.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5

	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, err := b.NextBackOff()
		if err != nil {
			d = p.MaxDelay
			break
		}
		d = next
	}
	if d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// Config configures the Redis connection pool.
type Config struct {
	URL         string
	PoolSize    int
	TTL         time.Duration
	LeaseTTL    time.Duration
}

// DefaultConfig applies spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize: 10,
		TTL:      30 * 24 * time.Hour,
		LeaseTTL: 5 * time.Minute,
	}
}

// Queue is the Redis-backed implementation of the queue substrate.
type Queue struct {
	rdb    redis.UniversalClient
	cfg    Config
	log    logrus.FieldLogger
}

// New connects to Redis using cfg and returns a ready Queue. The caller
// owns the lifecycle of the returned client via Close.
func New(cfg Config, log logrus.FieldLogger) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "parse redis url")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	if poolSize > 50 {
		poolSize = 50
	}
	opts.PoolSize = poolSize

	rdb := redis.NewClient(opts)
	return FromClient(rdb, cfg, log), nil
}

// FromClient wraps an already-constructed redis client, letting tests
// inject a miniredis-backed client.
func FromClient(rdb redis.UniversalClient, cfg Config, log logrus.FieldLogger) *Queue {
	if cfg.TTL == 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if log == nil {
		log = logrus.New()
	}
	return &Queue{rdb: rdb, cfg: cfg, log: log}
}

func (q *Queue) Close() error {
	if closer, ok := q.rdb.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func readyKey(queueName string) string      { return fmt.Sprintf("queue:%s:ready", queueName) }
func processingKey(queueName string) string { return fmt.Sprintf("queue:%s:processing", queueName) }
func leaseKey(queueName, jobID string) string {
	return fmt.Sprintf("queue:%s:lease:%s", queueName, jobID)
}
func jobKey(queueName, jobID string) string   { return fmt.Sprintf("queue:%s:job:%s", queueName, jobID) }
func deferredKey(queueName string) string     { return fmt.Sprintf("queue:%s:deferred", queueName) }
func deadLetterKey(queueName string) string   { return fmt.Sprintf("queue:%s:dead_letter", queueName) }

// Enqueue pushes a new job onto queue and returns its generated ID.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload []byte, metadata map[string]string) (string, error) {
	job := types.Job{
		ID:        uuid.NewString(),
		Queue:     queueName,
		Payload:   payload,
		Metadata:  metadata,
		Status:    types.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.store(ctx, job); err != nil {
		return "", err
	}
	if err := q.rdb.LPush(ctx, readyKey(queueName), job.ID).Err(); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeStorage, "enqueue job")
	}
	return job.ID, nil
}

func (q *Queue) store(ctx context.Context, job types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal job")
	}
	if err := q.rdb.Set(ctx, jobKey(job.Queue, job.ID), data, q.cfg.TTL).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "store job")
	}
	return nil
}

func (q *Queue) load(ctx context.Context, queueName, jobID string) (*types.Job, error) {
	data, err := q.rdb.Get(ctx, jobKey(queueName, jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, apperrors.NewNotFoundError("job")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "load job")
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshal job")
	}
	return &job, nil
}

// Reserve atomically moves the next job to the processing list and grants
// the caller an exclusive lease. Returns (nil, nil) if the queue is empty.
func (q *Queue) Reserve(ctx context.Context, queueName, workerID string) (*types.Job, error) {
	q.requeueDue(ctx, queueName)

	jobID, err := q.rdb.BRPopLPush(ctx, readyKey(queueName), processingKey(queueName), time.Second).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "reserve job")
	}

	job, err := q.load(ctx, queueName, jobID)
	if err != nil {
		return nil, err
	}

	ok, err := q.rdb.SetNX(ctx, leaseKey(queueName, jobID), workerID, q.cfg.LeaseTTL).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "acquire lease")
	}
	if !ok {
		// Another worker still holds an unexpired lease on a job that
		// somehow reappeared in `ready`; put it back and report empty.
		q.rdb.LPush(ctx, readyKey(queueName), jobID)
		q.rdb.LRem(ctx, processingKey(queueName), 1, jobID)
		return nil, nil
	}

	job.Status = types.JobRunning
	if err := q.store(ctx, *job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete marks a job as completed and removes it from the processing
// set and its lease. Result TTL is inherited from the job's existing key.
func (q *Queue) Complete(ctx context.Context, queueName, jobID string, result types.JobResult) error {
	job, err := q.load(ctx, queueName, jobID)
	if err != nil {
		return err
	}
	job.Status = types.JobCompleted
	job.Result = &result
	if err := q.store(ctx, *job); err != nil {
		return err
	}
	q.rdb.LRem(ctx, processingKey(queueName), 1, jobID)
	q.rdb.Del(ctx, leaseKey(queueName, jobID))
	return nil
}

// Fail records a failure. If the job's retry count is below policy's
// MaxRetries, it is requeued for retry after a backoff delay; otherwise it
// moves to the dead-letter list.
func (q *Queue) Fail(ctx context.Context, queueName, jobID string, cause error, policy RetryPolicy) error {
	job, err := q.load(ctx, queueName, jobID)
	if err != nil {
		return err
	}
	job.RetryCount++
	q.rdb.LRem(ctx, processingKey(queueName), 1, jobID)
	q.rdb.Del(ctx, leaseKey(queueName, jobID))

	if job.RetryCount > policy.MaxRetries {
		job.Status = types.JobFailed
		job.Result = &types.JobResult{Error: cause.Error()}
		if err := q.store(ctx, *job); err != nil {
			return err
		}
		return q.rdb.LPush(ctx, deadLetterKey(queueName), jobID).Err()
	}

	delay := policy.NextDelay(job.RetryCount)
	job.Status = types.JobDeferred
	if err := q.store(ctx, *job); err != nil {
		return err
	}
	return q.Defer(ctx, queueName, jobID, time.Now().Add(delay))
}

// Defer schedules a job to return to the ready queue no earlier than
// notBefore.
func (q *Queue) Defer(ctx context.Context, queueName, jobID string, notBefore time.Time) error {
	job, err := q.load(ctx, queueName, jobID)
	if err == nil {
		job.Status = types.JobDeferred
		_ = q.store(ctx, *job)
	}
	q.rdb.LRem(ctx, processingKey(queueName), 1, jobID)
	q.rdb.Del(ctx, leaseKey(queueName, jobID))
	return q.rdb.ZAdd(ctx, deferredKey(queueName), redis.Z{
		Score:  float64(notBefore.UnixNano()),
		Member: jobID,
	}).Err()
}

// DeferWithRetry behaves like Defer but also increments the job's retry
// count and returns the new count. Callers that manage their own
// deferred-retry escalation outside of Fail's MaxRetries/dead-letter policy
// (the alignment worker's auth and quota failure paths) use this instead of
// Defer so repeated same-kind failures are still counted.
func (q *Queue) DeferWithRetry(ctx context.Context, queueName, jobID string, notBefore time.Time) (int, error) {
	job, err := q.load(ctx, queueName, jobID)
	if err != nil {
		return 0, err
	}
	job.RetryCount++
	job.Status = types.JobDeferred
	if err := q.store(ctx, *job); err != nil {
		return 0, err
	}
	q.rdb.LRem(ctx, processingKey(queueName), 1, jobID)
	q.rdb.Del(ctx, leaseKey(queueName, jobID))
	if err := q.rdb.ZAdd(ctx, deferredKey(queueName), redis.Z{
		Score:  float64(notBefore.UnixNano()),
		Member: jobID,
	}).Err(); err != nil {
		return job.RetryCount, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "defer job")
	}
	return job.RetryCount, nil
}

// requeueDue moves any deferred jobs whose notBefore has elapsed back onto
// the ready list. It also reaps processing-list entries whose lease has
// expired (lease TTL already evicted the key; a missing lease for an entry
// still in `processing` means the owning worker died or overran its
// deadline).
func (q *Queue) requeueDue(ctx context.Context, queueName string) {
	now := float64(time.Now().UnixNano())
	due, err := q.rdb.ZRangeByScore(ctx, deferredKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return
	}
	for _, jobID := range due {
		q.rdb.ZRem(ctx, deferredKey(queueName), jobID)
		q.rdb.LPush(ctx, readyKey(queueName), jobID)
	}

	processing, err := q.rdb.LRange(ctx, processingKey(queueName), 0, -1).Result()
	if err != nil {
		return
	}
	for _, jobID := range processing {
		exists, err := q.rdb.Exists(ctx, leaseKey(queueName, jobID)).Result()
		if err == nil && exists == 0 {
			q.rdb.LRem(ctx, processingKey(queueName), 1, jobID)
			q.rdb.LPush(ctx, readyKey(queueName), jobID)
			q.log.WithField("job_id", jobID).Warn("reclaimed job with expired lease")
		}
	}
}

// Length returns the number of jobs currently ready on queue.
func (q *Queue) Length(ctx context.Context, queueName string) (int64, error) {
	n, err := q.rdb.LLen(ctx, readyKey(queueName)).Result()
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "queue length")
	}
	return n, nil
}

// DeadLetterDrain pops and returns every job currently dead-lettered on
// queueName.
func (q *Queue) DeadLetterDrain(ctx context.Context, queueName string) ([]*types.Job, error) {
	var jobs []*types.Job
	for {
		jobID, err := q.rdb.RPop(ctx, deadLetterKey(queueName)).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return jobs, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "drain dead letter")
		}
		job, err := q.load(ctx, queueName, jobID)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DeadLetterPeek returns every job currently dead-lettered on queueName
// without removing them, for operator inspection (cmd/scraper-cli
// "dead-letter list").
func (q *Queue) DeadLetterPeek(ctx context.Context, queueName string) ([]*types.Job, error) {
	ids, err := q.rdb.LRange(ctx, deadLetterKey(queueName), 0, -1).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "peek dead letter")
	}
	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, queueName, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// jitter returns a random duration in [0, d).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
