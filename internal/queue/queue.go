// Package queue implements a durable Redis-backed job queue with retries,
// exponential backoff, delayed promotion, and stall detection. Job state
// moves between lists (waiting, active, failed) and a delayed sorted set;
// per-job metadata lives in a hash keyed by a monotonic id.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Sentinel errors for the queue package.
var (
	ErrJobNotFound  = errors.New("job not found")
	ErrNotRetryable = errors.New("job is not in failed state")
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateDelayed   JobState = "delayed"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Options tunes the retry policy for the whole queue.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// DefaultOptions is three attempts with a 2 s backoff base; attempt n waits
// 2^(n-1) times the base.
var DefaultOptions = Options{
	MaxAttempts: 3,
	BackoffBase: 2 * time.Second,
}

// Job is one queued unit of work as seen by workers and the status endpoint.
type Job struct {
	ID           string
	Data         []byte
	State        JobState
	AttemptsMade int
	MaxAttempts  int
	CreatedAt    time.Time
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
	FailedReason string
}

// Counts is a snapshot of queue depth per state. Completed jobs are removed
// on completion, so Completed counts acknowledgements, not stored jobs.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
	Total     int64 `json:"total"`
}

// Queue is a named durable queue on one Redis connection.
type Queue struct {
	rdb  *redis.Client
	name string
	opts Options
	log  zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a queue. Zero option fields fall back to DefaultOptions.
func New(rdb *redis.Client, name string, opts Options, logger zerolog.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultOptions.BackoffBase
	}
	return &Queue{
		rdb:  rdb,
		name: name,
		opts: opts,
		log:  logger.With().Str("queue", name).Logger(),
		now:  time.Now,
	}
}

func (q *Queue) key(parts ...string) string {
	out := "queue:" + q.name
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (q *Queue) waitingKey() string      { return q.key("waiting") }
func (q *Queue) activeKey() string       { return q.key("active") }
func (q *Queue) delayedKey() string      { return q.key("delayed") }
func (q *Queue) failedKey() string       { return q.key("failed") }
func (q *Queue) idKey() string           { return q.key("id") }
func (q *Queue) completedKey() string    { return q.key("completed") }
func (q *Queue) jobKey(id string) string { return q.key("job", id) }

// Add enqueues data and returns the new monotonic job id. A positive delay
// parks the job in the delayed set until its ready time.
func (q *Queue) Add(ctx context.Context, data []byte, delay time.Duration) (string, error) {
	seq, err := q.rdb.Incr(ctx, q.idKey()).Result()
	if err != nil {
		return "", fmt.Errorf("allocate job id: %w", err)
	}
	id := strconv.FormatInt(seq, 10)
	now := q.now()

	state := StateWaiting
	if delay > 0 {
		state = StateDelayed
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), map[string]any{
		"data":         data,
		"state":        string(state),
		"attemptsMade": 0,
		"maxAttempts":  q.opts.MaxAttempts,
		"createdAt":    now.UnixMilli(),
	})
	if delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: id})
	} else {
		pipe.LPush(ctx, q.waitingKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return id, nil
}

// Next blocks until a waiting job is available, moves it to active, and
// returns it. A nil job with nil error means the block timed out.
func (q *Queue) Next(ctx context.Context, block time.Duration) (*Job, error) {
	id, err := q.rdb.BLMove(ctx, q.waitingKey(), q.activeKey(), "RIGHT", "LEFT", block).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	now := q.now()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), "state", string(StateActive), "processedOn", now.UnixMilli())
	pipe.HIncrBy(ctx, q.jobKey(id), "attemptsMade", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("activate job %s: %w", id, err)
	}
	return q.Get(ctx, id)
}

// Complete acknowledges a finished job. Completed jobs are removed and only
// counted; delivery outcomes persist in the relational store.
func (q *Queue) Complete(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, id)
	pipe.Del(ctx, q.jobKey(id))
	pipe.Incr(ctx, q.completedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. Jobs with attempts left go to the delayed
// set with exponential backoff; exhausted jobs land in the failed list and
// stay there for inspection and manual retry.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string, retryable bool) error {
	id := job.ID
	if retryable && job.AttemptsMade < job.MaxAttempts {
		delay := q.Backoff(job.AttemptsMade)
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.activeKey(), 1, id)
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateDelayed), "failedReason", reason)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(q.now().Add(delay).UnixMilli()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("reschedule job %s: %w", id, err)
		}
		q.log.Warn().Str("job_id", id).Int("attempt", job.AttemptsMade).Dur("backoff", delay).Str("reason", reason).Msg("Job attempt failed, backing off")
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, id)
	pipe.HSet(ctx, q.jobKey(id), "state", string(StateFailed), "failedReason", reason, "finishedOn", q.now().UnixMilli())
	pipe.LPush(ctx, q.failedKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	q.log.Error().Str("job_id", id).Int("attempts", job.AttemptsMade).Str("reason", reason).Msg("Job failed permanently")
	return nil
}

// Backoff returns the delay before the attempt after attemptsMade failed
// tries: base * 2^(attemptsMade-1).
func (q *Queue) Backoff(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return q.opts.BackoffBase << (attemptsMade - 1)
}

// Retry re-enqueues a permanently failed job with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateFailed {
		return fmt.Errorf("%w: job %s is %s", ErrNotRetryable, id, job.State)
	}
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.failedKey(), 0, id)
	pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting), "attemptsMade", 0, "failedReason", "")
	pipe.HDel(ctx, q.jobKey(id), "finishedOn")
	pipe.LPush(ctx, q.waitingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	return nil
}

// Get loads a job's metadata. Completed jobs no longer exist here.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job := &Job{
		ID:           id,
		Data:         []byte(fields["data"]),
		State:        JobState(fields["state"]),
		FailedReason: fields["failedReason"],
	}
	job.AttemptsMade, _ = strconv.Atoi(fields["attemptsMade"])
	job.MaxAttempts, _ = strconv.Atoi(fields["maxAttempts"])
	if ms, err := strconv.ParseInt(fields["createdAt"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["processedOn"], 10, 64); err == nil {
		t := time.UnixMilli(ms)
		job.ProcessedOn = &t
	}
	if ms, err := strconv.ParseInt(fields["finishedOn"], 10, 64); err == nil {
		t := time.UnixMilli(ms)
		job.FinishedOn = &t
	}
	return job, nil
}

// Promote moves delayed jobs whose ready time has passed into waiting and
// returns how many were moved.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed jobs: %w", err)
	}
	for _, id := range ids {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
		pipe.LPush(ctx, q.waitingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("promote job %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// Stalled returns active jobs whose last activation is older than threshold.
func (q *Queue) Stalled(ctx context.Context, threshold time.Duration) ([]*Job, error) {
	ids, err := q.rdb.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan active jobs: %w", err)
	}
	cutoff := q.now().Add(-threshold)
	var stalled []*Job
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.ProcessedOn != nil && job.ProcessedOn.Before(cutoff) {
			stalled = append(stalled, job)
		}
	}
	return stalled, nil
}

// Requeue moves a stalled job from active back to waiting without consuming
// an attempt beyond the one already counted.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, id)
	pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
	pipe.HDel(ctx, q.jobKey(id), "processedOn")
	pipe.LPush(ctx, q.waitingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	return nil
}

// Metrics returns the current queue depth per state.
func (q *Queue) Metrics(ctx context.Context) (*Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey())
	active := pipe.LLen(ctx, q.activeKey())
	failed := pipe.LLen(ctx, q.failedKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	completed := pipe.Get(ctx, q.completedKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("collect queue metrics: %w", err)
	}

	counts := &Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
		Delayed: delayed.Val(),
	}
	if n, err := strconv.ParseInt(completed.Val(), 10, 64); err == nil {
		counts.Completed = n
	}
	counts.Total = counts.Waiting + counts.Active + counts.Failed + counts.Delayed + counts.Completed
	return counts, nil
}

// Clean bulk-removes terminal jobs. Only completed and failed states are
// cleanable; completed cleaning just resets the counter since those jobs are
// already gone.
func (q *Queue) Clean(ctx context.Context, state JobState) (int64, error) {
	switch state {
	case StateCompleted:
		n, err := q.rdb.GetDel(ctx, q.completedKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return 0, nil
			}
			return 0, fmt.Errorf("reset completed counter: %w", err)
		}
		count, _ := strconv.ParseInt(n, 10, 64)
		return count, nil
	case StateFailed:
		ids, err := q.rdb.LRange(ctx, q.failedKey(), 0, -1).Result()
		if err != nil {
			return 0, fmt.Errorf("scan failed jobs: %w", err)
		}
		pipe := q.rdb.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, q.jobKey(id))
		}
		pipe.Del(ctx, q.failedKey())
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("clean failed jobs: %w", err)
		}
		return int64(len(ids)), nil
	default:
		return 0, fmt.Errorf("state %q is not cleanable", state)
	}
}
