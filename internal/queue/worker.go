package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes one job. A nil return completes the job; an error fails
// the attempt and the retryable callback decides whether it backs off.
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions tunes the worker pool.
type WorkerOptions struct {
	// Concurrency is the number of goroutines pulling jobs.
	Concurrency int
	// StallThreshold marks active jobs older than this as stalled.
	StallThreshold time.Duration
	// RequeueStalled re-enqueues stalled jobs instead of only logging them.
	// Off by default: a stalled job may still be running in another process,
	// and requeueing it would double-send.
	RequeueStalled bool
	// DrainTimeout bounds how long Stop waits for in-flight jobs.
	DrainTimeout time.Duration
	// Retryable classifies handler errors; nil treats every error as
	// permanent.
	Retryable func(error) bool
}

// Worker runs a pool of job processors over one queue, with a delayed-job
// promoter and a stall scrubber.
type Worker struct {
	queue   *Queue
	handler Handler
	opts    WorkerOptions
	log     zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker pool. Zero option fields get safe defaults.
func NewWorker(q *Queue, handler Handler, opts WorkerOptions, logger zerolog.Logger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = 60 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	return &Worker{
		queue:   q,
		handler: handler,
		opts:    opts,
		log:     logger.With().Str("component", "queue-worker").Logger(),
	}
}

// Start launches the pool, the promoter, and the stall scrubber. It returns
// immediately; call Stop to drain.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.runLoop(ctx, i)
	}
	w.wg.Add(1)
	go w.runPromoter(ctx)
	w.wg.Add(1)
	go w.runStallScrubber(ctx)

	w.log.Info().Int("concurrency", w.opts.Concurrency).Msg("Queue workers started")
}

// Stop cancels the pool and waits up to DrainTimeout for in-flight jobs.
// Jobs still running at the deadline stay in active and are picked up by the
// stall scrubber after restart.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.log.Info().Msg("Queue workers drained")
	case <-time.After(w.opts.DrainTimeout):
		w.log.Warn().Dur("timeout", w.opts.DrainTimeout).Msg("Queue worker drain timed out")
	}
}

func (w *Worker) runLoop(ctx context.Context, n int) {
	defer w.wg.Done()
	log := w.log.With().Int("worker", n).Logger()

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Next(ctx, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, job, log)
	}
}

func (w *Worker) process(ctx context.Context, job *Job, log zerolog.Logger) {
	start := time.Now()
	err := w.safeHandle(ctx, job)
	if err == nil {
		if cerr := w.queue.Complete(ctx, job.ID); cerr != nil {
			log.Error().Err(cerr).Str("job_id", job.ID).Msg("Complete failed")
		}
		log.Info().Str("job_id", job.ID).Dur("took", time.Since(start)).Msg("Job completed")
		return
	}

	// Shutdown mid-job: the attempt did not run to completion, so always
	// reschedule rather than burn the attempt budget.
	reason := err.Error()
	if errors.Is(err, context.Canceled) {
		reason = "shutdown"
	}
	retryable := errors.Is(err, context.Canceled) ||
		(w.opts.Retryable != nil && w.opts.Retryable(err))

	// Failing needs a live context even when ctx is canceled.
	failCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ferr := w.queue.Fail(failCtx, job, reason, retryable); ferr != nil {
		log.Error().Err(ferr).Str("job_id", job.ID).Msg("Fail bookkeeping failed")
	}
}

// safeHandle isolates handler panics so one malformed job cannot take the
// worker down.
func (w *Worker) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) runPromoter(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.Promote(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("Delayed job promotion failed")
			}
		}
	}
}

func (w *Worker) runStallScrubber(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.StallThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stalled, err := w.queue.Stalled(ctx, w.opts.StallThreshold)
			if err != nil {
				if ctx.Err() == nil {
					w.log.Error().Err(err).Msg("Stall scan failed")
				}
				continue
			}
			for _, job := range stalled {
				w.log.Warn().Str("job_id", job.ID).Time("processed_on", *job.ProcessedOn).Msg("Stalled job detected")
				if w.opts.RequeueStalled {
					if err := w.queue.Requeue(ctx, job.ID); err != nil {
						w.log.Error().Err(err).Str("job_id", job.ID).Msg("Stalled job requeue failed")
					}
				}
			}
		}
	}
}
