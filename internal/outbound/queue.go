// Package outbound turns local user actions into local echoes plus
// retryable server jobs. Jobs sharing a key run strictly in submission
// order; jobs with different keys run concurrently on a bounded pool.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	errs "github.com/steef435/riotx-sdk/internal/errors"
	"github.com/steef435/riotx-sdk/internal/matrix"
	"golang.org/x/sync/semaphore"
)

// JobStatus is the lifecycle of a queued job.
type JobStatus int

const (
	JobQueued JobStatus = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobCancelled
)

func (s JobStatus) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Job is one unit of outbound work.
type Job struct {
	// ID identifies the job for Cancel. Empty means a random ID.
	ID string
	// Key chains jobs: same-key jobs run one after another in order.
	Key string
	// Run performs the work. Errors wrapped as matrix transient errors
	// are retried with backoff; any other error fails the job.
	Run func(ctx context.Context) error
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
	// OnDone is called exactly once with the final result: nil,
	// the failure, or an error wrapping ErrJobCancelled. Jobs cut short
	// by Close also wrap ErrQueueClosed.
	OnDone func(err error)
}

// QueueConfig tunes the queue.
type QueueConfig struct {
	// Workers bounds how many jobs run at once across all keys.
	Workers int
	// MaxRetries is how many times a transient failure is retried.
	MaxRetries uint64
	// Backoff is the first retry delay; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Cancelable is a handle on work that can still be called off.
type Cancelable interface {
	// Cancel stops the work if it has not finished. It reports whether
	// anything was cancelled.
	Cancel() bool
}

// JobHandle tracks one enqueued job.
type JobHandle struct {
	id   string
	q    *Queue
	done chan struct{}

	mu     sync.Mutex
	status JobStatus
	err    error
}

// ID returns the job ID.
func (h *JobHandle) ID() string { return h.id }

// Done is closed when the job has finished in any way.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Status returns the current status.
func (h *JobHandle) Status() JobStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.status
}

// Err returns the final error once Done is closed.
func (h *JobHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.err
}

// Cancel cancels the job.
func (h *JobHandle) Cancel() bool {
	return h.q.Cancel(h.id)
}

// Wait blocks until the job finishes or ctx ends.
func (h *JobHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *JobHandle) setStatus(s JobStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status = s
}

type entry struct {
	job    Job
	handle *JobHandle
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Queue runs jobs. The zero value is not usable; call NewQueue.
type Queue struct {
	cfg    QueueConfig
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu     sync.Mutex
	chains map[string][]*entry
	byID   map[string]*entry
	closed bool
	wg     sync.WaitGroup
}

// NewQueue returns an empty queue.
func NewQueue(cfg QueueConfig, logger *slog.Logger) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}

	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		logger: logger,
		chains: make(map[string][]*entry),
		byID:   make(map[string]*entry),
	}
}

// Enqueue appends job to its key's chain. On a closed queue the job is
// finished immediately as cancelled.
func (q *Queue) Enqueue(job Job) *JobHandle {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	h := &JobHandle{id: job.ID, q: q, done: make(chan struct{})}
	ctx, cancel := context.WithCancelCause(context.Background())
	e := &entry{job: job, handle: h, ctx: ctx, cancel: cancel}

	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		q.finish(e, fmt.Errorf("%w: %w", errs.ErrJobCancelled, errs.ErrQueueClosed))

		return h
	}

	q.byID[job.ID] = e
	chain := q.chains[job.Key]
	q.chains[job.Key] = append(chain, e)

	if len(chain) == 0 {
		q.wg.Add(1)

		go q.drain(job.Key)
	}

	q.mu.Unlock()

	q.logger.Debug("job enqueued", slog.String("job_id", job.ID), slog.String("key", job.Key), slog.Int("position", len(chain)))

	return h
}

// drain runs a key's chain until it is empty.
func (q *Queue) drain(key string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()

		chain := q.chains[key]
		if len(chain) == 0 {
			delete(q.chains, key)
			q.mu.Unlock()

			return
		}

		e := chain[0]
		q.mu.Unlock()

		q.runEntry(e)

		q.mu.Lock()
		if c := q.chains[key]; len(c) > 0 && c[0] == e {
			q.chains[key] = c[1:]
		}
		q.mu.Unlock()
	}
}

func (q *Queue) runEntry(e *entry) {
	if e.ctx.Err() != nil {
		q.finish(e, cancelled(e.ctx))
		return
	}

	if err := q.sem.Acquire(e.ctx, 1); err != nil {
		q.finish(e, cancelled(e.ctx))
		return
	}

	e.handle.setStatus(JobRunning)
	err := q.execute(e)
	q.sem.Release(1)

	if err != nil && e.ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", cancelled(e.ctx), err)
	}

	q.finish(e, err)
}

// cancelled is the error a job ends with once ctx was cancelled. It
// carries the cancel cause so Close can be told apart from Cancel.
func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, errs.ErrJobCancelled) {
		return cause
	}

	return fmt.Errorf("%w: %w", errs.ErrJobCancelled, cause)
}

// execute runs the job with bounded exponential retries on transient
// failures.
func (q *Queue) execute(e *entry) error {
	b := retry.NewExponential(q.cfg.Backoff)
	b = retry.WithCappedDuration(q.cfg.MaxBackoff, b)
	b = retry.WithMaxRetries(q.cfg.MaxRetries, b)

	attempt := 0

	return retry.Do(e.ctx, b, func(ctx context.Context) error {
		attempt++

		err := e.job.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}

		if !matrix.IsTransient(err) {
			return err
		}

		q.logger.Warn("job attempt failed, retrying",
			slog.String("job_id", e.job.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if e.job.OnRetry != nil {
			e.job.OnRetry(attempt, err)
		}

		return retry.RetryableError(err)
	})
}

func (q *Queue) finish(e *entry, err error) {
	e.cancel(nil)

	q.mu.Lock()
	delete(q.byID, e.job.ID)
	q.mu.Unlock()

	status := JobSucceeded

	switch {
	case errors.Is(err, errs.ErrJobCancelled):
		status = JobCancelled
	case err != nil:
		status = JobFailed
		err = fmt.Errorf("%w: %w", errs.ErrOutboundJob, err)

		q.logger.Warn("job failed", slog.String("job_id", e.job.ID), slog.String("error", err.Error()))
	}

	if e.job.OnDone != nil {
		e.job.OnDone(err)
	}

	e.handle.mu.Lock()
	e.handle.status = status
	e.handle.err = err
	e.handle.mu.Unlock()

	close(e.handle.done)
}

// Cancel cancels a queued or running job. A queued job is removed from
// its chain without running.
func (q *Queue) Cancel(jobID string) bool {
	return q.cancel(jobID, errs.ErrJobCancelled)
}

func (q *Queue) cancel(jobID string, cause error) bool {
	q.mu.Lock()

	e, ok := q.byID[jobID]
	if !ok {
		q.mu.Unlock()
		return false
	}

	queued := e.handle.Status() == JobQueued
	if queued {
		chain := q.chains[e.job.Key]
		// The head of a chain is handed to runEntry; let it observe the
		// cancellation itself.
		for i := 1; i < len(chain); i++ {
			if chain[i] == e {
				q.chains[e.job.Key] = append(chain[:i:i], chain[i+1:]...)
				delete(q.byID, jobID)
				q.mu.Unlock()

				e.cancel(cause)
				q.finish(e, cancelled(e.ctx))

				return true
			}
		}
	}

	q.mu.Unlock()
	e.cancel(cause)

	return true
}

// CancelAll cancels every queued and running job.
func (q *Queue) CancelAll() {
	q.cancelAll(errs.ErrJobCancelled)
}

func (q *Queue) cancelAll(cause error) {
	q.mu.Lock()
	ids := make([]string, 0, len(q.byID))

	for id := range q.byID {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.cancel(id, cause)
	}
}

// Wait blocks until every chain has drained.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close cancels all work, waits for it to finish and rejects new jobs.
// Jobs stopped this way end with an error wrapping both ErrJobCancelled
// and ErrQueueClosed, so their owners can keep them for a later run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancelAll(fmt.Errorf("%w: %w", errs.ErrJobCancelled, errs.ErrQueueClosed))
	q.Wait()
}

// Pending returns how many jobs are queued or running.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.byID)
}
