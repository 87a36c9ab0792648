// Package syncqueue serializes sync work per account. Jobs for one account
// run strictly in submission order; different accounts run in parallel up
// to a worker limit.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/metrics"
	"golang.org/x/sync/semaphore"
)

const errorBuffer = 64

// ErrClosed is returned when submitting to a closed queue.
var ErrClosed = errors.New("sync queue closed")

// JobError is a failure of a background job, published on Errors.
type JobError struct {
	AccountID string
	At        time.Time
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("account %s: %v", e.AccountID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Job is one unit of sync work. ctx is cancelled when the queue's parent
// context is.
type Job func(ctx context.Context) error

type task struct {
	job  Job
	done chan error
}

type chain struct {
	pending []task
}

// Options configure a Queue.
type Options struct {
	// Workers bounds how many accounts run a job at the same time.
	Workers int
	// Limit caps pending jobs per account.
	Limit   int
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Queue holds one FIFO chain per account. A chain's goroutine exists only
// while the account has work, so an account with a chain is busy.
type Queue struct {
	ctx     context.Context
	sem     *semaphore.Weighted
	limit   int
	metrics *metrics.Collector
	logger  *slog.Logger
	errs    chan error

	mu     sync.Mutex
	chains map[string]*chain
	closed bool
	wg     sync.WaitGroup
}

// New creates a queue whose jobs run under ctx.
func New(ctx context.Context, opts Options) *Queue {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	limit := opts.Limit
	if limit < 1 {
		limit = 1
	}

	return &Queue{
		ctx:     ctx,
		sem:     semaphore.NewWeighted(int64(workers)),
		limit:   limit,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		errs:    make(chan error, errorBuffer),
		chains:  make(map[string]*chain),
	}
}

// Submit appends job to the account's chain. Errors the job returns are
// logged and published on Errors.
func (q *Queue) Submit(accountID string, job Job) error {
	return q.enqueue(accountID, task{job: job}, false)
}

// TrySubmit submits job only if the account has no queued or running
// work. The check and the submit are atomic.
func (q *Queue) TrySubmit(accountID string, job Job) bool {
	return q.enqueue(accountID, task{job: job}, true) == nil
}

// Do submits job and waits for its result. If ctx ends first Do returns
// ctx.Err() and the job still runs in order.
func (q *Queue) Do(ctx context.Context, accountID string, job Job) error {
	done := make(chan error, 1)

	if err := q.enqueue(accountID, task{job: job, done: done}, false); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Busy reports whether the account has queued or running work.
func (q *Queue) Busy(accountID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.chains[accountID]

	return ok
}

// Errors returns background job failures, each a *JobError. Errors are
// dropped when nobody drains the channel fast enough.
func (q *Queue) Errors() <-chan error {
	return q.errs
}

// Close stops accepting jobs and waits for every chain to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) enqueue(accountID string, t task, onlyIfIdle bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	c, running := q.chains[accountID]
	if running && onlyIfIdle {
		return fmt.Errorf("account %s busy", accountID)
	}

	if !running {
		c = &chain{}
		q.chains[accountID] = c
	}

	if len(c.pending) >= q.limit {
		return fmt.Errorf("account %s: %w", accountID, apperrors.ErrQueueFull)
	}

	c.pending = append(c.pending, t)
	q.metrics.SetQueueDepth(accountID, len(c.pending))

	if !running {
		q.wg.Add(1)
		go q.run(accountID, c)
	}

	return nil
}

func (q *Queue) run(accountID string, c *chain) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(c.pending) == 0 {
			delete(q.chains, accountID)
			q.mu.Unlock()
			q.metrics.SetQueueDepth(accountID, 0)

			return
		}

		t := c.pending[0]
		c.pending = c.pending[1:]
		depth := len(c.pending)
		q.mu.Unlock()

		q.metrics.SetQueueDepth(accountID, depth)

		err := q.exec(t.job)

		if t.done != nil {
			t.done <- err
			continue
		}

		if err != nil {
			q.report(accountID, err)
		}
	}
}

func (q *Queue) exec(job Job) (err error) {
	if err := q.sem.Acquire(q.ctx, 1); err != nil {
		return err
	}
	defer q.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync job panicked: %v", r)
		}
	}()

	return job(q.ctx)
}

func (q *Queue) report(accountID string, err error) {
	if q.logger != nil {
		q.logger.Warn("background sync job failed",
			slog.String("account", accountID),
			slog.String("error", err.Error()),
		)
	}

	select {
	case q.errs <- &JobError{AccountID: accountID, At: time.Now(), Err: err}:
	default:
	}
}
