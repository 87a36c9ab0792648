// Package engine wires the sync pipeline together: it fans node changes
// out to the local mirror and the remote store through the per-account
// queue, retries failed pushes, and runs the periodic reconcile.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/notesync/internal/cloudsync"
	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/mirror"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/syncqueue"
	"github.com/alexjbarnes/notesync/internal/tree"
	"github.com/cenkalti/backoff/v5"
)

const (
	defaultReconcileInterval = 20 * time.Second
	defaultRetryBackoff      = 30 * time.Second
	defaultRetryAttempts     = 3
)

// Store is the subset of the state store the engine reads.
type Store interface {
	Tree(accountID string) (*tree.Tree, error)
	Accounts() ([]string, error)
	AllStorageConfigs() ([]models.StorageConfig, error)
}

// Options configure an Engine. A zero interval or attempt count takes
// the default; a zero backoff retries immediately.
type Options struct {
	ReconcileInterval time.Duration
	RetryBackoff      time.Duration
	RetryAttempts     int
	Metrics           *metrics.Collector
	Logger            *slog.Logger
}

// Status describes an account's background sync activity.
type Status struct {
	Busy        bool   `json:"busy"`
	LastError   string `json:"lastError,omitempty"`
	LastErrorAt int64  `json:"lastErrorAt,omitempty"`
}

// Engine owns no state of its own beyond in-flight retries; ordering and
// mutual exclusion come from the queue.
type Engine struct {
	ctx        context.Context
	store      Store
	queue      *syncqueue.Queue
	mirror     *mirror.Mirror
	cloud      *cloudsync.Client
	reconciler *cloudsync.Reconciler
	metrics    *metrics.Collector
	logger     *slog.Logger

	interval time.Duration
	backoff  time.Duration
	attempts int

	retries sync.WaitGroup

	mu       sync.Mutex
	failures map[string]*syncqueue.JobError
}

// New creates an engine. Retries started by PushWithRetry stop when ctx
// is cancelled.
func New(ctx context.Context, store Store, q *syncqueue.Queue, m *mirror.Mirror, cloud *cloudsync.Client, r *cloudsync.Reconciler, opts Options) *Engine {
	e := &Engine{
		ctx:        ctx,
		store:      store,
		queue:      q,
		mirror:     m,
		cloud:      cloud,
		reconciler: r,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		failures:   make(map[string]*syncqueue.JobError),
		interval:   opts.ReconcileInterval,
		backoff:    opts.RetryBackoff,
		attempts:   opts.RetryAttempts,
	}

	if e.interval <= 0 {
		e.interval = defaultReconcileInterval
	}

	if e.backoff < 0 {
		e.backoff = defaultRetryBackoff
	}

	if e.attempts < 1 {
		e.attempts = defaultRetryAttempts
	}

	return e
}

// PushNodes queues a mirror and remote push of the given nodes. Folders
// are pushed with their whole subtree, since a folder rename moves every
// descendant's path.
func (e *Engine) PushNodes(accountID string, ids ...string) error {
	return e.queue.Submit(accountID, func(ctx context.Context) error {
		return e.pushNodes(ctx, accountID, ids)
	})
}

// PushDelete queues removal of rel from the mirror and the remote.
func (e *Engine) PushDelete(accountID, rel string) error {
	return e.queue.Submit(accountID, func(ctx context.Context) error {
		return e.pushDelete(ctx, accountID, rel)
	})
}

// PushWithRetry pushes one node in the background, retrying with a
// constant backoff. Exhausted retries are logged and dropped.
func (e *Engine) PushWithRetry(accountID, id string) {
	e.retries.Add(1)

	go func() {
		defer e.retries.Done()

		attempt := 0
		op := func() (struct{}, error) {
			attempt++

			err := e.queue.Do(e.ctx, accountID, func(ctx context.Context) error {
				return e.pushNodes(ctx, accountID, []string{id})
			})

			switch {
			case err == nil:
				return struct{}{}, nil
			case errors.Is(err, apperrors.ErrPathUnsafe), errors.Is(err, syncqueue.ErrClosed):
				return struct{}{}, backoff.Permanent(err)
			}

			e.logger.Debug("push attempt failed",
				slog.String("account", accountID),
				slog.String("node", id),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			return struct{}{}, err
		}

		_, err := backoff.Retry(e.ctx, op,
			backoff.WithBackOff(backoff.NewConstantBackOff(e.backoff)),
			backoff.WithMaxTries(uint(e.attempts)),
			backoff.WithMaxElapsedTime(0),
		)
		if err != nil && e.ctx.Err() == nil {
			e.logger.Warn("giving up on node push",
				slog.String("account", accountID),
				slog.String("node", id),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until every retry started by PushWithRetry has finished.
func (e *Engine) Wait() {
	e.retries.Wait()
}

// SyncNow runs a reconcile for the account inside its queue and waits
// for the result.
func (e *Engine) SyncNow(ctx context.Context, accountID string) (cloudsync.Result, error) {
	results := make(chan cloudsync.Result, 1)

	err := e.queue.Do(ctx, accountID, func(ctx context.Context) error {
		res, err := e.reconciler.Reconcile(ctx, accountID)
		results <- res

		return err
	})

	if err == nil {
		e.mu.Lock()
		delete(e.failures, accountID)
		e.mu.Unlock()
	}

	select {
	case res := <-results:
		return res, err
	default:
		return cloudsync.Result{}, err
	}
}

// Status reports whether the account has sync work in flight and the
// last background failure seen by DrainFailures, if any.
func (e *Engine) Status(accountID string) Status {
	st := Status{Busy: e.queue.Busy(accountID)}

	e.mu.Lock()
	defer e.mu.Unlock()

	if f, ok := e.failures[accountID]; ok {
		st.LastError = f.Err.Error()
		st.LastErrorAt = f.At.UnixMilli()
	}

	return st
}

// DrainFailures consumes the queue's background job failures until ctx
// is cancelled, counting each one and keeping the latest per account.
func (e *Engine) DrainFailures(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-e.queue.Errors():
			e.recordFailure(err)
		}
	}
}

func (e *Engine) recordFailure(err error) {
	var jobErr *syncqueue.JobError
	if !errors.As(err, &jobErr) {
		return
	}

	e.metrics.JobFailed(jobErr.AccountID)

	e.mu.Lock()
	e.failures[jobErr.AccountID] = jobErr
	e.mu.Unlock()
}

// Run rebuilds the mirror of every account, then reconciles each account
// with a remote backend every interval, skipping accounts that already
// have work queued. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.rebuildMirrors()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			e.scheduleReconciles()
		}
	}
}

func (e *Engine) rebuildMirrors() {
	accounts, err := e.store.Accounts()
	if err != nil {
		e.logger.Warn("listing accounts for mirror rebuild", slog.String("error", err.Error()))
		return
	}

	for _, acct := range accounts {
		err := e.queue.Submit(acct, func(context.Context) error {
			if err := e.mirror.Rebuild(acct); err != nil {
				return fmt.Errorf("rebuilding mirror: %w", err)
			}

			return nil
		})
		if err != nil {
			e.logger.Warn("queueing mirror rebuild",
				slog.String("account", acct),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) scheduleReconciles() {
	configs, err := e.store.AllStorageConfigs()
	if err != nil {
		e.logger.Warn("loading storage configs", slog.String("error", err.Error()))
		return
	}

	for _, cfg := range configs {
		if !cfg.IsRemote() {
			continue
		}

		acct := cfg.AccountID

		queued := e.queue.TrySubmit(acct, func(ctx context.Context) error {
			res, err := e.reconciler.Reconcile(ctx, acct)
			if err != nil {
				return fmt.Errorf("reconcile (pushed %d, failed %d, pruned %d): %w", res.Pushed, res.Failed, res.Pruned, err)
			}

			return nil
		})
		if !queued {
			e.logger.Debug("account busy, skipping reconcile", slog.String("account", acct))
		}
	}
}

// batch pushes nodes from one tree snapshot, each node at most once.
// Failures are collected so one bad node does not stop the rest.
type batch struct {
	e         *Engine
	ctx       context.Context
	accountID string
	t         *tree.Tree
	seen      map[string]bool
	errs      []error
}

func (e *Engine) newBatch(ctx context.Context, accountID string, t *tree.Tree) *batch {
	return &batch{e: e, ctx: ctx, accountID: accountID, t: t, seen: make(map[string]bool)}
}

func (b *batch) push(n models.Node) {
	if b.seen[n.ID] {
		return
	}

	b.seen[n.ID] = true

	if err := b.e.mirror.UpsertInTree(b.accountID, b.t, n); err != nil {
		b.errs = append(b.errs, fmt.Errorf("mirror %s: %w", n.ID, err))
	}

	if err := b.e.cloud.UpsertInTree(b.ctx, b.accountID, b.t, n); err != nil {
		b.errs = append(b.errs, fmt.Errorf("remote %s: %w", n.ID, err))
	}
}

// realign pushes every node the mirror holds at a path it no longer
// resolves to. Creating, renaming or deleting one of several same-named
// siblings shifts the others' unique names. Old remote objects are
// removed unless another node now resolves to that path.
func (b *batch) realign() {
	drifts := b.e.mirror.Drifted(b.accountID, b.t)
	if len(drifts) == 0 {
		return
	}

	current := make(map[string]bool)
	for _, p := range b.t.Paths() {
		current[p] = true
	}

	for _, d := range drifts {
		b.e.logger.Debug("realigning node",
			slog.String("account", b.accountID),
			slog.String("node", d.Node.ID),
			slog.String("from", d.From),
			slog.String("to", d.To),
		)
		b.push(d.Node)
	}

	for _, d := range drifts {
		if current[d.From] {
			continue
		}

		if err := b.e.cloud.Delete(b.ctx, b.accountID, d.From); err != nil {
			b.errs = append(b.errs, fmt.Errorf("remote %s: %w", d.From, err))
		}
	}
}

func (b *batch) err() error {
	return errors.Join(b.errs...)
}

// pushNodes writes each node to the mirror, then to the remote, followed
// by any siblings whose paths moved as a result.
func (e *Engine) pushNodes(ctx context.Context, accountID string, ids []string) error {
	t, err := e.store.Tree(accountID)
	if err != nil {
		return err
	}

	b := e.newBatch(ctx, accountID, t)

	for _, id := range ids {
		n, ok := t.Node(id)
		if !ok {
			// Deleted since it was queued.
			continue
		}

		b.push(n)

		if n.IsFolder() {
			for _, d := range t.Descendants(id) {
				b.push(d)
			}
		}
	}

	b.realign()

	return b.err()
}

func (e *Engine) pushDelete(ctx context.Context, accountID, rel string) error {
	var errs []error

	if err := e.mirror.Delete(accountID, rel); err != nil {
		errs = append(errs, fmt.Errorf("mirror: %w", err))
	}

	if err := e.cloud.Delete(ctx, accountID, rel); err != nil {
		errs = append(errs, fmt.Errorf("remote: %w", err))
	}

	if t, err := e.store.Tree(accountID); err != nil {
		errs = append(errs, err)
	} else {
		b := e.newBatch(ctx, accountID, t)
		b.realign()
		errs = append(errs, b.err())
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("deleting %s: %w", rel, err)
	}

	return nil
}
