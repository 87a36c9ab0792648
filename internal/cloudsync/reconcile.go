package cloudsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/remotekey"
	"github.com/alexjbarnes/notesync/internal/synclog"
)

// Result summarizes one reconcile pass.
type Result struct {
	Pushed int
	Failed int
	Pruned int
}

// Reconciler makes an account's remote contents match the database: it
// re-pushes every node, then deletes remote objects no node maps to.
type Reconciler struct {
	client  *Client
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewReconciler creates a reconciler pushing through client.
func NewReconciler(client *Client, m *metrics.Collector, logger *slog.Logger) *Reconciler {
	return &Reconciler{client: client, metrics: m, logger: logger}
}

// Reconcile runs one pass for an account. Push failures are counted and
// do not stop the pass. If listing the remote fails nothing is pruned,
// since the set of orphans is unknown. The returned error is non-nil when
// anything failed.
func (r *Reconciler) Reconcile(ctx context.Context, accountID string) (Result, error) {
	var res Result

	a, ok, err := r.client.adapter(accountID)
	if err != nil {
		return res, err
	}

	if !ok {
		return res, nil
	}

	t, err := r.client.trees.Tree(accountID)
	if err != nil {
		return res, err
	}

	expected := make(map[string]bool, t.Len())

	for _, n := range t.Nodes() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rel, err := t.RelativePath(n.ID)
		if err != nil {
			res.Failed++
			continue
		}

		expected[remotekey.ForNode(accountID, rel, n.IsFolder())] = true

		if err := r.client.push(ctx, accountID, a, rel, n); err != nil {
			res.Failed++
			continue
		}

		res.Pushed++
	}

	keys, err := a.List(ctx, remotekey.Prefix(accountID))
	if err != nil {
		r.logger.Warn("listing remote failed, skipping prune",
			slog.String("account", accountID),
			slog.String("error", err.Error()),
		)

		err = fmt.Errorf("listing remote for %s: %w", accountID, err)
		r.metrics.ObserveReconcile(0, err)

		return res, err
	}

	orphans := make([]string, 0)

	for _, k := range keys {
		if !expected[k] {
			orphans = append(orphans, k)
		}
	}

	// Deepest keys first: deleting a WebDAV collection removes its
	// children, which would then fail or be reported twice.
	sort.Slice(orphans, func(i, j int) bool {
		if len(orphans[i]) != len(orphans[j]) {
			return len(orphans[i]) > len(orphans[j])
		}

		return orphans[i] < orphans[j]
	})

	pruneFailed := 0

	for _, key := range orphans {
		rel, _ := remotekey.TrimPrefix(accountID, key)
		err := a.Delete(ctx, key)

		r.client.record(synclog.Entry{
			AccountID:    accountID,
			Action:       synclog.ActionPrune,
			RelativePath: rel,
			RemoteKey:    key,
		}, err)

		if err != nil {
			pruneFailed++
			continue
		}

		res.Pruned++
	}

	if res.Failed > 0 || pruneFailed > 0 {
		err = fmt.Errorf("reconcile %s: %d pushes and %d prunes failed", accountID, res.Failed, pruneFailed)
	}

	r.metrics.ObserveReconcile(res.Pruned, err)

	r.logger.Info("reconcile complete",
		slog.String("account", accountID),
		slog.Int("pushed", res.Pushed),
		slog.Int("failed", res.Failed),
		slog.Int("pruned", res.Pruned),
	)

	return res, err
}
