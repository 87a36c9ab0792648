// Package cloudsync pushes note tree changes to an account's remote
// storage and reconciles the remote contents against the database.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/remotekey"
	"github.com/alexjbarnes/notesync/internal/storage"
	"github.com/alexjbarnes/notesync/internal/synclog"
	"github.com/alexjbarnes/notesync/internal/tree"
)

// Adapters returns the storage adapter of an account, or ErrNoRemote.
type Adapters interface {
	Get(accountID string) (storage.Adapter, error)
}

// TreeSource loads a path-resolving snapshot of an account's nodes.
type TreeSource interface {
	Tree(accountID string) (*tree.Tree, error)
}

// Client pushes single nodes and deletes single paths. Every remote
// operation, successful or not, is recorded in the sync log.
type Client struct {
	adapters Adapters
	trees    TreeSource
	log      *synclog.Log
	logger   *slog.Logger
}

// NewClient creates a client.
func NewClient(adapters Adapters, trees TreeSource, log *synclog.Log, logger *slog.Logger) *Client {
	return &Client{adapters: adapters, trees: trees, log: log, logger: logger}
}

// adapter returns the account's adapter. ok is false when the account has
// no usable remote, which is not an error for callers.
func (c *Client) adapter(accountID string) (storage.Adapter, bool, error) {
	a, err := c.adapters.Get(accountID)
	if errors.Is(err, apperrors.ErrNoRemote) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	return a, true, nil
}

// Upsert pushes n using a fresh snapshot of the account's tree.
func (c *Client) Upsert(ctx context.Context, accountID string, n models.Node) error {
	a, ok, err := c.adapter(accountID)
	if err != nil || !ok {
		return err
	}

	t, err := c.trees.Tree(accountID)
	if err != nil {
		return err
	}

	return c.upsert(ctx, accountID, a, t, n)
}

// UpsertInTree pushes n resolving its path against t. Bulk callers share
// one snapshot across many nodes.
func (c *Client) UpsertInTree(ctx context.Context, accountID string, t *tree.Tree, n models.Node) error {
	a, ok, err := c.adapter(accountID)
	if err != nil || !ok {
		return err
	}

	return c.upsert(ctx, accountID, a, t, n)
}

func (c *Client) upsert(ctx context.Context, accountID string, a storage.Adapter, t *tree.Tree, n models.Node) error {
	rel, err := t.RelativePath(n.ID)
	if err != nil {
		return err
	}

	return c.push(ctx, accountID, a, rel, n)
}

func (c *Client) push(ctx context.Context, accountID string, a storage.Adapter, rel string, n models.Node) error {
	key := remotekey.ForNode(accountID, rel, n.IsFolder())

	entry := synclog.Entry{
		AccountID:    accountID,
		Action:       synclog.ActionUpsertFile,
		RelativePath: rel,
		RemoteKey:    key,
	}

	var content []byte

	if n.IsFolder() {
		entry.Action = synclog.ActionUpsertFolder
	} else {
		content = []byte(n.Content)
		entry.ContentHash = synclog.ContentHash(content)
	}

	err := a.Upsert(ctx, key, content, n.IsFolder())
	c.record(entry, err)

	if err != nil {
		return fmt.Errorf("pushing %s: %w", rel, err)
	}

	return nil
}

// Delete removes the objects at rel: the file key and the folder
// placeholder key, since the caller may not know which one exists.
// Missing objects are not errors.
func (c *Client) Delete(ctx context.Context, accountID, rel string) error {
	a, ok, err := c.adapter(accountID)
	if err != nil || !ok {
		return err
	}

	var errs []error

	for _, key := range []string{remotekey.Key(accountID, rel), remotekey.FolderKey(accountID, rel)} {
		err := a.Delete(ctx, key)
		c.record(synclog.Entry{
			AccountID:    accountID,
			Action:       synclog.ActionDelete,
			RelativePath: rel,
			RemoteKey:    key,
		}, err)

		if err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Client) record(e synclog.Entry, err error) {
	e.Success = err == nil
	if err != nil {
		e.ErrorMessage = err.Error()

		c.logger.Warn("remote sync operation failed",
			slog.String("account", e.AccountID),
			slog.String("action", string(e.Action)),
			slog.String("key", e.RemoteKey),
			slog.String("error", err.Error()),
		)
	}

	c.log.Append(e)
}
