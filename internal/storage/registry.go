package storage

import (
	"fmt"
	"log/slog"
	"sync"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/secret"
)

// ConfigSource loads an account's storage config. Accounts with no saved
// config get a local config with a zero UpdatedAt.
type ConfigSource interface {
	GetStorageConfig(accountID string) (models.StorageConfig, error)
}

// Factory builds an adapter from a config. New is the production factory.
type Factory func(cfg models.StorageConfig, box *secret.Box, opts Options) (Adapter, error)

type entry struct {
	version int64
	adapter Adapter
}

// Registry hands out one adapter per account and rebuilds it when the
// account's config changes. Each adapter sits behind its own circuit
// breaker.
type Registry struct {
	configs ConfigSource
	box     *secret.Box
	opts    Options
	factory Factory

	mu      sync.Mutex
	entries map[string]entry
}

// NewRegistry creates a registry using New to build adapters.
func NewRegistry(configs ConfigSource, box *secret.Box, opts Options) *Registry {
	return &Registry{
		configs: configs,
		box:     box,
		opts:    opts,
		factory: New,
		entries: make(map[string]entry),
	}
}

// WithFactory replaces the adapter factory. Tests use it to inject
// in-memory adapters.
func (r *Registry) WithFactory(f Factory) *Registry {
	r.factory = f
	return r
}

// Get returns the account's adapter. It returns ErrNoRemote (possibly
// wrapped) when the account has no usable remote.
func (r *Registry) Get(accountID string) (Adapter, error) {
	cfg, err := r.configs.GetStorageConfig(accountID)
	if err != nil {
		return nil, fmt.Errorf("loading storage config for %s: %w", accountID, err)
	}

	if !cfg.IsRemote() {
		r.Invalidate(accountID)
		return nil, apperrors.ErrNoRemote
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[accountID]; ok && e.version == cfg.UpdatedAt {
		return e.adapter, nil
	}

	a, err := r.factory(cfg, r.box, r.opts)
	if err != nil {
		delete(r.entries, accountID)
		return nil, err
	}

	logger := r.opts.Logger
	if logger != nil {
		logger = logger.With(slog.String("account", accountID))
	}

	b := newBreaker(accountID, a, logger, func(open bool) {
		r.opts.Metrics.SetBreakerOpen(accountID, open)
	})

	r.entries[accountID] = entry{version: cfg.UpdatedAt, adapter: b}

	return b, nil
}

// IsRemote reports whether the account is configured for a remote
// backend, without building an adapter.
func (r *Registry) IsRemote(accountID string) (bool, error) {
	cfg, err := r.configs.GetStorageConfig(accountID)
	if err != nil {
		return false, err
	}

	return cfg.IsRemote(), nil
}

// Invalidate drops the cached adapter so the next Get rebuilds it.
func (r *Registry) Invalidate(accountID string) {
	r.mu.Lock()
	delete(r.entries, accountID)
	r.mu.Unlock()
}
