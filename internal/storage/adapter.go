// Package storage uploads, deletes and lists note objects on an account's
// remote backend. Adapters do no retries; callers decide whether a failed
// operation is retried on the next pass.
package storage

//go:generate mockgen -source=adapter.go -destination=storagemock/adapter_mock.go -package=storagemock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/secret"
)

// DefaultTimeout bounds every network call when Options.Timeout is zero.
const DefaultTimeout = 20 * time.Second

const defaultRegion = "us-east-1"

// Adapter is a remote object store. Keys are slash separated and never
// start with a slash.
type Adapter interface {
	// Upsert writes content at key. For folders key is the folder's
	// placeholder key and content is ignored.
	Upsert(ctx context.Context, key string, content []byte, isFolder bool) error
	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
	// List returns every key under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Check verifies the endpoint is reachable and the credentials work.
	Check(ctx context.Context) error
}

// Options tune adapter construction.
type Options struct {
	Timeout      time.Duration
	AllowPrivate bool
	Metrics      *metrics.Collector
	Logger       *slog.Logger
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}

	return o.Timeout
}

// New builds the adapter for cfg, decrypting credentials with box. It
// returns ErrNoRemote for local accounts and for remote configs missing a
// required field, so callers can treat both as "nothing to sync".
func New(cfg models.StorageConfig, box *secret.Box, opts Options) (Adapter, error) {
	guard := NewGuard(opts.AllowPrivate)

	var (
		a   Adapter
		err error
	)

	switch cfg.Backend {
	case models.BackendS3:
		a, err = newS3FromConfig(cfg, box, guard, opts.timeout())
	case models.BackendWebDAV:
		a, err = newWebDAVFromConfig(cfg, box, guard, opts.timeout())
	default:
		return nil, apperrors.ErrNoRemote
	}

	if err != nil {
		return nil, err
	}

	return &observed{backend: string(cfg.Backend), next: a, metrics: opts.Metrics}, nil
}

func newS3FromConfig(cfg models.StorageConfig, box *secret.Box, guard *Guard, timeout time.Duration) (Adapter, error) {
	accessKey, err := box.Decrypt(cfg.AccessKeyID)
	if err != nil {
		return nil, fmt.Errorf("decrypting access key: %w", err)
	}

	secretKey, err := box.Decrypt(cfg.SecretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting secret key: %w", err)
	}

	if cfg.Bucket == "" || accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("incomplete s3 config: %w", apperrors.ErrNoRemote)
	}

	if cfg.Endpoint != "" {
		if _, err := parseEndpoint(cfg.Endpoint); err != nil {
			return nil, err
		}
	}

	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	return NewS3(S3Config{
		Endpoint:        cfg.Endpoint,
		Bucket:          cfg.Bucket,
		Region:          region,
		ForcePathStyle:  cfg.ForcePathStyle,
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
	}, guard, timeout), nil
}

func newWebDAVFromConfig(cfg models.StorageConfig, box *secret.Box, guard *Guard, timeout time.Duration) (Adapter, error) {
	password, err := box.Decrypt(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("decrypting webdav password: %w", err)
	}

	if cfg.URL == "" || cfg.Username == "" {
		return nil, fmt.Errorf("incomplete webdav config: %w", apperrors.ErrNoRemote)
	}

	if _, err := parseEndpoint(cfg.URL); err != nil {
		return nil, err
	}

	return NewWebDAV(cfg.URL, cfg.Username, password, guard, timeout), nil
}

// observed records latency and outcome of every call.
type observed struct {
	backend string
	next    Adapter
	metrics *metrics.Collector
}

func (o *observed) Upsert(ctx context.Context, key string, content []byte, isFolder bool) error {
	start := time.Now()
	err := o.next.Upsert(ctx, key, content, isFolder)
	o.metrics.ObserveStorage(o.backend, "upsert", start, err)

	return err
}

func (o *observed) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := o.next.Delete(ctx, key)
	o.metrics.ObserveStorage(o.backend, "delete", start, err)

	return err
}

func (o *observed) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := o.next.List(ctx, prefix)
	o.metrics.ObserveStorage(o.backend, "list", start, err)

	return keys, err
}

func (o *observed) Check(ctx context.Context) error {
	start := time.Now()
	err := o.next.Check(ctx)
	o.metrics.ObserveStorage(o.backend, "check", start, err)

	return err
}
