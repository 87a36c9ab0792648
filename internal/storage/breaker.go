package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

const (
	// breakerTrips is the consecutive failure count that opens a breaker.
	breakerTrips = 5

	// breakerCooldown is how long an open breaker rejects calls before
	// letting one trial request through.
	breakerCooldown = 60 * time.Second
)

// breaker fails fast once an account's endpoint keeps failing, so a dead
// server does not hold the account's queue for a full timeout per node.
type breaker struct {
	name string
	next Adapter
	cb   *gobreaker.CircuitBreaker
}

func newBreaker(accountID string, next Adapter, logger *slog.Logger, onChange func(open bool)) *breaker {
	name := "storage:" + accountID

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrips
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("storage circuit breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			}

			if onChange != nil {
				onChange(to == gobreaker.StateOpen)
			}
		},
	})

	return &breaker{name: name, next: next, cb: cb}
}

func (b *breaker) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.name, err)
	}

	return err
}

func (b *breaker) Upsert(ctx context.Context, key string, content []byte, isFolder bool) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Upsert(ctx, key, content, isFolder)
	})

	return b.wrap(err)
}

func (b *breaker) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Delete(ctx, key)
	})

	return b.wrap(err)
}

func (b *breaker) List(ctx context.Context, prefix string) ([]string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.List(ctx, prefix)
	})
	if err != nil {
		return nil, b.wrap(err)
	}

	keys, _ := out.([]string)

	return keys, nil
}

func (b *breaker) Check(ctx context.Context) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Check(ctx)
	})

	return b.wrap(err)
}
