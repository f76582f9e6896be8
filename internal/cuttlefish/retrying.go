package cuttlefish

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/trustsync/internal/escrow"
	"github.com/roach88/trustsync/internal/peers"
	"github.com/roach88/trustsync/internal/trusterr"
)

// Default retry budget for transient backend failures.
const (
	DefaultRetries       = 3
	DefaultRetryInterval = 500 * time.Millisecond
)

// Retrying wraps a Backend and retries transient failures a bounded number
// of times at a constant interval. Non-transient errors are returned after
// the first attempt; exhausted retries return the last transient error.
type Retrying struct {
	next     Backend
	retries  uint64
	interval time.Duration
	logger   *slog.Logger
}

// RetryOption configures a Retrying backend.
type RetryOption func(*Retrying)

// WithRetries sets how many retries follow the first attempt.
func WithRetries(n uint64) RetryOption {
	return func(r *Retrying) {
		r.retries = n
	}
}

// WithRetryInterval sets the delay between attempts.
func WithRetryInterval(d time.Duration) RetryOption {
	return func(r *Retrying) {
		r.interval = d
	}
}

// WithRetryLogger sets the logger. Defaults to slog.Default().
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(r *Retrying) {
		r.logger = l
	}
}

// NewRetrying wraps next.
func NewRetrying(next Backend, opts ...RetryOption) *Retrying {
	r := &Retrying{
		next:     next,
		retries:  DefaultRetries,
		interval: DefaultRetryInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	var out T
	attempt := func() error {
		v, err := fn()
		if err == nil {
			out = v
			return nil
		}
		if !trusterr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.interval), r.retries),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("backend call failed, retrying",
			"operation", op,
			"error", err,
			"wait", wait,
		)
	}
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func retryErr(ctx context.Context, r *Retrying, op string, fn func() error) error {
	_, err := retry(ctx, r, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Establish implements Backend.
func (r *Retrying) Establish(ctx context.Context, key ContextKey, id Identity) (peers.Snapshot, error) {
	return retry(ctx, r, OpEstablish, func() (peers.Snapshot, error) {
		return r.next.Establish(ctx, key, id)
	})
}

// Reset implements Backend.
func (r *Retrying) Reset(ctx context.Context, key ContextKey) error {
	return retryErr(ctx, r, OpReset, func() error {
		return r.next.Reset(ctx, key)
	})
}

// JoinWithVoucher implements Backend.
func (r *Retrying) JoinWithVoucher(ctx context.Context, key ContextKey, id Identity, voucher string) (peers.Snapshot, error) {
	return retry(ctx, r, OpJoinWithVoucher, func() (peers.Snapshot, error) {
		return r.next.JoinWithVoucher(ctx, key, id, voucher)
	})
}

// JoinWithBottle implements Backend.
func (r *Retrying) JoinWithBottle(ctx context.Context, key ContextKey, id Identity, bottleID, secret string) (peers.Snapshot, error) {
	return retry(ctx, r, OpJoinWithBottle, func() (peers.Snapshot, error) {
		return r.next.JoinWithBottle(ctx, key, id, bottleID, secret)
	})
}

// JoinWithRecoveryKey implements Backend.
func (r *Retrying) JoinWithRecoveryKey(ctx context.Context, key ContextKey, id Identity, recoveryKey string) (peers.Snapshot, error) {
	return retry(ctx, r, OpJoinWithRecoveryKey, func() (peers.Snapshot, error) {
		return r.next.JoinWithRecoveryKey(ctx, key, id, recoveryKey)
	})
}

// UpdateTrust implements Backend.
func (r *Retrying) UpdateTrust(ctx context.Context, key ContextKey, peerID string, stable peers.StableInfo) (peers.Snapshot, error) {
	return retry(ctx, r, OpUpdateTrust, func() (peers.Snapshot, error) {
		return r.next.UpdateTrust(ctx, key, peerID, stable)
	})
}

// Depart implements Backend.
func (r *Retrying) Depart(ctx context.Context, key ContextKey, peerID string) error {
	return retryErr(ctx, r, OpDepart, func() error {
		return r.next.Depart(ctx, key, peerID)
	})
}

// FetchChanges implements Backend.
func (r *Retrying) FetchChanges(ctx context.Context, key ContextKey) (peers.Snapshot, error) {
	return retry(ctx, r, OpFetchChanges, func() (peers.Snapshot, error) {
		return r.next.FetchChanges(ctx, key)
	})
}

// FetchViableBottles implements Backend.
func (r *Retrying) FetchViableBottles(ctx context.Context, key ContextKey) ([]escrow.Record, error) {
	return retry(ctx, r, OpFetchViableBottles, func() ([]escrow.Record, error) {
		return r.next.FetchViableBottles(ctx, key)
	})
}
