package bitcoindnotify

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnode/chainntnfs"
)

const (
	// DefaultMaxAttempts is the default number of times a call is tried
	// before its error is returned.
	DefaultMaxAttempts = 5

	// DefaultInitialInterval is the default delay before the first retry.
	DefaultInitialInterval = 500 * time.Millisecond

	// DefaultMaxInterval caps the delay between two retries.
	DefaultMaxInterval = 10 * time.Second
)

// RetryPolicy controls how transient failures of a chain backend call are
// retried. Delays grow exponentially from InitialInterval up to MaxInterval.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first one.
	// Zero or one disables retries.
	MaxAttempts uint32

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval is the largest delay between two tries.
	MaxInterval time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
	}
}

// newBackOff builds the backoff schedule of the policy bound to ctx.
func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = p.InitialInterval
	expBackOff.MaxInterval = p.MaxInterval

	// The attempt count bounds the schedule, not the elapsed time.
	expBackOff.MaxElapsedTime = 0

	var retries uint64
	if p.MaxAttempts > 1 {
		retries = uint64(p.MaxAttempts - 1)
	}

	return backoff.WithContext(
		backoff.WithMaxRetries(expBackOff, retries), ctx,
	)
}

// retry runs op until it succeeds, fails permanently, the policy gives up or
// ctx is done. ErrNotFound is never retried.
func retry[T any](ctx context.Context, policy RetryPolicy, name string,
	op func() (T, error)) (T, error) {

	var result T
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++

		res, err := op()
		switch {
		case err == nil:
			result = res
			return nil

		case errors.Is(err, chainntnfs.ErrNotFound):
			return backoff.Permanent(err)

		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		}

		return err
	}, policy.newBackOff(ctx), func(err error, next time.Duration) {
		chainntnfs.Log.Debugf("%s attempt %d failed, retrying in "+
			"%v: %v", name, attempt, next, err)
	})

	return result, err
}

// backoffPermanent marks err as not worth retrying.
func backoffPermanent(err error) error {
	return backoff.Permanent(err)
}
