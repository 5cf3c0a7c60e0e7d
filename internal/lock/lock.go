// Package lock provides non-blocking named locks. Acquisition never waits: a
// held key simply reports false.
package lock

import (
	"context"

	"go.uber.org/multierr"
)

// Coordinator hands out exclusive ownership of string keys. TryAcquire must be
// atomic across concurrent callers. Release of a key the caller does not hold
// is a no-op.
type Coordinator interface {
	TryAcquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Key builds "<namespace>:<subject>".
func Key(namespace, subject string) string {
	return namespace + ":" + subject
}

// With runs fn while holding key. When the key is busy fn is skipped and
// acquired is false. Release happens on every exit path, panics included, and
// only when acquisition succeeded.
func With(ctx context.Context, c Coordinator, key string, fn func(ctx context.Context) error) (acquired bool, err error) {
	ok, err := c.TryAcquire(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if relErr := c.Release(context.WithoutCancel(ctx), key); relErr != nil {
			err = multierr.Append(err, relErr)
		}
	}()
	return true, fn(ctx)
}
