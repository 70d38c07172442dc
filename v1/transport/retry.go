package transport

import (
	"context"
	"errors"
	"math/rand"
	"time"

	baterrors "github.com/mirkobrombin/go-baton/v1/errors"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 50 * time.Millisecond
	maxBackoff      = time.Second
)

// retry calls fn until it succeeds, fails with something other than an
// unreachable peer, or runs out of attempts. Waits grow exponentially with
// jitter and stop early when ctx is done.
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, baterrors.ErrUnreachable) {
			return err
		}
		if i == attempts-1 {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return err
}
