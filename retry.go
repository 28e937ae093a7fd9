package dmabuf

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryInterrupted runs op, retrying with exponential backoff for as long as
// it keeps failing with ErrInterrupted. Any other outcome, success included,
// ends the retry loop and is returned as is. Interrupted waits are the one
// transient failure in this framework; everything else is a real answer.
func RetryInterrupted(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInterrupted) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}
