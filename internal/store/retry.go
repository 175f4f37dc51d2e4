package store

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"time"
)

const DefaultMaxAttempts = 32

// Retry runs attempt until it succeeds, fails with anything other than
// ErrConflict, or maxAttempts is reached.
func Retry(ctx context.Context, maxAttempts int, attempt func() error) error {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	var err error
	for i := 1; i <= maxAttempts; i++ {
		err = attempt()
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		if i == maxAttempts {
			break
		}
		if i%8 == 0 {
			log.Printf("[store] retrying conflicted transaction attempt=%d", i)
		}
		backoff := time.Duration(rand.IntN(500*i)+100) * time.Microsecond
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
