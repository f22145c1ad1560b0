package poll

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when every attempt ran without the condition
// becoming true. Callers decide whether that is fatal; for supervisor state
// transitions it is surfaced as a warning only.
var ErrExhausted = errors.New("poll: attempts exhausted")

// Policy bounds a polling loop: a fixed number of attempts separated by a
// fixed delay. External process state is only observable by asking again, so
// every wait in the codebase goes through one of these instead of an
// open-ended loop.
type Policy struct {
	Attempts int
	Interval time.Duration
}

// Until runs check up to p.Attempts times, sleeping p.Interval between
// attempts. It stops early when check reports done, when check returns an
// error, or when ctx is cancelled.
func Until(ctx context.Context, p Policy, check func() (bool, error)) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	return ErrExhausted
}
