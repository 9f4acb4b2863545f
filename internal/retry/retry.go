// Package retry re-runs idempotent store operations that failed with a
// transient error.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-quiz/internal/exam"
)

type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

var Default = Policy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}

// Do calls fn until it succeeds, fails with a non-transient error, the
// attempts run out or ctx is done. The delay doubles after every attempt.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	delay := p.BaseDelay
	var err error
	for i := 1; ; i++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, exam.ErrTransient) || i >= p.Attempts {
			return err
		}
		log.Debug().Err(err).Int("attempt", i).Dur("backoff", delay).Msg("retry: transient failure")
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
