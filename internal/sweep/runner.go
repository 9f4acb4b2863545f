// Package sweep drives the periodic background work: publishing scheduled
// tests once they are due and closing attempts whose time ran out.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-quiz/internal/attempt"
)

type AttemptSweeper interface {
	SweepExpired(ctx context.Context) (attempt.SweepReport, error)
}

type Publisher interface {
	PublishDue(ctx context.Context) (int, error)
}

// Runner schedules Tick on a cron. A pass still running when the next one
// is due causes that one to be skipped.
type Runner struct {
	attempts AttemptSweeper
	pubs     Publisher
	interval time.Duration

	cron   *cron.Cron
	entry  cron.EntryID
	ctx    context.Context
	cancel context.CancelFunc
	boot   sync.WaitGroup
}

// NewRunner schedules a pass every interval (default 15s). cron rounds
// anything below one second up to one second.
func NewRunner(attempts AttemptSweeper, pubs Publisher, interval time.Duration) (*Runner, error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		attempts: attempts,
		pubs:     pubs,
		interval: interval,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{}))),
		ctx:      ctx,
		cancel:   cancel,
	}
	id, err := r.cron.AddFunc("@every "+interval.String(), func() { r.Tick(r.ctx) })
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sweep: schedule every %s: %w", interval, err)
	}
	r.entry = id
	return r, nil
}

// Tick runs one pass. Failures are logged and retried on the next tick.
func (r *Runner) Tick(ctx context.Context) {
	if n, err := r.pubs.PublishDue(ctx); err != nil {
		log.Error().Err(err).Int("published", n).Msg("sweep: publish due tests")
	} else if n > 0 {
		log.Info().Int("published", n).Msg("sweep: scheduled tests published")
	}
	if rep, err := r.attempts.SweepExpired(ctx); err != nil {
		log.Error().Err(err).Int("expired", rep.Expired).Int("failed", rep.Failed).Msg("sweep: expire attempts")
	}
}

// Start runs a first pass right away, through the same skip guard as the
// scheduled ones, and starts the scheduler.
func (r *Runner) Start() {
	r.cron.Start()
	job := r.cron.Entry(r.entry).WrappedJob
	r.boot.Add(1)
	go func() {
		defer r.boot.Done()
		job.Run()
	}()
	log.Info().Dur("interval", r.interval).Msg("sweep: scheduler started")
}

// Stop cancels the in-flight pass and waits for it to return, or for ctx.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	scheduled := r.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-scheduled.Done()
		r.boot.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("sweep: scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
