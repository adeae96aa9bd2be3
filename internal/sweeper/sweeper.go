// Package sweeper runs the relay's only garbage collector: expired
// messages and stale challenges are removed on a fixed period.
package sweeper

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/openclaw/clawsend/internal/metrics"
	"github.com/openclaw/clawsend/internal/store"
)

// Sweeper periodically deletes expired relay state. Safe to run
// concurrently with request handling; every pass is a plain bounded
// delete, no cross-scan locks.
type Sweeper struct {
	store        store.Store
	logger       zerolog.Logger
	interval     time.Duration
	challengeTTL time.Duration
	scheduler    *gocron.Scheduler
}

// New creates a Sweeper. Call Start to begin sweeping.
func New(s store.Store, logger zerolog.Logger, interval, challengeTTL time.Duration) *Sweeper {
	return &Sweeper{
		store:        s,
		logger:       logger,
		interval:     interval,
		challengeTTL: challengeTTL,
		scheduler:    gocron.NewScheduler(time.UTC),
	}
}

// Start schedules the sweep job and runs it asynchronously.
func (s *Sweeper) Start() error {
	_, err := s.scheduler.Every(s.interval).Do(s.sweep)
	if err != nil {
		return err
	}
	s.scheduler.StartAsync()
	return nil
}

// Stop halts the scheduler. A sweep already in flight finishes.
func (s *Sweeper) Stop() {
	s.scheduler.Stop()
}

// Sweep runs one pass immediately. Exposed for tests and for a final
// pass during shutdown.
func (s *Sweeper) Sweep(ctx context.Context) (messages, challenges int64, err error) {
	now := time.Now().UTC()

	messages, err = s.store.SweepMessages(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	challenges, err = s.store.SweepChallenges(ctx, now.Add(-s.challengeTTL))
	if err != nil {
		return messages, 0, err
	}
	return messages, challenges, nil
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	messages, challenges, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep failed")
		return
	}
	if messages > 0 {
		metrics.MessagesSwept.Add(float64(messages))
	}
	if messages > 0 || challenges > 0 {
		s.logger.Info().
			Int64("messages", messages).
			Int64("challenges", challenges).
			Msg("sweep completed")
	}
}
