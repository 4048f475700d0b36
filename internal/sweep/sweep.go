// Package sweep schedules the periodic maintenance jobs every user
// actor needs: expiring stale scheduling sessions/holds and draining
// due mirror writes back onto the send queue. One cron schedule
// drives every registered user, the way a daemon's reconcile loop
// ticks every managed target on a fixed interval.
package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweepable is the subset of actor.User this package depends on,
// kept narrow so sweep doesn't need to import actor directly.
type Sweepable interface {
	Sweep(ctx context.Context, now time.Time) error
}

// Registry tracks every active user actor the sweeper should tick.
type Registry interface {
	All() []Sweepable
}

type Scheduler struct {
	cron *cron.Cron
	reg  Registry
	log  zerolog.Logger
}

func New(reg Registry, log zerolog.Logger) *Scheduler {
	return &Scheduler{cron: cron.New(), reg: reg, log: log}
}

// Start registers the sweep job at the given interval (expressed as a
// cron spec, e.g. "@every 30s") and starts the scheduler.
func (s *Scheduler) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) tick() {
	now := time.Now().UTC()
	for _, u := range s.reg.All() {
		if err := u.Sweep(context.Background(), now); err != nil {
			s.log.Error().Err(err).Msg("sweep tick failed for user")
		}
	}
}
