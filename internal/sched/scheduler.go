// Package sched runs the periodic jobs: the offline sweep, the workflow tick
// and anything else that must fire on exactly one instance. Leadership per
// job comes from an expiring Redis lock.
package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Locker grants short-lived named leadership locks.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

type job struct {
	name string
	run  func(ctx context.Context)
}

type Scheduler struct {
	locker  Locker
	tick    time.Duration
	lockTTL time.Duration
	jobs    []job
	log     zerolog.Logger
}

func NewScheduler(locker Locker, tick, lockTTL time.Duration) *Scheduler {
	return &Scheduler{
		locker:  locker,
		tick:    tick,
		lockTTL: lockTTL,
		log:     log.With().Str("component", "scheduler").Logger(),
	}
}

// Register adds a named job. Jobs run sequentially within a tick.
func (s *Scheduler) Register(name string, run func(ctx context.Context)) {
	s.jobs = append(s.jobs, job{name: name, run: run})
}

// Run ticks until ctx is cancelled. Each job acquires its own lock, so
// leadership can differ per job across instances.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce evaluates every registered job once.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, j := range s.jobs {
		ok, err := s.locker.AcquireLock(ctx, j.name, s.lockTTL)
		if err != nil {
			s.log.Error().Err(err).Str("job", j.name).Msg("lock acquisition failed")
			continue
		}
		if !ok {
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Str("job", j.name).Msg("job panicked")
				}
			}()
			j.run(ctx)
		}()
	}
}
