package engine

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

// StartSweeper runs the background reclamation jobs: the session directory
// safety sweep and the idle-participant reaper. Session cleanup is normally
// timer-driven inside each session; the sweep guarantees the directory is
// reclaimed within its grace bound regardless of client behavior. The
// returned scheduler is shut down by the caller.
func (e *Engine) StartSweeper() (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithClock(e.clock))
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(e.cfg.SweepInterval),
		gocron.NewTask(func() {
			e.directory.Sweep(e.clock.Now())
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			for _, id := range e.registry.SweepIdle(e.cfg.ParticipantTTL) {
				e.queue.Remove(id)
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	log.Info().
		Dur("sweep_interval", e.cfg.SweepInterval).
		Dur("participant_ttl", e.cfg.ParticipantTTL).
		Msg("sweeper started")
	return sched, nil
}
