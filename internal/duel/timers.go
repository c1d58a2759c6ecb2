package duel

import (
	"time"

	"github.com/jonboulle/clockwork"
)

type clockworkTimer = clockwork.Timer

// schedule starts a named one-shot timer, replacing any pending timer with
// the same name. When it fires, fn runs on its own goroutine; fn takes the
// session mutex and re-checks the phase, so a stale fire that lost the race
// to another transition is a no-op. Requires s.mu.
func (s *Session) schedule(name string, d time.Duration, fn func()) {
	timer := s.clock.NewTimer(d)

	s.timersMu.Lock()
	if old, exists := s.timers[name]; exists {
		stopAndDrainTimer(old)
	}
	s.timers[name] = timer
	s.timersMu.Unlock()

	go func() {
		select {
		case <-timer.Chan():
			s.removeTimer(name)
			fn()
		case <-s.done:
			stopAndDrainTimer(timer)
		}
	}()
}

// cancelTimer stops and removes a pending timer by name.
func (s *Session) cancelTimer(name string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if timer, exists := s.timers[name]; exists {
		stopAndDrainTimer(timer)
		delete(s.timers, name)
	}
}

// cancelAllTimers stops every pending timer. The done channel is already
// closed at this point, so the waiting goroutines exit on their own.
func (s *Session) cancelAllTimers() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	for name, timer := range s.timers {
		stopAndDrainTimer(timer)
		delete(s.timers, name)
	}
}

// removeTimer drops a timer entry once it has fired.
func (s *Session) removeTimer(name string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	delete(s.timers, name)
}

// stopAndDrainTimer safely stops a timer and drains its channel, following
// the pattern from the time.Timer.Stop documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
