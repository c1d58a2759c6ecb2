package duel

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Phase is the lifecycle state of a duel session.
type Phase string

const (
	PhaseForming   Phase = "forming"
	PhaseCountdown Phase = "countdown"
	PhaseArmed     Phase = "armed"
	PhaseDueling   Phase = "dueling"
	PhaseResolved  Phase = "resolved"
	PhaseExpired   Phase = "expired"
)

// Terminal reports whether no further transitions can occur from p.
func (p Phase) Terminal() bool {
	return p == PhaseExpired
}

// Duelist is one of the two participants fixed at session creation.
type Duelist struct {
	ID   uuid.UUID
	Name string
}

// DrawResult is a participant's recorded reaction. OffsetMs is the
// client-reported elapsed time since the trigger; RecordedAt is when the
// engine accepted the submission.
type DrawResult struct {
	OffsetMs   int64
	RecordedAt time.Time
}

// Clock is the interface the session uses for time operations.
// In production, use a timing.Source. In tests, a clockwork FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// Config holds the timing parameters of one session.
type Config struct {
	CountdownStart int
	TickInterval   time.Duration
	TriggerDelay   func() time.Duration
	DuelBound      time.Duration
	Grace          time.Duration
	HardTTL        time.Duration
}

// Defaults mirroring the original game server: three one-second countdown
// ticks, a 1-5 s randomized trigger, a 10 s dueling bound.
const (
	DefaultCountdownStart = 3
	DefaultTickInterval   = time.Second
	DefaultTriggerMin     = 1000 * time.Millisecond
	DefaultTriggerMax     = 5000 * time.Millisecond
	DefaultDuelBound      = 10 * time.Second
	DefaultGrace          = 15 * time.Second
	DefaultHardTTL        = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.CountdownStart == 0 {
		c.CountdownStart = DefaultCountdownStart
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.TriggerDelay == nil {
		c.TriggerDelay = func() time.Duration { return DefaultTriggerMin }
	}
	if c.DuelBound == 0 {
		c.DuelBound = DefaultDuelBound
	}
	if c.Grace == 0 {
		c.Grace = DefaultGrace
	}
	if c.HardTTL == 0 {
		c.HardTTL = DefaultHardTTL
	}
	return c
}
