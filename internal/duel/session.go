package duel

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/highnoon/showdown/internal/duel/events"
	"github.com/highnoon/showdown/internal/transport"
)

var (
	// ErrPrematureDraw is returned for a submission while the session is
	// Armed: the trigger does not exist yet, so any reaction is a cheat
	// attempt. The session is unaffected.
	ErrPrematureDraw = errors.New("draw submitted before the trigger fired")

	// ErrDuplicateDraw is returned when a participant who already has a
	// recorded result submits again. The first result stands.
	ErrDuplicateDraw = errors.New("draw already recorded for participant")
)

// Named per-session timers. At most one timer per name is pending; a
// transition that supersedes a timer cancels it by name.
const (
	timerCountdown = "countdown"
	timerTrigger   = "trigger"
	timerBound     = "bound"
	timerGrace     = "grace"
)

// Session is the state machine owning one duel's lifecycle, timing and
// result computation. All mutations are serialized through a single mutex so
// the Dueling->Resolved transition fires exactly once no matter which of the
// two submissions or the bound timer gets there first.
type Session struct {
	id       uuid.UUID
	duelists [2]Duelist
	cfg      Config
	clock    Clock
	notifier transport.Notifier
	onExpire func(id uuid.UUID)

	mu         sync.Mutex
	phase      Phase
	countdown  int
	highNoonAt *time.Time
	results    map[uuid.UUID]DrawResult
	winner     *uuid.UUID
	deadline   time.Time

	timersMu sync.Mutex
	timers   map[string]clockworkTimer
	done     chan struct{}
}

// Snapshot is a consistent read-only view of a session.
type Snapshot struct {
	ID         uuid.UUID
	Phase      Phase
	Countdown  int
	HighNoonAt *time.Time
	Duelists   [2]Duelist
	Results    map[uuid.UUID]DrawResult
	Winner     *uuid.UUID
}

// New builds a session in the Forming phase. onExpire is invoked exactly
// once, after the session reaches Expired, with the session already
// terminal; the caller uses it to drop the directory entry and clear the
// participants' session references.
func New(id uuid.UUID, first, second Duelist, cfg Config, clock Clock, notifier transport.Notifier, onExpire func(uuid.UUID)) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		id:       id,
		duelists: [2]Duelist{first, second},
		cfg:      cfg,
		clock:    clock,
		notifier: notifier,
		onExpire: onExpire,
		phase:    PhaseForming,
		results:  make(map[uuid.UUID]DrawResult, 2),
		deadline: clock.Now().Add(cfg.HardTTL),
		timers:   make(map[string]clockworkTimer),
		done:     make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Duelists returns both participants in creation order.
func (s *Session) Duelists() [2]Duelist {
	return s.duelists
}

// Start advances Forming to Countdown, announcing the pairing to both
// participants and scheduling the first tick.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseForming {
		return
	}
	s.phase = PhaseCountdown
	s.countdown = s.cfg.CountdownStart

	log.Info().
		Str("session_id", s.id.String()).
		Str("duelist_a", s.duelists[0].ID.String()).
		Str("duelist_b", s.duelists[1].ID.String()).
		Msg("duel session starting")

	s.emitLocked(transport.EventTypeGameStart, events.GameStartPayload{
		SessionID: s.id.String(),
		Duelists:  s.duelistPayloadsLocked(),
		Countdown: s.countdown,
	})
	s.schedule(timerCountdown, s.cfg.TickInterval, s.tick)
}

// tick emits one countdown value and either schedules the next tick or arms
// the session once the counter passes below zero.
func (s *Session) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseCountdown {
		return
	}

	s.emitLocked(transport.EventTypeCountdown, events.CountdownPayload{Value: s.countdown})
	s.countdown--

	if s.countdown < 0 {
		s.armLocked()
		return
	}
	s.schedule(timerCountdown, s.cfg.TickInterval, s.tick)
}

// armLocked schedules the randomized trigger. Requires s.mu.
func (s *Session) armLocked() {
	s.phase = PhaseArmed
	delay := s.cfg.TriggerDelay()

	log.Debug().
		Str("session_id", s.id.String()).
		Dur("trigger_delay", delay).
		Msg("session armed")

	s.schedule(timerTrigger, delay, s.fire)
}

// fire records the trigger instant, announces it and opens the bounded
// dueling window.
func (s *Session) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseArmed {
		return
	}

	now := s.clock.Now()
	s.highNoonAt = &now
	s.phase = PhaseDueling

	log.Info().
		Str("session_id", s.id.String()).
		Time("high_noon", now).
		Msg("high noon")

	s.emitLocked(transport.EventTypeHighNoon, events.HighNoonPayload{FiredAt: now})
	s.schedule(timerBound, s.cfg.DuelBound, s.boundElapsed)
}

// boundElapsed resolves the duel with whatever results are in when the
// dueling window closes. A normal path, not an error.
func (s *Session) boundElapsed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveLocked(nil)
}

// SubmitDraw records a participant's reaction. It returns true only when
// the result was accepted. While Armed the submission is rejected as
// premature; outside Dueling, for a non-member, or after a prior result it
// is a no-op.
func (s *Session) SubmitDraw(participantID uuid.UUID, offsetMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseArmed {
		log.Warn().
			Str("session_id", s.id.String()).
			Str("participant_id", participantID.String()).
			Msg("premature draw rejected")
		return false, ErrPrematureDraw
	}
	if s.phase != PhaseDueling || s.highNoonAt == nil {
		return false, nil
	}
	if !s.isDuelistLocked(participantID) {
		return false, nil
	}
	if _, exists := s.results[participantID]; exists {
		return false, ErrDuplicateDraw
	}

	s.results[participantID] = DrawResult{
		OffsetMs:   offsetMs,
		RecordedAt: s.clock.Now(),
	}

	log.Info().
		Str("session_id", s.id.String()).
		Str("participant_id", participantID.String()).
		Int64("offset_ms", offsetMs).
		Msg("draw recorded")

	if len(s.results) == len(s.duelists) {
		s.resolveLocked(nil)
	}
	return true, nil
}

// Disconnect handles a participant leaving mid-session: an early forfeit.
// The remaining participant wins by default unless the leaver's result is
// already recorded, in which case the normal comparison stands. The session
// expires immediately, skipping the grace window.
func (s *Session) Disconnect(participantID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() || !s.isDuelistLocked(participantID) {
		return
	}

	log.Info().
		Str("session_id", s.id.String()).
		Str("participant_id", participantID.String()).
		Str("phase", string(s.phase)).
		Msg("participant disconnected mid-session")

	if s.phase != PhaseResolved {
		s.emitLocked(transport.EventTypeOpponentLeft, events.OpponentLeftPayload{
			ParticipantID: participantID.String(),
		})
		s.resolveLocked(&participantID)
	}
	s.expireLocked()
}

// resolveLocked performs the Dueling->Resolved transition exactly once. It
// is reachable from either participant's submission, the bound timer and
// the disconnect path; whoever observes a non-Dueling phase backs off.
// forfeitBy, when set, names a leaver whose absent result hands the win to
// the remaining participant. Requires s.mu.
func (s *Session) resolveLocked(forfeitBy *uuid.UUID) {
	if s.phase.Terminal() || s.phase == PhaseResolved {
		return
	}
	if s.phase == PhaseDueling {
		s.cancelTimer(timerBound)
	} else if forfeitBy == nil {
		// Only a forfeit can resolve a session that never reached Dueling.
		return
	}
	s.cancelTimer(timerCountdown)
	s.cancelTimer(timerTrigger)

	s.phase = PhaseResolved
	s.winner = s.computeWinnerLocked(forfeitBy)
	s.deadline = s.clock.Now().Add(s.cfg.Grace)

	payload := events.GameEndPayload{
		Results:  make(map[string]events.DrawResultPayload, len(s.results)),
		Duelists: s.duelistPayloadsLocked(),
	}
	for id, res := range s.results {
		payload.Results[id.String()] = events.DrawResultPayload{
			OffsetMs:   res.OffsetMs,
			RecordedAt: res.RecordedAt,
		}
	}
	winnerField := ""
	if s.winner != nil {
		payload.Winner = s.winner.String()
		winnerField = payload.Winner
	}

	log.Info().
		Str("session_id", s.id.String()).
		Str("winner", winnerField).
		Int("results", len(s.results)).
		Msg("duel resolved")

	s.emitLocked(transport.EventTypeGameEnd, payload)
	s.schedule(timerGrace, s.cfg.Grace, s.expire)
}

// computeWinnerLocked ranks the recorded results: lower reported offset
// wins, a sole submitter wins by default, and no submissions is a
// no-contest unless a forfeit names the leaver. Requires s.mu.
func (s *Session) computeWinnerLocked(forfeitBy *uuid.UUID) *uuid.UUID {
	first, second := s.duelists[0].ID, s.duelists[1].ID
	firstRes, firstOK := s.results[first]
	secondRes, secondOK := s.results[second]

	switch {
	case firstOK && secondOK:
		if firstRes.OffsetMs < secondRes.OffsetMs {
			return &first
		}
		return &second
	case firstOK:
		return &first
	case secondOK:
		return &second
	case forfeitBy != nil:
		if *forfeitBy == first {
			return &second
		}
		return &first
	default:
		return nil
	}
}

// expire moves the session to its terminal phase.
func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
}

// expireLocked cancels everything pending and notifies the owner. Requires
// s.mu. Idempotent: late grace timers and repeated disconnects are no-ops.
func (s *Session) expireLocked() {
	if s.phase.Terminal() {
		return
	}
	s.phase = PhaseExpired
	close(s.done)
	s.cancelAllTimers()

	log.Info().Str("session_id", s.id.String()).Msg("session expired")

	if s.onExpire != nil {
		s.onExpire(s.id)
	}
}

// ExpireIfDue expires the session when its deadline has passed. The
// directory sweep uses this as a safety net; normally the grace timer gets
// there first and this is a no-op.
func (s *Session) ExpireIfDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() || now.Before(s.deadline) {
		return false
	}
	log.Warn().
		Str("session_id", s.id.String()).
		Str("phase", string(s.phase)).
		Msg("session reclaimed by sweep")
	s.expireLocked()
	return true
}

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:        s.id,
		Phase:     s.phase,
		Countdown: s.countdown,
		Duelists:  s.duelists,
		Results:   make(map[uuid.UUID]DrawResult, len(s.results)),
	}
	for id, res := range s.results {
		snap.Results[id] = res
	}
	if s.highNoonAt != nil {
		t := *s.highNoonAt
		snap.HighNoonAt = &t
	}
	if s.winner != nil {
		w := *s.winner
		snap.Winner = &w
	}
	return snap
}

// Opponent returns the other duelist, if participantID is a member.
func (s *Session) Opponent(participantID uuid.UUID) (Duelist, bool) {
	switch participantID {
	case s.duelists[0].ID:
		return s.duelists[1], true
	case s.duelists[1].ID:
		return s.duelists[0], true
	}
	return Duelist{}, false
}

func (s *Session) isDuelistLocked(participantID uuid.UUID) bool {
	return participantID == s.duelists[0].ID || participantID == s.duelists[1].ID
}

func (s *Session) duelistPayloadsLocked() []events.Duelist {
	out := make([]events.Duelist, 0, len(s.duelists))
	for _, d := range s.duelists {
		out = append(out, events.Duelist{ID: d.ID.String(), Name: d.Name})
	}
	return out
}

// emitLocked pushes one event to both participants. Notifiers are
// non-blocking, so holding s.mu here keeps event order consistent with the
// state it describes. Requires s.mu.
func (s *Session) emitLocked(typ transport.EventType, payload any) {
	event, err := transport.NewEvent(s.id, typ, s.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("session_id", s.id.String()).Msg("failed to build event")
		return
	}
	for _, d := range s.duelists {
		s.notifier.Notify(d.ID, event)
	}
}
