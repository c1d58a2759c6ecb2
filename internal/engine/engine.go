package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/highnoon/showdown/internal/directory"
	"github.com/highnoon/showdown/internal/duel"
	"github.com/highnoon/showdown/internal/matchmaking"
	"github.com/highnoon/showdown/internal/registry"
	"github.com/highnoon/showdown/internal/timing"
	"github.com/highnoon/showdown/internal/transport"
)

var (
	// ErrAlreadyInSession rejects a join attempt by a participant that
	// already holds a session reference.
	ErrAlreadyInSession = errors.New("participant already in a session")

	// ErrNotFound covers unknown participants and expired sessions. The
	// transport boundary surfaces it as "no active game", never a hard
	// failure.
	ErrNotFound = errors.New("not found")
)

// Status is the participant-facing join/poll status.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusGame    Status = "game"
)

// Config holds the engine-level knobs on top of the per-session duel
// config.
type Config struct {
	Duel           duel.Config
	ParticipantTTL time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns the engine defaults. The randomized trigger draw is
// bound to the given source.
func DefaultConfig(src *timing.Source) Config {
	return Config{
		Duel: duel.Config{
			CountdownStart: duel.DefaultCountdownStart,
			TickInterval:   duel.DefaultTickInterval,
			TriggerDelay: func() time.Duration {
				return src.UniformDelay(duel.DefaultTriggerMin, duel.DefaultTriggerMax)
			},
			DuelBound: duel.DefaultDuelBound,
			Grace:     duel.DefaultGrace,
			HardTTL:   duel.DefaultHardTTL,
		},
		ParticipantTTL: 5 * time.Minute,
		SweepInterval:  5 * time.Second,
	}
}

// JoinResult is returned by Join. SessionID is set when Status is
// StatusGame.
type JoinResult struct {
	ParticipantID uuid.UUID
	Status        Status
	SessionID     *uuid.UUID
}

// GameState is the poll snapshot for one participant. When Status is
// StatusWaiting every other field is zero.
type GameState struct {
	Status     Status
	SessionID  *uuid.UUID
	Phase      duel.Phase
	Countdown  *int
	HighNoonAt *time.Time
	Opponent   *duel.Duelist
	Results    map[uuid.UUID]duel.DrawResult
	Winner     *uuid.UUID
}

// Engine owns the in-memory stores and implements the transport-independent
// operation surface: Join, PollState, SubmitDraw, Disconnect. All state is
// volatile; a restart resets every session.
type Engine struct {
	clock     *timing.Source
	cfg       Config
	registry  *registry.Registry
	queue     *matchmaking.Queue
	directory *directory.Directory
}

// New wires the engine together. Events flow out through notifier.
func New(clock *timing.Source, cfg Config, notifier transport.Notifier) *Engine {
	e := &Engine{
		clock:    clock,
		cfg:      cfg,
		registry: registry.New(clock),
	}
	e.directory = directory.New(clock, cfg.Duel, notifier, e.sessionExpired)
	e.queue = matchmaking.New(e.pair, e.unassigned)
	return e
}

// unassigned is the queue's eligibility guard. It runs under the queue lock,
// the same lock pair assigns sessions under, so a duplicate enqueue racing
// with a pairing cannot slip a just-matched participant back into the queue.
func (e *Engine) unassigned(participantID uuid.UUID) bool {
	p, err := e.registry.Get(participantID)
	return err == nil && p.SessionID == nil
}

// Register creates a participant handle without queueing it. Push
// transports use this to bind a connection before the gameStart broadcast
// can fire.
func (e *Engine) Register(name string) (uuid.UUID, string) {
	p := e.registry.Create(name)
	return p.ID, p.Name
}

// Join registers a new participant and either pairs it with the waiting
// head or enqueues it. The head learns about the match asynchronously via
// the gameStart event; the incoming participant synchronously through the
// returned result.
func (e *Engine) Join(name string) (JoinResult, error) {
	id, _ := e.Register(name)
	return e.Enqueue(id)
}

// Enqueue puts an already-registered participant up for pairing. A
// participant holding a session reference is rejected with
// ErrAlreadyInSession.
func (e *Engine) Enqueue(participantID uuid.UUID) (JoinResult, error) {
	p, err := e.registry.Get(participantID)
	if err != nil {
		return JoinResult{}, ErrNotFound
	}
	if p.SessionID != nil {
		return JoinResult{}, ErrAlreadyInSession
	}

	res, err := e.queue.EnqueueOrPair(p.ID)
	if errors.Is(err, matchmaking.ErrNotEligible) {
		// The participant was paired or removed after the check above.
		if _, gerr := e.registry.Get(p.ID); gerr != nil {
			return JoinResult{}, ErrNotFound
		}
		return JoinResult{}, ErrAlreadyInSession
	}
	if err != nil {
		return JoinResult{}, err
	}

	out := JoinResult{ParticipantID: p.ID, Status: StatusWaiting}
	if res.Status == matchmaking.StatusMatched {
		sid := res.SessionID
		out.Status = StatusGame
		out.SessionID = &sid
	}
	return out, nil
}

// pair is the matchmaking queue's session factory: it creates the session,
// binds both participants to it and starts the state machine.
func (e *Engine) pair(head, incoming uuid.UUID) (uuid.UUID, error) {
	first, err := e.registry.Get(head)
	if err != nil {
		// The head vanished between enqueue and pairing; the incoming
		// participant takes its place in the queue.
		return uuid.Nil, err
	}
	second, err := e.registry.Get(incoming)
	if err != nil {
		return uuid.Nil, err
	}

	session := e.directory.Create(
		duel.Duelist{ID: first.ID, Name: first.Name},
		duel.Duelist{ID: second.ID, Name: second.Name},
	)
	sid := session.ID()
	if err := e.registry.AssignSession(first.ID, sid); err != nil {
		e.directory.Remove(sid)
		return uuid.Nil, err
	}
	if err := e.registry.AssignSession(second.ID, sid); err != nil {
		e.registry.ClearSession(first.ID, sid)
		e.directory.Remove(sid)
		return uuid.Nil, err
	}

	session.Start()
	return sid, nil
}

// PollState returns a pure snapshot for the participant, safe to call
// repeatedly. An expired or unknown session reads as waiting.
func (e *Engine) PollState(participantID uuid.UUID) (GameState, error) {
	p, err := e.registry.Get(participantID)
	if err != nil {
		return GameState{Status: StatusWaiting}, ErrNotFound
	}
	e.registry.Touch(participantID)

	if p.SessionID == nil {
		return GameState{Status: StatusWaiting}, nil
	}

	session, err := e.directory.Get(*p.SessionID)
	if err != nil {
		// The session was reclaimed under us; normal after grace.
		e.registry.ClearSession(participantID, *p.SessionID)
		return GameState{Status: StatusWaiting}, nil
	}

	snap := session.Snapshot()
	if snap.Phase.Terminal() {
		return GameState{Status: StatusWaiting}, nil
	}

	state := GameState{
		Status:    StatusGame,
		SessionID: p.SessionID,
		Phase:     snap.Phase,
		Results:   snap.Results,
		Winner:    snap.Winner,
	}
	if snap.Phase == duel.PhaseCountdown {
		c := snap.Countdown
		state.Countdown = &c
	}
	if snap.HighNoonAt != nil {
		state.HighNoonAt = snap.HighNoonAt
	}
	if opp, ok := session.Opponent(participantID); ok {
		state.Opponent = &opp
	}
	return state, nil
}

// SubmitDraw routes a reaction report to the participant's session. The
// returned bool is false for every rejection; the error distinguishes the
// premature and duplicate cases for the transports that want to log them.
func (e *Engine) SubmitDraw(participantID uuid.UUID, offsetMs int64) (bool, error) {
	p, err := e.registry.Get(participantID)
	if err != nil {
		return false, ErrNotFound
	}
	e.registry.Touch(participantID)

	if p.SessionID == nil {
		return false, ErrNotFound
	}
	session, err := e.directory.Get(*p.SessionID)
	if err != nil {
		e.registry.ClearSession(participantID, *p.SessionID)
		return false, ErrNotFound
	}
	return session.SubmitDraw(participantID, offsetMs)
}

// Disconnect removes the participant, dequeuing it if waiting and applying
// forfeit semantics if mid-session. Safe to call for unknown ids.
func (e *Engine) Disconnect(participantID uuid.UUID) {
	p, err := e.registry.Get(participantID)
	if err != nil {
		return
	}

	e.queue.Remove(participantID)
	e.registry.Remove(participantID)

	if p.SessionID != nil {
		if session, err := e.directory.Get(*p.SessionID); err == nil {
			session.Disconnect(participantID)
		}
	}

	log.Info().Str("participant_id", participantID.String()).Msg("participant disconnected")
}

// sessionExpired clears both participants' session references once the
// directory has dropped the session.
func (e *Engine) sessionExpired(sessionID uuid.UUID, duelists [2]duel.Duelist) {
	for _, d := range duelists {
		e.registry.ClearSession(d.ID, sessionID)
	}
}

// Stats reports current store sizes, exposed on the gateway for
// observability.
func (e *Engine) Stats() map[string]int {
	return map[string]int{
		"participants":  e.registry.Len(),
		"waiting":       e.queue.Len(),
		"live_sessions": e.directory.Len(),
	}
}
