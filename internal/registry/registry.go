package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned for lookups of unknown or already-removed
// participants. Callers treat it as "no active game", never a hard failure.
var ErrNotFound = errors.New("participant not found")

// Participant is one connected player. SessionID is nil while unmatched.
type Participant struct {
	ID        uuid.UUID
	Name      string
	SessionID *uuid.UUID
	LastSeen  time.Time
}

// Clock is the subset of the clock the registry needs.
type Clock interface {
	Now() time.Time
}

// Registry tracks connected participants and their session assignment.
type Registry struct {
	clock Clock

	mu           sync.RWMutex
	participants map[uuid.UUID]*Participant
}

// New returns an empty registry.
func New(clock Clock) *Registry {
	return &Registry{
		clock:        clock,
		participants: make(map[uuid.UUID]*Participant),
	}
}

// Create registers a new participant. An empty name gets the default
// "Cowboy <short-id>" the original server handed out.
func (r *Registry) Create(name string) Participant {
	id := uuid.New()
	if name == "" {
		name = fmt.Sprintf("Cowboy %s", id.String()[:4])
	}

	p := &Participant{
		ID:       id,
		Name:     name,
		LastSeen: r.clock.Now(),
	}

	r.mu.Lock()
	r.participants[id] = p
	r.mu.Unlock()

	log.Info().
		Str("participant_id", id.String()).
		Str("name", name).
		Msg("participant registered")
	return *p
}

// Get returns a copy of the participant.
func (r *Registry) Get(id uuid.UUID) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[id]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return *p, nil
}

// Touch refreshes the participant's activity timestamp.
func (r *Registry) Touch(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.participants[id]; ok {
		p.LastSeen = r.clock.Now()
	}
}

// AssignSession binds a participant to a session.
func (r *Registry) AssignSession(id, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return ErrNotFound
	}
	sid := sessionID
	p.SessionID = &sid
	p.LastSeen = r.clock.Now()
	return nil
}

// ClearSession drops the participant's session reference, if the given
// session still owns it. Idempotent.
func (r *Registry) ClearSession(id, sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return
	}
	if p.SessionID != nil && *p.SessionID == sessionID {
		p.SessionID = nil
		p.LastSeen = r.clock.Now()
	}
}

// Remove deletes the participant.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, id)
}

// SweepIdle removes unmatched participants whose last activity is older
// than ttl and returns their ids so the caller can purge the matchmaking
// queue. Matched participants are left alone: their lifetime is bounded by
// their session's.
func (r *Registry) SweepIdle(ttl time.Duration) []uuid.UUID {
	cutoff := r.clock.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []uuid.UUID
	for id, p := range r.participants {
		if p.SessionID == nil && p.LastSeen.Before(cutoff) {
			delete(r.participants, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		log.Info().Int("count", len(removed)).Msg("idle participants reaped")
	}
	return removed
}

// Len returns the number of registered participants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}
