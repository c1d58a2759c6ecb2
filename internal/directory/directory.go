package directory

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/highnoon/showdown/internal/duel"
	"github.com/highnoon/showdown/internal/transport"
)

// ErrNotFound is returned for unknown or already-reclaimed session ids.
// Normal polling can observe a just-cleaned-up session, so callers treat
// this as "no active game".
var ErrNotFound = errors.New("session not found")

// Directory is the keyed store of live sessions. Sessions remove themselves
// on expiry via their onExpire hook; Sweep is the safety net that bounds
// reclamation even if a grace timer is lost.
type Directory struct {
	clock    duel.Clock
	cfg      duel.Config
	notifier transport.Notifier
	onExpire func(sessionID uuid.UUID, duelists [2]duel.Duelist)

	mu       sync.RWMutex
	sessions map[uuid.UUID]*duel.Session
}

// New returns an empty directory. onExpire runs after an expired session
// has been dropped from the store, with the session already terminal.
func New(clock duel.Clock, cfg duel.Config, notifier transport.Notifier, onExpire func(uuid.UUID, [2]duel.Duelist)) *Directory {
	return &Directory{
		clock:    clock,
		cfg:      cfg,
		notifier: notifier,
		onExpire: onExpire,
		sessions: make(map[uuid.UUID]*duel.Session),
	}
}

// Create builds and stores a session for the given pair. The caller starts
// it once both participants' session references are assigned.
func (d *Directory) Create(first, second duel.Duelist) *duel.Session {
	id := uuid.New()
	session := duel.New(id, first, second, d.cfg, d.clock, d.notifier, d.reclaim)

	d.mu.Lock()
	d.sessions[id] = session
	d.mu.Unlock()

	log.Info().
		Str("session_id", id.String()).
		Int("live_sessions", d.Len()).
		Msg("session created")
	return session
}

// Get returns the live session for id, or ErrNotFound.
func (d *Directory) Get(id uuid.UUID) (*duel.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	session, ok := d.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return session, nil
}

// Remove drops the session entry. Idempotent.
func (d *Directory) Remove(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
}

// reclaim is wired into every session as its onExpire hook.
func (d *Directory) reclaim(id uuid.UUID) {
	d.mu.Lock()
	session, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()

	if !ok {
		return
	}
	if d.onExpire != nil {
		d.onExpire(id, session.Duelists())
	}
}

// Sweep expires every session whose deadline has passed and returns how
// many were reclaimed. The session list is snapshotted first so no
// directory lock is held while session mutexes are taken.
func (d *Directory) Sweep(now time.Time) int {
	d.mu.RLock()
	snapshot := make([]*duel.Session, 0, len(d.sessions))
	for _, session := range d.sessions {
		snapshot = append(snapshot, session)
	}
	d.mu.RUnlock()

	reclaimed := 0
	for _, session := range snapshot {
		if session.ExpireIfDue(now) {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		log.Info().Int("reclaimed", reclaimed).Msg("directory sweep reclaimed sessions")
	}
	return reclaimed
}

// Len returns the number of live sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}
