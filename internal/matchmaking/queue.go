package matchmaking

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotEligible is returned when the eligibility guard rejects an enqueue.
var ErrNotEligible = errors.New("participant not eligible for matchmaking")

// Status is the outcome of an enqueue attempt.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusMatched Status = "matched"
)

// Result is returned by EnqueueOrPair. SessionID is set only for
// StatusMatched.
type Result struct {
	Status    Status
	SessionID uuid.UUID
}

// PairFunc creates a session for a matched pair, head first. It is invoked
// with the queue lock held, which keeps pairing strictly FIFO under
// concurrent joins.
type PairFunc func(head, incoming uuid.UUID) (uuid.UUID, error)

// EligibleFunc reports whether a participant may enter the queue. It is
// consulted with the queue lock held, so the answer cannot go stale between
// the check and the enqueue: a participant being paired concurrently is
// assigned its session under the same lock.
type EligibleFunc func(participantID uuid.UUID) bool

// Queue pairs unassigned participants in strict arrival order.
type Queue struct {
	pair     PairFunc
	eligible EligibleFunc

	mu      sync.Mutex
	waiting []uuid.UUID
}

// New returns an empty queue that calls pair for each match. A nil eligible
// admits everyone.
func New(pair PairFunc, eligible EligibleFunc) *Queue {
	return &Queue{pair: pair, eligible: eligible}
}

// EnqueueOrPair matches the incoming participant with the queue head, or
// appends it when the queue is empty. Re-enqueueing a participant that is
// already waiting is a no-op returning StatusWaiting. An ineligible
// participant is rejected with ErrNotEligible. If pairing fails the head is
// put back at the front, preserving arrival order.
func (q *Queue) EnqueueOrPair(participantID uuid.UUID) (Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, waiting := range q.waiting {
		if waiting == participantID {
			return Result{Status: StatusWaiting}, nil
		}
	}

	if q.eligible != nil && !q.eligible(participantID) {
		return Result{}, ErrNotEligible
	}

	if len(q.waiting) == 0 {
		q.waiting = append(q.waiting, participantID)
		log.Debug().
			Str("participant_id", participantID.String()).
			Msg("participant waiting for opponent")
		return Result{Status: StatusWaiting}, nil
	}

	head := q.waiting[0]
	q.waiting = q.waiting[1:]

	sessionID, err := q.pair(head, participantID)
	if err != nil {
		q.waiting = append([]uuid.UUID{head}, q.waiting...)
		return Result{}, fmt.Errorf("pair %s with %s: %w", head, participantID, err)
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("head", head.String()).
		Str("incoming", participantID.String()).
		Msg("participants paired")
	return Result{Status: StatusMatched, SessionID: sessionID}, nil
}

// Remove drops a waiting participant, positionally. Returns whether the
// participant was queued.
func (q *Queue) Remove(participantID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, waiting := range q.waiting {
		if waiting == participantID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of waiting participants.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}
