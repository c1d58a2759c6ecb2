package events

import (
	"time"
)

// Event payload types shared between the duel engine and the transports.

// Duelist identifies one participant in a session.
type Duelist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GameStartPayload is broadcast once when a session forms, before the
// countdown begins.
type GameStartPayload struct {
	SessionID string    `json:"session_id"`
	Duelists  []Duelist `json:"duelists"`
	Countdown int       `json:"countdown"`
}

// CountdownPayload carries one countdown tick.
type CountdownPayload struct {
	Value int `json:"value"`
}

// HighNoonPayload is the "go" signal. FiredAt is the authoritative trigger
// timestamp clients measure their reaction against.
type HighNoonPayload struct {
	FiredAt time.Time `json:"fired_at"`
}

// DrawResultPayload is one participant's recorded reaction.
type DrawResultPayload struct {
	OffsetMs   int64     `json:"offset_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}

// GameEndPayload is broadcast exactly once when the duel resolves. Winner is
// empty on a no-contest.
type GameEndPayload struct {
	Winner   string                       `json:"winner,omitempty"`
	Results  map[string]DrawResultPayload `json:"results"`
	Duelists []Duelist                    `json:"duelists"`
}

// OpponentLeftPayload is broadcast when a participant disconnects
// mid-session, just before the forfeit resolution.
type OpponentLeftPayload struct {
	ParticipantID string `json:"participant_id"`
}
