package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/highnoon/showdown/internal/duel"
	"github.com/highnoon/showdown/internal/engine"
)

// Engine is what the gateway needs from the duel engine.
type Engine interface {
	Register(name string) (uuid.UUID, string)
	Join(name string) (engine.JoinResult, error)
	Enqueue(participantID uuid.UUID) (engine.JoinResult, error)
	PollState(participantID uuid.UUID) (engine.GameState, error)
	SubmitDraw(participantID uuid.UUID, offsetMs int64) (bool, error)
	Disconnect(participantID uuid.UUID)
	Stats() map[string]int
}

type joinRequest struct {
	Name          string `json:"name,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
}

type joinResponse struct {
	ParticipantID string `json:"participant_id"`
	Status        string `json:"status"`
	SessionID     string `json:"session_id,omitempty"`
}

type duelistResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type drawResultResponse struct {
	OffsetMs   int64     `json:"offset_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}

type stateResponse struct {
	Status       string                        `json:"status"`
	SessionID    string                        `json:"session_id,omitempty"`
	Phase        string                        `json:"phase,omitempty"`
	Countdown    *int                          `json:"countdown,omitempty"`
	HighNoonTime *time.Time                    `json:"high_noon_time,omitempty"`
	Opponent     *duelistResponse              `json:"opponent,omitempty"`
	Results      map[string]drawResultResponse `json:"results,omitempty"`
	Winner       string                        `json:"winner,omitempty"`
}

type drawRequest struct {
	ParticipantID string `json:"participant_id"`
	OffsetMs      int64  `json:"offset_ms"`
}

type drawResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type disconnectRequest struct {
	ParticipantID string `json:"participant_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the HTTP polling transport.
type Handler struct {
	engine Engine
}

// NewHandler creates the polling API handler.
func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

// HandleJoin handles POST /api/join. With a participant_id the existing
// handle re-enters the queue; otherwise a new participant is registered.
func (h *Handler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	var (
		res engine.JoinResult
		err error
	)
	if req.ParticipantID != "" {
		id, parseErr := uuid.Parse(req.ParticipantID)
		if parseErr != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid participant_id"})
			return
		}
		res, err = h.engine.Enqueue(id)
	} else {
		res, err = h.engine.Join(req.Name)
	}

	switch {
	case errors.Is(err, engine.ErrAlreadyInSession):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already_in_session"})
		return
	case errors.Is(err, engine.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown participant"})
		return
	case err != nil:
		log.Error().Err(err).Msg("join failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "join failed"})
		return
	}

	out := joinResponse{
		ParticipantID: res.ParticipantID.String(),
		Status:        string(res.Status),
	}
	if res.SessionID != nil {
		out.SessionID = res.SessionID.String()
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleState handles GET /api/state?participant_id=. A pure snapshot read,
// safe to call repeatedly; an expired or unknown session reads as waiting.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := uuid.Parse(r.URL.Query().Get("participant_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid participant_id"})
		return
	}

	state, err := h.engine.PollState(id)
	if err != nil {
		// Unknown participant is benign: no active game.
		writeJSON(w, http.StatusOK, stateResponse{Status: string(engine.StatusWaiting)})
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(state))
}

// HandleDraw handles POST /api/draw.
func (h *Handler) HandleDraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req drawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	id, err := uuid.Parse(req.ParticipantID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid participant_id"})
		return
	}

	success, err := h.engine.SubmitDraw(id, req.OffsetMs)
	out := drawResponse{Success: success}
	switch {
	case errors.Is(err, duel.ErrPrematureDraw):
		out.Reason = "premature"
	case errors.Is(err, duel.ErrDuplicateDraw):
		out.Reason = "duplicate"
	case errors.Is(err, engine.ErrNotFound):
		out.Reason = "no_active_game"
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleDisconnect handles POST /api/disconnect.
func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	id, err := uuid.Parse(req.ParticipantID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid participant_id"})
		return
	}

	h.engine.Disconnect(id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats handles GET /api/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

// RegisterRoutes registers the polling API with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/join", h.HandleJoin)
	mux.HandleFunc("/api/state", h.HandleState)
	mux.HandleFunc("/api/draw", h.HandleDraw)
	mux.HandleFunc("/api/disconnect", h.HandleDisconnect)
	mux.HandleFunc("/api/stats", h.HandleStats)
}

func toStateResponse(state engine.GameState) stateResponse {
	out := stateResponse{Status: string(state.Status)}
	if state.Status != engine.StatusGame {
		return out
	}

	out.Phase = string(state.Phase)
	if state.SessionID != nil {
		out.SessionID = state.SessionID.String()
	}
	out.Countdown = state.Countdown
	out.HighNoonTime = state.HighNoonAt
	if state.Opponent != nil {
		out.Opponent = &duelistResponse{ID: state.Opponent.ID.String(), Name: state.Opponent.Name}
	}
	if len(state.Results) > 0 {
		out.Results = make(map[string]drawResultResponse, len(state.Results))
		for id, res := range state.Results {
			out.Results[id.String()] = drawResultResponse{
				OffsetMs:   res.OffsetMs,
				RecordedAt: res.RecordedAt,
			}
		}
	}
	if state.Winner != nil {
		out.Winner = state.Winner.String()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
