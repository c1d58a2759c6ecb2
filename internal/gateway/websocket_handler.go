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
	"github.com/highnoon/showdown/internal/transport"
)

// clientMessage is the inbound WebSocket protocol, matching the message
// names the original browser client sends.
type clientMessage struct {
	Type          string `json:"type"`
	Name          string `json:"name,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	OffsetMs      int64  `json:"offset_ms,omitempty"`
}

type joinAckPayload struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	SessionID     string `json:"session_id,omitempty"`
	Message       string `json:"message,omitempty"`
}

type drawAckPayload struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WebSocketHandler handles WebSocket upgrade requests for duel connections.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm}
}

// HandleDuelConnection upgrades the request. An optional participant_id
// query parameter rebinds an existing handle; otherwise the client joins
// with a joinGame message.
func (h *WebSocketHandler) HandleDuelConnection(w http.ResponseWriter, r *http.Request) {
	var participantID *uuid.UUID
	if raw := r.URL.Query().Get("participant_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid participant_id format", http.StatusBadRequest)
			return
		}
		participantID = &id
	}

	if err := h.connectionManager.UpgradeConnection(w, r, participantID); err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}
}

// handleClientMessage dispatches one inbound frame.
func (c *Connection) handleClientMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("bad_message", "message is not valid JSON")
		return
	}

	switch msg.Type {
	case "joinGame":
		c.handleJoin(msg)
	case "playerDraw":
		c.handleDraw(msg)
	case "leave":
		if pid := c.Manager.unregister(c); pid != nil {
			c.Manager.engine.Disconnect(*pid)
		}
	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", msg.Type).
			Msg("unknown client message type")
	}
}

func (c *Connection) handleJoin(msg clientMessage) {
	eng := c.Manager.engine

	pid := c.boundParticipant()
	name := msg.Name
	if pid == nil && msg.ParticipantID != "" {
		// Resuming an existing handle over a fresh connection.
		id, err := uuid.Parse(msg.ParticipantID)
		if err != nil {
			c.sendError("bad_participant", "invalid participant_id")
			return
		}
		pid = &id
	}

	if pid == nil {
		id, finalName := eng.Register(name)
		pid = &id
		name = finalName
	}

	// Bind before enqueueing so the gameStart broadcast on an immediate
	// match reaches this connection.
	c.Manager.bind(c, *pid)

	res, err := eng.Enqueue(*pid)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrAlreadyInSession):
			c.sendError("already_in_session", "finish or leave the current duel first")
		case errors.Is(err, engine.ErrNotFound):
			c.sendError("not_found", "unknown participant")
		default:
			c.sendError("join_failed", "could not join")
		}
		return
	}

	ack := joinAckPayload{
		ParticipantID: pid.String(),
		Name:          name,
		Status:        string(res.Status),
	}
	sessionID := uuid.Nil
	if res.SessionID != nil {
		sessionID = *res.SessionID
		ack.SessionID = sessionID.String()
	} else {
		ack.Message = "Waiting for opponent..."
	}
	c.sendEvent(sessionID, transport.EventTypeWaiting, ack)
}

func (c *Connection) handleDraw(msg clientMessage) {
	pid := c.boundParticipant()
	if pid == nil {
		c.sendError("not_joined", "join before drawing")
		return
	}

	success, err := c.Manager.engine.SubmitDraw(*pid, msg.OffsetMs)
	ack := drawAckPayload{Success: success}
	switch {
	case errors.Is(err, duel.ErrPrematureDraw):
		ack.Reason = "premature"
	case errors.Is(err, duel.ErrDuplicateDraw):
		ack.Reason = "duplicate"
	case errors.Is(err, engine.ErrNotFound):
		ack.Reason = "no_active_game"
	}
	c.sendEvent(uuid.Nil, transport.EventTypeDrawResult, ack)
}

func (c *Connection) boundParticipant() *uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.participantID == nil {
		return nil
	}
	pid := *c.participantID
	return &pid
}

// sendEvent delivers an event directly on this connection, bypassing the
// participant fan-out. Used for acks.
func (c *Connection) sendEvent(sessionID uuid.UUID, typ transport.EventType, payload any) {
	event, err := transport.NewEvent(sessionID, typ, time.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to build ack event")
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().Str("connection_id", c.ID).Msg("send buffer full, dropping ack")
	}
}

func (c *Connection) sendError(code, message string) {
	c.sendEvent(uuid.Nil, transport.EventTypeError, errorPayload{Code: code, Message: message})
}
