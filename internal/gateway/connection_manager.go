package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/highnoon/showdown/internal/transport"
)

// ConnectionManager owns the WebSocket push transport: it tracks which
// connections belong to which participant and fans engine events out to
// them. It implements transport.Notifier.
type ConnectionManager struct {
	engine Engine

	// Connection pools organized by participant ID
	connections map[uuid.UUID]map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan broadcastMessage
}

// Connection represents one WebSocket connection to a client. A connection
// is unbound until its participant joins (or presents an existing handle);
// a bound connection forfeits its duel when it drops.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	mu            sync.Mutex
	participantID *uuid.UUID

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	ParticipantID uuid.UUID
	Event         *transport.DuelEvent
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a WebSocket connection manager backed by the
// given engine.
func NewConnectionManager(engine Engine, config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		engine:      engine,
		connections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// Start begins processing outbound events until the context is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.deliver(message)
		}
	}
}

// Notify implements transport.Notifier: best-effort, never blocking the
// session that emitted the event.
func (cm *ConnectionManager) Notify(participantID uuid.UUID, event *transport.DuelEvent) {
	select {
	case cm.broadcastCh <- broadcastMessage{ParticipantID: participantID, Event: event}:
	default:
		log.Warn().
			Str("participant_id", participantID.String()).
			Str("event_type", string(event.Type)).
			Msg("broadcast channel full, dropping event")
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection. If
// participantID is non-nil the connection is bound immediately; otherwise
// binding happens on the first join message.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, participantID *uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}
	if participantID != nil {
		cm.bind(connection, *participantID)
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Msg("WebSocket connection established")
	return nil
}

// bind associates a connection with a participant and registers it for
// event delivery.
func (cm *ConnectionManager) bind(conn *Connection, participantID uuid.UUID) {
	conn.mu.Lock()
	pid := participantID
	conn.participantID = &pid
	conn.mu.Unlock()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connections[participantID] == nil {
		cm.connections[participantID] = make(map[*Connection]bool)
	}
	cm.connections[participantID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("participant_id", participantID.String()).
		Msg("connection bound")
}

// unregister removes a connection. Returns the participant it was bound to,
// if any, so the caller can apply disconnect semantics.
func (cm *ConnectionManager) unregister(conn *Connection) *uuid.UUID {
	conn.mu.Lock()
	pid := conn.participantID
	conn.participantID = nil
	conn.mu.Unlock()

	if pid == nil {
		return nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if pool, exists := cm.connections[*pid]; exists {
		if pool[conn] {
			delete(pool, conn)
			close(conn.Send)
		}
		if len(pool) == 0 {
			delete(cm.connections, *pid)
		}
	}
	return pid
}

// deliver fans one event out to every connection the participant holds.
func (cm *ConnectionManager) deliver(message broadcastMessage) {
	cm.mu.RLock()
	pool, exists := cm.connections[message.ParticipantID]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(pool))
	for conn := range pool {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for delivery")
		return
	}

	for _, conn := range targets {
		select {
		case conn.Send <- data:
		default:
			// Connection is slow or dead; drop it. The participant keeps
			// its engine state and recovers by reconnecting with its
			// participant_id (or falling back to polling); the engine is
			// the source of truth, not this channel.
			log.Warn().
				Str("connection_id", conn.ID).
				Str("participant_id", message.ParticipantID.String()).
				Str("event_type", string(message.Event.Type)).
				Msg("connection send buffer full, closing connection")
			cm.unregister(conn)
			conn.Conn.Close()
		}
	}
}

// Stats returns counts of bound participants and open connections.
func (cm *ConnectionManager) Stats() (participants, connections int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, pool := range cm.connections {
		connections += len(pool)
	}
	return len(cm.connections), connections
}

// writePump sends outbound messages and pings on one connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads inbound client messages on one connection. When the
// connection drops, the bound participant is disconnected from the engine:
// a mid-duel drop forfeits, matching the push transport's semantics.
func (c *Connection) readPump() {
	defer func() {
		if pid := c.Manager.unregister(c); pid != nil {
			c.Manager.engine.Disconnect(*pid)
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("unexpected close")
			}
			return
		}
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
