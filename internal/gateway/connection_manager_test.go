package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highnoon/showdown/internal/transport"
)

// newServerConn dials a throwaway WebSocket endpoint and returns the
// server side of the connection.
func newServerConn(t *testing.T) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-connCh:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(time.Second):
		t.Fatal("websocket upgrade did not complete")
		return nil
	}
}

func newBoundConnection(t *testing.T, cm *ConnectionManager, pid uuid.UUID, sendBuffer int) *Connection {
	t.Helper()

	conn := &Connection{
		ID:          uuid.New().String(),
		Conn:        newServerConn(t),
		Send:        make(chan []byte, sendBuffer),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}
	cm.bind(conn, pid)
	return conn
}

func TestDeliver_BoundConnectionReceivesEvent(t *testing.T) {
	eng := newTestEngine(t)
	cm := NewConnectionManager(eng, DefaultConnectionConfig())

	pid, _ := eng.Register("Wyatt")
	conn := newBoundConnection(t, cm, pid, 16)

	event, err := transport.NewEvent(uuid.New(), transport.EventTypeCountdown, time.Now(), nil)
	require.NoError(t, err)
	cm.deliver(broadcastMessage{ParticipantID: pid, Event: event})

	select {
	case data := <-conn.Send:
		var got transport.DuelEvent
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, transport.EventTypeCountdown, got.Type)
	default:
		t.Fatal("event was not queued for the bound connection")
	}

	participants, connections := cm.Stats()
	assert.Equal(t, 1, participants)
	assert.Equal(t, 1, connections)
}

func TestDeliver_UnboundParticipantIsNoOp(t *testing.T) {
	cm := NewConnectionManager(newTestEngine(t), DefaultConnectionConfig())

	event, err := transport.NewEvent(uuid.New(), transport.EventTypeCountdown, time.Now(), nil)
	require.NoError(t, err)
	cm.deliver(broadcastMessage{ParticipantID: uuid.New(), Event: event})
}

func TestDeliver_SlowConsumerDroppedWithoutForfeit(t *testing.T) {
	eng := newTestEngine(t)
	cm := NewConnectionManager(eng, DefaultConnectionConfig())

	pid, _ := eng.Register("Wyatt")
	conn := newBoundConnection(t, cm, pid, 1)
	conn.Send <- []byte("backlog") // fill the buffer

	event, err := transport.NewEvent(uuid.New(), transport.EventTypeHighNoon, time.Now(), nil)
	require.NoError(t, err)
	cm.deliver(broadcastMessage{ParticipantID: pid, Event: event})

	// The connection is gone from the pool.
	participants, connections := cm.Stats()
	assert.Equal(t, 0, participants)
	assert.Equal(t, 0, connections)

	// Losing the push channel is not a forfeit: the participant's engine
	// state survives and it can still act, e.g. queue for a duel.
	res, err := eng.Enqueue(pid)
	require.NoError(t, err)
	assert.Equal(t, "waiting", string(res.Status))
}
