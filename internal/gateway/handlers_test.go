package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highnoon/showdown/internal/duel"
	"github.com/highnoon/showdown/internal/engine"
	"github.com/highnoon/showdown/internal/timing"
	"github.com/highnoon/showdown/internal/transport"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()

	cfg := engine.Config{
		Duel: duel.Config{
			CountdownStart: 3,
			TickInterval:   time.Second,
			TriggerDelay:   func() time.Duration { return time.Second },
			DuelBound:      10 * time.Second,
			Grace:          5 * time.Second,
			HardTTL:        30 * time.Second,
		},
		ParticipantTTL: 5 * time.Minute,
		SweepInterval:  5 * time.Second,
	}
	nop := transport.NotifierFunc(func(uuid.UUID, *transport.DuelEvent) {})
	return engine.New(timing.NewSourceWithClock(clockwork.NewFakeClock(), 1), cfg, nop)
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHandleJoin_NewParticipantWaits(t *testing.T) {
	h := NewHandler(newTestEngine(t))

	rec := postJSON(t, h.HandleJoin, "/api/join", joinRequest{Name: "Wyatt"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	res := decode[joinResponse](t, rec)
	assert.Equal(t, "waiting", res.Status)
	assert.Empty(t, res.SessionID)
	_, err := uuid.Parse(res.ParticipantID)
	assert.NoError(t, err)
}

func TestHandleJoin_SecondParticipantMatches(t *testing.T) {
	h := NewHandler(newTestEngine(t))

	postJSON(t, h.HandleJoin, "/api/join", joinRequest{Name: "Wyatt"})
	rec := postJSON(t, h.HandleJoin, "/api/join", joinRequest{Name: "Doc"})
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[joinResponse](t, rec)
	assert.Equal(t, "game", res.Status)
	assert.NotEmpty(t, res.SessionID)
}

func TestHandleJoin_RejoinWhileInSession(t *testing.T) {
	h := NewHandler(newTestEngine(t))

	first := decode[joinResponse](t, postJSON(t, h.HandleJoin, "/api/join", joinRequest{Name: "Wyatt"}))
	postJSON(t, h.HandleJoin, "/api/join", joinRequest{Name: "Doc"})

	rec := postJSON(t, h.HandleJoin, "/api/join", joinRequest{ParticipantID: first.ParticipantID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_in_session", decode[errorResponse](t, rec).Error)
}

func TestHandleJoin_UnknownParticipantID(t *testing.T) {
	h := NewHandler(newTestEngine(t))

	rec := postJSON(t, h.HandleJoin, "/api/join", joinRequest{ParticipantID: uuid.New().String()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleJoin_BadRequests(t *testing.T) {
	h := NewHandler(newTestEngine(t))

	req := httptest.NewRequest(http.MethodPost, "/api/join", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.HandleJoin(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h.HandleJoin, "/api/join", joinRequest{ParticipantID: "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/join", nil)
	rec = httptest.NewRecorder()
	h.HandleJoin(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleState_CountdownSnapshot(t *testing.T) {
	h := NewHandler(newTestEngine(t))

	first := decode[joinResponse](t, postJSON(t, h.HandleJoin, "/api/join", joinRequest{Name: "Wyatt"}))
	postJSON(t, h.HandleJoin, "/api/join", joinRequest{Name: "Doc"})

	req := httptest.NewRequest(http.MethodGet, "/api/state?participant_id="+first.ParticipantID, nil)
	rec := httptest.NewRecorder()
	h.HandleState(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	state := decode[stateResponse](t, rec)
	assert.Equal(t, "game", state.Status)
	assert.Equal(t, "countdown", state.Phase)
	require.NotNil(t, state.Countdown)
	assert.Equal(t, 3, *state.Countdown)
	require.NotNil(t, state.Opponent)
	assert.Equal(t, "Doc", state.Opponent.Name)
}

func TestHandleState_UnknownParticipantReadsWaiting(t *testing.T) {
	h := NewHandler(newTestEngine(t))

	req := httptest.NewRequest(http.MethodGet, "/api/state?participant_id="+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	h.HandleState(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "waiting", decode[stateResponse](t, rec).Status)
}

func TestHandleState_InvalidID(t *testing.T) {
	h := NewHandler(newTestEngine(t))

	req := httptest.NewRequest(http.MethodGet, "/api/state?participant_id=nope", nil)
	rec := httptest.NewRecorder()
	h.HandleState(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDraw_NoActiveGame(t *testing.T) {
	h := NewHandler(newTestEngine(t))

	first := decode[joinResponse](t, postJSON(t, h.HandleJoin, "/api/join", joinRequest{Name: "Wyatt"}))

	rec := postJSON(t, h.HandleDraw, "/api/draw", drawRequest{ParticipantID: first.ParticipantID, OffsetMs: 200})
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[drawResponse](t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, "no_active_game", res.Reason)
}

func TestHandleDraw_InvalidBody(t *testing.T) {
	h := NewHandler(newTestEngine(t))

	req := httptest.NewRequest(http.MethodPost, "/api/draw", strings.NewReader("nope"))
	rec := httptest.NewRecorder()
	h.HandleDraw(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDisconnect(t *testing.T) {
	h := NewHandler(newTestEngine(t))

	first := decode[joinResponse](t, postJSON(t, h.HandleJoin, "/api/join", joinRequest{Name: "Wyatt"}))

	rec := postJSON(t, h.HandleDisconnect, "/api/disconnect", disconnectRequest{ParticipantID: first.ParticipantID})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// A fresh joiner waits: the queue slot was released.
	second := decode[joinResponse](t, postJSON(t, h.HandleJoin, "/api/join", joinRequest{Name: "Doc"}))
	assert.Equal(t, "waiting", second.Status)
}

func TestHandleStats(t *testing.T) {
	h := NewHandler(newTestEngine(t))

	postJSON(t, h.HandleJoin, "/api/join", joinRequest{Name: "Wyatt"})

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	h.HandleStats(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decode[map[string]int](t, rec)
	assert.Equal(t, 1, stats["participants"])
	assert.Equal(t, 1, stats["waiting"])
}
