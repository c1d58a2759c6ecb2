package duel

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highnoon/showdown/internal/duel/events"
	"github.com/highnoon/showdown/internal/transport"
)

const (
	testTick    = time.Second
	testTrigger = 2 * time.Second
	testBound   = 10 * time.Second
	testGrace   = 5 * time.Second
)

// recNotifier records every delivered event, one entry per recipient.
type recNotifier struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	participantID uuid.UUID
	event         *transport.DuelEvent
}

func (n *recNotifier) Notify(participantID uuid.UUID, event *transport.DuelEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recorded{participantID: participantID, event: event})
}

func (n *recNotifier) count(typ transport.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, r := range n.events {
		if r.event.Type == typ {
			count++
		}
	}
	return count
}

func (n *recNotifier) last(typ transport.EventType) *transport.DuelEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].event.Type == typ {
			return n.events[i].event
		}
	}
	return nil
}

type testFixture struct {
	session  *Session
	clock    *clockwork.FakeClock
	notifier *recNotifier
	first    Duelist
	second   Duelist

	expiredMu sync.Mutex
	expired   int
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{
		clock:    clockwork.NewFakeClock(),
		notifier: &recNotifier{},
		first:    Duelist{ID: uuid.New(), Name: "Wyatt"},
		second:   Duelist{ID: uuid.New(), Name: "Doc"},
	}
	cfg := Config{
		CountdownStart: 3,
		TickInterval:   testTick,
		TriggerDelay:   func() time.Duration { return testTrigger },
		DuelBound:      testBound,
		Grace:          testGrace,
	}
	f.session = New(uuid.New(), f.first, f.second, cfg, f.clock, f.notifier, func(uuid.UUID) {
		f.expiredMu.Lock()
		f.expired++
		f.expiredMu.Unlock()
	})
	return f
}

func (f *testFixture) expiredCount() int {
	f.expiredMu.Lock()
	defer f.expiredMu.Unlock()
	return f.expired
}

// advanceToArmed runs the countdown. Each tick's successor timer is created
// before the previous callback returns, so BlockUntil synchronizes the
// fake-clock advances with the timer goroutines.
func (f *testFixture) advanceToArmed(t *testing.T) {
	t.Helper()
	f.session.Start()
	for i := 0; i <= 3; i++ {
		f.clock.BlockUntil(1)
		f.clock.Advance(testTick)
	}
	f.clock.BlockUntil(1) // trigger timer pending
	require.Equal(t, PhaseArmed, f.session.Snapshot().Phase)
}

func (f *testFixture) advanceToDueling(t *testing.T) {
	t.Helper()
	f.advanceToArmed(t)
	f.clock.Advance(testTrigger)
	f.clock.BlockUntil(1) // bound timer pending
	require.Equal(t, PhaseDueling, f.session.Snapshot().Phase)
}

func TestSession_CountdownEmitsTicks(t *testing.T) {
	f := newFixture(t)
	f.session.Start()

	// One gameStart broadcast, delivered to each duelist.
	assert.Equal(t, 2, f.notifier.count(transport.EventTypeGameStart))

	for i := 0; i <= 3; i++ {
		f.clock.BlockUntil(1)
		f.clock.Advance(testTick)
	}
	f.clock.BlockUntil(1)

	// Values 3, 2, 1, 0 to each of the two duelists.
	assert.Equal(t, 8, f.notifier.count(transport.EventTypeCountdown))

	var payload events.CountdownPayload
	require.NoError(t, json.Unmarshal(f.notifier.last(transport.EventTypeCountdown).Data, &payload))
	assert.Equal(t, 0, payload.Value)
}

func TestSession_TriggerSetsHighNoonOnce(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	snap := f.session.Snapshot()
	require.NotNil(t, snap.HighNoonAt)
	assert.Equal(t, 2, f.notifier.count(transport.EventTypeHighNoon))

	var payload events.HighNoonPayload
	require.NoError(t, json.Unmarshal(f.notifier.last(transport.EventTypeHighNoon).Data, &payload))
	assert.Equal(t, *snap.HighNoonAt, payload.FiredAt)
}

func TestSession_PrematureDrawRejected(t *testing.T) {
	f := newFixture(t)
	f.advanceToArmed(t)

	ok, err := f.session.SubmitDraw(f.first.ID, 120)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrPrematureDraw)

	snap := f.session.Snapshot()
	assert.Equal(t, PhaseArmed, snap.Phase)
	assert.Empty(t, snap.Results)
}

func TestSession_DrawBeforeStartIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.session.Start()

	ok, err := f.session.SubmitDraw(f.first.ID, 120)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestSession_DuplicateDrawIgnored(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	ok, err := f.session.SubmitDraw(f.first.ID, 310)
	require.True(t, ok)
	require.NoError(t, err)

	ok, err = f.session.SubmitDraw(f.first.ID, 50)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDuplicateDraw)

	snap := f.session.Snapshot()
	assert.Equal(t, int64(310), snap.Results[f.first.ID].OffsetMs)
}

func TestSession_NonMemberDrawIgnored(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	ok, err := f.session.SubmitDraw(uuid.New(), 100)
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Empty(t, f.session.Snapshot().Results)
}

func TestSession_LowerOffsetWins(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	ok, err := f.session.SubmitDraw(f.first.ID, 310)
	require.True(t, ok)
	require.NoError(t, err)
	ok, err = f.session.SubmitDraw(f.second.ID, 275)
	require.True(t, ok)
	require.NoError(t, err)

	snap := f.session.Snapshot()
	assert.Equal(t, PhaseResolved, snap.Phase)
	require.NotNil(t, snap.Winner)
	assert.Equal(t, f.second.ID, *snap.Winner)
	assert.Len(t, snap.Results, 2)
	assert.Equal(t, int64(310), snap.Results[f.first.ID].OffsetMs)
	assert.Equal(t, int64(275), snap.Results[f.second.ID].OffsetMs)

	assert.Equal(t, 2, f.notifier.count(transport.EventTypeGameEnd))

	var payload events.GameEndPayload
	require.NoError(t, json.Unmarshal(f.notifier.last(transport.EventTypeGameEnd).Data, &payload))
	assert.Equal(t, f.second.ID.String(), payload.Winner)
	assert.Len(t, payload.Results, 2)
}

func TestSession_EqualOffsetsGoToSecondDuelist(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	ok, err := f.session.SubmitDraw(f.first.ID, 300)
	require.True(t, ok)
	require.NoError(t, err)
	ok, err = f.session.SubmitDraw(f.second.ID, 300)
	require.True(t, ok)
	require.NoError(t, err)

	// Strict less-than comparison: a dead heat goes to the second duelist.
	snap := f.session.Snapshot()
	require.NotNil(t, snap.Winner)
	assert.Equal(t, f.second.ID, *snap.Winner)
}

func TestSession_WinnerNeverChanges(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	_, err := f.session.SubmitDraw(f.first.ID, 200)
	require.NoError(t, err)
	_, err = f.session.SubmitDraw(f.second.ID, 400)
	require.NoError(t, err)

	winner := f.session.Snapshot().Winner
	require.NotNil(t, winner)

	ok, _ := f.session.SubmitDraw(f.second.ID, 1)
	assert.False(t, ok)

	again := f.session.Snapshot().Winner
	require.NotNil(t, again)
	assert.Equal(t, *winner, *again)
}

func TestSession_BoundTimeout_SoleSubmitterWins(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	ok, err := f.session.SubmitDraw(f.first.ID, 420)
	require.True(t, ok)
	require.NoError(t, err)

	f.clock.Advance(testBound)
	require.Eventually(t, func() bool {
		return f.session.Snapshot().Phase == PhaseResolved
	}, time.Second, 5*time.Millisecond)

	snap := f.session.Snapshot()
	require.NotNil(t, snap.Winner)
	assert.Equal(t, f.first.ID, *snap.Winner)
	assert.Len(t, snap.Results, 1)
	assert.NotContains(t, snap.Results, f.second.ID)
}

func TestSession_BoundTimeout_NoContest(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	f.clock.Advance(testBound)
	require.Eventually(t, func() bool {
		return f.session.Snapshot().Phase == PhaseResolved
	}, time.Second, 5*time.Millisecond)

	snap := f.session.Snapshot()
	assert.Nil(t, snap.Winner)
	assert.Empty(t, snap.Results)
	assert.Equal(t, 2, f.notifier.count(transport.EventTypeGameEnd))
}

func TestSession_ConcurrentSubmissionsResolveOnce(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.session.SubmitDraw(f.first.ID, 310)
	}()
	go func() {
		defer wg.Done()
		f.session.SubmitDraw(f.second.ID, 275)
	}()
	wg.Wait()

	snap := f.session.Snapshot()
	assert.Equal(t, PhaseResolved, snap.Phase)
	assert.Len(t, snap.Results, 2)
	require.NotNil(t, snap.Winner)
	assert.Equal(t, f.second.ID, *snap.Winner)

	// One broadcast, delivered to each duelist once.
	assert.Equal(t, 2, f.notifier.count(transport.EventTypeGameEnd))
}

func TestSession_GraceExpiryReclaims(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	_, err := f.session.SubmitDraw(f.first.ID, 150)
	require.NoError(t, err)
	_, err = f.session.SubmitDraw(f.second.ID, 250)
	require.NoError(t, err)
	require.Equal(t, PhaseResolved, f.session.Snapshot().Phase)

	f.clock.BlockUntil(1) // grace timer pending
	f.clock.Advance(testGrace)

	require.Eventually(t, func() bool {
		return f.session.Snapshot().Phase == PhaseExpired
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.expiredCount())
}

func TestSession_DisconnectBeforeDraw_RemainingWins(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	f.session.Disconnect(f.first.ID)

	snap := f.session.Snapshot()
	assert.Equal(t, PhaseExpired, snap.Phase)
	require.NotNil(t, snap.Winner)
	assert.Equal(t, f.second.ID, *snap.Winner)
	assert.Equal(t, 2, f.notifier.count(transport.EventTypeOpponentLeft))
	assert.Equal(t, 2, f.notifier.count(transport.EventTypeGameEnd))
	assert.Equal(t, 1, f.expiredCount())
}

func TestSession_DisconnectAfterOpponentDrew_ResultStands(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	ok, err := f.session.SubmitDraw(f.second.ID, 180)
	require.True(t, ok)
	require.NoError(t, err)

	f.session.Disconnect(f.first.ID)

	snap := f.session.Snapshot()
	require.NotNil(t, snap.Winner)
	assert.Equal(t, f.second.ID, *snap.Winner)
	assert.Equal(t, int64(180), snap.Results[f.second.ID].OffsetMs)
}

func TestSession_DisconnectAfterOwnDraw_ResultStands(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	ok, err := f.session.SubmitDraw(f.first.ID, 220)
	require.True(t, ok)
	require.NoError(t, err)

	f.session.Disconnect(f.first.ID)

	// The leaver's recorded result stands: sole submitter wins.
	snap := f.session.Snapshot()
	require.NotNil(t, snap.Winner)
	assert.Equal(t, f.first.ID, *snap.Winner)
}

func TestSession_DisconnectDuringCountdown_Forfeits(t *testing.T) {
	f := newFixture(t)
	f.session.Start()

	f.session.Disconnect(f.second.ID)

	snap := f.session.Snapshot()
	assert.Equal(t, PhaseExpired, snap.Phase)
	require.NotNil(t, snap.Winner)
	assert.Equal(t, f.first.ID, *snap.Winner)
}

func TestSession_DisconnectTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.advanceToDueling(t)

	f.session.Disconnect(f.first.ID)
	f.session.Disconnect(f.first.ID)
	f.session.Disconnect(f.second.ID)

	assert.Equal(t, 1, f.expiredCount())
	assert.Equal(t, 2, f.notifier.count(transport.EventTypeGameEnd))
}

func TestSession_ExpireIfDue(t *testing.T) {
	f := newFixture(t)
	f.session.Start()

	assert.False(t, f.session.ExpireIfDue(f.clock.Now()))

	due := f.clock.Now().Add(DefaultHardTTL + time.Second)
	assert.True(t, f.session.ExpireIfDue(due))
	assert.False(t, f.session.ExpireIfDue(due))
	assert.Equal(t, PhaseExpired, f.session.Snapshot().Phase)
	assert.Equal(t, 1, f.expiredCount())
}

func TestSession_Opponent(t *testing.T) {
	f := newFixture(t)

	opp, ok := f.session.Opponent(f.first.ID)
	require.True(t, ok)
	assert.Equal(t, f.second.ID, opp.ID)

	_, ok = f.session.Opponent(uuid.New())
	assert.False(t, ok)
}
