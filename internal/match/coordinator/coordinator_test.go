package coordinator

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gambit/internal/match/broadcast"
	"github.com/cory-johannsen/gambit/internal/match/ident"
	"github.com/cory-johannsen/gambit/internal/match/presence"
	"github.com/cory-johannsen/gambit/internal/match/store"
)

type harness struct {
	c        *Coordinator
	reg      *presence.Registry
	sessions *store.Store
	outboxes map[string]*presence.Outbox
}

type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

func newHarness(t *testing.T, codes ident.Generator) *harness {
	reg := presence.NewRegistry()
	st := store.New(ident.NewSequence("s-"), nil)
	logger := zaptest.NewLogger(t)
	gw := broadcast.NewGateway(reg, st, logger)
	return &harness{
		c:        New(reg, st, gw, codes, ident.NewSequence("m-"), 4, logger),
		reg:      reg,
		sessions: st,
		outboxes: make(map[string]*presence.Outbox),
	}
}

// player connects connID and announces a presence for it.
func (h *harness) player(connID string) *presence.Outbox {
	o := h.connect(connID)
	h.c.RegisterPresence(connID, Presence{Identity: "u-" + connID, DisplayName: "Player " + connID, Rating: 1200})
	return o
}

func (h *harness) connect(connID string) *presence.Outbox {
	return h.connectBuffered(connID, 256)
}

func (h *harness) connectBuffered(connID string, size int) *presence.Outbox {
	o := presence.NewOutbox(connID, size)
	h.outboxes[connID] = o
	h.c.Connect(connID, o)
	return o
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// drain returns every queued frame for connID without blocking.
func (h *harness) drain(t testingT, connID string) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case data := <-h.outboxes[connID].Frames():
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("decoding frame: %v", err)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func types(frames []frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

// active builds an active session between c1 (creator) and c2 (joiner) and
// drains the start frames.
func (h *harness) active(t *testing.T) store.Session {
	t.Helper()
	h.player("c1")
	h.player("c2")
	created, err := h.c.CreateSession("c1")
	require.NoError(t, err)
	sess, err := h.c.JoinSession("c2", created.Code)
	require.NoError(t, err)
	h.drain(t, "c1")
	h.drain(t, "c2")
	return sess
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	h.player("c1")

	sess, err := h.c.CreateSession("c1")
	require.NoError(t, err)
	assert.Equal(t, "AB12", sess.Code)
	assert.Equal(t, store.StatusWaiting, sess.Status)
	assert.Equal(t, "u-c1", sess.Creator.Identity)
	assert.Nil(t, sess.Joiner)
	assert.Equal(t, []string{sess.ID}, h.sessions.SessionsFor("c1"))
}

func TestCreateSession_IdentityMissing(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	h.connect("c1")

	_, err := h.c.CreateSession("c1")
	assert.ErrorIs(t, err, ErrIdentityMissing)
}

func TestCreateSession_RetriesCodeCollision(t *testing.T) {
	h := newHarness(t, ident.NewList("AAAA", "AAAA", "BBBB"))
	h.player("c1")
	h.player("c2")

	first, err := h.c.CreateSession("c1")
	require.NoError(t, err)
	second, err := h.c.CreateSession("c2")
	require.NoError(t, err)

	assert.Equal(t, "AAAA", first.Code)
	assert.Equal(t, "BBBB", second.Code)
}

func TestCreateSession_CodeSpaceExhausted(t *testing.T) {
	h := newHarness(t, ident.NewList("AAAA"))
	h.player("c1")
	h.player("c2")

	_, err := h.c.CreateSession("c1")
	require.NoError(t, err)
	_, err = h.c.CreateSession("c2")
	assert.ErrorIs(t, err, ErrCodeSpaceExhausted)
}

func TestJoinSession_CaseInsensitiveScenario(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	h.player("c1")
	h.player("c2")
	h.player("c3")

	created, err := h.c.CreateSession("c1")
	require.NoError(t, err)
	require.Equal(t, "AB12", created.Code)

	sess, err := h.c.JoinSession("c2", "ab12")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, sess.Status)
	assert.Len(t, sess.Participants(), 2)
	assert.Empty(t, sess.Actions)

	_, err = h.c.JoinSession("c3", "AB12")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	for _, conn := range []string{"c1", "c2"} {
		frames := h.drain(t, conn)
		require.Len(t, frames, 1, conn)
		assert.Equal(t, EventSessionStarted, frames[0].Type)
		var view SessionView
		require.NoError(t, json.Unmarshal(frames[0].Payload, &view))
		assert.Equal(t, sess.ID, view.SessionID)
		assert.Equal(t, store.StatusActive, view.Status)
		assert.Len(t, view.Participants, 2)
	}
	assert.Empty(t, h.drain(t, "c3"), "failed joiner receives no broadcast")
}

func TestJoinSession_UnknownCode(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	h.player("c1")
	_, err := h.c.JoinSession("c1", "NOPE")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestJoinSession_IdentityMissing(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	h.player("c1")
	h.connect("c2")
	_, err := h.c.CreateSession("c1")
	require.NoError(t, err)

	_, err = h.c.JoinSession("c2", "AB12")
	assert.ErrorIs(t, err, ErrIdentityMissing)
}

func TestJoinSession_CreatorCannotJoinOwnSession(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	h.player("c1")
	created, err := h.c.CreateSession("c1")
	require.NoError(t, err)

	_, err = h.c.JoinSession("c1", "AB12")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, _ := h.sessions.Get(created.ID)
	assert.Equal(t, store.StatusWaiting, got.Status)
}

func TestJoinSession_CreatorGoneCannotBeJoined(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	h.player("c1")
	h.player("c2")
	created, err := h.c.CreateSession("c1")
	require.NoError(t, err)
	h.c.Disconnect("c1")

	_, err = h.c.JoinSession("c2", "AB12")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, h.drain(t, "c2"))

	got, _ := h.sessions.Get(created.ID)
	assert.Equal(t, store.StatusWaiting, got.Status)
	assert.Nil(t, got.Joiner)
}

func TestJoinSession_ConcurrentExactlyOneWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t, ident.NewList("AB12"))
		h.player("c0")
		created, err := h.c.CreateSession("c0")
		require.NoError(t, err)

		const joiners = 8
		for i := 1; i <= joiners; i++ {
			h.player(fmt.Sprintf("c%d", i))
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
			lost int
		)
		start := make(chan struct{})
		wg.Add(joiners)
		for i := 1; i <= joiners; i++ {
			go func(conn string) {
				defer wg.Done()
				<-start
				_, err := h.c.JoinSession(conn, "ab12")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case assert.ErrorIs(t, err, ErrSessionNotFound):
					lost++
				}
			}(fmt.Sprintf("c%d", i))
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, joiners-1, lost)
		got, _ := h.sessions.Get(created.ID)
		assert.Equal(t, store.StatusActive, got.Status)
	}
}

func TestRelayAction_AppendsAndBroadcastsInOrder(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	sess := h.active(t)

	moves := []string{"e4", "e5", "Nf3", "Nc6"}
	for i, m := range moves {
		conn := []string{"c1", "c2"}[i%2]
		rec, err := h.c.RelayAction(conn, sess.ID, json.RawMessage(fmt.Sprintf("%q", m)))
		require.NoError(t, err)
		assert.Equal(t, i+1, rec.Seq)
	}

	got, _ := h.sessions.Get(sess.ID)
	require.Len(t, got.Actions, len(moves))
	assert.Equal(t, "u-c1", got.Actions[0].Actor)
	assert.Equal(t, "u-c2", got.Actions[1].Actor)

	for _, conn := range []string{"c1", "c2"} {
		frames := h.drain(t, conn)
		require.Len(t, frames, len(moves))
		for i, f := range frames {
			assert.Equal(t, EventActionRelayed, f.Type)
			var evt ActionEvent
			require.NoError(t, json.Unmarshal(f.Payload, &evt))
			assert.Equal(t, i+1, evt.Seq)
			assert.JSONEq(t, fmt.Sprintf("%q", moves[i]), string(evt.Payload))
		}
	}
}

func TestRelayAction_ActorIsSessionSlotAfterRebind(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	sess := h.active(t)
	h.c.RegisterPresence("c1", Presence{Identity: "someone-else", DisplayName: "Renamed"})

	rec, err := h.c.RelayAction("c1", sess.ID, json.RawMessage(`"e4"`))
	require.NoError(t, err)
	assert.Equal(t, "u-c1", rec.Actor)

	msg, err := h.c.RelayChat("c1", sess.ID, "still me")
	require.NoError(t, err)
	assert.Equal(t, "u-c1", msg.SenderIdentity)
	assert.Equal(t, "Player c1", msg.SenderDisplayName)

	got, _ := h.sessions.Get(sess.ID)
	identities := []string{got.Creator.Identity, got.Joiner.Identity}
	require.Len(t, got.Actions, 1)
	assert.Contains(t, identities, got.Actions[0].Actor)
}

func TestRelayAction_Errors(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12", "CD34"))
	sess := h.active(t)
	h.player("c3")
	h.connect("c4")

	_, err := h.c.RelayAction("c4", sess.ID, json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrIdentityMissing)

	_, err = h.c.RelayAction("c1", "missing", json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = h.c.RelayAction("c3", sess.ID, json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrNotAMember)

	waiting, err := h.c.CreateSession("c3")
	require.NoError(t, err)
	_, err = h.c.RelayAction("c3", waiting.ID, json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrSessionNotActive)

	_, err = h.c.EndSession("c1", sess.ID, json.RawMessage(`"1-0"`))
	require.NoError(t, err)
	_, err = h.c.RelayAction("c2", sess.ID, json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrSessionClosed)

	got, _ := h.sessions.Get(sess.ID)
	assert.Empty(t, got.Actions, "rejected actions never reach the log")
}

func TestRelayAction_ConcurrentOrderMatchesLog(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	sess := h.active(t)

	const perSide = 50
	var wg sync.WaitGroup
	wg.Add(2)
	for _, conn := range []string{"c1", "c2"} {
		go func(conn string) {
			defer wg.Done()
			for i := 0; i < perSide; i++ {
				_, err := h.c.RelayAction(conn, sess.ID, json.RawMessage(fmt.Sprintf(`"%s-%d"`, conn, i)))
				assert.NoError(t, err)
			}
		}(conn)
	}
	wg.Wait()

	got, _ := h.sessions.Get(sess.ID)
	require.Len(t, got.Actions, 2*perSide)
	for _, conn := range []string{"c1", "c2"} {
		frames := h.drain(t, conn)
		require.Len(t, frames, 2*perSide)
		for i, f := range frames {
			var evt ActionEvent
			require.NoError(t, json.Unmarshal(f.Payload, &evt))
			assert.Equal(t, got.Actions[i].Seq, evt.Seq)
			assert.JSONEq(t, string(got.Actions[i].Payload), string(evt.Payload))
		}
	}
}

func TestRelayChat(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	sess := h.active(t)
	h.c.now = func() time.Time { return time.UnixMilli(1700000000000) }

	msg, err := h.c.RelayChat("c2", sess.ID, "good luck")
	require.NoError(t, err)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "u-c2", msg.SenderIdentity)
	assert.Equal(t, "Player c2", msg.SenderDisplayName)
	assert.Equal(t, int64(1700000000000), msg.Timestamp)

	for _, conn := range []string{"c1", "c2"} {
		frames := h.drain(t, conn)
		require.Len(t, frames, 1)
		assert.Equal(t, EventChatMessage, frames[0].Type)
		var got ChatMessage
		require.NoError(t, json.Unmarshal(frames[0].Payload, &got))
		assert.Equal(t, msg, got)
	}

	after, _ := h.sessions.Get(sess.ID)
	assert.Empty(t, after.Actions, "chat is never stored in the log")
}

func TestRelayChat_WhileWaiting(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	h.player("c1")
	sess, err := h.c.CreateSession("c1")
	require.NoError(t, err)

	_, err = h.c.RelayChat("c1", sess.ID, "anyone?")
	require.NoError(t, err)
	assert.Equal(t, []string{EventChatMessage}, types(h.drain(t, "c1")))
}

func TestRelayChat_Errors(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	sess := h.active(t)
	h.connect("c3")

	_, err := h.c.RelayChat("c3", sess.ID, "hi")
	assert.ErrorIs(t, err, ErrIdentityMissing, "never bound via presence")

	h.c.RegisterPresence("c3", Presence{Identity: "u3"})
	_, err = h.c.RelayChat("c3", sess.ID, "hi")
	assert.ErrorIs(t, err, ErrNotAMember, "bound but not a member")

	_, err = h.c.RelayChat("c1", "missing", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	h.c.Disconnect("c2")
	_, err = h.c.RelayChat("c1", sess.ID, "hi")
	assert.ErrorIs(t, err, ErrSessionClosed)

	assert.Empty(t, h.drain(t, "c3"))
}

func TestEndSession(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	sess := h.active(t)
	_, err := h.c.RelayAction("c1", sess.ID, json.RawMessage(`"e4"`))
	require.NoError(t, err)
	h.drain(t, "c1")
	h.drain(t, "c2")

	ended, err := h.c.EndSession("c2", sess.ID, json.RawMessage(`{"winner":"white"}`))
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ended.Status)
	assert.JSONEq(t, `{"winner":"white"}`, string(ended.Result))

	for _, conn := range []string{"c1", "c2"} {
		frames := h.drain(t, conn)
		require.Len(t, frames, 1)
		assert.Equal(t, EventSessionEnded, frames[0].Type)
		var view SessionView
		require.NoError(t, json.Unmarshal(frames[0].Payload, &view))
		assert.Equal(t, store.StatusCompleted, view.Status)
		assert.Equal(t, 1, view.ActionCount)
		assert.JSONEq(t, `{"winner":"white"}`, string(view.Result))
	}
}

func TestEndSession_TerminalKeepsResult(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12", "CD34"))
	sess := h.active(t)
	_, err := h.c.EndSession("c1", sess.ID, json.RawMessage(`"1-0"`))
	require.NoError(t, err)

	_, err = h.c.EndSession("c2", sess.ID, json.RawMessage(`"0-1"`))
	assert.ErrorIs(t, err, ErrSessionClosed)
	got, _ := h.sessions.Get(sess.ID)
	assert.JSONEq(t, `"1-0"`, string(got.Result))

	h.player("c3")
	h.player("c4")
	other, err := h.c.CreateSession("c3")
	require.NoError(t, err)
	_, err = h.c.JoinSession("c4", other.Code)
	require.NoError(t, err)
	h.c.Disconnect("c4")

	_, err = h.c.EndSession("c3", other.ID, json.RawMessage(`"1-0"`))
	assert.ErrorIs(t, err, ErrSessionClosed)
	got, _ = h.sessions.Get(other.ID)
	assert.Equal(t, store.StatusAbandoned, got.Status)
	assert.Nil(t, got.Result)
}

func TestEndSession_Errors(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12", "CD34"))
	sess := h.active(t)
	h.player("c3")
	h.connect("c4")

	_, err := h.c.EndSession("c4", sess.ID, nil)
	assert.ErrorIs(t, err, ErrIdentityMissing)
	_, err = h.c.EndSession("c3", sess.ID, nil)
	assert.ErrorIs(t, err, ErrNotAMember)
	_, err = h.c.EndSession("c1", "missing", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	waiting, err := h.c.CreateSession("c3")
	require.NoError(t, err)
	_, err = h.c.EndSession("c3", waiting.ID, nil)
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestDisconnect_AbandonsActiveSession(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	sess := h.active(t)

	abandoned := h.c.Disconnect("c1")
	assert.Equal(t, []string{sess.ID}, abandoned)

	got, _ := h.sessions.Get(sess.ID)
	assert.Equal(t, store.StatusAbandoned, got.Status)

	frames := h.drain(t, "c2")
	require.Len(t, frames, 1, "exactly one notice for the survivor")
	assert.Equal(t, EventOpponentDisconnected, frames[0].Type)
	var notice DisconnectNotice
	require.NoError(t, json.Unmarshal(frames[0].Payload, &notice))
	assert.Equal(t, sess.ID, notice.SessionID)
	assert.Equal(t, store.StatusAbandoned, notice.Status)

	_, ok := h.reg.Lookup("c1")
	assert.False(t, ok)

	assert.Empty(t, h.c.Disconnect("c2"), "abandoned sessions are not abandoned twice")
	assert.Empty(t, h.drain(t, "c1"))
}

func TestRelayAction_SlowMemberIsCutOffNotSkipped(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	h.player("c1")
	slow := h.connectBuffered("c2", 3)
	h.c.RegisterPresence("c2", Presence{Identity: "u-c2"})
	created, err := h.c.CreateSession("c1")
	require.NoError(t, err)
	sess, err := h.c.JoinSession("c2", created.Code)
	require.NoError(t, err)
	h.drain(t, "c1")

	for i := 0; i < 5; i++ {
		_, err := h.c.RelayAction("c1", sess.ID, json.RawMessage(fmt.Sprintf("%d", i)))
		require.NoError(t, err, "the sender is never blocked by a slow peer")
	}
	require.True(t, slow.Overflowed())

	var seen []int
	for data := range slow.Frames() {
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type != EventActionRelayed {
			continue
		}
		var evt ActionEvent
		require.NoError(t, json.Unmarshal(f.Payload, &evt))
		seen = append(seen, evt.Seq)
	}
	assert.Equal(t, []int{1, 2}, seen, "session_started plus two moves fill the queue")

	// The transport reacts to the closed outbox by disconnecting.
	assert.Equal(t, []string{sess.ID}, h.c.Disconnect("c2"))
	assert.Equal(t, []string{EventActionRelayed, EventActionRelayed, EventActionRelayed, EventActionRelayed, EventActionRelayed, EventOpponentDisconnected}, types(h.drain(t, "c1")))
	got, _ := h.sessions.Get(sess.ID)
	assert.Equal(t, store.StatusAbandoned, got.Status)
}

func TestDisconnect_WaitingSessionStaysWaiting(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	h.player("c1")
	sess, err := h.c.CreateSession("c1")
	require.NoError(t, err)

	assert.Empty(t, h.c.Disconnect("c1"))
	got, _ := h.sessions.Get(sess.ID)
	assert.Equal(t, store.StatusWaiting, got.Status)
}

func TestDisconnect_CompletedSessionUntouched(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	sess := h.active(t)
	_, err := h.c.EndSession("c1", sess.ID, json.RawMessage(`"draw"`))
	require.NoError(t, err)
	h.drain(t, "c2")

	assert.Empty(t, h.c.Disconnect("c1"))
	got, _ := h.sessions.Get(sess.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Empty(t, h.drain(t, "c2"))
}

func TestDisconnect_UnknownConnection(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	assert.NotPanics(t, func() { h.c.Disconnect("ghost") })
}

func TestStats(t *testing.T) {
	h := newHarness(t, ident.NewList("AB12"))
	h.active(t)
	h.connect("c3")

	st := h.c.Stats()
	assert.Equal(t, 3, st.Connections)
	assert.Equal(t, 2, st.Bound)
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 1, st.ByStatus[store.StatusActive])
}

func TestPropertyRelayLogMatchesBroadcastStream(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, ident.NewList("AB12"))
		h.player("c1")
		h.player("c2")
		created, err := h.c.CreateSession("c1")
		if err != nil {
			rt.Fatalf("create: %v", err)
		}
		sess, err := h.c.JoinSession("c2", created.Code)
		if err != nil {
			rt.Fatalf("join: %v", err)
		}
		h.drain(rt, "c1")
		h.drain(rt, "c2")

		n := rapid.IntRange(0, 60).Draw(rt, "actions")
		for i := 0; i < n; i++ {
			conn := rapid.SampledFrom([]string{"c1", "c2"}).Draw(rt, "actor")
			if _, err := h.c.RelayAction(conn, sess.ID, json.RawMessage(fmt.Sprintf("%d", i))); err != nil {
				rt.Fatalf("relay %d: %v", i, err)
			}
		}

		got, _ := h.sessions.Get(sess.ID)
		if len(got.Actions) != n {
			rt.Fatalf("log length %d, want %d", len(got.Actions), n)
		}
		for _, conn := range []string{"c1", "c2"} {
			frames := h.drain(rt, conn)
			if len(frames) != n {
				rt.Fatalf("%s observed %d frames, want %d", conn, len(frames), n)
			}
			for i, f := range frames {
				var evt ActionEvent
				if err := json.Unmarshal(f.Payload, &evt); err != nil {
					rt.Fatalf("decode: %v", err)
				}
				if string(evt.Payload) != fmt.Sprintf("%d", i) {
					rt.Fatalf("%s frame %d payload %s, want %d", conn, i, evt.Payload, i)
				}
			}
		}
	})
}
