package lifecycle

import (
	gosync "sync"
	"testing"
	"time"

	"github.com/pioner22/client-web-sub000/internal/bus"
	"github.com/pioner22/client-web-sub000/internal/chat"
	"github.com/pioner22/client-web-sub000/internal/outbox"
	"github.com/pioner22/client-web-sub000/internal/persist"
	"github.com/pioner22/client-web-sub000/internal/status"
	"github.com/pioner22/client-web-sub000/internal/sync"
	"github.com/pioner22/client-web-sub000/internal/userstate"
	"github.com/pioner22/client-web-sub000/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport accepts frames only while connected.
type fakeTransport struct {
	mu        gosync.Mutex
	connected bool
	frames    []any
	self      string
}

func (f *fakeTransport) Send(payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.frames = append(f.frames, payload)
	return true
}

func (f *fakeTransport) SetSelf(userID string) {
	f.mu.Lock()
	f.self = userID
	f.mu.Unlock()
}

func (f *fakeTransport) setConnected(ok bool) {
	f.mu.Lock()
	f.connected = ok
	f.mu.Unlock()
}

func framesOf[T any](f *fakeTransport) []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []T
	for _, fr := range f.frames {
		if v, ok := fr.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type fixture struct {
	c    *Coordinator
	tr   *fakeTransport
	rec  *sync.Reconciler
	hist *sync.History
	ob   *outbox.Manager
	user *userstate.State
	be   *persist.MemoryBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	be := persist.NewMemoryBackend()
	tr := &fakeTransport{}
	rec := sync.NewReconciler(b, 0, nil)
	hist := sync.NewHistory(rec, tr, b, time.Minute, nil)
	ob := outbox.NewManager(rec, tr, b, outbox.Config{}, nil)
	user := userstate.New(b, nil)
	gw := persist.NewGateway(be, nil)
	c := New(status.NewMachine(b), tr, rec, hist, ob, user, gw, nil)
	t.Cleanup(func() {
		gw.CancelAll()
		hist.Reset()
	})
	return &fixture{c: c, tr: tr, rec: rec, hist: hist, ob: ob, user: user, be: be}
}

func (f *fixture) connect(gen uint64) {
	f.tr.setConnected(true)
	f.c.Handle(bus.Event{Kind: bus.ConnConnecting})
	f.c.Handle(bus.Event{Kind: bus.ConnConnected, Payload: wire.Connected{Generation: gen}})
}

func (f *fixture) disconnect() {
	f.tr.setConnected(false)
	f.c.Handle(bus.Event{Kind: bus.ConnDisconnected})
}

func (f *fixture) authOK(userID string) {
	f.c.Handle(bus.Event{Kind: bus.NetAuthOK, Payload: wire.AuthOK{UserID: userID}})
}

var bob = chat.DirectKey("bob")

func TestAutoLoginOncePerConnection(t *testing.T) {
	f := newFixture(t)
	f.c.SetCredential(Credential{UserID: "u1", Token: "tok"})

	f.connect(1)
	auths := framesOf[wire.AuthFrame](f.tr)
	require.Len(t, auths, 1)
	assert.Equal(t, "u1", auths[0].UserID)
	assert.Equal(t, status.Authenticating, f.c.Status().Auth)

	// A repeated connected event must not re-authenticate.
	f.c.Handle(bus.Event{Kind: bus.ConnConnected, Payload: wire.Connected{Generation: 1}})
	f.c.Handle(bus.Event{Kind: bus.NetAuthFailed, Payload: wire.AuthFailed{Reason: "bad_token"}})
	assert.Len(t, framesOf[wire.AuthFrame](f.tr), 1)
	assert.Equal(t, status.State{Transport: status.Connected, Auth: status.Unauthenticated}, f.c.Status())

	f.disconnect()
	f.connect(2)
	assert.Len(t, framesOf[wire.AuthFrame](f.tr), 2, "a new connection gets one new attempt")
}

func TestNoAutoLoginWithoutCredential(t *testing.T) {
	f := newFixture(t)
	f.connect(1)
	assert.Empty(t, framesOf[wire.AuthFrame](f.tr))

	require.NoError(t, f.c.Login("u1", "tok"))
	assert.Len(t, framesOf[wire.AuthFrame](f.tr), 1)
	assert.Equal(t, "u1", f.user.UserID())
}

func TestAuthFailureKeepsOutbox(t *testing.T) {
	f := newFixture(t)
	f.c.SetCredential(Credential{UserID: "u1"})
	f.c.Boot()

	localID, err := f.c.SendText(bob, "hello")
	require.NoError(t, err)
	f.connect(1)
	f.c.Handle(bus.Event{Kind: bus.NetAuthFailed, Payload: wire.AuthFailed{Reason: "expired"}})

	e, ok := f.ob.Entry(localID)
	require.True(t, ok, "auth failure must not drop queued sends")
	assert.Equal(t, chat.StatusQueued, e.Status)
}

func TestSessionInvalidatedStopsSending(t *testing.T) {
	f := newFixture(t)
	f.c.SetCredential(Credential{UserID: "u1", Token: "tok"})
	f.connect(1)
	f.authOK("u1")
	require.True(t, f.c.Status().Ready())

	localID, err := f.c.SendText(bob, "in flight")
	require.NoError(t, err)
	e, _ := f.ob.Entry(localID)
	require.Equal(t, chat.StatusSending, e.Status)

	f.c.Handle(bus.Event{Kind: bus.NetAuthFailed, Payload: wire.AuthFailed{Reason: "session_expired"}})
	assert.Equal(t, status.State{Transport: status.Connected, Auth: status.Unauthenticated}, f.c.Status())

	e, ok := f.ob.Entry(localID)
	require.True(t, ok, "invalidated session keeps the entry queued")
	assert.Equal(t, chat.StatusQueued, e.Status)
	for _, m := range f.rec.Messages(bob) {
		assert.Equal(t, chat.StatusQueued, m.SendStatus)
	}

	// The transport is still up but the session is not: nothing is sent.
	sent := len(framesOf[wire.SendFrame](f.tr))
	assert.Zero(t, f.ob.Drain(time.Now().Add(time.Hour)))
	_, err = f.c.SendText(bob, "after invalidation")
	require.NoError(t, err)
	assert.Len(t, framesOf[wire.SendFrame](f.tr), sent)
	assert.Len(t, framesOf[wire.AuthFrame](f.tr), 1, "no automatic re-auth on the same connection")
}

func TestAuthOKResyncsActiveConversationAndDrains(t *testing.T) {
	f := newFixture(t)
	f.c.SetCredential(Credential{UserID: "u1", Token: "tok"})
	f.c.Boot()

	f.rec.MergeServerPage(bob, []chat.Message{{Direction: chat.Inbound, SenderID: "bob", Target: chat.Target{Kind: chat.Direct, ID: "bob"}, ServerID: 5, Timestamp: 1}}, sync.ModeTail)
	f.rec.UpdateHistory(bob, func(h *chat.HistoryState, _ int64) { h.Loaded = true })
	require.NoError(t, f.c.Open(bob))
	assert.Empty(t, framesOf[wire.HistoryFrame](f.tr), "no fetch while offline")

	localID, err := f.c.SendText(bob, "queued offline")
	require.NoError(t, err)

	f.connect(1)
	f.authOK("u1")
	assert.True(t, f.c.Status().Ready())

	hist := framesOf[wire.HistoryFrame](f.tr)
	require.Len(t, hist, 1)
	assert.Equal(t, "bob", hist[0].To)
	assert.Equal(t, int64(5), hist[0].SinceID)
	assert.Equal(t, sync.MaxDeltaLimit, hist[0].Limit)

	sends := framesOf[wire.SendFrame](f.tr)
	require.Len(t, sends, 1)
	assert.Equal(t, localID, sends[0].LocalID)
	e, _ := f.ob.Entry(localID)
	assert.Equal(t, chat.StatusSending, e.Status)
	assert.Equal(t, "u1", f.tr.self)

	// Disconnect rolls back both axes of in-flight work.
	f.disconnect()
	e, _ = f.ob.Entry(localID)
	assert.Equal(t, chat.StatusQueued, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.False(t, f.hist.InFlight(bob))
	assert.False(t, f.rec.History(bob).Loading)
}

func TestOpenWhileReadyFetchesTail(t *testing.T) {
	f := newFixture(t)
	f.c.SetCredential(Credential{UserID: "u1"})
	f.connect(1)
	f.authOK("u1")

	room := chat.RoomKey("r1")
	require.NoError(t, f.c.Open(room))
	hist := framesOf[wire.HistoryFrame](f.tr)
	require.Len(t, hist, 1)
	assert.Equal(t, "r1", hist[0].Room)
	assert.Equal(t, sync.TailLimit, hist[0].Limit)
	assert.Zero(t, hist[0].SinceID)
	assert.Equal(t, room, f.rec.Active())

	assert.Error(t, f.c.Open("bogus"))
}

func TestSendTextNeedsUserAndClearsDraft(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.SendText(bob, "hi")
	assert.ErrorIs(t, err, ErrNotSignedIn)

	require.NoError(t, f.c.Login("u1", ""))
	require.NoError(t, f.user.SetDraft(bob, "hi"))
	_, err = f.c.SendText(bob, "hi")
	require.NoError(t, err)
	assert.Empty(t, f.user.Draft(bob))

	_, err = f.c.SendText(bob, "  ")
	assert.ErrorIs(t, err, outbox.ErrEmptyText)
	assert.ErrorIs(t, f.c.Login("u2", ""), ErrSignedIn)
}

func TestLogoutFlushesThenClears(t *testing.T) {
	f := newFixture(t)
	f.c.SetCredential(Credential{UserID: "u1"})
	f.connect(1)
	f.authOK("u1")

	f.rec.MergeServerPage(bob, []chat.Message{{Direction: chat.Inbound, SenderID: "bob", Target: chat.Target{Kind: chat.Direct, ID: "bob"}, ServerID: 9, Timestamp: 1}}, sync.ModeTail)
	localID, err := f.c.SendText(bob, "unacked")
	require.NoError(t, err)
	require.NoError(t, f.user.SetDraft(chat.RoomKey("r1"), "draft"))

	require.NoError(t, f.c.Logout())
	assert.Len(t, framesOf[wire.LogoutFrame](f.tr), 1)
	assert.Empty(t, f.user.UserID())
	assert.Zero(t, f.ob.Len())
	assert.Empty(t, f.rec.Messages(bob))
	assert.False(t, f.c.Status().Ready())

	// Signing back in restores what logout flushed.
	require.NoError(t, f.c.Login("u1", ""))
	e, ok := f.ob.Entry(localID)
	require.True(t, ok)
	assert.Equal(t, chat.StatusQueued, e.Status)
	assert.Equal(t, "draft", f.user.Draft(chat.RoomKey("r1")))

	msgs := f.rec.Messages(bob)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(9), msgs[0].ServerID)
	assert.Equal(t, localID, msgs[1].LocalID)
}
