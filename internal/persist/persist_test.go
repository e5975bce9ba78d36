package persist

import (
	"fmt"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/pioner22/client-web-sub000/internal/chat"
	"github.com/pioner22/client-web-sub000/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type counter struct {
	mu gosync.Mutex
	n  int
}

func (c *counter) source() Source[int] {
	return func() (string, int, bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return "u1", c.n, true
	}
}

func (c *counter) set(n int) {
	c.mu.Lock()
	c.n = n
	c.mu.Unlock()
}

func TestSlotDebounceCoalesces(t *testing.T) {
	be := NewMemoryBackend()
	s := NewSlot("count", 30*time.Millisecond, Codec[int]{Version: 1}, be, zap.NewNop())
	c := &counter{}
	s.Bind(c.source())

	for i := 1; i <= 5; i++ {
		c.set(i)
		s.Schedule()
	}
	assert.True(t, s.Pending())
	require.Eventually(t, func() bool { return !s.Pending() }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, be.Writes(), "rapid changes produce one write")
	v, ok := s.Load("u1")
	require.True(t, ok)
	assert.Equal(t, 5, v, "the write reads state at fire time")
}

func TestSlotFlushWritesNow(t *testing.T) {
	be := NewMemoryBackend()
	s := NewSlot("count", time.Hour, Codec[int]{Version: 1}, be, zap.NewNop())
	c := &counter{n: 7}
	s.Bind(c.source())

	s.Schedule()
	s.Flush()
	assert.False(t, s.Pending())
	v, ok := s.Load("u1")
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestSlotCancel(t *testing.T) {
	be := NewMemoryBackend()
	s := NewSlot("count", 10*time.Millisecond, Codec[int]{Version: 1}, be, zap.NewNop())
	s.Bind((&counter{n: 1}).source())
	s.Schedule()
	s.Cancel()
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, be.Writes())
}

func TestSlotSkipsWithoutUser(t *testing.T) {
	be := NewMemoryBackend()
	s := NewSlot("count", time.Hour, Codec[int]{Version: 1}, be, zap.NewNop())
	s.Bind(func() (string, int, bool) { return "", 1, false })
	s.Flush()
	assert.Zero(t, be.Writes())
}

func TestSlotVersionMismatch(t *testing.T) {
	be := NewMemoryBackend()
	v1 := NewSlot("count", time.Hour, Codec[int]{Version: 1}, be, zap.NewNop())
	require.NoError(t, be.Set(v1.Key("u1"), []byte(`{"v":0,"data":3}`)))
	_, ok := v1.Load("u1")
	assert.False(t, ok, "other version discarded")

	require.NoError(t, be.Set(v1.Key("u1"), []byte(`garbage`)))
	_, ok = v1.Load("u1")
	assert.False(t, ok, "unreadable discarded")

	_, ok = v1.Load("nobody")
	assert.False(t, ok)
}

func TestStorageErrorsAreSwallowed(t *testing.T) {
	be := NewMemoryBackend()
	be.SetFailing(true)
	s := NewSlot("count", time.Hour, Codec[int]{Version: 1}, be, zap.NewNop())
	s.Bind((&counter{n: 1}).source())

	assert.NotPanics(t, s.Flush)
	_, ok := s.Load("u1")
	assert.False(t, ok)
	assert.NotPanics(t, func() { s.Clear("u1") })
}

func TestSanitizeDrafts(t *testing.T) {
	in := Drafts{
		"dm:bob":   "hi\r\nthere",
		"room:r1":  "   ",
		"bad key":  "x",
		"dm:carol": strings.Repeat("a", chat.MaxTextLen+10),
	}
	out := SanitizeDrafts(in)
	assert.Equal(t, "hi\nthere", out["dm:bob"])
	assert.NotContains(t, out, chat.Key("room:r1"))
	assert.NotContains(t, out, chat.Key("bad key"))
	assert.Len(t, out["dm:carol"], chat.MaxTextLen)

	many := Drafts{}
	for i := 0; i < 100; i++ {
		many[chat.DirectKey(fmt.Sprintf("u%03d", i))] = "x"
	}
	assert.Len(t, SanitizeDrafts(many), MaxDrafts)
}

func TestSanitizePins(t *testing.T) {
	out := SanitizePins(Pins{"dm:a", " dm:b ", "dm:a", "junk"})
	assert.Equal(t, Pins{"dm:a", "dm:b"}, out)
}

func TestSanitizePinnedMessages(t *testing.T) {
	ids := make([]int64, 0, 80)
	for i := int64(1); i <= 80; i++ {
		ids = append(ids, i)
	}
	out := SanitizePinnedMessages(PinnedMessages{
		"dm:a": {3, 3, -1, 0, 4},
		"dm:b": ids,
		"dm:c": {0},
	})
	assert.Equal(t, []int64{3, 4}, out["dm:a"])
	assert.Len(t, out["dm:b"], MaxPinnedPerKey)
	assert.NotContains(t, out, chat.Key("dm:c"))
}

func TestSanitizeOutbox(t *testing.T) {
	in := Outbox{}
	for c := 0; c < 90; c++ {
		key := chat.DirectKey(fmt.Sprintf("p%02d", c))
		var list []chat.OutboxEntry
		for i := 0; i < 3; i++ {
			list = append(list, chat.OutboxEntry{
				LocalID:   fmt.Sprintf("%d-%d", c, i),
				Text:      "t",
				CreatedAt: float64(c*10 + i),
				Status:    chat.StatusSending,
			})
		}
		in[key] = list
	}
	var long []chat.OutboxEntry
	for i := 0; i < 70; i++ {
		long = append(long, chat.OutboxEntry{LocalID: fmt.Sprintf("long-%d", i), Text: "x", CreatedAt: float64(10000 + i)})
	}
	long = append(long, chat.OutboxEntry{LocalID: "long-0", Text: "dup", CreatedAt: 1})
	in["dm:long"] = long

	out := SanitizeOutbox(in)
	assert.Len(t, out, MaxOutboxConversations)
	assert.NotContains(t, out, chat.DirectKey("p00"), "oldest conversations dropped")

	got := out["dm:long"]
	require.Len(t, got, MaxOutboxPerKey)
	assert.Equal(t, "long-10", got[0].LocalID, "newest entries kept")
	for _, e := range got {
		assert.Equal(t, chat.StatusQueued, e.Status)
		assert.Equal(t, chat.Key("dm:long"), e.Key)
		assert.Equal(t, chat.Target{Kind: chat.Direct, ID: "long"}, e.Target)
	}
	for _, e := range out[chat.DirectKey("p89")] {
		assert.Equal(t, chat.StatusQueued, e.Status, "sending is stored as queued")
	}
}

func TestSanitizeTransfers(t *testing.T) {
	out := SanitizeTransfers(Transfers{
		{ID: "f1", Status: chat.TransferComplete},
		{ID: "f2", Status: chat.TransferUploading},
		{ID: "f1", Status: chat.TransferError},
		{LocalID: "l3", Status: chat.TransferRejected},
		{Status: chat.TransferComplete},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "f1", out[0].ID)
	assert.Equal(t, "l3", out[1].LocalID)
}

func TestSanitizeHistoryBudget(t *testing.T) {
	msgs := func(from, n int) []chat.Message {
		out := make([]chat.Message, n)
		for i := range out {
			id := int64(from + i)
			out[i] = chat.Message{Direction: chat.Inbound, ServerID: id, Timestamp: float64(id)}
		}
		return out
	}
	in := HistoryCache{
		"dm:new": {Messages: msgs(100000, 2000), History: chat.HistoryState{Loaded: true, Cursor: 100000, Loading: true}},
		"dm:old": {Messages: msgs(1, 1500), History: chat.HistoryState{Loaded: true, Cursor: 1}},
	}
	pending := chat.Message{Direction: chat.Outbound, LocalID: "L1", SendStatus: chat.StatusQueued, Timestamp: 1e9}
	t1 := in["dm:new"]
	t1.Messages = append(t1.Messages, pending)
	in["dm:new"] = t1

	out := SanitizeHistory(in)
	assert.Len(t, out["dm:new"].Messages, 2000)
	assert.False(t, out["dm:new"].History.Loading)
	old := out["dm:old"]
	assert.Len(t, old.Messages, MaxCachedMessages-2000)
	assert.True(t, old.History.HasMore)
	assert.Equal(t, old.Messages[0].ServerID, old.History.Cursor)
}

func TestGatewayRoundTrip(t *testing.T) {
	be := NewMemoryBackend()
	g := NewGateway(be, zap.NewNop())

	drafts := Drafts{"dm:bob": "draft"}
	g.Drafts.Bind(func() (string, Drafts, bool) { return "u1", drafts, true })
	cache := HistoryCache{"dm:bob": sync.Transcript{
		Messages: []chat.Message{{Direction: chat.Inbound, ServerID: 5, Timestamp: 1}},
		History:  chat.HistoryState{Loaded: true, Cursor: 5},
	}}
	g.History.Bind(func() (string, HistoryCache, bool) { return "u1", cache, true })

	g.Drafts.Schedule()
	g.History.Schedule()
	assert.True(t, g.Pending())
	g.FlushAll()
	assert.False(t, g.Pending())

	gotDrafts, ok := g.Drafts.Load("u1")
	require.True(t, ok)
	assert.Equal(t, drafts, gotDrafts)

	gotCache, ok := g.LoadHistory("u1")
	require.True(t, ok)
	assert.Equal(t, int64(5), gotCache["dm:bob"].Messages[0].ServerID)

	_, ok = g.Outbox.Load("u1")
	assert.False(t, ok, "unbound slots never write")
}

func TestGatewayDiscardsStaleHistory(t *testing.T) {
	be := NewMemoryBackend()
	g := NewGateway(be, zap.NewNop())
	g.History.now = func() time.Time { return time.Now().Add(-HistoryMaxAge - time.Hour) }
	g.History.Bind(func() (string, HistoryCache, bool) {
		return "u1", HistoryCache{"dm:bob": {History: chat.HistoryState{Loaded: true}}}, true
	})
	g.History.Flush()

	_, ok := g.LoadHistory("u1")
	assert.False(t, ok)
	_, found, _ := be.Get(g.History.Key("u1"))
	assert.False(t, found, "stale cache removed")
}
