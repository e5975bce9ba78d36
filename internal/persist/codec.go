package persist

import (
	"cmp"
	"slices"
	"strings"

	"github.com/pioner22/client-web-sub000/internal/chat"
	"github.com/pioner22/client-web-sub000/internal/sync"
)

// Payload bounds.
const (
	MaxDrafts              = 60
	MaxPins                = 200
	MaxPinnedKeys          = 200
	MaxPinnedPerKey        = 50
	MaxOutboxConversations = 80
	MaxOutboxPerKey        = 60
	MaxTransfers           = 200
	MaxCachedConversations = 400
	MaxCachedMessages      = 2800
)

// Drafts maps a conversation to its unsent composer text.
type Drafts = map[chat.Key]string

// Pins is the ordered list of pinned conversations, newest first.
type Pins = []chat.Key

// PinnedMessages maps a conversation to its pinned server ids.
type PinnedMessages = map[chat.Key][]int64

// Outbox is the persisted form of the outbox queue.
type Outbox = map[chat.Key][]chat.OutboxEntry

// Transfers is the file-transfer log, newest first.
type Transfers = []chat.Transfer

// HistoryCache holds transcripts and their pagination state.
type HistoryCache = map[chat.Key]sync.Transcript

func sortedKeys[V any](m map[chat.Key]V) []chat.Key {
	keys := make([]chat.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// SanitizeDrafts drops invalid keys and blank drafts, truncates text and
// keeps at most MaxDrafts.
func SanitizeDrafts(in Drafts) Drafts {
	out := make(Drafts, min(len(in), MaxDrafts))
	for _, k := range sortedKeys(in) {
		if len(out) >= MaxDrafts {
			break
		}
		if !k.Valid() {
			continue
		}
		text := chat.NormalizeText(in[k])
		if text == "" {
			continue
		}
		out[k] = text
	}
	return out
}

// SanitizePins drops invalid and duplicate keys, keeping order.
func SanitizePins(in Pins) Pins {
	out := make(Pins, 0, min(len(in), MaxPins))
	seen := make(map[chat.Key]struct{}, len(in))
	for _, k := range in {
		if len(out) >= MaxPins {
			break
		}
		k = chat.Key(strings.TrimSpace(string(k)))
		if !k.Valid() {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// SanitizePinnedMessages bounds keys and ids per key, dropping non-positive
// and duplicate ids.
func SanitizePinnedMessages(in PinnedMessages) PinnedMessages {
	out := make(PinnedMessages)
	for _, k := range sortedKeys(in) {
		if len(out) >= MaxPinnedKeys {
			break
		}
		if !k.Valid() {
			continue
		}
		var ids []int64
		seen := make(map[int64]struct{})
		for _, id := range in[k] {
			if len(ids) >= MaxPinnedPerKey {
				break
			}
			if id <= 0 {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if len(ids) > 0 {
			out[k] = ids
		}
	}
	return out
}

// SanitizeOutbox keeps the MaxOutboxConversations conversations with the
// most recent entries and the newest MaxOutboxPerKey entries of each.
// Entries are deduplicated by localID, text is truncated and sending is
// stored as queued.
func SanitizeOutbox(in Outbox) Outbox {
	type conv struct {
		key    chat.Key
		list   []chat.OutboxEntry
		lastTS float64
	}
	var convs []conv
	seen := make(map[string]struct{})
	for _, k := range sortedKeys(in) {
		if !k.Valid() {
			continue
		}
		target, _ := k.Target()
		var list []chat.OutboxEntry
		for _, e := range in[k] {
			e.LocalID = strings.TrimSpace(e.LocalID)
			e.Text = chat.NormalizeText(e.Text)
			if e.LocalID == "" || e.Text == "" {
				continue
			}
			if _, dup := seen[e.LocalID]; dup {
				continue
			}
			seen[e.LocalID] = struct{}{}
			e.Key = k
			if e.Target.ID == "" {
				e.Target = target
			}
			if e.Attempts < 0 {
				e.Attempts = 0
			}
			e.Status = chat.StatusQueued
			list = append(list, e)
		}
		if len(list) == 0 {
			continue
		}
		slices.SortStableFunc(list, func(a, b chat.OutboxEntry) int { return cmp.Compare(a.CreatedAt, b.CreatedAt) })
		convs = append(convs, conv{key: k, list: list, lastTS: list[len(list)-1].CreatedAt})
	}

	slices.SortStableFunc(convs, func(a, b conv) int { return cmp.Compare(b.lastTS, a.lastTS) })
	if len(convs) > MaxOutboxConversations {
		convs = convs[:MaxOutboxConversations]
	}
	out := make(Outbox, len(convs))
	for _, c := range convs {
		if len(c.list) > MaxOutboxPerKey {
			c.list = c.list[len(c.list)-MaxOutboxPerKey:]
		}
		out[c.key] = c.list
	}
	return out
}

// SanitizeTransfers keeps terminal transfers only, deduplicated by id,
// at most MaxTransfers.
func SanitizeTransfers(in Transfers) Transfers {
	out := make(Transfers, 0, min(len(in), MaxTransfers))
	seen := make(map[string]struct{})
	for _, t := range in {
		if len(out) >= MaxTransfers {
			break
		}
		if !t.Status.Terminal() {
			continue
		}
		id := t.ID
		if id == "" {
			id = t.LocalID
		}
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, t)
	}
	return out
}

// SanitizeHistory keeps the MaxCachedConversations most recently active
// transcripts and spends a total budget of MaxCachedMessages on their
// newest messages. Queued and sending messages are never cached.
func SanitizeHistory(in HistoryCache) HistoryCache {
	type conv struct {
		key    chat.Key
		t      sync.Transcript
		lastTS float64
	}
	var convs []conv
	for _, k := range sortedKeys(in) {
		if !k.Valid() {
			continue
		}
		t := in[k]
		msgs := make([]chat.Message, 0, len(t.Messages))
		var last float64
		for _, m := range t.Messages {
			if m.Pending() || !m.Valid() {
				continue
			}
			msgs = append(msgs, m)
			last = max(last, m.Timestamp)
		}
		t.Messages = msgs
		t.History.Loading = false
		convs = append(convs, conv{key: k, t: t, lastTS: last})
	}

	slices.SortStableFunc(convs, func(a, b conv) int { return cmp.Compare(b.lastTS, a.lastTS) })
	if len(convs) > MaxCachedConversations {
		convs = convs[:MaxCachedConversations]
	}

	budget := MaxCachedMessages
	out := make(HistoryCache, len(convs))
	for _, c := range convs {
		msgs := c.t.Messages
		if len(msgs) > budget {
			msgs = msgs[len(msgs)-budget:]
			c.t.History.HasMore = true
			if oldest := oldestConfirmed(msgs); oldest > 0 {
				c.t.History.Cursor = oldest
			}
		}
		budget -= len(msgs)
		c.t.Messages = msgs
		out[c.key] = c.t
	}
	return out
}

func oldestConfirmed(msgs []chat.Message) int64 {
	var oldest int64
	for _, m := range msgs {
		if m.ServerID > 0 && (oldest == 0 || m.ServerID < oldest) {
			oldest = m.ServerID
		}
	}
	return oldest
}
