package sync

import "github.com/pioner22/client-web-sub000/internal/chat"

// Transcript is the cacheable form of one conversation.
type Transcript struct {
	Messages []chat.Message   `json:"messages"`
	History  chat.HistoryState `json:"history"`
}

// Snapshot copies every conversation. Queued and sending messages are left
// out: the outbox owns them and re-inserts them on restore.
func (r *Reconciler) Snapshot() map[chat.Key]Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[chat.Key]Transcript, len(r.convs))
	for key, c := range r.convs {
		msgs := make([]chat.Message, 0, len(c.messages))
		for _, m := range c.messages {
			if m.Pending() {
				continue
			}
			msgs = append(msgs, m)
		}
		h := c.history
		h.Loading = false
		out[key] = Transcript{Messages: msgs, History: h}
	}
	return out
}

// Restore merges cached transcripts into memory with the same idempotent
// rules as server pages. In-memory pagination state wins for conversations
// that were already loaded in this session.
func (r *Reconciler) Restore(cache map[chat.Key]Transcript) {
	var touched []chat.Key

	r.mu.Lock()
	for key, t := range cache {
		if !key.Valid() {
			continue
		}
		added := r.mergeLocked(key, t.Messages, ModeTail)
		c := r.rec(key)
		for _, m := range t.Messages {
			// Failed sends are kept for display only.
			if m.Confirmed() || m.SendStatus != chat.StatusFailed || m.LocalID == "" {
				continue
			}
			if indexLocal(c.messages, m.LocalID) >= 0 {
				continue
			}
			c.messages = append(c.messages, m)
			added++
		}
		if added > 0 {
			sortTranscript(c.messages)
		}

		cached := t.History
		cached.Loading = false
		switch {
		case !c.history.Loaded:
			loading := c.history.Loading
			c.history = cached
			c.history.Loading = loading
		case cached.Cursor > 0 && (c.history.Cursor == 0 || cached.Cursor < c.history.Cursor):
			c.history.Cursor = cached.Cursor
			c.history.HasMore = cached.HasMore
		}
		if key != r.active {
			r.trimLocked(key)
		}
		if added > 0 {
			touched = append(touched, key)
		}
	}
	r.mu.Unlock()

	for _, key := range touched {
		r.changed(key)
	}
}
