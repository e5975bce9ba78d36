package sync

import (
	"slices"
	"sort"
	gosync "sync"

	"github.com/pioner22/client-web-sub000/internal/bus"
	"github.com/pioner22/client-web-sub000/internal/chat"
	"go.uber.org/zap"
)

// Mode identifies how a page of server history was fetched.
type Mode string

const (
	ModeTail     Mode = "tail"
	ModeDelta    Mode = "delta"
	ModeBackward Mode = "backward"
	// ModeLive is a single pushed message merged like a delta page
	// without touching pagination state.
	ModeLive Mode = "live"
)

// DefaultTrimCap bounds inactive transcripts held in memory.
const DefaultTrimCap = 300

type record struct {
	messages []chat.Message
	history  chat.HistoryState
}

// Reconciler owns the ConversationStore and is the only writer of it.
// It merges server pages, acks, edits and local sends into one ordered,
// deduplicated transcript per conversation.
type Reconciler struct {
	mu      gosync.Mutex
	convs   map[chat.Key]*record
	local   map[string]chat.Key // localID -> conversation of the unconfirmed message
	active  chat.Key
	trimCap int
	bus     *bus.Bus
	logger  *zap.Logger

	onChange func(chat.Key)
}

// NewReconciler creates an empty store. trimCap <= 0 selects DefaultTrimCap.
func NewReconciler(b *bus.Bus, trimCap int, logger *zap.Logger) *Reconciler {
	if trimCap <= 0 {
		trimCap = DefaultTrimCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		convs:   make(map[chat.Key]*record),
		local:   make(map[string]chat.Key),
		trimCap: trimCap,
		bus:     b,
		logger:  logger,
	}
}

// OnChange registers a callback run after any transcript changes, outside
// the store lock.
func (r *Reconciler) OnChange(fn func(chat.Key)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Reconciler) changed(key chat.Key) {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(key)
	}
	r.bus.Emit(bus.TranscriptUpdated, key)
}

func (r *Reconciler) rec(key chat.Key) *record {
	c, ok := r.convs[key]
	if !ok {
		c = &record{}
		r.convs[key] = c
	}
	return c
}

// lessMessage orders confirmed messages by server id, ahead of unconfirmed
// ones, which order by timestamp.
func lessMessage(a, b *chat.Message) bool {
	ac, bc := a.Confirmed(), b.Confirmed()
	switch {
	case ac && bc:
		return a.ServerID < b.ServerID
	case ac != bc:
		return ac
	default:
		return a.Timestamp < b.Timestamp
	}
}

func sortTranscript(msgs []chat.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return lessMessage(&msgs[i], &msgs[j]) })
}

// MergeServerPage inserts server-confirmed messages. Messages whose server id
// is already present are ignored, so replaying a page is a no-op.
// It returns how many messages were added.
func (r *Reconciler) MergeServerPage(key chat.Key, page []chat.Message, mode Mode) int {
	return r.MergePage(key, page, mode, nil)
}

// MergePage is MergeServerPage with a pagination update applied under the
// same lock. An inactive conversation is trimmed after update runs, so the
// trim's cursor and hasMore are what remain.
func (r *Reconciler) MergePage(key chat.Key, page []chat.Message, mode Mode, update func(h *chat.HistoryState)) int {
	r.mu.Lock()
	added := r.mergeLocked(key, page, mode)
	if update != nil {
		update(&r.rec(key).history)
	}
	if added > 0 && key != r.active {
		r.trimLocked(key)
	}
	r.mu.Unlock()

	if added > 0 {
		r.changed(key)
	}
	return added
}

func (r *Reconciler) mergeLocked(key chat.Key, page []chat.Message, mode Mode) int {
	c := r.rec(key)
	seen := make(map[int64]struct{}, len(c.messages)+len(page))
	for i := range c.messages {
		if c.messages[i].Confirmed() {
			seen[c.messages[i].ServerID] = struct{}{}
		}
	}

	fresh := make([]chat.Message, 0, len(page))
	for _, m := range page {
		if !m.Confirmed() {
			continue
		}
		if _, dup := seen[m.ServerID]; dup {
			continue
		}
		seen[m.ServerID] = struct{}{}
		m.LocalID = ""
		m.SendStatus = chat.StatusNone
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}

	if mode == ModeBackward {
		c.messages = append(fresh, c.messages...)
	} else {
		c.messages = append(c.messages, fresh...)
	}
	sortTranscript(c.messages)
	return len(fresh)
}

// MergeLocalSend appends an unconfirmed outbound message at the "now" end of
// its conversation. A second insert for the same localID is ignored.
func (r *Reconciler) MergeLocalSend(key chat.Key, m chat.Message) {
	r.mu.Lock()
	if _, exists := r.local[m.LocalID]; exists || m.LocalID == "" {
		r.mu.Unlock()
		return
	}
	c := r.rec(key)
	c.messages = append(c.messages, m)
	sortTranscript(c.messages)
	r.local[m.LocalID] = key
	r.mu.Unlock()

	r.changed(key)
}

// ApplyAck stamps the local message with its server id and re-sorts it into
// place. A duplicate ack, or an ack for an unknown localID, is a no-op.
// If the server id already arrived through history, the local copy is dropped.
func (r *Reconciler) ApplyAck(localID string, serverID int64) bool {
	if serverID <= 0 {
		return false
	}
	r.mu.Lock()
	key, ok := r.local[localID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.local, localID)
	c := r.rec(key)
	idx := indexLocal(c.messages, localID)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	if indexServer(c.messages, serverID) >= 0 {
		c.messages = slices.Delete(c.messages, idx, idx+1)
	} else {
		c.messages[idx].Confirm(serverID)
		sortTranscript(c.messages)
	}
	r.mu.Unlock()

	r.changed(key)
	return true
}

// SetSendStatus moves an unconfirmed message between queued, sending and failed.
func (r *Reconciler) SetSendStatus(localID string, status chat.SendStatus) bool {
	r.mu.Lock()
	key, ok := r.local[localID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	c := r.rec(key)
	idx := indexLocal(c.messages, localID)
	if idx < 0 || c.messages[idx].SendStatus == status {
		r.mu.Unlock()
		return false
	}
	c.messages[idx].SendStatus = status
	if status == chat.StatusFailed {
		// Failed messages stay visible but no longer belong to the outbox.
		delete(r.local, localID)
	}
	r.mu.Unlock()

	r.changed(key)
	return true
}

// RevertSending turns every sending message back into queued.
func (r *Reconciler) RevertSending() int {
	r.mu.Lock()
	var touched []chat.Key
	n := 0
	for key, c := range r.convs {
		changed := false
		for i := range c.messages {
			if !c.messages[i].Confirmed() && c.messages[i].SendStatus == chat.StatusSending {
				c.messages[i].SendStatus = chat.StatusQueued
				changed = true
				n++
			}
		}
		if changed {
			touched = append(touched, key)
		}
	}
	r.mu.Unlock()

	for _, key := range touched {
		r.changed(key)
	}
	return n
}

// RemoveLocal deletes an unconfirmed message (local deletion of a queued send).
func (r *Reconciler) RemoveLocal(localID string) bool {
	r.mu.Lock()
	key, ok := r.local[localID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.local, localID)
	c := r.rec(key)
	if idx := indexLocal(c.messages, localID); idx >= 0 {
		c.messages = slices.Delete(c.messages, idx, idx+1)
	}
	r.mu.Unlock()

	r.changed(key)
	return true
}

// ApplyEdit replaces the text of a confirmed message. Unknown ids are a no-op:
// the message was never synced locally and a later fetch brings the edited copy.
func (r *Reconciler) ApplyEdit(serverID int64, text string, editedAt float64) bool {
	r.mu.Lock()
	key, idx := r.findServerLocked(serverID)
	if idx < 0 {
		r.mu.Unlock()
		r.logger.Debug("edit for unknown message", zap.Int64("server_id", serverID))
		return false
	}
	m := &r.convs[key].messages[idx]
	m.Text = text
	m.Edited = true
	if editedAt > 0 {
		m.EditedAt = editedAt
	}
	r.mu.Unlock()

	r.changed(key)
	return true
}

// ApplyDelete removes a confirmed message. Unknown ids are a no-op.
func (r *Reconciler) ApplyDelete(serverID int64) bool {
	r.mu.Lock()
	key, idx := r.findServerLocked(serverID)
	if idx < 0 {
		r.mu.Unlock()
		r.logger.Debug("delete for unknown message", zap.Int64("server_id", serverID))
		return false
	}
	c := r.convs[key]
	c.messages = slices.Delete(c.messages, idx, idx+1)
	r.mu.Unlock()

	r.changed(key)
	return true
}

func (r *Reconciler) findServerLocked(serverID int64) (chat.Key, int) {
	if serverID <= 0 {
		return "", -1
	}
	for key, c := range r.convs {
		if idx := indexServer(c.messages, serverID); idx >= 0 {
			return key, idx
		}
	}
	return "", -1
}

func indexLocal(msgs []chat.Message, localID string) int {
	return slices.IndexFunc(msgs, func(m chat.Message) bool {
		return !m.Confirmed() && m.LocalID == localID
	})
}

func indexServer(msgs []chat.Message, serverID int64) int {
	return slices.IndexFunc(msgs, func(m chat.Message) bool { return m.ServerID == serverID })
}

// LocalKey returns the conversation holding the unconfirmed message localID.
func (r *Reconciler) LocalKey(localID string) (chat.Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.local[localID]
	return key, ok
}

// Messages returns a copy of the transcript for key.
func (r *Reconciler) Messages(key chat.Key) []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[key]
	if !ok {
		return nil
	}
	return slices.Clone(c.messages)
}

// NewestServerID returns the largest confirmed id in key's transcript, 0 if none.
func (r *Reconciler) NewestServerID(key chat.Key) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return newestServerID(r.convs[key])
}

func newestServerID(c *record) int64 {
	if c == nil {
		return 0
	}
	var newest int64
	for i := range c.messages {
		if c.messages[i].ServerID > newest {
			newest = c.messages[i].ServerID
		}
	}
	return newest
}

func oldestServerID(msgs []chat.Message) int64 {
	var oldest int64
	for i := range msgs {
		id := msgs[i].ServerID
		if id > 0 && (oldest == 0 || id < oldest) {
			oldest = id
		}
	}
	return oldest
}

// History returns the pagination state of key.
func (r *Reconciler) History(key chat.Key) chat.HistoryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[key]; ok {
		return c.history
	}
	return chat.HistoryState{}
}

// UpdateHistory runs fn on key's pagination state under the store lock.
// newest is the largest confirmed id currently in the transcript.
func (r *Reconciler) UpdateHistory(key chat.Key, fn func(h *chat.HistoryState, newest int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.rec(key)
	fn(&c.history, newestServerID(c))
}

// Keys lists every conversation held in memory, sorted.
func (r *Reconciler) Keys() []chat.Key {
	r.mu.Lock()
	keys := make([]chat.Key, 0, len(r.convs))
	for k := range r.convs {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Active returns the conversation currently open in the UI.
func (r *Reconciler) Active() chat.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetActive marks key as the open conversation and trims every other one.
func (r *Reconciler) SetActive(key chat.Key) {
	r.mu.Lock()
	r.active = key
	var trimmed []chat.Key
	for k := range r.convs {
		if k != key && r.trimLocked(k) > 0 {
			trimmed = append(trimmed, k)
		}
	}
	r.mu.Unlock()

	for _, k := range trimmed {
		r.changed(k)
	}
}

// Reset drops every transcript and pagination state (logout).
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.convs = make(map[chat.Key]*record)
	r.local = make(map[string]chat.Key)
	r.active = ""
	r.mu.Unlock()
}
