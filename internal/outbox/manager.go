package outbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/pioner22/client-web-sub000/internal/bus"
	"github.com/pioner22/client-web-sub000/internal/chat"
	"github.com/pioner22/client-web-sub000/internal/sync"
	"github.com/pioner22/client-web-sub000/internal/wire"
	"go.uber.org/zap"
)

// ErrEmptyText is returned when a send has no visible text.
var ErrEmptyText = errors.New("empty message")

// Sender queues an outbound frame and reports whether it was accepted.
type Sender interface {
	Send(payload any) bool
}

// Config tunes draining.
type Config struct {
	Batch         int           // entries per drain, default 12
	RetryInterval time.Duration // minimum gap between attempts of one entry, default 900ms
	DrainInterval time.Duration // periodic drain, default 2s
}

func (c *Config) defaults() {
	if c.Batch <= 0 {
		c.Batch = 12
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 900 * time.Millisecond
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 2 * time.Second
	}
}

// Manager owns the queue of unconfirmed outbound messages. Every entry has
// a matching optimistic message in the reconciler until it is acked or
// fails terminally. Entries are only removed on a server ack or a terminal
// rejection, so a send is never lost.
type Manager struct {
	rec    *sync.Reconciler
	sender Sender
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
	newID  func() string

	mu       gosync.Mutex
	entries  map[chat.Key][]chat.OutboxEntry
	sendable bool
	self     string
	onChange func()

	cancel context.CancelFunc
}

// NewManager creates an empty outbox.
func NewManager(rec *sync.Reconciler, sender Sender, b *bus.Bus, cfg Config, logger *zap.Logger) *Manager {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rec:     rec,
		sender:  sender,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		newID:   newLocalID,
		entries: make(map[chat.Key][]chat.OutboxEntry),
	}
}

func newLocalID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// OnChange registers a callback run after every mutation, outside the lock.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// SetSelf sets the sender id stamped on optimistic messages.
func (m *Manager) SetSelf(userID string) {
	m.mu.Lock()
	m.self = userID
	m.mu.Unlock()
}

// SetSendable records whether the transport is connected and authenticated.
func (m *Manager) SetSendable(ok bool) {
	m.mu.Lock()
	m.sendable = ok
	m.mu.Unlock()
}

func (m *Manager) changed() {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
	m.bus.Emit(bus.OutboxChanged, nil)
}

// Enqueue queues text for key and renders it optimistically. When the
// transport is sendable the entry is sent immediately. It returns the
// entry's localID.
func (m *Manager) Enqueue(key chat.Key, text string, target chat.Target, now time.Time) (string, error) {
	if !key.Valid() {
		return "", fmt.Errorf("enqueue: invalid conversation key %q", string(key))
	}
	if target.ID == "" {
		t, err := key.Target()
		if err != nil {
			return "", fmt.Errorf("enqueue: %w", err)
		}
		target = t
	}
	text = chat.NormalizeText(text)
	if text == "" {
		return "", ErrEmptyText
	}

	m.mu.Lock()
	e := chat.OutboxEntry{
		LocalID:   m.newID(),
		Key:       key,
		Target:    target,
		Text:      text,
		CreatedAt: epochSeconds(now),
		Status:    chat.StatusQueued,
	}
	m.rec.MergeLocalSend(key, chat.Message{
		Direction:  chat.Outbound,
		SenderID:   m.self,
		Target:     target,
		Text:       text,
		Timestamp:  e.CreatedAt,
		LocalID:    e.LocalID,
		SendStatus: chat.StatusQueued,
	})
	m.entries[key] = append(m.entries[key], e)
	if m.sendable {
		list := m.entries[key]
		m.attemptLocked(&list[len(list)-1], now)
	}
	m.mu.Unlock()

	m.logger.Debug("message queued", zap.String("local_id", e.LocalID), zap.String("key", string(key)))
	m.changed()
	return e.LocalID, nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

// attemptLocked hands e to the transport. On rejection e stays untouched.
func (m *Manager) attemptLocked(e *chat.OutboxEntry, now time.Time) bool {
	if !m.sender.Send(wire.NewSendFrame(*e)) {
		return false
	}
	e.Status = chat.StatusSending
	e.Attempts++
	e.LastAttemptAt = now.UnixMilli()
	m.rec.SetSendStatus(e.LocalID, chat.StatusSending)
	return true
}

// Acked settles localID with its server id. Duplicate or unknown acks
// are no-ops.
func (m *Manager) Acked(localID string, serverID int64) bool {
	m.mu.Lock()
	removed := m.removeLocked(localID)
	stamped := m.rec.ApplyAck(localID, serverID)
	m.mu.Unlock()

	if !removed && !stamped {
		return false
	}
	m.logger.Info("message delivered", zap.String("local_id", localID), zap.Int64("server_id", serverID))
	m.changed()
	return true
}

// Failed applies a server rejection. Transient reasons requeue the entry
// for the next drain; terminal reasons drop it and mark the message failed.
func (m *Manager) Failed(localID, reason string) bool {
	class := chat.ClassifyFailure(reason)

	m.mu.Lock()
	e := m.findLocked(localID)
	if e == nil {
		m.mu.Unlock()
		return false
	}
	if class == chat.Terminal {
		m.removeLocked(localID)
		m.rec.SetSendStatus(localID, chat.StatusFailed)
	} else {
		e.Status = chat.StatusQueued
		m.rec.SetSendStatus(localID, chat.StatusQueued)
	}
	m.mu.Unlock()

	m.logger.Warn("send rejected",
		zap.String("local_id", localID),
		zap.String("reason", reason),
		zap.Stringer("class", class))
	m.changed()
	return true
}

// Remove drops a queued entry and its optimistic message (local delete).
func (m *Manager) Remove(localID string) bool {
	m.mu.Lock()
	removed := m.removeLocked(localID)
	if removed {
		m.rec.RemoveLocal(localID)
	}
	m.mu.Unlock()
	if removed {
		m.changed()
	}
	return removed
}

func (m *Manager) findLocked(localID string) *chat.OutboxEntry {
	for key, list := range m.entries {
		for i := range list {
			if list[i].LocalID == localID {
				return &m.entries[key][i]
			}
		}
	}
	return nil
}

func (m *Manager) removeLocked(localID string) bool {
	for key, list := range m.entries {
		idx := slices.IndexFunc(list, func(e chat.OutboxEntry) bool { return e.LocalID == localID })
		if idx < 0 {
			continue
		}
		list = slices.Delete(list, idx, idx+1)
		if len(list) == 0 {
			delete(m.entries, key)
		} else {
			m.entries[key] = list
		}
		return true
	}
	return false
}

// Drain resends eligible entries, oldest first across all conversations,
// skipping entries attempted within the retry interval. At most Batch
// entries are sent; draining stops at the first transport rejection.
// It returns the number of entries sent.
func (m *Manager) Drain(now time.Time) int {
	m.mu.Lock()
	if !m.sendable {
		m.mu.Unlock()
		return 0
	}

	var flat []*chat.OutboxEntry
	cutoff := now.Add(-m.cfg.RetryInterval).UnixMilli()
	for key := range m.entries {
		list := m.entries[key]
		for i := range list {
			if list[i].LastAttemptAt > 0 && list[i].LastAttemptAt > cutoff {
				continue
			}
			flat = append(flat, &list[i])
		}
	}
	slices.SortStableFunc(flat, func(a, b *chat.OutboxEntry) int {
		switch {
		case a.CreatedAt < b.CreatedAt:
			return -1
		case a.CreatedAt > b.CreatedAt:
			return 1
		}
		return 0
	})

	sent := 0
	for _, e := range flat {
		if sent >= m.cfg.Batch {
			break
		}
		if !m.attemptLocked(e, now) {
			break
		}
		sent++
	}
	m.mu.Unlock()

	if sent > 0 {
		m.logger.Debug("outbox drained", zap.Int("sent", sent), zap.Int("eligible", len(flat)))
		m.changed()
	}
	return sent
}

// OnDisconnect reverts every sending entry to queued: the outcome of an
// unacknowledged attempt is unknown, so it must be sent again.
func (m *Manager) OnDisconnect() {
	m.mu.Lock()
	m.sendable = false
	n := 0
	for key := range m.entries {
		list := m.entries[key]
		for i := range list {
			if list[i].Status == chat.StatusSending {
				list[i].Status = chat.StatusQueued
				n++
			}
		}
	}
	m.rec.RevertSending()
	m.mu.Unlock()

	if n > 0 {
		m.logger.Info("requeued in-flight sends", zap.Int("count", n))
		m.changed()
	}
}

// Restore merges persisted entries with the in-memory queue by localID and
// re-inserts their optimistic messages. An entry already in memory keeps its
// status and attempts; entries only found in storage come back queued.
func (m *Manager) Restore(stored map[chat.Key][]chat.OutboxEntry) {
	m.mu.Lock()
	merged := make(map[chat.Key][]chat.OutboxEntry, len(stored)+len(m.entries))
	seen := make(map[string]struct{})
	for key, list := range m.entries {
		for _, e := range list {
			if _, dup := seen[e.LocalID]; dup {
				continue
			}
			seen[e.LocalID] = struct{}{}
			merged[key] = append(merged[key], e)
		}
	}
	for key, list := range stored {
		if !key.Valid() {
			continue
		}
		for _, e := range list {
			if e.LocalID == "" || e.Text == "" {
				continue
			}
			if _, dup := seen[e.LocalID]; dup {
				continue
			}
			seen[e.LocalID] = struct{}{}
			e.Key = key
			e.Status = chat.StatusQueued
			merged[key] = append(merged[key], e)
		}
	}
	for key, list := range merged {
		slices.SortStableFunc(list, func(a, b chat.OutboxEntry) int {
			switch {
			case a.CreatedAt < b.CreatedAt:
				return -1
			case a.CreatedAt > b.CreatedAt:
				return 1
			}
			return 0
		})
		for _, e := range list {
			m.rec.MergeLocalSend(key, chat.Message{
				Direction:  chat.Outbound,
				SenderID:   m.self,
				Target:     e.Target,
				Text:       e.Text,
				Timestamp:  e.CreatedAt,
				LocalID:    e.LocalID,
				SendStatus: e.Status,
			})
		}
	}
	m.entries = merged
	total := len(seen)
	m.mu.Unlock()

	m.logger.Info("outbox restored", zap.Int("entries", total))
	m.changed()
}

// Snapshot copies the queue for persistence.
func (m *Manager) Snapshot() map[chat.Key][]chat.OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[chat.Key][]chat.OutboxEntry, len(m.entries))
	for key, list := range m.entries {
		out[key] = slices.Clone(list)
	}
	return out
}

// Len returns the number of queued entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.entries {
		n += len(list)
	}
	return n
}

// Entry looks up an entry by localID.
func (m *Manager) Entry(localID string) (chat.OutboxEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.findLocked(localID); e != nil {
		return *e, true
	}
	return chat.OutboxEntry{}, false
}

// Reset empties the queue in memory (logout). Persisted entries are kept.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.entries = make(map[chat.Key][]chat.OutboxEntry)
	m.sendable = false
	m.self = ""
	m.mu.Unlock()
}

// Start begins draining periodically.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop stops the drain loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Drain(m.now())
		case <-ctx.Done():
			return
		}
	}
}
