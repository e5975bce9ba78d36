package userstate

import (
	"fmt"
	"slices"
	gosync "sync"

	"github.com/pioner22/client-web-sub000/internal/bus"
	"github.com/pioner22/client-web-sub000/internal/chat"
	"github.com/pioner22/client-web-sub000/internal/persist"
	"go.uber.org/zap"
)

// Kind names one part of the user state in change events.
type Kind string

const (
	KindDrafts         Kind = "drafts"
	KindPins           Kind = "pins"
	KindPinnedMessages Kind = "pinned_messages"
	KindTransfers      Kind = "transfers"
)

// Stored is what the persistence gateway returned for a user. A nil field
// means nothing was stored.
type Stored struct {
	Drafts         persist.Drafts
	Pins           persist.Pins
	PinnedMessages persist.PinnedMessages
	Transfers      persist.Transfers
}

// State holds drafts, pins, pinned messages and the transfer log of the
// signed-in user.
type State struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu        gosync.Mutex
	userID    string
	drafts    persist.Drafts
	pins      persist.Pins
	pinned    persist.PinnedMessages
	transfers persist.Transfers
	onChange  func(Kind)
}

// New creates an empty state with no user.
func New(b *bus.Bus, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &State{bus: b, logger: logger}
	s.clearLocked()
	return s
}

func (s *State) clearLocked() {
	s.userID = ""
	s.drafts = make(persist.Drafts)
	s.pins = nil
	s.pinned = make(persist.PinnedMessages)
	s.transfers = nil
}

// OnChange registers a callback run after every mutation, outside the lock.
func (s *State) OnChange(fn func(Kind)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *State) changed(kind Kind) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
	s.bus.Emit(bus.UserStateChanged, kind)
}

// UserID returns the signed-in user, or "".
func (s *State) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Hydrate sets the user and merges stored state under what is already in
// memory: edits made before the load finished win.
func (s *State) Hydrate(userID string, stored Stored) {
	s.mu.Lock()
	if s.userID != "" && s.userID != userID {
		s.clearLocked()
	}
	s.userID = userID

	for k, v := range stored.Drafts {
		if _, ok := s.drafts[k]; !ok {
			s.drafts[k] = v
		}
	}
	s.pins = mergeKeys(s.pins, stored.Pins)
	for k, ids := range stored.PinnedMessages {
		s.pinned[k] = mergeIDs(s.pinned[k], ids)
	}
	for _, t := range stored.Transfers {
		if transferIndex(s.transfers, t) < 0 {
			s.transfers = append(s.transfers, t)
		}
	}
	s.mu.Unlock()

	s.logger.Info("user state hydrated",
		zap.String("user", userID),
		zap.Int("drafts", len(stored.Drafts)),
		zap.Int("pins", len(stored.Pins)),
		zap.Int("transfers", len(stored.Transfers)),
	)
	for _, k := range []Kind{KindDrafts, KindPins, KindPinnedMessages, KindTransfers} {
		s.changed(k)
	}
}

func mergeKeys(cur, extra []chat.Key) []chat.Key {
	out := slices.Clone(cur)
	for _, k := range extra {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

func mergeIDs(cur, extra []int64) []int64 {
	out := slices.Clone(cur)
	for _, id := range extra {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Reset forgets the user and everything in memory (logout).
func (s *State) Reset() {
	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
}

// SetDraft stores the composer text for key. Blank text clears the draft.
func (s *State) SetDraft(key chat.Key, text string) error {
	if !key.Valid() {
		return fmt.Errorf("set draft: invalid conversation key %q", string(key))
	}
	text = chat.NormalizeText(text)

	s.mu.Lock()
	prev := s.drafts[key]
	if text == "" {
		delete(s.drafts, key)
	} else {
		s.drafts[key] = text
	}
	s.mu.Unlock()

	if prev != text {
		s.changed(KindDrafts)
	}
	return nil
}

// Draft returns the draft for key.
func (s *State) Draft(key chat.Key) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[key]
}

// Drafts copies all drafts.
func (s *State) Drafts() persist.Drafts {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(persist.Drafts, len(s.drafts))
	for k, v := range s.drafts {
		out[k] = v
	}
	return out
}

// TogglePin pins key at the front or unpins it. It reports whether key is
// now pinned.
func (s *State) TogglePin(key chat.Key) (bool, error) {
	if !key.Valid() {
		return false, fmt.Errorf("toggle pin: invalid conversation key %q", string(key))
	}
	s.mu.Lock()
	idx := slices.Index(s.pins, key)
	pinned := idx < 0
	if pinned {
		s.pins = slices.Insert(s.pins, 0, key)
		if len(s.pins) > persist.MaxPins {
			s.pins = s.pins[:persist.MaxPins]
		}
	} else {
		s.pins = slices.Delete(s.pins, idx, idx+1)
	}
	s.mu.Unlock()

	s.changed(KindPins)
	return pinned, nil
}

// Pins copies the pinned conversations, newest first.
func (s *State) Pins() persist.Pins {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pins)
}

// TogglePinnedMessage pins or unpins serverID in key. It reports whether
// the message is now pinned.
func (s *State) TogglePinnedMessage(key chat.Key, serverID int64) (bool, error) {
	if !key.Valid() {
		return false, fmt.Errorf("toggle pinned message: invalid conversation key %q", string(key))
	}
	if serverID <= 0 {
		return false, fmt.Errorf("toggle pinned message: invalid message id %d", serverID)
	}
	s.mu.Lock()
	ids := s.pinned[key]
	idx := slices.Index(ids, serverID)
	pinned := idx < 0
	switch {
	case pinned && len(ids) >= persist.MaxPinnedPerKey:
		s.mu.Unlock()
		return false, fmt.Errorf("toggle pinned message: at most %d pinned messages per conversation", persist.MaxPinnedPerKey)
	case pinned:
		s.pinned[key] = append(ids, serverID)
	case len(ids) == 1:
		delete(s.pinned, key)
	default:
		s.pinned[key] = slices.Delete(slices.Clone(ids), idx, idx+1)
	}
	s.mu.Unlock()

	s.changed(KindPinnedMessages)
	return pinned, nil
}

// PinnedMessages copies the pinned message ids of every conversation.
func (s *State) PinnedMessages() persist.PinnedMessages {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(persist.PinnedMessages, len(s.pinned))
	for k, ids := range s.pinned {
		out[k] = slices.Clone(ids)
	}
	return out
}

func transferIndex(list persist.Transfers, t chat.Transfer) int {
	return slices.IndexFunc(list, func(o chat.Transfer) bool {
		if t.ID != "" && o.ID == t.ID {
			return true
		}
		return t.LocalID != "" && o.LocalID == t.LocalID
	})
}

// UpsertTransfer records a transfer update, replacing the entry with the
// same id or local id and moving it to the front.
func (s *State) UpsertTransfer(t chat.Transfer) {
	if t.ID == "" && t.LocalID == "" {
		return
	}
	s.mu.Lock()
	if idx := transferIndex(s.transfers, t); idx >= 0 {
		s.transfers = slices.Delete(s.transfers, idx, idx+1)
	}
	s.transfers = slices.Insert(s.transfers, 0, t)
	if len(s.transfers) > persist.MaxTransfers {
		s.transfers = s.transfers[:persist.MaxTransfers]
	}
	s.mu.Unlock()

	s.changed(KindTransfers)
}

// Transfers copies the transfer log, newest first.
func (s *State) Transfers() persist.Transfers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transfers)
}
