package userstate

import "github.com/pioner22/client-web-sub000/internal/persist"

// Bind makes g's user-state slots read from s and schedules the matching
// slot on every change.
func Bind(s *State, g *persist.Gateway) {
	g.Drafts.Bind(func() (string, persist.Drafts, bool) {
		id := s.UserID()
		return id, s.Drafts(), id != ""
	})
	g.Pins.Bind(func() (string, persist.Pins, bool) {
		id := s.UserID()
		return id, s.Pins(), id != ""
	})
	g.PinnedMessages.Bind(func() (string, persist.PinnedMessages, bool) {
		id := s.UserID()
		return id, s.PinnedMessages(), id != ""
	})
	g.Transfers.Bind(func() (string, persist.Transfers, bool) {
		id := s.UserID()
		return id, s.Transfers(), id != ""
	})

	s.OnChange(func(k Kind) {
		switch k {
		case KindDrafts:
			g.Drafts.Schedule()
		case KindPins:
			g.Pins.Schedule()
		case KindPinnedMessages:
			g.PinnedMessages.Schedule()
		case KindTransfers:
			g.Transfers.Schedule()
		}
	})
}

// Load reads everything stored for userID.
func Load(g *persist.Gateway, userID string) Stored {
	var st Stored
	if v, ok := g.Drafts.Load(userID); ok {
		st.Drafts = v
	}
	if v, ok := g.Pins.Load(userID); ok {
		st.Pins = v
	}
	if v, ok := g.PinnedMessages.Load(userID); ok {
		st.PinnedMessages = v
	}
	if v, ok := g.Transfers.Load(userID); ok {
		st.Transfers = v
	}
	return st
}
