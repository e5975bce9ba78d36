package persist

import (
	"time"

	"go.uber.org/zap"
)

// HistoryMaxAge discards history caches not written for this long.
const HistoryMaxAge = 45 * 24 * time.Hour

// Payload versions. Bump one when its stored shape changes; older payloads
// are then discarded on load.
const (
	draftsVersion         = 1
	pinsVersion           = 1
	pinnedMessagesVersion = 1
	outboxVersion         = 1
	transfersVersion      = 1
	historyVersion        = 2
)

type slot interface {
	Flush()
	Cancel()
	Pending() bool
}

// Gateway bundles the per-kind slots of one device's user state.
type Gateway struct {
	Drafts         *Slot[Drafts]
	Pins           *Slot[Pins]
	PinnedMessages *Slot[PinnedMessages]
	Outbox         *Slot[Outbox]
	Transfers      *Slot[Transfers]
	History        *Slot[HistoryCache]

	logger *zap.Logger
	now    func() time.Time
}

// NewGateway creates the slots on backend.
func NewGateway(backend Backend, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		Drafts:         NewSlot("drafts", FastDelay, Codec[Drafts]{Version: draftsVersion, Sanitize: SanitizeDrafts}, backend, logger),
		Pins:           NewSlot("pins", FastDelay, Codec[Pins]{Version: pinsVersion, Sanitize: SanitizePins}, backend, logger),
		PinnedMessages: NewSlot("pinned_messages", FastDelay, Codec[PinnedMessages]{Version: pinnedMessagesVersion, Sanitize: SanitizePinnedMessages}, backend, logger),
		Outbox:         NewSlot("outbox", FastDelay, Codec[Outbox]{Version: outboxVersion, Sanitize: SanitizeOutbox}, backend, logger),
		Transfers:      NewSlot("file_transfers", SlowDelay, Codec[Transfers]{Version: transfersVersion, Sanitize: SanitizeTransfers}, backend, logger),
		History:        NewSlot("history", SlowDelay, Codec[HistoryCache]{Version: historyVersion, Sanitize: SanitizeHistory}, backend, logger),
		logger:         logger,
		now:            time.Now,
	}
}

func (g *Gateway) slots() []slot {
	return []slot{g.Drafts, g.Pins, g.PinnedMessages, g.Outbox, g.Transfers, g.History}
}

// FlushAll writes every slot synchronously.
func (g *Gateway) FlushAll() {
	for _, s := range g.slots() {
		s.Flush()
	}
	g.logger.Debug("persistence flushed")
}

// CancelAll drops every pending write.
func (g *Gateway) CancelAll() {
	for _, s := range g.slots() {
		s.Cancel()
	}
}

// Pending reports whether any slot has a scheduled write.
func (g *Gateway) Pending() bool {
	for _, s := range g.slots() {
		if s.Pending() {
			return true
		}
	}
	return false
}

// LoadHistory loads the history cache unless it is older than HistoryMaxAge.
func (g *Gateway) LoadHistory(userID string) (HistoryCache, bool) {
	cache, updated, ok := g.History.LoadWithTime(userID)
	if !ok {
		return nil, false
	}
	if g.now().Sub(updated) > HistoryMaxAge {
		g.logger.Info("discarding stale history cache", zap.Time("updated", updated))
		g.History.Clear(userID)
		return nil, false
	}
	return cache, true
}
