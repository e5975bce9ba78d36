package sync

import (
	gosync "sync"
	"time"

	"github.com/pioner22/client-web-sub000/internal/bus"
	"github.com/pioner22/client-web-sub000/internal/chat"
	"github.com/pioner22/client-web-sub000/internal/wire"
	"go.uber.org/zap"
)

// History fetch limits.
const (
	TailLimit       = 200
	PageLimit       = 200
	DeltaLimit      = 200
	MaxDeltaLimit   = 2000
	DeltaMinGap     = 1500 * time.Millisecond
	DefaultTimeout  = 15 * time.Second
	timeoutReason   = "timeout"
	transportReason = "not_connected"
)

// Sender queues an outbound frame and reports whether it was accepted.
type Sender interface {
	Send(payload any) bool
}

// RequestOptions tune RequestHistory.
type RequestOptions struct {
	// Force bypasses the delta rate limit.
	Force bool
	// DeltaLimit overrides the delta page size, clamped to MaxDeltaLimit.
	DeltaLimit int
}

type inflight struct {
	seq   uint64
	mode  Mode
	limit int
	timer *time.Timer
}

// HistoryRequest is published on the bus for every issued fetch.
type HistoryRequest struct {
	Key   chat.Key
	Mode  Mode
	Limit int
}

// HistoryFailure is published when a fetch fails or times out.
type HistoryFailure struct {
	Key    chat.Key
	Reason string
}

// History drives per-conversation history fetches: a tail page on first
// open, deltas after reconnect or when the app regains focus, and backward
// pages on scroll. At most one request per conversation is in flight.
type History struct {
	rec     *Reconciler
	sender  Sender
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu      gosync.Mutex
	pending map[chat.Key]*inflight
	deltaAt map[chat.Key]time.Time
	seq     uint64
}

// NewHistory creates a synchronizer. timeout <= 0 selects DefaultTimeout.
func NewHistory(rec *Reconciler, sender Sender, b *bus.Bus, timeout time.Duration, logger *zap.Logger) *History {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{
		rec:     rec,
		sender:  sender,
		bus:     b,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
		pending: make(map[chat.Key]*inflight),
		deltaAt: make(map[chat.Key]time.Time),
	}
}

// RequestHistory fetches the newest page for a never-loaded conversation,
// otherwise a delta since the newest confirmed id. Deltas are rate limited
// per conversation unless opts.Force is set. It reports whether a request
// was issued.
func (h *History) RequestHistory(key chat.Key, opts RequestOptions) bool {
	target, err := key.Target()
	if err != nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var (
		issue bool
		mode  Mode
		limit int
		since int64
	)
	h.rec.UpdateHistory(key, func(st *chat.HistoryState, newest int64) {
		if st.Loading {
			return
		}
		switch {
		case !st.Loaded || newest == 0:
			mode, limit = ModeTail, TailLimit
		default:
			if !opts.Force && h.now().Sub(h.deltaAt[key]) < DeltaMinGap {
				return
			}
			mode, limit, since = ModeDelta, clampDelta(opts.DeltaLimit), newest
		}
		st.Loading = true
		issue = true
	})
	if !issue {
		return false
	}
	if mode == ModeDelta {
		h.deltaAt[key] = h.now()
	}
	return h.issueLocked(key, mode, limit, wire.NewHistoryFrame(target, limit, 0, since))
}

// RequestMore fetches the page before the oldest known message. It is a
// no-op unless the conversation is loaded, has more, and is idle.
func (h *History) RequestMore(key chat.Key) bool {
	target, err := key.Target()
	if err != nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var before int64
	issue := false
	h.rec.UpdateHistory(key, func(st *chat.HistoryState, _ int64) {
		if st.Loading || !st.Loaded || !st.HasMore || st.Cursor <= 0 {
			return
		}
		before = st.Cursor
		st.Loading = true
		issue = true
	})
	if !issue {
		return false
	}
	return h.issueLocked(key, ModeBackward, PageLimit, wire.NewHistoryFrame(target, PageLimit, before, 0))
}

func clampDelta(limit int) int {
	switch {
	case limit <= 0:
		return DeltaLimit
	case limit > MaxDeltaLimit:
		return MaxDeltaLimit
	}
	return limit
}

// issueLocked sends the frame and arms the timeout. Caller holds h.mu and
// has already set loading.
func (h *History) issueLocked(key chat.Key, mode Mode, limit int, frame wire.HistoryFrame) bool {
	if !h.sender.Send(frame) {
		h.rec.UpdateHistory(key, func(st *chat.HistoryState, _ int64) { st.Loading = false })
		if mode == ModeDelta {
			delete(h.deltaAt, key)
		}
		h.logger.Debug("history request not sent",
			zap.String("key", string(key)),
			zap.String("mode", string(mode)))
		h.bus.Emit(bus.HistoryFailed, HistoryFailure{Key: key, Reason: transportReason})
		return false
	}

	h.seq++
	seq := h.seq
	req := &inflight{seq: seq, mode: mode, limit: limit}
	req.timer = time.AfterFunc(h.timeout, func() { h.expire(key, seq) })
	h.pending[key] = req

	h.logger.Debug("history requested",
		zap.String("key", string(key)),
		zap.String("mode", string(mode)),
		zap.Int("limit", limit))
	h.bus.Emit(bus.HistoryRequested, HistoryRequest{Key: key, Mode: mode, Limit: limit})
	return true
}

func (h *History) expire(key chat.Key, seq uint64) {
	h.mu.Lock()
	req, ok := h.pending[key]
	if !ok || req.seq != seq {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.logger.Warn("history request timed out", zap.String("key", string(key)))
	h.HandleFailure(key, timeoutReason)
}

// HandleResult merges a page and updates pagination state. A delta that
// reports more pages triggers an immediate forced follow-up delta.
// Results that arrive after a timeout still merge. A reply whose echoed ids
// name a different mode than the pending request leaves that request in
// flight.
func (h *History) HandleResult(res wire.HistoryResult) {
	mode, limit := modeOf(res), 0
	explicit := res.BeforeID > 0 || res.SinceID > 0

	h.mu.Lock()
	req, busy := h.pending[res.Key]
	if busy && (!explicit || req.mode == mode) {
		req.timer.Stop()
		delete(h.pending, res.Key)
		mode, limit = req.mode, req.limit
		busy = false
	}
	h.mu.Unlock()

	if limit == 0 {
		limit = PageLimit
		if mode == ModeDelta {
			limit = DeltaLimit
		}
	}
	hasMore := len(res.Messages) >= limit
	if res.HasMore != nil {
		hasMore = *res.HasMore
	}

	h.rec.MergePage(res.Key, res.Messages, mode, func(st *chat.HistoryState) {
		st.Loading = busy
		st.Loaded = true
		switch mode {
		case ModeTail, ModeBackward:
			st.HasMore = hasMore
			if oldest := oldestServerID(res.Messages); oldest > 0 && (st.Cursor == 0 || oldest < st.Cursor) {
				st.Cursor = oldest
			}
		}
	})

	h.logger.Debug("history merged",
		zap.String("key", string(res.Key)),
		zap.String("mode", string(mode)),
		zap.Int("messages", len(res.Messages)),
		zap.Bool("has_more", hasMore),
		zap.Bool("still_loading", busy))

	if mode == ModeDelta && hasMore && len(res.Messages) > 0 && !busy {
		h.RequestHistory(res.Key, RequestOptions{Force: true, DeltaLimit: limit})
	}
}

// modeOf infers the mode of an unsolicited or late page from its echoed ids.
func modeOf(res wire.HistoryResult) Mode {
	switch {
	case res.BeforeID > 0:
		return ModeBackward
	case res.SinceID > 0:
		return ModeDelta
	}
	return ModeTail
}

// HandleFailure clears loading for key. hasMore is left unchanged and the
// request is not retried automatically.
func (h *History) HandleFailure(key chat.Key, reason string) {
	h.mu.Lock()
	if req, ok := h.pending[key]; ok {
		req.timer.Stop()
		delete(h.pending, key)
	}
	h.mu.Unlock()

	h.rec.UpdateHistory(key, func(st *chat.HistoryState, _ int64) { st.Loading = false })
	h.logger.Warn("history request failed",
		zap.String("key", string(key)),
		zap.String("reason", reason))
	h.bus.Emit(bus.HistoryFailed, HistoryFailure{Key: key, Reason: reason})
}

// InFlight reports whether a request for key is awaiting a response.
func (h *History) InFlight(key chat.Key) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[key]
	return ok
}

// ClearInFlight forgets every outstanding request and the delta rate limit
// so a reconnect can fetch again immediately.
func (h *History) ClearInFlight() {
	h.mu.Lock()
	keys := make([]chat.Key, 0, len(h.pending))
	for key, req := range h.pending {
		req.timer.Stop()
		keys = append(keys, key)
	}
	h.pending = make(map[chat.Key]*inflight)
	h.deltaAt = make(map[chat.Key]time.Time)
	h.mu.Unlock()

	for _, key := range keys {
		h.rec.UpdateHistory(key, func(st *chat.HistoryState, _ int64) { st.Loading = false })
	}
}

// Reset clears all bookkeeping (logout).
func (h *History) Reset() {
	h.ClearInFlight()
}
