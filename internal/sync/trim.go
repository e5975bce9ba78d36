package sync

import (
	"github.com/pioner22/client-web-sub000/internal/chat"
	"go.uber.org/zap"
)

// ConstrainedTrimCap is used on memory-constrained devices.
const ConstrainedTrimCap = 150

// trimLocked drops the oldest confirmed messages of an inactive conversation
// down to the cap. Unconfirmed messages are never removed and at least one
// confirmed message is kept as the delta anchor. After trimming the cursor
// points at the oldest remaining message and hasMore is set, so the dropped
// range can be fetched again by backward pagination.
// Returns the number of removed messages. Caller holds r.mu.
func (r *Reconciler) trimLocked(key chat.Key) int {
	c, ok := r.convs[key]
	if !ok || len(c.messages) <= r.trimCap {
		return 0
	}

	confirmed := 0
	for i := range c.messages {
		if c.messages[i].Confirmed() {
			confirmed++
		}
	}
	excess := len(c.messages) - r.trimCap
	if excess > confirmed-1 {
		excess = confirmed - 1
	}
	if excess <= 0 {
		return 0
	}

	// Confirmed messages sort first in ascending server id order.
	c.messages = append(c.messages[:0:0], c.messages[excess:]...)
	c.history.Cursor = oldestServerID(c.messages)
	c.history.HasMore = true

	r.logger.Debug("trimmed conversation",
		zap.String("key", string(key)),
		zap.Int("removed", excess),
		zap.Int("kept", len(c.messages)))
	return excess
}

// TrimInactive trims every conversation except the active one.
func (r *Reconciler) TrimInactive() int {
	r.mu.Lock()
	total := 0
	for k := range r.convs {
		if k != r.active {
			total += r.trimLocked(k)
		}
	}
	r.mu.Unlock()
	return total
}
