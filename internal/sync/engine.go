package sync

import (
	"github.com/pioner22/client-web-sub000/internal/bus"
	"github.com/pioner22/client-web-sub000/internal/chat"
	"github.com/pioner22/client-web-sub000/internal/wire"
	"go.uber.org/zap"
)

// SendResolver settles outbox entries on server receipts.
type SendResolver interface {
	Acked(localID string, serverID int64) bool
	Failed(localID, reason string) bool
}

// TransferSink records file-transfer updates.
type TransferSink interface {
	UpsertTransfer(t chat.Transfer)
}

// Engine routes parsed inbound frames to the reconciler, the history
// synchronizer and the outbox. It is registered as a transport handler so
// frames are applied in arrival order.
type Engine struct {
	rec       *Reconciler
	history   *History
	sends     SendResolver
	transfers TransferSink
	logger    *zap.Logger
}

// NewEngine creates a new sync engine. transfers may be nil.
func NewEngine(rec *Reconciler, history *History, sends SendResolver, transfers TransferSink, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		rec:       rec,
		history:   history,
		sends:     sends,
		transfers: transfers,
		logger:    logger,
	}
}

// Handle applies one transport event. Connection and auth events are
// ignored here; the lifecycle coordinator owns them.
func (e *Engine) Handle(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case wire.HistoryResult:
		e.history.HandleResult(p)
	case wire.HistoryError:
		e.history.HandleFailure(p.Key, p.Reason)
	case wire.Ack:
		if !e.sends.Acked(p.LocalID, p.ServerID) {
			e.logger.Debug("ack for unknown send", zap.String("local_id", p.LocalID))
		}
	case wire.SendFailure:
		if !e.sends.Failed(p.LocalID, p.Reason) {
			e.logger.Debug("failure for unknown send", zap.String("local_id", p.LocalID))
		}
	case wire.Pushed:
		e.handlePushed(p)
	case wire.Edit:
		e.rec.ApplyEdit(p.ServerID, p.Text, p.EditedAt)
	case wire.Delete:
		e.rec.ApplyDelete(p.ServerID)
	case chat.Transfer:
		if e.transfers != nil {
			e.transfers.UpsertTransfer(p)
		}
	}
}

func (e *Engine) handlePushed(p wire.Pushed) {
	// Our own send echoed back settles the outbox entry like an ack.
	if p.EchoLocalID != "" && e.sends.Acked(p.EchoLocalID, p.Message.ServerID) {
		return
	}
	key := p.Message.Target.Key()
	if !key.Valid() {
		e.logger.Warn("pushed message without valid conversation", zap.Int64("server_id", p.Message.ServerID))
		return
	}
	e.rec.MergeServerPage(key, []chat.Message{p.Message}, ModeLive)
}
