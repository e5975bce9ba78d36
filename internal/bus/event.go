package bus

import "time"

// Event kinds. Subscribers filter by prefix ("net.", "conn.", "transcript.", ...).
const (
	// Transport connectivity, published by the wire transport.
	ConnConnecting   = "conn.connecting"
	ConnConnected    = "conn.connected"
	ConnDisconnected = "conn.disconnected"

	// Parsed inbound frames, published by the wire transport.
	NetAuthOK        = "net.auth_ok"
	NetAuthFailed    = "net.auth_failed"
	NetHistoryResult = "net.history_result"
	NetHistoryError  = "net.history_error"
	NetAck           = "net.ack"
	NetSendFailed    = "net.send_failed"
	NetMessage       = "net.message"
	NetEdited        = "net.edited"
	NetDeleted       = "net.deleted"
	NetTransfer      = "net.transfer"

	// Engine state changes, consumed by UIs.
	TranscriptUpdated = "transcript.updated"
	OutboxChanged     = "outbox.changed"
	HistoryRequested  = "history.requested"
	HistoryFailed     = "history.failed"
	StatusChanged     = "session.status_changed"
	UserStateChanged  = "session.user_state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
