package wire

import "github.com/pioner22/client-web-sub000/internal/chat"

// Outbound frame types.
const (
	TypeAuth    = "auth"
	TypeSend    = "send"
	TypeHistory = "history"
	TypeLogout  = "logout"
)

// Inbound frame types.
const (
	TypeAuthOK           = "auth_ok"
	TypeAuthFailed       = "auth_failed"
	TypeHistoryResult    = "history_result"
	TypeHistoryError     = "history_error"
	TypeMessageDelivered = "message_delivered"
	TypeMessageBlocked   = "message_blocked"
	TypeMessage          = "message"
	TypeMessageEdited    = "message_edited"
	TypeMessageDeleted   = "message_deleted"
	TypeFileTransfer     = "file_transfer"
)

// AuthFrame authenticates a fresh connection.
type AuthFrame struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// NewAuthFrame builds an auth frame.
func NewAuthFrame(userID, token string) AuthFrame {
	return AuthFrame{Type: TypeAuth, UserID: userID, Token: token}
}

// SendFrame carries one outbox entry.
type SendFrame struct {
	Type    string `json:"type"`
	LocalID string `json:"local_id"`
	To      string `json:"to,omitempty"`
	Room    string `json:"room,omitempty"`
	Text    string `json:"text"`
}

// NewSendFrame builds the send frame for e.
func NewSendFrame(e chat.OutboxEntry) SendFrame {
	f := SendFrame{Type: TypeSend, LocalID: e.LocalID, Text: e.Text}
	setTarget(e.Target, &f.To, &f.Room)
	return f
}

// HistoryFrame requests a page of history. BeforeID selects backward
// pagination, SinceID a delta; neither selects the newest page.
type HistoryFrame struct {
	Type     string `json:"type"`
	To       string `json:"to,omitempty"`
	Room     string `json:"room,omitempty"`
	Limit    int    `json:"limit"`
	BeforeID int64  `json:"before_id,omitempty"`
	SinceID  int64  `json:"since_id,omitempty"`
}

// NewHistoryFrame builds a history request.
func NewHistoryFrame(t chat.Target, limit int, beforeID, sinceID int64) HistoryFrame {
	f := HistoryFrame{Type: TypeHistory, Limit: limit, BeforeID: beforeID, SinceID: sinceID}
	setTarget(t, &f.To, &f.Room)
	return f
}

// LogoutFrame ends the server session.
type LogoutFrame struct {
	Type string `json:"type"`
}

// NewLogoutFrame builds a logout frame.
func NewLogoutFrame() LogoutFrame {
	return LogoutFrame{Type: TypeLogout}
}

func setTarget(t chat.Target, to, room *string) {
	if t.Kind == chat.Room {
		*room = t.ID
		return
	}
	*to = t.ID
}

// Payloads published on the bus for parsed inbound frames and connection changes.

type Connected struct {
	Generation uint64
}

type Disconnected struct {
	Generation uint64
	Err        string
}

type AuthOK struct {
	UserID string
}

type AuthFailed struct {
	Reason string
}

// HistoryResult is one page of server history. HasMore is nil when the
// server did not say.
type HistoryResult struct {
	Key      chat.Key
	Messages []chat.Message
	HasMore  *bool
	BeforeID int64
	SinceID  int64
}

type HistoryError struct {
	Key    chat.Key
	Reason string
}

// Ack confirms a send.
type Ack struct {
	Key      chat.Key
	LocalID  string
	ServerID int64
}

// SendFailure rejects a send.
type SendFailure struct {
	Key     chat.Key
	LocalID string
	Reason  string
}

// Pushed is a live message. EchoLocalID is set when the message is the
// server's copy of one of our own sends.
type Pushed struct {
	Message     chat.Message
	EchoLocalID string
}

type Edit struct {
	ServerID int64
	Text     string
	EditedAt float64
}

type Delete struct {
	ServerID int64
}
