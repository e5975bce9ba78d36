package chat

// Direction of a transcript entry.
type Direction string

const (
	Outbound Direction = "out"
	Inbound  Direction = "in"
	System   Direction = "sys"
)

// SendStatus is only meaningful for unconfirmed outbound messages.
type SendStatus string

const (
	StatusNone    SendStatus = ""
	StatusQueued  SendStatus = "queued"
	StatusSending SendStatus = "sending"
	StatusFailed  SendStatus = "failed"
)

// AttachmentKind tags the Attachment variant.
type AttachmentKind string

const (
	AttachNone   AttachmentKind = ""
	AttachFile   AttachmentKind = "file"
	AttachAction AttachmentKind = "action"
)

// Attachment is none, a file reference, or a system action.
type Attachment struct {
	Kind AttachmentKind `json:"kind,omitempty"`
	// FileID and Name/Size are set for AttachFile.
	FileID string `json:"file_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Size   int64  `json:"size,omitempty"`
	// Action is set for AttachAction.
	Action string `json:"action,omitempty"`
}

// Message is one transcript entry. A message is either confirmed
// (ServerID > 0) or a local outbound send (LocalID and SendStatus set), never both.
type Message struct {
	Direction  Direction   `json:"direction"`
	SenderID   string      `json:"sender_id"`
	Target     Target      `json:"target"`
	Text       string      `json:"text"`
	Timestamp  float64     `json:"ts"` // client-observed, seconds
	ServerID   int64       `json:"id,omitempty"`
	LocalID    string      `json:"local_id,omitempty"`
	SendStatus SendStatus  `json:"status,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Edited     bool        `json:"edited,omitempty"`
	EditedAt   float64     `json:"edited_ts,omitempty"`
}

// Confirmed reports whether the server has assigned an id.
func (m *Message) Confirmed() bool {
	return m.ServerID > 0
}

// Pending reports whether m is an unconfirmed outbound send still owned by the outbox.
func (m *Message) Pending() bool {
	return !m.Confirmed() && m.LocalID != "" && (m.SendStatus == StatusQueued || m.SendStatus == StatusSending)
}

// Valid checks the confirmed-XOR-local invariant.
func (m *Message) Valid() bool {
	if m.Confirmed() {
		return m.LocalID == "" && m.SendStatus == StatusNone
	}
	return m.Direction == Outbound && m.LocalID != "" && m.SendStatus != StatusNone
}

// Confirm stamps m with its server id and drops the local bookkeeping.
func (m *Message) Confirm(serverID int64) {
	m.ServerID = serverID
	m.LocalID = ""
	m.SendStatus = StatusNone
}
