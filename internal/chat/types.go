package chat

import "strings"

// MaxTextLen bounds message and draft text, matching the server limit.
const MaxTextLen = 4000

// OutboxEntry is the durable record of one not-yet-confirmed outbound message.
type OutboxEntry struct {
	LocalID       string     `json:"local_id"`
	Key           Key        `json:"key"`
	Target        Target     `json:"target"`
	Text          string     `json:"text"`
	CreatedAt     float64    `json:"ts"`              // seconds, same clock as Message.Timestamp
	Attempts      int        `json:"attempts"`        // send attempts so far
	LastAttemptAt int64      `json:"last_attempt_at"` // epoch ms, 0 = never attempted
	Status        SendStatus `json:"status"`          // queued or sending
}

// HistoryState is the per-conversation pagination bookkeeping.
type HistoryState struct {
	Loaded  bool  `json:"loaded"`
	Cursor  int64 `json:"cursor,omitempty"` // smallest known server id, 0 = none
	HasMore bool  `json:"has_more"`
	Loading bool  `json:"loading"`
}

// TransferDirection of a file transfer.
type TransferDirection string

const (
	TransferIn  TransferDirection = "in"
	TransferOut TransferDirection = "out"
)

// TransferStatus of a file transfer.
type TransferStatus string

const (
	TransferOffering    TransferStatus = "offering"
	TransferUploading   TransferStatus = "uploading"
	TransferUploaded    TransferStatus = "uploaded"
	TransferDownloading TransferStatus = "downloading"
	TransferComplete    TransferStatus = "complete"
	TransferRejected    TransferStatus = "rejected"
	TransferError       TransferStatus = "error"
)

// Terminal reports whether the transfer reached a final state.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferComplete, TransferUploaded, TransferError, TransferRejected:
		return true
	}
	return false
}

// Transfer is one record of the file-transfer log.
type Transfer struct {
	ID        string            `json:"id"`
	LocalID   string            `json:"local_id"`
	Name      string            `json:"name"`
	Size      int64             `json:"size"`
	Direction TransferDirection `json:"direction"`
	Peer      string            `json:"peer"`
	Room      string            `json:"room,omitempty"`
	Status    TransferStatus    `json:"status"`
	Progress  int               `json:"progress"`
	Error     string            `json:"error,omitempty"`
}

// NormalizeText unifies line endings and truncates to MaxTextLen.
// It returns "" for blank input.
func NormalizeText(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if len(text) > MaxTextLen {
		text = truncateRunes(text, MaxTextLen)
	}
	return text
}

func truncateRunes(s string, maxBytes int) string {
	cut := 0
	for i := range s {
		if i > maxBytes {
			break
		}
		cut = i
	}
	if len(s) <= maxBytes {
		return s
	}
	return s[:cut]
}
