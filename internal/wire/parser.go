package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pioner22/client-web-sub000/internal/bus"
	"github.com/pioner22/client-web-sub000/internal/chat"
)

// ErrUnknownFrame is returned for frame types the engine does not handle.
var ErrUnknownFrame = errors.New("unknown frame type")

type rawMessage struct {
	ID         int64            `json:"id"`
	From       string           `json:"from"`
	To         string           `json:"to"`
	Room       string           `json:"room"`
	Text       string           `json:"text"`
	TS         float64          `json:"ts"`
	LocalID    string           `json:"local_id"`
	Attachment *chat.Attachment `json:"attachment"`
	Edited     bool             `json:"edited"`
	EditedTS   float64          `json:"edited_ts"`
}

type rawHistory struct {
	To       string       `json:"to"`
	Room     string       `json:"room"`
	Messages []rawMessage `json:"messages"`
	HasMore  *bool        `json:"has_more"`
	BeforeID int64        `json:"before_id"`
	SinceID  int64        `json:"since_id"`
	Reason   string       `json:"reason"`
}

type rawReceipt struct {
	LocalID string `json:"local_id"`
	ID      int64  `json:"id"`
	To      string `json:"to"`
	Room    string `json:"room"`
	Reason  string `json:"reason"`
}

type rawAuth struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// Parse decodes one inbound frame into a bus event. self is the
// authenticated user id, used to orient direct messages.
func Parse(data []byte, self string) (bus.Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return bus.Event{}, fmt.Errorf("decode frame: %w", err)
	}

	switch head.Type {
	case TypeAuthOK, TypeAuthFailed:
		var a rawAuth
		if err := json.Unmarshal(data, &a); err != nil {
			return bus.Event{}, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		if head.Type == TypeAuthOK {
			return bus.Event{Kind: bus.NetAuthOK, Payload: AuthOK{UserID: a.UserID}}, nil
		}
		return bus.Event{Kind: bus.NetAuthFailed, Payload: AuthFailed{Reason: a.Reason}}, nil

	case TypeHistoryResult, TypeHistoryError:
		var h rawHistory
		if err := json.Unmarshal(data, &h); err != nil {
			return bus.Event{}, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		key, err := targetKey(h.To, h.Room)
		if err != nil {
			return bus.Event{}, fmt.Errorf("%s: %w", head.Type, err)
		}
		if head.Type == TypeHistoryError {
			return bus.Event{Kind: bus.NetHistoryError, Payload: HistoryError{Key: key, Reason: h.Reason}}, nil
		}
		msgs := make([]chat.Message, 0, len(h.Messages))
		for _, rm := range h.Messages {
			if rm.ID <= 0 {
				continue
			}
			m, _ := rm.toMessage(self)
			msgs = append(msgs, m)
		}
		return bus.Event{Kind: bus.NetHistoryResult, Payload: HistoryResult{
			Key:      key,
			Messages: msgs,
			HasMore:  h.HasMore,
			BeforeID: h.BeforeID,
			SinceID:  h.SinceID,
		}}, nil

	case TypeMessageDelivered, TypeMessageBlocked:
		var r rawReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			return bus.Event{}, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		if r.LocalID == "" {
			return bus.Event{}, fmt.Errorf("%s: missing local_id", head.Type)
		}
		key, _ := targetKey(r.To, r.Room)
		if head.Type == TypeMessageDelivered {
			if r.ID <= 0 {
				return bus.Event{}, fmt.Errorf("%s: missing id", head.Type)
			}
			return bus.Event{Kind: bus.NetAck, Payload: Ack{Key: key, LocalID: r.LocalID, ServerID: r.ID}}, nil
		}
		return bus.Event{Kind: bus.NetSendFailed, Payload: SendFailure{Key: key, LocalID: r.LocalID, Reason: r.Reason}}, nil

	case TypeMessage:
		var rm rawMessage
		if err := json.Unmarshal(data, &rm); err != nil {
			return bus.Event{}, fmt.Errorf("decode message: %w", err)
		}
		if rm.ID <= 0 {
			return bus.Event{}, fmt.Errorf("message: missing id")
		}
		m, err := rm.toMessage(self)
		if err != nil {
			return bus.Event{}, fmt.Errorf("message: %w", err)
		}
		return bus.Event{Kind: bus.NetMessage, Payload: Pushed{Message: m, EchoLocalID: rm.LocalID}}, nil

	case TypeMessageEdited:
		var rm rawMessage
		if err := json.Unmarshal(data, &rm); err != nil {
			return bus.Event{}, fmt.Errorf("decode message_edited: %w", err)
		}
		return bus.Event{Kind: bus.NetEdited, Payload: Edit{ServerID: rm.ID, Text: rm.Text, EditedAt: rm.EditedTS}}, nil

	case TypeMessageDeleted:
		var rm rawMessage
		if err := json.Unmarshal(data, &rm); err != nil {
			return bus.Event{}, fmt.Errorf("decode message_deleted: %w", err)
		}
		return bus.Event{Kind: bus.NetDeleted, Payload: Delete{ServerID: rm.ID}}, nil

	case TypeFileTransfer:
		var tr chat.Transfer
		if err := json.Unmarshal(data, &tr); err != nil {
			return bus.Event{}, fmt.Errorf("decode file_transfer: %w", err)
		}
		if tr.ID == "" && tr.LocalID == "" {
			return bus.Event{}, fmt.Errorf("file_transfer: missing id")
		}
		return bus.Event{Kind: bus.NetTransfer, Payload: tr}, nil
	}

	return bus.Event{}, fmt.Errorf("%w: %q", ErrUnknownFrame, head.Type)
}

func targetKey(to, room string) (chat.Key, error) {
	switch {
	case room != "":
		return chat.ParseKey(string(chat.RoomKey(room)))
	case to != "":
		return chat.ParseKey(string(chat.DirectKey(to)))
	}
	return "", errors.New("missing to/room")
}

func (rm rawMessage) toMessage(self string) (chat.Message, error) {
	m := chat.Message{
		Direction:  chat.Inbound,
		SenderID:   rm.From,
		Text:       rm.Text,
		Timestamp:  rm.TS,
		ServerID:   rm.ID,
		Attachment: rm.Attachment,
		Edited:     rm.Edited,
		EditedAt:   rm.EditedTS,
	}
	if self != "" && rm.From == self {
		m.Direction = chat.Outbound
	}
	switch {
	case rm.Room != "":
		m.Target = chat.Target{Kind: chat.Room, ID: rm.Room}
	case m.Direction == chat.Outbound:
		m.Target = chat.Target{Kind: chat.Direct, ID: rm.To}
	default:
		m.Target = chat.Target{Kind: chat.Direct, ID: rm.From}
	}
	if m.Target.ID == "" {
		return m, errors.New("missing conversation")
	}
	return m, nil
}
