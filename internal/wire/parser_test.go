package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pioner22/client-web-sub000/internal/bus"
	"github.com/pioner22/client-web-sub000/internal/chat"
)

func TestParseHistoryResult(t *testing.T) {
	raw := `{"type":"history_result","to":"bob","has_more":true,"before_id":50,
		"messages":[
			{"id":41,"from":"bob","to":"me","text":"hi","ts":1.5},
			{"id":42,"from":"me","to":"bob","text":"yo","ts":2},
			{"from":"bob","to":"me","text":"no id"}
		]}`
	evt, err := Parse([]byte(raw), "me")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if evt.Kind != bus.NetHistoryResult {
		t.Fatalf("Kind = %q", evt.Kind)
	}
	res := evt.Payload.(HistoryResult)
	if res.Key != chat.DirectKey("bob") {
		t.Errorf("Key = %q", res.Key)
	}
	if res.HasMore == nil || !*res.HasMore {
		t.Error("HasMore should be true")
	}
	if res.BeforeID != 50 {
		t.Errorf("BeforeID = %d", res.BeforeID)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("got %d messages, want 2 (id-less dropped)", len(res.Messages))
	}
	if res.Messages[0].Direction != chat.Inbound || res.Messages[1].Direction != chat.Outbound {
		t.Errorf("directions = %s, %s", res.Messages[0].Direction, res.Messages[1].Direction)
	}
	for _, m := range res.Messages {
		if m.Target.Key() != chat.DirectKey("bob") {
			t.Errorf("message %d target = %+v", m.ServerID, m.Target)
		}
	}
}

func TestParseHistoryResultWithoutHasMore(t *testing.T) {
	evt, err := Parse([]byte(`{"type":"history_result","room":"r1","messages":[]}`), "me")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	res := evt.Payload.(HistoryResult)
	if res.HasMore != nil {
		t.Error("HasMore should be nil when absent")
	}
	if res.Key != chat.RoomKey("r1") {
		t.Errorf("Key = %q", res.Key)
	}
}

func TestParseReceipts(t *testing.T) {
	evt, err := Parse([]byte(`{"type":"message_delivered","local_id":"L1","id":77,"to":"bob"}`), "me")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	ack := evt.Payload.(Ack)
	if evt.Kind != bus.NetAck || ack.LocalID != "L1" || ack.ServerID != 77 || ack.Key != chat.DirectKey("bob") {
		t.Errorf("ack = %s %+v", evt.Kind, ack)
	}

	evt, err = Parse([]byte(`{"type":"message_blocked","local_id":"L2","reason":"blocked_by_recipient","to":"bob"}`), "me")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	fail := evt.Payload.(SendFailure)
	if evt.Kind != bus.NetSendFailed || fail.Reason != "blocked_by_recipient" {
		t.Errorf("failure = %s %+v", evt.Kind, fail)
	}

	if _, err := Parse([]byte(`{"type":"message_delivered","id":77}`), "me"); err == nil {
		t.Error("delivered without local_id should fail")
	}
	if _, err := Parse([]byte(`{"type":"message_delivered","local_id":"L1"}`), "me"); err == nil {
		t.Error("delivered without id should fail")
	}
}

func TestParseLiveMessage(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		dir    chat.Direction
		target chat.Target
		echo   string
	}{
		{"inbound dm", `{"type":"message","id":5,"from":"bob","to":"me","text":"hi"}`,
			chat.Inbound, chat.Target{Kind: chat.Direct, ID: "bob"}, ""},
		{"own echo", `{"type":"message","id":6,"from":"me","to":"bob","text":"hi","local_id":"L9"}`,
			chat.Outbound, chat.Target{Kind: chat.Direct, ID: "bob"}, "L9"},
		{"room", `{"type":"message","id":7,"from":"carol","room":"r1","text":"hi"}`,
			chat.Inbound, chat.Target{Kind: chat.Room, ID: "r1"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := Parse([]byte(tt.raw), "me")
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			p := evt.Payload.(Pushed)
			if p.Message.Direction != tt.dir {
				t.Errorf("Direction = %s, want %s", p.Message.Direction, tt.dir)
			}
			if p.Message.Target != tt.target {
				t.Errorf("Target = %+v, want %+v", p.Message.Target, tt.target)
			}
			if p.EchoLocalID != tt.echo {
				t.Errorf("EchoLocalID = %q, want %q", p.EchoLocalID, tt.echo)
			}
			if !p.Message.Valid() {
				t.Errorf("parsed message invalid: %+v", p.Message)
			}
		})
	}
}

func TestParseEditDeleteTransfer(t *testing.T) {
	evt, err := Parse([]byte(`{"type":"message_edited","id":9,"text":"new","edited_ts":3}`), "me")
	if err != nil || evt.Payload.(Edit) != (Edit{ServerID: 9, Text: "new", EditedAt: 3}) {
		t.Errorf("edit = %+v, %v", evt.Payload, err)
	}
	evt, err = Parse([]byte(`{"type":"message_deleted","id":9}`), "me")
	if err != nil || evt.Payload.(Delete).ServerID != 9 {
		t.Errorf("delete = %+v, %v", evt.Payload, err)
	}
	evt, err = Parse([]byte(`{"type":"file_transfer","id":"f1","name":"a.txt","size":3,"direction":"in","peer":"bob","status":"complete"}`), "me")
	if err != nil {
		t.Fatalf("transfer error = %v", err)
	}
	tr := evt.Payload.(chat.Transfer)
	if tr.ID != "f1" || !tr.Status.Terminal() {
		t.Errorf("transfer = %+v", tr)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse([]byte(`{"type":"typing"}`), "me"); !errors.Is(err, ErrUnknownFrame) {
		t.Errorf("unknown type error = %v, want ErrUnknownFrame", err)
	}
	if _, err := Parse([]byte(`not json`), "me"); err == nil {
		t.Error("garbage should fail")
	}
	if _, err := Parse([]byte(`{"type":"history_result","messages":[]}`), "me"); err == nil {
		t.Error("history without target should fail")
	}
}

func TestOutboundFrames(t *testing.T) {
	f := NewSendFrame(chat.OutboxEntry{LocalID: "L1", Target: chat.Target{Kind: chat.Room, ID: "r1"}, Text: "hi"})
	data, _ := json.Marshal(f)
	want := `{"type":"send","local_id":"L1","room":"r1","text":"hi"}`
	if string(data) != want {
		t.Errorf("send frame = %s, want %s", data, want)
	}

	h := NewHistoryFrame(chat.Target{Kind: chat.Direct, ID: "bob"}, 200, 0, 41)
	data, _ = json.Marshal(h)
	want = `{"type":"history","to":"bob","limit":200,"since_id":41}`
	if string(data) != want {
		t.Errorf("history frame = %s, want %s", data, want)
	}
}
