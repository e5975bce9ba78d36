package chat

import "strings"

// FailureClass splits send rejections into retriable and final.
type FailureClass int

const (
	Transient FailureClass = iota
	Terminal
)

func (c FailureClass) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "transient"
}

// terminalReasons will not change on retry. Anything not listed is transient,
// so an unexpected server string never drops a user's message.
var terminalReasons = map[string]struct{}{
	"blocked":              {},
	"blocked_by_recipient": {},
	"blocked_by_sender":    {},
	"forbidden":            {},
	"not_in_room":          {},
	"invalid":              {},
	"message_too_long":     {},
	"empty_message":        {},
}

// ClassifyFailure maps a server rejection reason to its class.
func ClassifyFailure(reason string) FailureClass {
	if _, ok := terminalReasons[strings.ToLower(strings.TrimSpace(reason))]; ok {
		return Terminal
	}
	return Transient
}
