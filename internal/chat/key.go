package chat

import (
	"fmt"
	"strings"
)

// TargetKind discriminates direct conversations from rooms.
type TargetKind string

const (
	Direct TargetKind = "dm"
	Room   TargetKind = "room"
)

// Target addresses a conversation on the server: a direct peer or a room.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

// Key is the stable ConversationKey used as the map key for every per-conversation table.
type Key string

const maxKeyLen = 96

// DirectKey returns the key for a direct conversation with peerID.
func DirectKey(peerID string) Key {
	return Key(string(Direct) + ":" + peerID)
}

// RoomKey returns the key for a room conversation.
func RoomKey(roomID string) Key {
	return Key(string(Room) + ":" + roomID)
}

// Key returns the conversation key for t.
func (t Target) Key() Key {
	if t.Kind == Room {
		return RoomKey(t.ID)
	}
	return DirectKey(t.ID)
}

// Target parses the key back into its target.
func (k Key) Target() (Target, error) {
	kind, id, ok := strings.Cut(string(k), ":")
	if !ok || id == "" {
		return Target{}, fmt.Errorf("invalid conversation key %q", string(k))
	}
	switch TargetKind(kind) {
	case Direct, Room:
		return Target{Kind: TargetKind(kind), ID: id}, nil
	default:
		return Target{}, fmt.Errorf("invalid conversation key %q: unknown kind %q", string(k), kind)
	}
}

// Valid reports whether k is a well-formed key.
func (k Key) Valid() bool {
	if len(k) > maxKeyLen {
		return false
	}
	_, err := k.Target()
	return err == nil
}

// ParseKey validates raw and returns it as a Key.
func ParseKey(raw string) (Key, error) {
	k := Key(strings.TrimSpace(raw))
	if len(k) > maxKeyLen {
		return "", fmt.Errorf("conversation key too long (%d > %d)", len(k), maxKeyLen)
	}
	if _, err := k.Target(); err != nil {
		return "", err
	}
	return k, nil
}
