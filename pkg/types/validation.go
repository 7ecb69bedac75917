package types

import (
	"regexp"
	"strings"
)

// MaxPayloadBytes bounds a relayed message payload.
const MaxPayloadBytes = 16 * 1024

var identityRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// IsValidIdentity checks identity and other opaque id formats.
func IsValidIdentity(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return identityRegex.MatchString(id)
}

// ValidateRoom checks that roomID is well formed and agrees with kind.
func ValidateRoom(roomID string, kind RoomKind) error {
	actual, ok := KindOf(roomID)
	if !ok {
		return ErrInvalidRoomID
	}
	suffix := roomID[strings.Index(roomID, ":")+1:]
	if suffix == "" || len(roomID) > 128 {
		return ErrInvalidRoomID
	}
	if actual != kind {
		return ErrRoomKindMismatch
	}
	return nil
}

// NormalizePayload trims a message payload and enforces the size limit.
func NormalizePayload(payload string) (string, error) {
	p := strings.TrimSpace(payload)
	if p == "" {
		return "", ErrEmptyPayload
	}
	if len(p) > MaxPayloadBytes {
		return "", ErrPayloadTooLarge
	}
	return p, nil
}

// IsValidMessageKind checks kinds a client may put on private_message.
func IsValidMessageKind(kind MessageKind) bool {
	switch kind {
	case MessageKindChat, MessageKindTyping, MessageKindReadReceipt:
		return true
	default:
		return false
	}
}
