package chat

import (
	"fmt"
	"strings"
)

const roomIdSeparator = "_"

// ResolveRoomId returns the canonical id of the room shared by a and b.
// It is symmetric in its arguments.
func ResolveRoomId(a, b string) (string, error) {
	if err := validParticipant(a); err != nil {
		return "", err
	}
	if err := validParticipant(b); err != nil {
		return "", err
	}
	if a == b {
		return "", fmt.Errorf("%w: %q cannot share a room with themselves", ErrInvalidParticipants, a)
	}

	if b < a {
		a, b = b, a
	}
	return a + roomIdSeparator + b, nil
}

// ParseRoomId returns the two members encoded in a room id, in sorted
// order.
func ParseRoomId(roomId string) ([2]string, error) {
	a, b, ok := strings.Cut(roomId, roomIdSeparator)
	if !ok {
		return [2]string{}, fmt.Errorf("%w: malformed room id %q", ErrInvalidParticipants, roomId)
	}

	canonical, err := ResolveRoomId(a, b)
	if err != nil {
		return [2]string{}, err
	}
	if canonical != roomId {
		return [2]string{}, fmt.Errorf("%w: room id %q is not canonical", ErrInvalidParticipants, roomId)
	}

	return [2]string{a, b}, nil
}

func validParticipant(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty participant id", ErrInvalidParticipants)
	}
	if strings.Contains(id, roomIdSeparator) {
		return fmt.Errorf("%w: participant id %q contains %q", ErrInvalidParticipants, id, roomIdSeparator)
	}
	return nil
}
