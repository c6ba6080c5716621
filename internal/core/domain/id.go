package domain

import (
	"strings"

	"github.com/google/uuid"
)

// ConnID identifies one websocket connection. A user reconnecting gets a new one.
type ConnID string

// UserID is the stable identity taken from the bearer token subject.
type UserID string

// RoomID is opaque: caller-supplied or generated.
type RoomID string

func NewConnID() ConnID {
	return ConnID(uuid.New().String())
}

// NewRoomID returns a short id that is easy to read out loud over a call.
func NewRoomID() RoomID {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return RoomID(id[:10])
}

func (id ConnID) String() string {
	return string(id)
}

func (id UserID) String() string {
	return string(id)
}

func (id RoomID) String() string {
	return string(id)
}
