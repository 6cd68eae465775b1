package ids

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewRoomID generates a time-ordered UUID v7 for a room.
func NewRoomID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewMessageID generates a ULID, which sorts by creation time.
func NewMessageID() string {
	return ulid.Make().String()
}

// NewOwnerID identifies one process when it holds a sweep lease.
func NewOwnerID() string {
	return uuid.NewString()
}
