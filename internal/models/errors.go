package models

import "errors"

// Error kinds reported by room operations. All of them are expected,
// recoverable conditions; the transport layer maps them to client responses.
var (
	ErrAlreadyMember   = errors.New("already a member of this room")
	ErrNotAMember      = errors.New("not a member of this room")
	ErrRoomAtCapacity  = errors.New("room is at capacity")
	ErrRoomNotFound    = errors.New("room not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidInput    = errors.New("invalid input")

	// ErrRoomExists is returned by stores when creating a room whose id is taken.
	ErrRoomExists = errors.New("room already exists")
	// ErrConflict is returned by stores when an optimistic update lost a race
	// more times than the store is willing to retry.
	ErrConflict = errors.New("concurrent update conflict")
)
