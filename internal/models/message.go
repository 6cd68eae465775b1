package models

import (
	"fmt"
	"time"
)

// MessageType classifies a message inside a room.
type MessageType string

const (
	MessageChat           MessageType = "chat"
	MessageBroadcast      MessageType = "broadcast"
	MessageAnnouncement   MessageType = "announcement"
	MessageSticky         MessageType = "sticky"
	MessageStickyArchived MessageType = "sticky_archived"
	MessageSystem         MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageChat, MessageBroadcast, MessageAnnouncement,
		MessageSticky, MessageStickyArchived, MessageSystem:
		return true
	}
	return false
}

// Message represents one chat or system event inside a room.
type Message struct {
	ID          string         `json:"id"` // ULID
	AuthorID    string         `json:"author,omitempty"`
	Text        string         `json:"text"`
	Type        MessageType    `json:"type"`
	Timestamp   time.Time      `json:"ts"`
	VisibleFrom *time.Time     `json:"visible_from,omitempty"`
	Expiration  *time.Time     `json:"expiration,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Reported    bool           `json:"reported,omitempty"`
}

// IsSticky reports whether the message is exempt from volume trimming.
func (m *Message) IsSticky() bool {
	return m.Type == MessageSticky || m.Type == MessageStickyArchived
}

// IsActiveSticky reports whether m is a sticky that should currently be shown
// and seeded into new rooms.
func (m *Message) IsActiveSticky(now time.Time) bool {
	if m.Type != MessageSticky {
		return false
	}
	if m.Expiration != nil && !m.Expiration.After(now) {
		return false
	}
	if m.VisibleFrom != nil && m.VisibleFrom.After(now) {
		return false
	}
	return true
}

// Expired reports whether the message has an expiration at or before now.
func (m *Message) Expired(now time.Time) bool {
	return m.Expiration != nil && !m.Expiration.After(now)
}

// Validate checks the fields required for the message type.
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, m.Type)
	}
	if m.Type == MessageChat {
		if m.AuthorID == "" {
			return fmt.Errorf("%w: chat message requires an author", ErrInvalidInput)
		}
		if m.Text == "" {
			return fmt.Errorf("%w: chat message requires text", ErrInvalidInput)
		}
	}
	return nil
}
