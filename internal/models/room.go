package models

import (
	"fmt"
	"iter"
	"slices"
	"time"
)

// RoomType classifies a room.
type RoomType string

const (
	RoomGlobal  RoomType = "global"
	RoomGuild   RoomType = "guild"
	RoomDirect  RoomType = "dm"
	RoomSticky  RoomType = "sticky"
	RoomUnknown RoomType = "unknown"
)

// StickyRoomID is the fixed id of the single sticky-holding room.
const StickyRoomID = "sticky"

// Room holds the members and message log of one chat room. All mutation of
// Members and Messages goes through the methods below so that capacity,
// uniqueness and ordering invariants hold.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Type      RoomType  `json:"type"`
	Language  string    `json:"language,omitempty"`
	GuildID   string    `json:"guild_id,omitempty"`
	Capacity  int       `json:"capacity"`
	Members   []string  `json:"members"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic concurrency token maintained by the store.
	Version int64 `json:"version"`
}

// Validate checks the type-dependent required fields.
func (r *Room) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: room id is required", ErrInvalidInput)
	}
	switch r.Type {
	case RoomGlobal:
		if r.Language == "" {
			return fmt.Errorf("%w: global room requires a language", ErrInvalidInput)
		}
	case RoomGuild:
		if r.GuildID == "" {
			return fmt.Errorf("%w: guild room requires a guild id", ErrInvalidInput)
		}
	case RoomDirect, RoomSticky, RoomUnknown:
	default:
		return fmt.Errorf("%w: unknown room type %q", ErrInvalidInput, r.Type)
	}
	if r.Type != RoomGlobal && r.Language != "" {
		return fmt.Errorf("%w: only global rooms carry a language", ErrInvalidInput)
	}
	if r.Type != RoomGuild && r.GuildID != "" {
		return fmt.Errorf("%w: only guild rooms carry a guild id", ErrInvalidInput)
	}
	if r.Capacity < 0 {
		return fmt.Errorf("%w: negative capacity", ErrInvalidInput)
	}
	return nil
}

// HasMember reports whether accountID is in the room.
func (r *Room) HasMember(accountID string) bool {
	return slices.Contains(r.Members, accountID)
}

// IsFull reports whether the room has no free seat.
func (r *Room) IsFull() bool {
	return len(r.Members) >= r.Capacity
}

// AddMember seats accountID.
func (r *Room) AddMember(accountID string, now time.Time) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	if r.HasMember(accountID) {
		return ErrAlreadyMember
	}
	if r.IsFull() {
		return ErrRoomAtCapacity
	}
	r.Members = append(r.Members, accountID)
	r.UpdatedAt = now
	return nil
}

// RemoveMember removes accountID.
func (r *Room) RemoveMember(accountID string, now time.Time) error {
	i := slices.Index(r.Members, accountID)
	if i < 0 {
		return ErrNotAMember
	}
	r.Members = slices.Delete(r.Members, i, i+1)
	r.UpdatedAt = now
	return nil
}

// AddMessage appends msg, keeps the log sorted and trims it. Non-sticky
// messages must come from a current member. It returns how many messages the
// trim dropped.
func (r *Room) AddMessage(msg Message, now time.Time) (int, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	// Authorless system events and stickies are injected by the service.
	if !msg.IsSticky() && msg.AuthorID != "" && !r.HasMember(msg.AuthorID) {
		return 0, ErrNotAMember
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	r.Messages = append(r.Messages, msg)
	sortMessages(r.Messages)

	var dropped int
	r.Messages, dropped = Trim(r.Messages)
	r.UpdatedAt = now
	return dropped, nil
}

// MessagesSince yields messages strictly newer than since in ascending
// order. The sequence reads the room lazily and may be ranged over again.
func (r *Room) MessagesSince(since time.Time) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		start, _ := slices.BinarySearchFunc(r.Messages, since, func(m Message, t time.Time) int {
			if m.Timestamp.After(t) {
				return 1
			}
			return -1
		})
		for _, m := range r.Messages[start:] {
			if !yield(m) {
				return
			}
		}
	}
}

// Snapshot returns up to before messages preceding and after messages
// following messageID, including the message itself.
func (r *Room) Snapshot(messageID string, before, after int) ([]Message, error) {
	i := slices.IndexFunc(r.Messages, func(m Message) bool { return m.ID == messageID })
	if i < 0 {
		return nil, ErrMessageNotFound
	}
	lo := max(i-max(before, 0), 0)
	hi := min(i+max(after, 0)+1, len(r.Messages))
	return slices.Clone(r.Messages[lo:hi]), nil
}

// FindMessage returns a pointer into the log for messageID.
func (r *Room) FindMessage(messageID string) (*Message, error) {
	for i := range r.Messages {
		if r.Messages[i].ID == messageID {
			return &r.Messages[i], nil
		}
	}
	return nil, ErrMessageNotFound
}

// ArchiveExpiredStickies moves expired stickies to the archived type in
// place and reports how many changed.
func (r *Room) ArchiveExpiredStickies(now time.Time) int {
	n := 0
	for i := range r.Messages {
		m := &r.Messages[i]
		if m.Type == MessageSticky && m.Expired(now) {
			m.Type = MessageStickyArchived
			n++
		}
	}
	if n > 0 {
		r.UpdatedAt = now
	}
	return n
}

// ActiveStickies returns the stickies currently in effect.
func (r *Room) ActiveStickies(now time.Time) []Message {
	var out []Message
	for _, m := range r.Messages {
		if m.IsActiveSticky(now) {
			out = append(out, m)
		}
	}
	return out
}

// UnexpiredStickies returns the stickies that have not expired, including
// those scheduled to become visible later.
func (r *Room) UnexpiredStickies(now time.Time) []Message {
	var out []Message
	for _, m := range r.Messages {
		if m.Type == MessageSticky && !m.Expired(now) {
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a deep copy safe to mutate independently.
func (r *Room) Clone() *Room {
	c := *r
	c.Members = slices.Clone(r.Members)
	c.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		if m.Data != nil {
			data := make(map[string]any, len(m.Data))
			for k, v := range m.Data {
				data[k] = v
			}
			m.Data = data
		}
		c.Messages[i] = m
	}
	return &c
}
