package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wmaynard/chat-service-sub000/internal/ids"
	"github.com/wmaynard/chat-service-sub000/internal/metrics"
	"github.com/wmaynard/chat-service-sub000/internal/models"
	"github.com/wmaynard/chat-service-sub000/internal/store"
)

// Send appends msg to a room and returns the stored message. The id, type
// and timestamp are filled in when empty. Stickies go through PostSticky.
func (d *Directory) Send(ctx context.Context, roomID string, msg models.Message) (models.Message, error) {
	if msg.Type == "" {
		msg.Type = models.MessageChat
	}
	if msg.IsSticky() {
		return models.Message{}, fmt.Errorf("%w: stickies are posted through the sticky room", models.ErrInvalidInput)
	}
	if msg.ID == "" {
		msg.ID = ids.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.clock.Now()
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}

	var dropped int
	room, err := d.rooms.UpdateRoom(ctx, roomID, func(r *models.Room) error {
		var err error
		dropped, err = r.AddMessage(msg, d.clock.Now())
		return err
	})
	if err != nil {
		return models.Message{}, err
	}

	metrics.MessagesPosted.WithLabelValues(string(room.Type), string(msg.Type)).Inc()
	if dropped > 0 {
		metrics.MessagesTrimmed.Add(float64(dropped))
	}
	d.notifier.MessageAdded(room, msg)
	return msg, nil
}

// Messages returns the messages of a room newer than since. A non-empty
// accountID must be a member of the room. Stickies scheduled for later stay
// hidden until they become visible.
func (d *Directory) Messages(ctx context.Context, roomID, accountID string, since time.Time) ([]models.Message, error) {
	room, err := d.readableRoom(ctx, roomID, accountID)
	if err != nil {
		return nil, err
	}
	now := d.clock.Now()
	out := []models.Message{}
	for m := range room.MessagesSince(since) {
		if m.Type == models.MessageSticky && !m.IsActiveSticky(now) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Snapshot returns the context window around msgID.
func (d *Directory) Snapshot(ctx context.Context, roomID, accountID, msgID string, before, after int) ([]models.Message, error) {
	room, err := d.readableRoom(ctx, roomID, accountID)
	if err != nil {
		return nil, err
	}
	return room.Snapshot(msgID, before, after)
}

// Report flags a message for moderation. The reporter must be a member.
func (d *Directory) Report(ctx context.Context, roomID, accountID, msgID string) (models.Message, error) {
	var reported models.Message
	_, err := d.rooms.UpdateRoom(ctx, roomID, func(r *models.Room) error {
		if accountID != "" && !r.HasMember(accountID) {
			return models.ErrNotAMember
		}
		m, err := r.FindMessage(msgID)
		if err != nil {
			return err
		}
		m.Reported = true
		reported = *m
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	d.logger.Warn().
		Str("room_id", roomID).
		Str("message_id", msgID).
		Str("reporter", accountID).
		Str("author", reported.AuthorID).
		Msg("message reported")
	return reported, nil
}

func (d *Directory) readableRoom(ctx context.Context, roomID, accountID string) (*models.Room, error) {
	room, err := d.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if accountID != "" && room.Type != models.RoomSticky && !room.HasMember(accountID) {
		return nil, models.ErrNotAMember
	}
	return room, nil
}

// PostSticky stores a sticky in the sticky room and copies it into every
// global room. Rooms that fail to take the copy are logged and skipped.
func (d *Directory) PostSticky(ctx context.Context, msg models.Message) (models.Message, error) {
	msg.Type = models.MessageSticky
	if msg.ID == "" {
		msg.ID = ids.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.clock.Now()
	}
	if msg.Text == "" {
		return models.Message{}, fmt.Errorf("%w: sticky requires text", models.ErrInvalidInput)
	}
	if msg.VisibleFrom != nil && msg.Expiration != nil && !msg.Expiration.After(*msg.VisibleFrom) {
		return models.Message{}, fmt.Errorf("%w: expiration must follow visible_from", models.ErrInvalidInput)
	}

	holder, err := d.StickyRoom(ctx)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := d.appendSticky(ctx, holder.ID, msg); err != nil {
		return models.Message{}, err
	}

	token := ""
	copied := 0
	for {
		page, next, err := d.rooms.ListRooms(ctx, store.RoomFilter{Type: models.RoomGlobal}, d.live.BatchSize(), token)
		if err != nil {
			return msg, fmt.Errorf("list global rooms: %w", err)
		}
		for _, r := range page {
			if _, err := d.appendSticky(ctx, r.ID, msg); err != nil {
				d.logger.Warn().Err(err).Str("room_id", r.ID).Str("message_id", msg.ID).Msg("failed to copy sticky")
				continue
			}
			copied++
		}
		if next == "" {
			break
		}
		token = next
	}

	d.logger.Info().Str("message_id", msg.ID).Int("rooms", copied).Msg("sticky posted")
	return msg, nil
}

// appendSticky adds msg to the room unless it is already there. A repeat
// leaves the room untouched and emits nothing.
func (d *Directory) appendSticky(ctx context.Context, roomID string, msg models.Message) (*models.Room, error) {
	room, err := d.rooms.UpdateRoom(ctx, roomID, func(r *models.Room) error {
		if _, err := r.FindMessage(msg.ID); err == nil {
			return errUnchanged
		}
		_, err := r.AddMessage(msg, d.clock.Now())
		return err
	})
	if errors.Is(err, errUnchanged) {
		return d.rooms.GetRoom(ctx, roomID)
	}
	if err != nil {
		return nil, err
	}
	metrics.MessagesPosted.WithLabelValues(string(room.Type), string(msg.Type)).Inc()
	d.notifier.MessageAdded(room, msg)
	return room, nil
}

// ActiveStickies returns the stickies in effect now. It is empty until the
// first sticky is posted.
func (d *Directory) ActiveStickies(ctx context.Context) ([]models.Message, error) {
	room, err := d.rooms.GetRoom(ctx, models.StickyRoomID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return room.ActiveStickies(d.clock.Now()), nil
}

// seedStickies returns the unexpired stickies a new global room starts with.
func (d *Directory) seedStickies(ctx context.Context) ([]models.Message, error) {
	room, err := d.rooms.GetRoom(ctx, models.StickyRoomID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return room.UnexpiredStickies(d.clock.Now()), nil
}

// Stickies returns every sticky ever posted, archived ones included.
func (d *Directory) Stickies(ctx context.Context) ([]models.Message, error) {
	room, err := d.rooms.GetRoom(ctx, models.StickyRoomID)
	if err != nil {
		if isNotFound(err) {
			return []models.Message{}, nil
		}
		return nil, err
	}
	return room.Messages, nil
}
