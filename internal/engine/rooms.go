package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wmaynard/chat-service-sub000/internal/metrics"
	"github.com/wmaynard/chat-service-sub000/internal/models"
)

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrRoomNotFound)
}

// getOrCreate loads the room with proto's id, creating proto when it does
// not exist yet. Concurrent creators converge on the first stored copy.
func (d *Directory) getOrCreate(ctx context.Context, proto *models.Room) (*models.Room, error) {
	room, err := d.rooms.GetRoom(ctx, proto.ID)
	if err == nil {
		return room, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	now := d.clock.Now()
	proto.CreatedAt = now
	proto.UpdatedAt = now
	if err := proto.Validate(); err != nil {
		return nil, err
	}
	err = d.rooms.CreateRoom(ctx, proto)
	switch {
	case errors.Is(err, models.ErrRoomExists):
		return d.rooms.GetRoom(ctx, proto.ID)
	case err != nil:
		return nil, err
	}

	metrics.RoomsSpawned.WithLabelValues(string(proto.Type)).Inc()
	d.logger.Info().Str("room_id", proto.ID).Str("type", string(proto.Type)).Msg("room created")
	return proto, nil
}

// GuildRoomID derives the room id of a guild.
func GuildRoomID(guildID string) string {
	return "guild-" + guildID
}

// GuildRoom returns the room of a guild, creating it on first use with the
// configured guild capacity.
func (d *Directory) GuildRoom(ctx context.Context, guildID string) (*models.Room, error) {
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return nil, fmt.Errorf("%w: guild id is required", models.ErrInvalidInput)
	}
	return d.getOrCreate(ctx, &models.Room{
		ID:       GuildRoomID(guildID),
		Name:     "guild " + guildID,
		Type:     models.RoomGuild,
		GuildID:  guildID,
		Capacity: d.live.GuildCapacity(),
	})
}

// JoinGuild seats accountID in its guild room. Already being a member is
// success.
func (d *Directory) JoinGuild(ctx context.Context, accountID, guildID string) (*models.Room, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", models.ErrInvalidInput)
	}
	room, err := d.GuildRoom(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if room.HasMember(accountID) {
		return room, nil
	}
	room, err = d.rooms.UpdateRoom(ctx, room.ID, func(r *models.Room) error {
		err := r.AddMember(accountID, d.clock.Now())
		if errors.Is(err, models.ErrAlreadyMember) {
			return errAlreadySeated
		}
		return err
	})
	if errors.Is(err, errAlreadySeated) {
		return d.rooms.GetRoom(ctx, GuildRoomID(guildID))
	}
	return room, err
}

// DirectRoomID derives the room id of a conversation between two accounts.
// The order of the accounts does not matter.
func DirectRoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm-" + a + "-" + b
}

// DirectRoom returns the two-seat room shared by a and b, creating it with
// both accounts seated.
func (d *Directory) DirectRoom(ctx context.Context, a, b string) (*models.Room, error) {
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: both accounts are required", models.ErrInvalidInput)
	}
	if a == b {
		return nil, fmt.Errorf("%w: cannot open a direct room with yourself", models.ErrInvalidInput)
	}
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	return d.getOrCreate(ctx, &models.Room{
		ID:       DirectRoomID(a, b),
		Type:     models.RoomDirect,
		Capacity: 2,
		Members:  []string{first, second},
	})
}

// StickyRoom returns the single room that holds every sticky.
func (d *Directory) StickyRoom(ctx context.Context) (*models.Room, error) {
	return d.getOrCreate(ctx, &models.Room{
		ID:   models.StickyRoomID,
		Name: "stickies",
		Type: models.RoomSticky,
	})
}
