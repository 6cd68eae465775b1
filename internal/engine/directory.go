// Package engine places accounts into rooms and applies every room
// mutation through the store's atomic update, so membership and message
// invariants hold across concurrent requests and background sweeps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wmaynard/chat-service-sub000/internal/clock"
	"github.com/wmaynard/chat-service-sub000/internal/config"
	"github.com/wmaynard/chat-service-sub000/internal/ids"
	"github.com/wmaynard/chat-service-sub000/internal/metrics"
	"github.com/wmaynard/chat-service-sub000/internal/models"
	"github.com/wmaynard/chat-service-sub000/internal/notify"
	"github.com/wmaynard/chat-service-sub000/internal/store"
)

// MaxJoinAttempts bounds how often JoinGlobal re-lists rooms after losing a
// race for the last seat.
const MaxJoinAttempts = 5

// Sentinels that abort a mutation without writing. errAlreadySeated means
// the account is already a member, errUnchanged that there was nothing to do.
var (
	errAlreadySeated = errors.New("already seated")
	errUnchanged     = errors.New("unchanged")
)

// Deps are the collaborators of a Directory.
type Deps struct {
	Rooms    store.RoomStore
	Live     *config.Live
	Notifier notify.Notifier
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// Directory finds, creates and mutates rooms.
type Directory struct {
	rooms    store.RoomStore
	live     *config.Live
	notifier notify.Notifier
	clock    clock.Clock
	logger   zerolog.Logger
}

// New creates a Directory. A nil Notifier discards events and a nil Clock
// uses wall time.
func New(d Deps) *Directory {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Live == nil {
		d.Live = config.NewLive()
	}
	return &Directory{
		rooms:    d.Rooms,
		live:     d.Live,
		notifier: d.Notifier,
		clock:    d.Clock,
		logger:   d.Logger,
	}
}

// Store returns the underlying room store.
func (d *Directory) Store() store.RoomStore { return d.rooms }

// JoinGlobal seats accountID in a global room for language. With an explicit
// roomID the account joins that room or fails; otherwise the first room with
// a free seat (or already holding the account) wins and a new room is
// spawned when every room is full. The account leaves every other global
// room it occupies.
func (d *Directory) JoinGlobal(ctx context.Context, accountID, language, roomID string) (*models.Room, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", models.ErrInvalidInput)
	}
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		return nil, fmt.Errorf("%w: language is required", models.ErrInvalidInput)
	}

	for attempt := 0; attempt < MaxJoinAttempts; attempt++ {
		candidates, err := d.ListGlobal(ctx, language)
		if err != nil {
			return nil, err
		}
		capacity := d.live.GlobalCapacity()

		var target *models.Room
		if roomID != "" {
			for i := range candidates {
				if candidates[i].ID == roomID {
					target = &candidates[i]
					break
				}
			}
			if target == nil {
				return nil, models.ErrRoomNotFound
			}
			if !target.HasMember(accountID) && len(target.Members) >= capacity {
				return nil, models.ErrRoomAtCapacity
			}
		} else {
			for i := range candidates {
				c := &candidates[i]
				if c.HasMember(accountID) || len(c.Members) < capacity {
					target = c
					break
				}
			}
		}

		if target == nil {
			if target, err = d.spawnGlobal(ctx, language); err != nil {
				return nil, err
			}
		}

		room, err := d.rooms.UpdateRoom(ctx, target.ID, func(r *models.Room) error {
			r.Capacity = d.live.GlobalCapacity()
			err := r.AddMember(accountID, d.clock.Now())
			if errors.Is(err, models.ErrAlreadyMember) {
				return errAlreadySeated
			}
			return err
		})
		switch {
		case errors.Is(err, errAlreadySeated):
			if room, err = d.rooms.GetRoom(ctx, target.ID); err != nil {
				return nil, err
			}
		case roomID == "" && (errors.Is(err, models.ErrRoomAtCapacity) ||
			errors.Is(err, models.ErrRoomNotFound) || errors.Is(err, models.ErrConflict)):
			// Lost the seat (or the room) to a concurrent writer; pick again.
			d.logger.Debug().Str("account", accountID).Str("room_id", target.ID).Int("attempt", attempt+1).Msg("global join raced, retrying")
			continue
		case err != nil:
			return nil, err
		}

		// Leave the other global rooms only once seated, so a failed switch
		// keeps the current seat.
		if _, err := d.leaveGlobal(ctx, accountID, room.ID); err != nil {
			d.logger.Warn().Err(err).Str("account", accountID).Msg("failed to leave previous global rooms")
		}

		d.logger.Debug().
			Str("account", accountID).
			Str("room_id", room.ID).
			Str("language", language).
			Int("members", len(room.Members)).
			Msg("joined global room")
		return room, nil
	}
	return nil, models.ErrRoomAtCapacity
}

// spawnGlobal creates a new global room seeded with every unexpired sticky.
// Scheduled stickies stay hidden by reads until their visible_from.
func (d *Directory) spawnGlobal(ctx context.Context, language string) (*models.Room, error) {
	n, err := d.rooms.NextSequence(ctx, "global:"+language)
	if err != nil {
		return nil, fmt.Errorf("next room number: %w", err)
	}
	stickies, err := d.seedStickies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stickies: %w", err)
	}

	now := d.clock.Now()
	room := &models.Room{
		ID:        ids.NewRoomID(),
		Name:      fmt.Sprintf("global-%s-%d", language, n),
		Type:      models.RoomGlobal,
		Language:  language,
		Capacity:  d.live.GlobalCapacity(),
		Messages:  stickies,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.rooms.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("create global room: %w", err)
	}

	metrics.RoomsSpawned.WithLabelValues(string(models.RoomGlobal)).Inc()
	d.logger.Info().
		Str("room_id", room.ID).
		Str("name", room.Name).
		Str("language", language).
		Int("stickies", len(stickies)).
		Msg("spawned global room")
	return room, nil
}

// ListGlobal returns every global room for language in creation order.
func (d *Directory) ListGlobal(ctx context.Context, language string) ([]models.Room, error) {
	return d.listAll(ctx, store.RoomFilter{Type: models.RoomGlobal, Language: language})
}

// RoomsFor returns every room accountID belongs to.
func (d *Directory) RoomsFor(ctx context.Context, accountID string) ([]models.Room, error) {
	return d.listAll(ctx, store.RoomFilter{Member: accountID})
}

func (d *Directory) listAll(ctx context.Context, f store.RoomFilter) ([]models.Room, error) {
	var all []models.Room
	token := ""
	for {
		page, next, err := d.rooms.ListRooms(ctx, f, d.live.BatchSize(), token)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		token = next
	}
}

// LeaveAllGlobal removes accountID from every global room and returns the
// ids of the rooms it left. Rooms that vanished or no longer hold the
// account are skipped.
func (d *Directory) LeaveAllGlobal(ctx context.Context, accountID string) ([]string, error) {
	return d.leaveGlobal(ctx, accountID, "")
}

func (d *Directory) leaveGlobal(ctx context.Context, accountID, keep string) ([]string, error) {
	rooms, err := d.listAll(ctx, store.RoomFilter{Type: models.RoomGlobal, Member: accountID})
	if err != nil {
		return nil, err
	}
	var left []string
	var errs []error
	for _, r := range rooms {
		if r.ID == keep {
			continue
		}
		err := d.Leave(ctx, accountID, r.ID)
		switch {
		case err == nil:
			left = append(left, r.ID)
		case errors.Is(err, models.ErrNotAMember), errors.Is(err, models.ErrRoomNotFound):
		default:
			errs = append(errs, fmt.Errorf("leave %s: %w", r.ID, err))
		}
	}
	return left, errors.Join(errs...)
}

// Leave removes accountID from a room.
func (d *Directory) Leave(ctx context.Context, accountID, roomID string) error {
	_, err := d.rooms.UpdateRoom(ctx, roomID, func(r *models.Room) error {
		return r.RemoveMember(accountID, d.clock.Now())
	})
	return err
}

// GetRoom loads a room.
func (d *Directory) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	return d.rooms.GetRoom(ctx, roomID)
}

// DeleteRoom removes a room outright.
func (d *Directory) DeleteRoom(ctx context.Context, roomID string) error {
	room, err := d.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := d.rooms.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	d.notifier.RoomDespawned(room)
	d.logger.Info().Str("room_id", roomID).Str("type", string(room.Type)).Msg("room deleted")
	return nil
}
