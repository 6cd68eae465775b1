package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wmaynard/chat-service-sub000/internal/clock"
	"github.com/wmaynard/chat-service-sub000/internal/config"
	"github.com/wmaynard/chat-service-sub000/internal/metrics"
	"github.com/wmaynard/chat-service-sub000/internal/models"
	"github.com/wmaynard/chat-service-sub000/internal/store"
)

var errUnchanged = errors.New("unchanged")

// StickyExpirer archives stickies whose expiration has passed, in the sticky
// room and in every global room. Archived stickies stay in the log.
type StickyExpirer struct {
	rooms  store.RoomStore
	live   *config.Live
	clock  clock.Clock
	logger zerolog.Logger
}

// NewStickyExpirer creates a StickyExpirer.
func NewStickyExpirer(rooms store.RoomStore, live *config.Live, clk clock.Clock, logger zerolog.Logger) *StickyExpirer {
	if clk == nil {
		clk = clock.Real()
	}
	return &StickyExpirer{rooms: rooms, live: live, clock: clk, logger: logger}
}

// Sweep runs one expiry pass and reports how many stickies it archived.
func (e *StickyExpirer) Sweep(ctx context.Context) (int, error) {
	now := e.clock.Now()
	archived := 0
	var errs []error

	n, err := e.archive(ctx, models.StickyRoomID)
	switch {
	case err == nil:
		archived += n
	case errors.Is(err, models.ErrRoomNotFound):
	default:
		errs = append(errs, err)
	}

	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		page, next, err := e.rooms.ListRooms(ctx, store.RoomFilter{Type: models.RoomGlobal}, e.live.BatchSize(), token)
		if err != nil {
			return archived, fmt.Errorf("list global rooms: %w", err)
		}
		for _, r := range page {
			if !hasExpiredSticky(&r, now) {
				continue
			}
			n, err := e.archive(ctx, r.ID)
			switch {
			case err == nil:
				archived += n
			case errors.Is(err, models.ErrRoomNotFound):
			default:
				e.logger.Warn().Err(err).Str("room_id", r.ID).Msg("failed to archive stickies")
				errs = append(errs, err)
			}
		}
		if next == "" {
			break
		}
		token = next
	}

	if archived > 0 {
		metrics.StickiesArchived.Add(float64(archived))
		e.logger.Info().Int("archived", archived).Msg("sticky sweep archived expired stickies")
	}
	return archived, errors.Join(errs...)
}

func (e *StickyExpirer) archive(ctx context.Context, roomID string) (int, error) {
	var n int
	_, err := e.rooms.UpdateRoom(ctx, roomID, func(r *models.Room) error {
		n = r.ArchiveExpiredStickies(e.clock.Now())
		if n == 0 {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return 0, nil
	}
	return n, err
}

func hasExpiredSticky(r *models.Room, now time.Time) bool {
	for i := range r.Messages {
		if r.Messages[i].Type == models.MessageSticky && r.Messages[i].Expired(now) {
			return true
		}
	}
	return false
}

// Job schedules Sweep on the sticky cron expression, or every sticky
// interval when no expression is configured.
func (e *StickyExpirer) Job() Job {
	return Job{
		Name:     "stickies",
		Interval: e.live.StickyInterval,
		Cron:     e.live.StickyCron,
		Run: func(ctx context.Context) error {
			_, err := e.Sweep(ctx)
			return err
		},
	}
}
