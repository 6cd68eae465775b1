package sweep

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wmaynard/chat-service-sub000/internal/clock"
	"github.com/wmaynard/chat-service-sub000/internal/config"
	"github.com/wmaynard/chat-service-sub000/internal/metrics"
	"github.com/wmaynard/chat-service-sub000/internal/models"
	"github.com/wmaynard/chat-service-sub000/internal/notify"
	"github.com/wmaynard/chat-service-sub000/internal/store"
)

// RoomReaper deletes global rooms that have stayed empty past the idle
// threshold. The last room listed for each language is never reaped so a
// language always keeps a warm room. When a room started being empty is kept
// in the store, so every instance sees the same idle clocks.
type RoomReaper struct {
	rooms    store.RoomStore
	live     *config.Live
	notifier notify.Notifier
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewRoomReaper creates a RoomReaper.
func NewRoomReaper(rooms store.RoomStore, live *config.Live, n notify.Notifier, clk clock.Clock, logger zerolog.Logger) *RoomReaper {
	if n == nil {
		n = notify.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RoomReaper{rooms: rooms, live: live, notifier: n, clock: clk, logger: logger}
}

type languageStats struct {
	rooms      int
	population int
	last       string
}

// Sweep runs one reaping pass and returns the ids of the deleted rooms.
func (rr *RoomReaper) Sweep(ctx context.Context) ([]string, error) {
	now := rr.clock.Now()
	threshold := rr.live.ReaperThreshold()

	var all []models.Room
	token := ""
	for {
		page, next, err := rr.rooms.ListRooms(ctx, store.RoomFilter{Type: models.RoomGlobal}, rr.live.BatchSize(), token)
		if err != nil {
			return nil, fmt.Errorf("list global rooms: %w", err)
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		token = next
	}

	stats := map[string]*languageStats{}
	for _, r := range all {
		st, ok := stats[r.Language]
		if !ok {
			st = &languageStats{}
			stats[r.Language] = st
		}
		st.rooms++
		st.population += len(r.Members)
		st.last = r.ID
	}

	var errs []error
	var candidates []models.Room
	for _, r := range all {
		if len(r.Members) > 0 {
			if err := rr.rooms.MarkRoomOccupied(ctx, r.ID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		since, err := rr.rooms.RoomIdleSince(ctx, r.ID, now)
		if err != nil {
			rr.logger.Warn().Err(err).Str("room_id", r.ID).Msg("failed to read room idle clock")
			errs = append(errs, err)
			continue
		}
		if r.ID == stats[r.Language].last {
			continue
		}
		if now.Sub(since) > threshold {
			candidates = append(candidates, r)
		}
	}

	var reaped []string
	for _, r := range candidates {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		ok, err := rr.reap(ctx, r.ID)
		if err != nil {
			rr.logger.Warn().Err(err).Str("room_id", r.ID).Msg("failed to reap room")
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		reaped = append(reaped, r.ID)
		stats[r.Language].rooms--
		metrics.RoomsDespawned.WithLabelValues(r.Language).Inc()
		rr.notifier.RoomDespawned(&r)
		rr.logger.Info().Str("room_id", r.ID).Str("name", r.Name).Str("language", r.Language).Msg("reaped idle global room")
	}

	for lang, st := range stats {
		metrics.GlobalRooms.WithLabelValues(lang).Set(float64(st.rooms))
		metrics.GlobalPopulation.WithLabelValues(lang).Set(float64(st.population))
	}
	return reaped, errors.Join(errs...)
}

// reap deletes the room if it is still empty at the moment of deletion. A
// room that gained a member since the listing gets its idle clock reset.
func (rr *RoomReaper) reap(ctx context.Context, roomID string) (bool, error) {
	occupied := false
	deleted, err := rr.rooms.DeleteRoomIf(ctx, roomID, func(r *models.Room) bool {
		occupied = len(r.Members) > 0
		return !occupied
	})
	if err != nil {
		return false, err
	}
	if occupied {
		return false, rr.rooms.MarkRoomOccupied(ctx, roomID)
	}
	return deleted, nil
}

// Job schedules Sweep every configured reaper interval.
func (rr *RoomReaper) Job() Job {
	return Job{
		Name:     "reaper",
		Interval: rr.live.ReaperInterval,
		Run: func(ctx context.Context) error {
			_, err := rr.Sweep(ctx)
			return err
		},
	}
}
