package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wmaynard/chat-service-sub000/internal/models"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newRoom(id string, typ models.RoomType, lang string, capacity int, created time.Time) *models.Room {
	r := &models.Room{ID: id, Type: typ, Language: lang, Capacity: capacity, CreatedAt: created, UpdatedAt: created}
	if typ == models.RoomGuild {
		r.GuildID = "guild-" + id
	}
	return r
}

// runRoomStoreSuite exercises the behavior every RoomStore must share.
func runRoomStoreSuite(t *testing.T, newStore func(t *testing.T) RoomStore) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		r := newRoom("r1", models.RoomGlobal, "en", 2, base)
		require.NoError(t, s.CreateRoom(ctx, r))
		assert.ErrorIs(t, s.CreateRoom(ctx, r), models.ErrRoomExists)

		got, err := s.GetRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "en", got.Language)
		assert.EqualValues(t, 1, got.Version)

		_, err = s.GetRoom(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrRoomNotFound)
	})

	t.Run("update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateRoom(ctx, newRoom("r1", models.RoomGlobal, "en", 1, base)))

		got, err := s.UpdateRoom(ctx, "r1", func(r *models.Room) error {
			return r.AddMember("p1", base)
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"p1"}, got.Members)
		assert.EqualValues(t, 2, got.Version)

		_, err = s.UpdateRoom(ctx, "r1", func(r *models.Room) error {
			return r.AddMember("p2", base)
		})
		assert.ErrorIs(t, err, models.ErrRoomAtCapacity)

		stored, err := s.GetRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, []string{"p1"}, stored.Members, "failed mutation must not be written")
		assert.EqualValues(t, 2, stored.Version)

		_, err = s.UpdateRoom(ctx, "missing", func(r *models.Room) error { return nil })
		assert.ErrorIs(t, err, models.ErrRoomNotFound)
	})

	t.Run("concurrent joins respect capacity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateRoom(ctx, newRoom("r1", models.RoomGlobal, "en", 2, base)))

		var wg sync.WaitGroup
		errs := make(chan error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.UpdateRoom(ctx, "r1", func(r *models.Room) error {
					return r.AddMember(fmt.Sprintf("p%d", i), base)
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil && !errors.Is(err, models.ErrRoomAtCapacity) && !errors.Is(err, models.ErrConflict) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		got, err := s.GetRoom(ctx, "r1")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(got.Members), 2)
	})

	t.Run("list and filter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rooms := []*models.Room{
			newRoom("en-1", models.RoomGlobal, "en", 2, base),
			newRoom("fr-1", models.RoomGlobal, "fr", 2, base.Add(time.Second)),
			newRoom("en-2", models.RoomGlobal, "en", 2, base.Add(2*time.Second)),
			newRoom("g-1", models.RoomGuild, "", 2, base.Add(3*time.Second)),
			newRoom("en-3", models.RoomGlobal, "en", 2, base.Add(4*time.Second)),
		}
		for _, r := range rooms {
			require.NoError(t, s.CreateRoom(ctx, r))
		}
		_, err := s.UpdateRoom(ctx, "en-2", func(r *models.Room) error { return r.AddMember("p1", base) })
		require.NoError(t, err)
		_, err = s.UpdateRoom(ctx, "g-1", func(r *models.Room) error { return r.AddMember("p1", base) })
		require.NoError(t, err)

		f := RoomFilter{Type: models.RoomGlobal, Language: "en"}
		page, next, err := s.ListRooms(ctx, f, 2, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"en-1", "en-2"}, ids(page))
		require.NotEmpty(t, next)

		page, next, err = s.ListRooms(ctx, f, 2, next)
		require.NoError(t, err)
		assert.Equal(t, []string{"en-3"}, ids(page))
		assert.Empty(t, next)

		all, _, err := s.ListRooms(ctx, RoomFilter{Type: models.RoomGlobal}, 0, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"en-1", "fr-1", "en-2", "en-3"}, ids(all))

		mine, _, err := s.ListRooms(ctx, RoomFilter{Member: "p1"}, 0, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"en-2", "g-1"}, ids(mine))

		mineGlobal, _, err := s.ListRooms(ctx, RoomFilter{Type: models.RoomGlobal, Member: "p1"}, 0, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"en-2"}, ids(mineGlobal))

		guild, _, err := s.ListRooms(ctx, RoomFilter{GuildID: "guild-g-1"}, 0, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"g-1"}, ids(guild))

		_, _, err = s.ListRooms(ctx, f, 2, "bogus")
		assert.Error(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateRoom(ctx, newRoom("r1", models.RoomGlobal, "en", 2, base)))
		_, err := s.UpdateRoom(ctx, "r1", func(r *models.Room) error { return r.AddMember("p1", base) })
		require.NoError(t, err)

		require.NoError(t, s.DeleteRoom(ctx, "r1"))
		require.NoError(t, s.DeleteRoom(ctx, "r1"))
		_, err = s.GetRoom(ctx, "r1")
		assert.ErrorIs(t, err, models.ErrRoomNotFound)

		mine, _, err := s.ListRooms(ctx, RoomFilter{Member: "p1"}, 0, "")
		require.NoError(t, err)
		assert.Empty(t, mine)
	})

	t.Run("conditional delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateRoom(ctx, newRoom("r1", models.RoomGlobal, "en", 2, base)))
		empty := func(r *models.Room) bool { return len(r.Members) == 0 }

		_, err := s.UpdateRoom(ctx, "r1", func(r *models.Room) error { return r.AddMember("p1", base) })
		require.NoError(t, err)
		deleted, err := s.DeleteRoomIf(ctx, "r1", empty)
		require.NoError(t, err)
		assert.False(t, deleted)
		_, err = s.GetRoom(ctx, "r1")
		require.NoError(t, err)

		_, err = s.UpdateRoom(ctx, "r1", func(r *models.Room) error { return r.RemoveMember("p1", base) })
		require.NoError(t, err)
		deleted, err = s.DeleteRoomIf(ctx, "r1", empty)
		require.NoError(t, err)
		assert.True(t, deleted)
		_, err = s.GetRoom(ctx, "r1")
		assert.ErrorIs(t, err, models.ErrRoomNotFound)

		deleted, err = s.DeleteRoomIf(ctx, "r1", empty)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("sequence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			got, err := s.NextSequence(ctx, "global:en")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		got, err := s.NextSequence(ctx, "global:fr")
		require.NoError(t, err)
		assert.EqualValues(t, 1, got)
	})

	t.Run("idle clock", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		since, err := s.RoomIdleSince(ctx, "r1", base)
		require.NoError(t, err)
		assert.True(t, since.Equal(base))

		since, err = s.RoomIdleSince(ctx, "r1", base.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, since.Equal(base), "idle clock must keep its start")

		require.NoError(t, s.MarkRoomOccupied(ctx, "r1"))
		since, err = s.RoomIdleSince(ctx, "r1", base.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, since.Equal(base.Add(time.Hour)))
	})
}

func runPresenceSuite(t *testing.T, s PresenceStore) {
	ctx := context.Background()
	require.NoError(t, s.Touch(ctx, "p1", base))
	require.NoError(t, s.Touch(ctx, "p2", base.Add(time.Minute)))
	require.NoError(t, s.Touch(ctx, "p3", base.Add(time.Hour)))

	idle, err := s.Idle(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, idle, 2)
	assert.Equal(t, "p1", idle[0].AccountID)
	assert.Equal(t, "p2", idle[1].AccountID)

	idle, err = s.Idle(ctx, base.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, idle, 1)

	// Touch moves an account out of the idle window.
	require.NoError(t, s.Touch(ctx, "p1", base.Add(2*time.Hour)))
	idle, err = s.Idle(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, idle, 1)

	require.NoError(t, s.Forget(ctx, "p2", "missing"))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func runLockerSuite(t *testing.T, l Locker, expire func(d time.Duration)) {
	ctx := context.Background()
	ok, err := l.Acquire(ctx, "reaper", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, "reaper", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Acquire(ctx, "reaper", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "the holder may re-acquire")

	require.NoError(t, l.Renew(ctx, "reaper", "a", time.Minute))
	assert.ErrorIs(t, l.Renew(ctx, "reaper", "b", time.Minute), ErrLeaseLost)

	require.NoError(t, l.Release(ctx, "reaper", "b"))
	ok, err = l.Acquire(ctx, "reaper", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-owner must not free the lease")

	require.NoError(t, l.Release(ctx, "reaper", "a"))
	ok, err = l.Acquire(ctx, "reaper", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	expire(2 * time.Minute)
	ok, err = l.Acquire(ctx, "reaper", "c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease must be claimable")
}

func ids(rooms []models.Room) []string {
	out := make([]string, len(rooms))
	for i, r := range rooms {
		out[i] = r.ID
	}
	return out
}
