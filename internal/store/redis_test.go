package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func TestRedisRoomStore(t *testing.T) {
	runRoomStoreSuite(t, func(t *testing.T) RoomStore {
		s, _ := newTestRedis(t)
		return s
	})
}

func TestRedisPresence(t *testing.T) {
	s, _ := newTestRedis(t)
	runPresenceSuite(t, s)
}

func TestRedisLocker(t *testing.T) {
	s, mr := newTestRedis(t)
	runLockerSuite(t, s, func(d time.Duration) { mr.FastForward(d) })
}
