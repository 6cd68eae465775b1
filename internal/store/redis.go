package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wmaynard/chat-service-sub000/internal/models"
)

const presenceKey = "presence"

// RedisStore keeps room documents, presence, counters and leases in Redis.
// Each room is a JSON document under room:<id>; sorted-set indexes scored by
// creation time give the stable listing order.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client for the rate limiter and notifier.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func roomKey(id string) string {
	return fmt.Sprintf("room:%s", id)
}

func accountRoomsKey(accountID string) string {
	return fmt.Sprintf("account:%s:rooms", accountID)
}

const (
	allRoomsKey  = "rooms:all"
	roomIdleKey  = "rooms:idle"
	sequenceKeyP = "seq:"
)

// indexKeys returns every listing index a room belongs to.
func indexKeys(r *models.Room) []string {
	keys := []string{allRoomsKey, "rooms:type:" + string(r.Type)}
	if r.Language != "" {
		keys = append(keys, "rooms:lang:"+r.Language)
	}
	if r.GuildID != "" {
		keys = append(keys, "rooms:guild:"+r.GuildID)
	}
	return keys
}

// listIndexKey picks the narrowest index for a filter.
func listIndexKey(f RoomFilter) string {
	switch {
	case f.GuildID != "":
		return "rooms:guild:" + f.GuildID
	case f.Language != "":
		return "rooms:lang:" + f.Language
	case f.Type != "":
		return "rooms:type:" + string(f.Type)
	}
	return allRoomsKey
}

func creationScore(r *models.Room) float64 {
	return float64(r.CreatedAt.UnixMicro())
}

// CreateRoom stores the document and its indexes.
func (s *RedisStore) CreateRoom(ctx context.Context, r *models.Room) error {
	defer observe("redis", "create", time.Now())
	r.Version = 1
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	created, err := s.client.SetNX(ctx, roomKey(r.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return models.ErrRoomExists
	}

	pipe := s.client.TxPipeline()
	for _, key := range indexKeys(r) {
		pipe.ZAdd(ctx, key, redis.Z{Score: creationScore(r), Member: r.ID})
	}
	for _, m := range r.Members {
		pipe.SAdd(ctx, accountRoomsKey(m), r.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetRoom loads a room document.
func (s *RedisStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	defer observe("redis", "get", time.Now())
	return getRoom(ctx, s.client, id)
}

func getRoom(ctx context.Context, c redis.Cmdable, id string) (*models.Room, error) {
	data, err := c.Get(ctx, roomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	var r models.Room
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", id, err)
	}
	return &r, nil
}

// UpdateRoom applies fn inside a WATCH/MULTI transaction on the room key and
// retries when another writer got there first.
func (s *RedisStore) UpdateRoom(ctx context.Context, id string, fn MutateFunc) (*models.Room, error) {
	defer observe("redis", "update", time.Now())
	key := roomKey(id)

	var result *models.Room
	txf := func(tx *redis.Tx) error {
		current, err := getRoom(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := applyMutation(current, fn)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			for _, m := range current.Members {
				if !next.HasMember(m) {
					pipe.SRem(ctx, accountRoomsKey(m), id)
				}
			}
			for _, m := range next.Members {
				if !current.HasMember(m) {
					pipe.SAdd(ctx, accountRoomsKey(m), id)
				}
			}
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, models.ErrConflict
}

// DeleteRoom removes the document and its index entries.
func (s *RedisStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.DeleteRoomIf(ctx, id, nil)
	return err
}

// DeleteRoomIf removes the document and its index entries inside a
// WATCH/MULTI transaction when cond holds. A nil cond always matches.
func (s *RedisStore) DeleteRoomIf(ctx context.Context, id string, cond func(r *models.Room) bool) (bool, error) {
	defer observe("redis", "delete", time.Now())
	key := roomKey(id)

	var deleted bool
	txf := func(tx *redis.Tx) error {
		deleted = false
		r, err := getRoom(ctx, tx, id)
		if errors.Is(err, models.ErrRoomNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cond != nil && !cond(r) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HDel(ctx, roomIdleKey, id)
			for _, k := range indexKeys(r) {
				pipe.ZRem(ctx, k, id)
			}
			for _, m := range r.Members {
				pipe.SRem(ctx, accountRoomsKey(m), id)
			}
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}

	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return deleted, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return false, err
		}
	}
	return false, models.ErrConflict
}

// ListRooms pages through an index in creation order.
func (s *RedisStore) ListRooms(ctx context.Context, f RoomFilter, limit int, pageToken string) ([]models.Room, string, error) {
	defer observe("redis", "list", time.Now())
	offset, err := parsePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}

	if f.Member != "" {
		return s.listMemberRooms(ctx, f, limit, offset)
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := s.client.ZRange(ctx, listIndexKey(f), int64(offset), stop).Result()
	if err != nil {
		return nil, "", err
	}
	rooms, err := s.loadRooms(ctx, ids)
	if err != nil {
		return nil, "", err
	}

	out := rooms[:0]
	for i := range rooms {
		if f.Match(&rooms[i]) {
			out = append(out, rooms[i])
		}
	}
	// The token advances over index entries, not over matches, so a filtered
	// page can be short without ending the listing.
	return out, nextPageToken(offset, len(ids), limit), nil
}

func (s *RedisStore) listMemberRooms(ctx context.Context, f RoomFilter, limit, offset int) ([]models.Room, string, error) {
	ids, err := s.client.SMembers(ctx, accountRoomsKey(f.Member)).Result()
	if err != nil {
		return nil, "", err
	}
	rooms, err := s.loadRooms(ctx, ids)
	if err != nil {
		return nil, "", err
	}
	var matched []models.Room
	for i := range rooms {
		if f.Match(&rooms[i]) {
			matched = append(matched, rooms[i])
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if offset >= len(matched) {
		return nil, "", nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nextPageToken(offset, len(matched), limit), nil
}

func (s *RedisStore) loadRooms(ctx context.Context, ids []string) ([]models.Room, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = roomKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	rooms := make([]models.Room, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // deleted between index read and fetch
		}
		var r models.Room
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			continue
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

// NextSequence increments a named counter.
func (s *RedisStore) NextSequence(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, sequenceKeyP+key).Result()
}

// MarkRoomOccupied clears the idle clock.
func (s *RedisStore) MarkRoomOccupied(ctx context.Context, id string) error {
	return s.client.HDel(ctx, roomIdleKey, id).Err()
}

// RoomIdleSince starts or reads the idle clock.
func (s *RedisStore) RoomIdleSince(ctx context.Context, id string, now time.Time) (time.Time, error) {
	if err := s.client.HSetNX(ctx, roomIdleKey, id, now.UnixMilli()).Err(); err != nil {
		return time.Time{}, err
	}
	ms, err := s.client.HGet(ctx, roomIdleKey, id).Int64()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// Touch records activity for an account.
func (s *RedisStore) Touch(ctx context.Context, accountID string, at time.Time) error {
	return s.client.ZAdd(ctx, presenceKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: accountID,
	}).Err()
}

// Idle returns the oldest accounts last seen at or before cutoff.
func (s *RedisStore) Idle(ctx context.Context, cutoff time.Time, limit int) ([]models.PresenceRecord, error) {
	results, err := s.client.ZRangeByScoreWithScores(ctx, presenceKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.PresenceRecord, 0, len(results))
	for _, z := range results {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, models.PresenceRecord{AccountID: id, LastSeen: time.UnixMilli(int64(z.Score))})
	}
	return out, nil
}

// Forget stops tracking the given accounts.
func (s *RedisStore) Forget(ctx context.Context, accountIDs ...string) error {
	if len(accountIDs) == 0 {
		return nil
	}
	members := make([]any, len(accountIDs))
	for i, id := range accountIDs {
		members[i] = id
	}
	return s.client.ZRem(ctx, presenceKey, members...).Err()
}

// Count returns the number of tracked accounts.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, presenceKey).Result()
}

func leaseKey(name string) string {
	return "lease:" + name
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
  return 1
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire takes the lease with SET NX PX. A holder re-acquiring extends it.
func (s *RedisStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, s.client, []string{leaseKey(name)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Renew extends the lease if owner still holds it.
func (s *RedisStore) Renew(ctx context.Context, name, owner string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, s.client, []string{leaseKey(name)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release drops the lease if owner holds it.
func (s *RedisStore) Release(ctx context.Context, name, owner string) error {
	return releaseScript.Run(ctx, s.client, []string{leaseKey(name)}, owner).Err()
}
