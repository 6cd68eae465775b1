package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wmaynard/chat-service-sub000/internal/models"
)

// MemoryStore keeps rooms, presence and leases in process memory. It backs
// development runs and tests, and serves as the presence store and locker
// when no Redis is configured.
type MemoryStore struct {
	mu       sync.Mutex
	rooms    map[string]*models.Room
	order    []string
	seqs     map[string]int64
	idle     map[string]time.Time
	presence map[string]time.Time
	leases   map[string]memoryLease
	now      func() time.Time
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]*models.Room),
		seqs:     make(map[string]int64),
		idle:     make(map[string]time.Time),
		presence: make(map[string]time.Time),
		leases:   make(map[string]memoryLease),
		now:      time.Now,
	}
}

// SetNow overrides the time source used for lease expiry.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// CreateRoom inserts a copy of r.
func (s *MemoryStore) CreateRoom(ctx context.Context, r *models.Room) error {
	defer observe("memory", "create", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[r.ID]; ok {
		return models.ErrRoomExists
	}
	r.Version = 1
	s.rooms[r.ID] = r.Clone()
	s.order = append(s.order, r.ID)
	return nil
}

// GetRoom returns a copy of the stored room.
func (s *MemoryStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	defer observe("memory", "get", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	return r.Clone(), nil
}

// UpdateRoom applies fn under the store lock.
func (s *MemoryStore) UpdateRoom(ctx context.Context, id string, fn MutateFunc) (*models.Room, error) {
	defer observe("memory", "update", time.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rooms[id]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	next, err := applyMutation(current, fn)
	if err != nil {
		return nil, err
	}
	s.rooms[id] = next
	return next.Clone(), nil
}

// DeleteRoom removes the room. Deleting a missing room is not an error.
func (s *MemoryStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.DeleteRoomIf(ctx, id, nil)
	return err
}

// DeleteRoomIf removes the room under the store lock when cond holds. A nil
// cond always matches.
func (s *MemoryStore) DeleteRoomIf(ctx context.Context, id string, cond func(r *models.Room) bool) (bool, error) {
	defer observe("memory", "delete", time.Now())
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return false, nil
	}
	if cond != nil && !cond(r.Clone()) {
		return false, nil
	}
	delete(s.rooms, id)
	delete(s.idle, id)
	for i, rid := range s.order {
		if rid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// ListRooms pages through matching rooms in creation order.
func (s *MemoryStore) ListRooms(ctx context.Context, f RoomFilter, limit int, pageToken string) ([]models.Room, string, error) {
	defer observe("memory", "list", time.Now())
	offset, err := parsePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.Room
	for _, id := range s.order {
		r := s.rooms[id]
		if f.Match(r) {
			matched = append(matched, *r.Clone())
		}
	}
	if offset >= len(matched) {
		return nil, "", nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nextPageToken(offset, len(matched), limit), nil
}

// NextSequence increments a named counter.
func (s *MemoryStore) NextSequence(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[key]++
	return s.seqs[key], nil
}

// MarkRoomOccupied clears the idle clock.
func (s *MemoryStore) MarkRoomOccupied(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.idle, id)
	s.mu.Unlock()
	return nil
}

// RoomIdleSince starts or reads the idle clock.
func (s *MemoryStore) RoomIdleSince(ctx context.Context, id string, now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since, ok := s.idle[id]
	if !ok {
		s.idle[id] = now
		return now, nil
	}
	return since, nil
}

// Touch records activity for an account.
func (s *MemoryStore) Touch(ctx context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	s.presence[accountID] = at
	s.mu.Unlock()
	return nil
}

// Idle returns the oldest accounts last seen at or before cutoff.
func (s *MemoryStore) Idle(ctx context.Context, cutoff time.Time, limit int) ([]models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.PresenceRecord
	for id, seen := range s.presence {
		if !seen.After(cutoff) {
			out = append(out, models.PresenceRecord{AccountID: id, LastSeen: seen})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].LastSeen.Before(out[j].LastSeen)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Forget stops tracking the given accounts.
func (s *MemoryStore) Forget(ctx context.Context, accountIDs ...string) error {
	s.mu.Lock()
	for _, id := range accountIDs {
		delete(s.presence, id)
	}
	s.mu.Unlock()
	return nil
}

// Count returns the number of tracked accounts.
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.presence)), nil
}

// Acquire takes the lease if it is free or expired.
func (s *MemoryStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.leases[name]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	s.leases[name] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Renew extends a held lease.
func (s *MemoryStore) Renew(ctx context.Context, name, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	l, ok := s.leases[name]
	if !ok || l.owner != owner || !now.Before(l.expires) {
		return ErrLeaseLost
	}
	s.leases[name] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return nil
}

// Release drops a held lease.
func (s *MemoryStore) Release(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok && l.owner == owner {
		delete(s.leases, name)
	}
	return nil
}
