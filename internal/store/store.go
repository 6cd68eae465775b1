package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/wmaynard/chat-service-sub000/internal/metrics"
	"github.com/wmaynard/chat-service-sub000/internal/models"
)

// MaxUpdateAttempts bounds the optimistic retries of UpdateRoom.
const MaxUpdateAttempts = 5

// ErrLeaseLost is returned by Renew when the caller no longer holds the lease.
var ErrLeaseLost = errors.New("lease lost")

// RoomFilter selects rooms. Zero-valued fields match everything.
type RoomFilter struct {
	Type     models.RoomType
	Language string
	GuildID  string
	Member   string
}

// Match reports whether r satisfies the filter.
func (f RoomFilter) Match(r *models.Room) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Language != "" && r.Language != f.Language {
		return false
	}
	if f.GuildID != "" && r.GuildID != f.GuildID {
		return false
	}
	if f.Member != "" && !r.HasMember(f.Member) {
		return false
	}
	return true
}

// MutateFunc changes a room in place. It may run more than once when an
// optimistic update is retried, so it must only depend on the room it is given.
// Returning an error aborts the update without writing.
type MutateFunc func(r *models.Room) error

// RoomStore is the persistence collaborator for room documents. Every
// implementation applies UpdateRoom atomically per room id.
type RoomStore interface {
	Close() error
	Ping(ctx context.Context) error

	// CreateRoom inserts r. It fails with models.ErrRoomExists when the id is taken.
	CreateRoom(ctx context.Context, r *models.Room) error
	// GetRoom fails with models.ErrRoomNotFound.
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	// UpdateRoom applies fn to the current document and stores the result,
	// returning the stored room.
	UpdateRoom(ctx context.Context, id string, fn MutateFunc) (*models.Room, error)
	DeleteRoom(ctx context.Context, id string) error
	// DeleteRoomIf deletes the room only if cond holds for the stored
	// document at the moment of deletion. A missing room reports false.
	DeleteRoomIf(ctx context.Context, id string, cond func(r *models.Room) bool) (bool, error)
	// ListRooms returns rooms matching f in creation order. An empty next
	// token means there are no further pages.
	ListRooms(ctx context.Context, f RoomFilter, limit int, pageToken string) (rooms []models.Room, next string, err error)

	// NextSequence returns the next value of a named counter, starting at 1.
	NextSequence(ctx context.Context, key string) (int64, error)

	// MarkRoomOccupied clears the idle clock of a room.
	MarkRoomOccupied(ctx context.Context, id string) error
	// RoomIdleSince starts the idle clock at now if it is not running and
	// returns when it started.
	RoomIdleSince(ctx context.Context, id string, now time.Time) (time.Time, error)
}

// PresenceStore keeps last-seen times per account.
type PresenceStore interface {
	Touch(ctx context.Context, accountID string, at time.Time) error
	// Idle returns up to limit accounts last seen at or before cutoff, oldest first.
	Idle(ctx context.Context, cutoff time.Time, limit int) ([]models.PresenceRecord, error)
	Forget(ctx context.Context, accountIDs ...string) error
	Count(ctx context.Context) (int64, error)
}

// Locker hands out named, expiring leases so that one instance at a time
// runs a background sweep.
type Locker interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) error
	Release(ctx context.Context, name, owner string) error
}

func parsePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(token)
	if err != nil || n < 0 {
		return 0, errors.New("invalid page token")
	}
	return n, nil
}

func nextPageToken(offset, got, limit int) string {
	if limit <= 0 || got < limit {
		return ""
	}
	return strconv.Itoa(offset + got)
}

func observe(backend, op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// applyMutation runs fn on a copy of current, bumps the version and stamps
// the id back so a mutation cannot move the document.
func applyMutation(current *models.Room, fn MutateFunc) (*models.Room, error) {
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Version = current.Version + 1
	return next, nil
}
