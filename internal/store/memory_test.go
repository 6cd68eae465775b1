package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wmaynard/chat-service-sub000/internal/models"
)

func TestMemoryRoomStore(t *testing.T) {
	runRoomStoreSuite(t, func(t *testing.T) RoomStore { return NewMemoryStore() })
}

func TestMemoryPresence(t *testing.T) {
	runPresenceSuite(t, NewMemoryStore())
}

func TestMemoryLocker(t *testing.T) {
	s := NewMemoryStore()
	now := base
	var mu sync.Mutex
	s.SetNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	runLockerSuite(t, s, func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	})
}

func TestMemoryConcurrentJoinsExactCapacity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateRoom(ctx, newRoom("r1", models.RoomGlobal, "en", 10, base)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var joined, rejected int
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpdateRoom(ctx, "r1", func(r *models.Room) error {
				return r.AddMember(fmt.Sprintf("p%d", i), base)
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case errors.Is(err, models.ErrRoomAtCapacity):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if joined != 10 || rejected != 40 {
		t.Fatalf("expected 10 joined and 40 rejected, got %d and %d", joined, rejected)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := newRoom("r1", models.RoomGlobal, "en", 2, base)
	if err := s.CreateRoom(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.Members = append(r.Members, "sneaky")

	got, _ := s.GetRoom(ctx, "r1")
	got.Members = append(got.Members, "sneaky")

	again, _ := s.GetRoom(ctx, "r1")
	if len(again.Members) != 0 {
		t.Fatalf("store state leaked through returned pointers: %v", again.Members)
	}
}
