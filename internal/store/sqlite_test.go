package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteRoomStore(t *testing.T) {
	runRoomStoreSuite(t, func(t *testing.T) RoomStore {
		t.Helper()
		s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "rooms.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
