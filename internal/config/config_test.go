package config

import (
	"testing"
	"time"
)

func TestLiveDefaults(t *testing.T) {
	l := NewLive()
	if l.GlobalCapacity() != DefaultGlobalCapacity {
		t.Fatalf("expected %d, got %d", DefaultGlobalCapacity, l.GlobalCapacity())
	}
	if l.PresenceThreshold() != 30*time.Minute {
		t.Fatalf("unexpected presence threshold %v", l.PresenceThreshold())
	}
	if l.StickyCron() != "" {
		t.Fatalf("expected no cron, got %q", l.StickyCron())
	}
}

func TestLiveReload(t *testing.T) {
	t.Setenv("GLOBAL_ROOM_CAPACITY", "7")
	t.Setenv("PRESENCE_IDLE_THRESHOLD", "900")
	t.Setenv("REAPER_INTERVAL", "2m")
	t.Setenv("STICKY_SWEEP_CRON", "*/5 * * * *")

	l := NewLive()
	if err := l.Reload(); err != nil {
		t.Fatal(err)
	}
	if l.GlobalCapacity() != 7 {
		t.Fatalf("expected capacity 7, got %d", l.GlobalCapacity())
	}
	if l.PresenceThreshold() != 15*time.Minute {
		t.Fatalf("expected 15m, got %v", l.PresenceThreshold())
	}
	if l.ReaperInterval() != 2*time.Minute {
		t.Fatalf("expected 2m, got %v", l.ReaperInterval())
	}
	if l.StickyCron() != "*/5 * * * *" {
		t.Fatalf("unexpected cron %q", l.StickyCron())
	}

	// Capacity changes are visible without rebuilding anything.
	t.Setenv("GLOBAL_ROOM_CAPACITY", "9")
	if err := l.Reload(); err != nil {
		t.Fatal(err)
	}
	if l.GlobalCapacity() != 9 {
		t.Fatalf("expected capacity 9 after reload, got %d", l.GlobalCapacity())
	}
}

func TestLiveReloadRejectsBadValues(t *testing.T) {
	t.Setenv("GLOBAL_ROOM_CAPACITY", "-1")
	t.Setenv("REAPER_IDLE_THRESHOLD", "soon")
	t.Setenv("STICKY_SWEEP_CRON", "not a cron")

	l := NewLive()
	if err := l.Reload(); err == nil {
		t.Fatal("expected an error")
	}
	if l.GlobalCapacity() != DefaultGlobalCapacity {
		t.Fatalf("bad value must not replace the default, got %d", l.GlobalCapacity())
	}
	if l.ReaperThreshold() != DefaultReaperThreshold {
		t.Fatalf("bad value must not replace the default, got %v", l.ReaperThreshold())
	}
}
