package models

import (
	"fmt"
	"testing"
	"time"
)

func TestTrimUnderCap(t *testing.T) {
	msgs := []Message{chat("a", "p", t0), chat("b", "p", t0)}
	got, dropped := Trim(msgs)
	if dropped != 0 || len(got) != 2 {
		t.Fatalf("expected untouched log, dropped %d len %d", dropped, len(got))
	}
}

func TestTrimKeepsStickies(t *testing.T) {
	var msgs []Message
	// Stickies older than every chat message would be dropped first under a
	// naive oldest-first policy.
	msgs = append(msgs, sticky("s0", t0, nil))
	msgs = append(msgs, Message{ID: "s1", Text: "x", Type: MessageStickyArchived, Timestamp: t0})
	for i := 0; i < MaxMessages+10; i++ {
		msgs = append(msgs, chat(fmt.Sprintf("c%03d", i), "p", t0.Add(time.Duration(i+1)*time.Second)))
	}

	got, dropped := Trim(msgs)
	if dropped != 10 {
		t.Fatalf("expected 10 dropped, got %d", dropped)
	}
	if len(got) != MaxMessages+2 {
		t.Fatalf("expected %d messages, got %d", MaxMessages+2, len(got))
	}
	if got[0].ID != "s0" || got[1].ID != "s1" {
		t.Fatalf("stickies not retained at the head: %s %s", got[0].ID, got[1].ID)
	}
	if got[2].ID != "c010" {
		t.Fatalf("expected oldest survivor c010, got %s", got[2].ID)
	}
}

func TestTrimTiesByInsertionOrder(t *testing.T) {
	var msgs []Message
	for i := 0; i < MaxMessages+1; i++ {
		msgs = append(msgs, chat(fmt.Sprintf("c%03d", i), "p", t0))
	}
	got, _ := Trim(msgs)
	if got[0].ID != "c001" {
		t.Fatalf("expected first inserted to be dropped, head is %s", got[0].ID)
	}
}
