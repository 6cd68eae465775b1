package models

import "sort"

// MaxMessages is the most non-sticky messages a room retains.
const MaxMessages = 200

// Trim enforces the non-sticky message cap on msgs. msgs must already be
// sorted by timestamp with ties in insertion order; the oldest non-sticky
// messages are dropped first and stickies are never dropped. It returns the
// surviving messages (sorted) and the number of messages dropped.
func Trim(msgs []Message) ([]Message, int) {
	var regular int
	for i := range msgs {
		if !msgs[i].IsSticky() {
			regular++
		}
	}
	excess := regular - MaxMessages
	if excess <= 0 {
		return msgs, 0
	}

	kept := make([]Message, 0, len(msgs)-excess)
	dropped := 0
	for _, m := range msgs {
		if !m.IsSticky() && dropped < excess {
			dropped++
			continue
		}
		kept = append(kept, m)
	}
	sortMessages(kept)
	return kept, dropped
}

// sortMessages orders msgs by timestamp, keeping insertion order for ties.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
