package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wmaynard/chat-service-sub000/internal/models"
)

func TestSendAndRead(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	room := f.join(t, "p1", "en")

	msg, err := f.dir.Send(ctx, room.ID, models.Message{AuthorID: "p1", Text: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, models.MessageChat, msg.Type)
	assert.Equal(t, epoch, msg.Timestamp)

	f.clock.Advance(time.Second)
	_, err = f.dir.Send(ctx, room.ID, models.Message{AuthorID: "p1", Text: "again"})
	require.NoError(t, err)

	all, err := f.dir.Messages(ctx, room.ID, "p1", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "hello", all[0].Text)

	newer, err := f.dir.Messages(ctx, room.ID, "p1", epoch)
	require.NoError(t, err)
	require.Len(t, newer, 1)
	assert.Equal(t, "again", newer[0].Text)

	assert.Len(t, f.rec.added, 2)
}

func TestSendRejections(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	room := f.join(t, "p1", "en")

	tests := []struct {
		name string
		room string
		msg  models.Message
		want error
	}{
		{"non member", room.ID, models.Message{AuthorID: "p2", Text: "hi"}, models.ErrNotAMember},
		{"empty text", room.ID, models.Message{AuthorID: "p1"}, models.ErrInvalidInput},
		{"no author", room.ID, models.Message{Text: "hi"}, models.ErrInvalidInput},
		{"sticky", room.ID, models.Message{AuthorID: "p1", Text: "hi", Type: models.MessageSticky}, models.ErrInvalidInput},
		{"unknown type", room.ID, models.Message{AuthorID: "p1", Text: "hi", Type: "shout"}, models.ErrInvalidInput},
		{"missing room", "nope", models.Message{AuthorID: "p1", Text: "hi"}, models.ErrRoomNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.dir.Send(ctx, tt.room, tt.msg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.rec.added, "failed sends must not notify")
}

func TestSendTrimsToRetentionLimit(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	room := f.join(t, "p1", "en")

	for i := 0; i < models.MaxMessages+10; i++ {
		f.clock.Advance(time.Millisecond)
		_, err := f.dir.Send(ctx, room.ID, models.Message{AuthorID: "p1", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	msgs, err := f.dir.Messages(ctx, room.ID, "p1", time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, models.MaxMessages)
	assert.Equal(t, "m10", msgs[0].Text)
}

func TestMessagesRequiresMembership(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	room := f.join(t, "p1", "en")

	_, err := f.dir.Messages(ctx, room.ID, "p2", time.Time{})
	assert.ErrorIs(t, err, models.ErrNotAMember)

	_, err = f.dir.Messages(ctx, "missing", "p1", time.Time{})
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
}

func TestMessagesHidesScheduledStickies(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	room := f.join(t, "p1", "en")

	later := epoch.Add(time.Hour)
	_, err := f.dir.PostSticky(ctx, models.Message{Text: "soon", VisibleFrom: &later})
	require.NoError(t, err)

	msgs, err := f.dir.Messages(ctx, room.ID, "p1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	f.clock.Set(later)
	msgs, err = f.dir.Messages(ctx, room.ID, "p1", time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "soon", msgs[0].Text)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	room := f.join(t, "p1", "en")

	var ids []string
	for i := 0; i < 6; i++ {
		f.clock.Advance(time.Second)
		m, err := f.dir.Send(ctx, room.ID, models.Message{AuthorID: "p1", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	window, err := f.dir.Snapshot(ctx, room.ID, "p1", ids[3], 2, 1)
	require.NoError(t, err)
	require.Len(t, window, 4)
	assert.Equal(t, "m1", window[0].Text)
	assert.Equal(t, "m4", window[3].Text)

	_, err = f.dir.Snapshot(ctx, room.ID, "p1", "unknown", 1, 1)
	assert.ErrorIs(t, err, models.ErrMessageNotFound)
}

func TestReport(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	room := f.join(t, "p1", "en")
	f.join(t, "p2", "en")

	msg, err := f.dir.Send(ctx, room.ID, models.Message{AuthorID: "p1", Text: "rude"})
	require.NoError(t, err)

	reported, err := f.dir.Report(ctx, room.ID, "p2", msg.ID)
	require.NoError(t, err)
	assert.True(t, reported.Reported)

	stored, err := f.dir.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	found, err := stored.FindMessage(msg.ID)
	require.NoError(t, err)
	assert.True(t, found.Reported)

	_, err = f.dir.Report(ctx, room.ID, "outsider", msg.ID)
	assert.ErrorIs(t, err, models.ErrNotAMember)
	_, err = f.dir.Report(ctx, room.ID, "p2", "missing")
	assert.ErrorIs(t, err, models.ErrMessageNotFound)
}

func TestPostStickyReachesEveryGlobalRoom(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	en1 := f.join(t, "p1", "en")
	en2 := f.join(t, "p2", "en")
	fr := f.join(t, "p3", "fr")

	sticky, err := f.dir.PostSticky(ctx, models.Message{Text: "maintenance at noon", AuthorID: "admin"})
	require.NoError(t, err)
	assert.Equal(t, models.MessageSticky, sticky.Type)

	for _, id := range []string{en1.ID, en2.ID, fr.ID, models.StickyRoomID} {
		r, err := f.dir.GetRoom(ctx, id)
		require.NoError(t, err)
		_, err = r.FindMessage(sticky.ID)
		assert.NoError(t, err, "room %s is missing the sticky", id)
	}

	active, err := f.dir.ActiveStickies(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	all, err := f.dir.Stickies(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPostStickyValidation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.dir.PostSticky(ctx, models.Message{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	from := epoch.Add(time.Hour)
	until := epoch
	_, err = f.dir.PostSticky(ctx, models.Message{Text: "x", VisibleFrom: &from, Expiration: &until})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	stickies, err := f.dir.ActiveStickies(ctx)
	require.NoError(t, err)
	assert.Empty(t, stickies)
}

func TestPostStickyTwiceNotifiesOnce(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	room := f.join(t, "p1", "en")

	msg := models.Message{ID: "s1", Text: "rules"}
	_, err := f.dir.PostSticky(ctx, msg)
	require.NoError(t, err)
	// One event for the sticky room, one for the global room.
	require.Len(t, f.rec.added, 2)

	_, err = f.dir.PostSticky(ctx, msg)
	require.NoError(t, err)
	assert.Len(t, f.rec.added, 2)

	r, err := f.dir.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, r.Messages, 1)
}

func TestScheduledStickyReachesRoomsSpawnedBeforeVisible(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	first := f.join(t, "p1", "en")

	later := epoch.Add(time.Hour)
	_, err := f.dir.PostSticky(ctx, models.Message{Text: "soon", VisibleFrom: &later})
	require.NoError(t, err)

	second := f.join(t, "p2", "en")
	require.NotEqual(t, first.ID, second.ID)
	msgs, err := f.dir.Messages(ctx, second.ID, "p2", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	f.clock.Set(later)
	for account, id := range map[string]string{"p1": first.ID, "p2": second.ID} {
		msgs, err := f.dir.Messages(ctx, id, account, time.Time{})
		require.NoError(t, err)
		require.Len(t, msgs, 1, "room %s", id)
		assert.Equal(t, "soon", msgs[0].Text)
	}
}

func TestGuildRoom(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	room, err := f.dir.JoinGuild(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Equal(t, GuildRoomID("g1"), room.ID)
	assert.Equal(t, models.RoomGuild, room.Type)
	assert.Equal(t, f.live.GuildCapacity(), room.Capacity)

	again, err := f.dir.JoinGuild(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, again.Members)

	_, err = f.dir.GuildRoom(ctx, "")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestDirectRoom(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	ab, err := f.dir.DirectRoom(ctx, "bob", "alice")
	require.NoError(t, err)
	ba, err := f.dir.DirectRoom(ctx, "alice", "bob")
	require.NoError(t, err)

	assert.Equal(t, ab.ID, ba.ID)
	assert.Equal(t, models.RoomDirect, ab.Type)
	assert.Equal(t, []string{"alice", "bob"}, ab.Members)
	assert.True(t, ab.IsFull())

	_, err = f.dir.Send(ctx, ab.ID, models.Message{AuthorID: "alice", Text: "hey"})
	require.NoError(t, err)

	_, err = f.dir.DirectRoom(ctx, "alice", "alice")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
