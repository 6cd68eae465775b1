package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wmaynard/chat-service-sub000/internal/api/middleware"
	"github.com/wmaynard/chat-service-sub000/internal/clock"
	"github.com/wmaynard/chat-service-sub000/internal/config"
	"github.com/wmaynard/chat-service-sub000/internal/engine"
	"github.com/wmaynard/chat-service-sub000/internal/handlers"
	"github.com/wmaynard/chat-service-sub000/internal/models"
	"github.com/wmaynard/chat-service-sub000/internal/store"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	http.Handler
	clock *clock.Fake
	live  *config.Live
}

func newTestServer(t *testing.T, limiter *middleware.RateLimiter) *testServer {
	t.Helper()
	mem := store.NewMemoryStore()
	live := config.NewLive()
	live.SetGlobalCapacity(2)
	clk := clock.NewFake(t0)
	dir := engine.New(engine.Deps{Rooms: mem, Live: live, Clock: clk, Logger: zerolog.Nop()})

	h := handlers.NewHandler(dir, map[string]handlers.Pinger{"store": mem}, nil, zerolog.Nop())
	return &testServer{
		Handler: NewRouter(RouterDeps{
			Logger:  zerolog.Nop(),
			Handler: h,
			Auth:    middleware.NewAuthMiddleware("", nil, zerolog.Nop()),
			Limiter: limiter,
		}),
		clock: clk,
		live:  live,
	}
}

// do sends a request as account (empty for anonymous; a "!" suffix marks an admin).
func (s *testServer) do(t *testing.T, method, path, account string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if account != "" {
		id, admin := strings.CutSuffix(account, "!")
		req.Header.Set(middleware.AccountHeader, id)
		if admin {
			req.Header.Set(middleware.AdminHeader, "true")
		}
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[handlers.HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "pass", resp.Checks["store"].Status)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRequiresIdentity(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/me/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJoinPostAndRead(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/rooms/global/EN/join", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	room := decode[handlers.RoomResponse](t, rec)
	assert.Equal(t, models.RoomGlobal, room.Type)
	assert.Equal(t, "en", room.Language)
	assert.Equal(t, []string{"p1"}, room.Members)

	rec = s.do(t, http.MethodPost, "/rooms/"+room.ID+"/messages", "p1", handlers.PostMessageRequest{Text: "  hello\x07 "})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[models.Message](t, rec)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, models.MessageChat, msg.Type)

	rec = s.do(t, http.MethodGet, "/rooms/"+room.ID+"/messages", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[handlers.RoomMessagesResponse](t, rec)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, msg.ID, msgs.Messages[0].ID)

	since := "?since=" + strconv.FormatInt(t0.UnixMilli(), 10)
	rec = s.do(t, http.MethodGet, "/rooms/"+room.ID+"/messages"+since, "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[handlers.RoomMessagesResponse](t, rec).Messages)

	rec = s.do(t, http.MethodGet, "/rooms/"+room.ID+"/messages?since=yesterday", "p1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/rooms/"+room.ID+"/messages", "p2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/me/rooms", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[map[string][]handlers.RoomResponse](t, rec)
	require.Len(t, mine["rooms"], 1)
	assert.Equal(t, room.ID, mine["rooms"][0].ID)
}

func TestJoinErrors(t *testing.T) {
	s := newTestServer(t, nil)
	first := decode[handlers.RoomResponse](t, s.do(t, http.MethodPost, "/rooms/global/en/join", "p1", nil))
	s.do(t, http.MethodPost, "/rooms/global/en/join", "p2", nil)

	rec := s.do(t, http.MethodPost, "/rooms/global/en/join", "p3", handlers.JoinGlobalRequest{RoomID: first.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/rooms/global/en/join", "p3", handlers.JoinGlobalRequest{RoomID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Rejoining is idempotent.
	rec = s.do(t, http.MethodPost, "/rooms/global/en/join", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decode[handlers.RoomResponse](t, rec).ID)

	// The full room spills over into a new one.
	rec = s.do(t, http.MethodPost, "/rooms/global/en/join", "p3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, first.ID, decode[handlers.RoomResponse](t, rec).ID)

	rec = s.do(t, http.MethodGet, "/rooms/global/en", "p3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]handlers.RoomResponse](t, rec)["rooms"], 2)
}

func TestPostMessageRules(t *testing.T) {
	s := newTestServer(t, nil)
	room := decode[handlers.RoomResponse](t, s.do(t, http.MethodPost, "/rooms/global/en/join", "p1", nil))
	path := "/rooms/" + room.ID + "/messages"

	rec := s.do(t, http.MethodPost, path, "p1", handlers.PostMessageRequest{Text: strings.Repeat("a", handlers.MaxTextLength+1)})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, path, "p1", handlers.PostMessageRequest{Text: "hi", Type: models.MessageBroadcast})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, path, "p1", handlers.PostMessageRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/rooms/nope/messages", "p1", handlers.PostMessageRequest{Text: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.AccountHeader, "p1")
	bad := httptest.NewRecorder()
	s.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestContextAndReport(t *testing.T) {
	s := newTestServer(t, nil)
	room := decode[handlers.RoomResponse](t, s.do(t, http.MethodPost, "/rooms/global/en/join", "p1", nil))
	path := "/rooms/" + room.ID + "/messages"

	var ids []string
	for _, text := range []string{"a", "b", "c", "d"} {
		s.clock.Advance(time.Second)
		rec := s.do(t, http.MethodPost, path, "p1", handlers.PostMessageRequest{Text: text})
		require.Equal(t, http.StatusCreated, rec.Code)
		ids = append(ids, decode[models.Message](t, rec).ID)
	}

	rec := s.do(t, http.MethodGet, path+"/"+ids[2]+"/context?before=1&after=0", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	window := decode[handlers.RoomMessagesResponse](t, rec).Messages
	require.Len(t, window, 2)
	assert.Equal(t, "b", window[0].Text)
	assert.Equal(t, "c", window[1].Text)

	rec = s.do(t, http.MethodGet, path+"/"+ids[2]+"/context?before=x", "p1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/"+ids[0]+"/report", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[models.Message](t, rec).Reported)

	rec = s.do(t, http.MethodPost, path+"/unknown/report", "p1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLeaveAndDelete(t *testing.T) {
	s := newTestServer(t, nil)
	room := decode[handlers.RoomResponse](t, s.do(t, http.MethodPost, "/rooms/global/en/join", "p1", nil))

	rec := s.do(t, http.MethodPost, "/rooms/"+room.ID+"/leave", "p2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/rooms/"+room.ID+"/leave", "p1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodDelete, "/rooms/"+room.ID, "p1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/rooms/"+room.ID, "mod!", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodDelete, "/rooms/"+room.ID, "mod!", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGuildAndDirectRooms(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/guilds/g1/room", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	guild := decode[handlers.RoomResponse](t, rec)
	assert.Equal(t, models.RoomGuild, guild.Type)
	assert.Equal(t, "g1", guild.GuildID)

	// A second visit is not an error.
	rec = s.do(t, http.MethodGet, "/guilds/g1/room", "p1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/dm/p2", "p1", handlers.OpenDMRequest{Text: "psst"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dm := decode[handlers.OpenDMResponse](t, rec)
	assert.Equal(t, []string{"p1", "p2"}, dm.Room.Members)
	require.NotNil(t, dm.Message)
	assert.Equal(t, "psst", dm.Message.Text)

	rec = s.do(t, http.MethodPost, "/dm/p1", "p2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dm.Room.ID, decode[handlers.OpenDMResponse](t, rec).Room.ID)

	rec = s.do(t, http.MethodPost, "/dm/p1", "p1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStickies(t *testing.T) {
	s := newTestServer(t, nil)
	room := decode[handlers.RoomResponse](t, s.do(t, http.MethodPost, "/rooms/global/en/join", "p1", nil))

	rec := s.do(t, http.MethodGet, "/stickies", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]models.Message](t, rec)["stickies"])

	sticky := handlers.PostStickyRequest{Text: "maintenance at noon", Expiration: t0.Add(time.Hour).UnixMilli()}
	rec = s.do(t, http.MethodPost, "/stickies", "p1", sticky)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/stickies", "mod!", sticky)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	posted := decode[models.Message](t, rec)
	assert.Equal(t, models.MessageSticky, posted.Type)

	rec = s.do(t, http.MethodPost, "/stickies", "mod!", handlers.PostStickyRequest{
		Text:        "backwards",
		VisibleFrom: t0.Add(time.Hour).UnixMilli(),
		Expiration:  t0.UnixMilli(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/stickies", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode[map[string][]models.Message](t, rec)["stickies"]
	require.Len(t, active, 1)
	assert.Equal(t, posted.ID, active[0].ID)

	rec = s.do(t, http.MethodGet, "/rooms/"+room.ID+"/messages", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[handlers.RoomMessagesResponse](t, rec).Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, posted.ID, msgs[0].ID)

	s.clock.Advance(2 * time.Hour)
	rec = s.do(t, http.MethodGet, "/stickies", "p1", nil)
	assert.Empty(t, decode[map[string][]models.Message](t, rec)["stickies"])
	rec = s.do(t, http.MethodGet, "/stickies?all=true", "p1", nil)
	assert.Len(t, decode[map[string][]models.Message](t, rec)["stickies"], 1)
}

func TestRateLimitedRoutes(t *testing.T) {
	limiter := middleware.NewRateLimiter(nil, zerolog.Nop(), middleware.RateLimiterConfig{MessagesPerMinute: 1})
	s := newTestServer(t, limiter)
	room := decode[handlers.RoomResponse](t, s.do(t, http.MethodPost, "/rooms/global/en/join", "p1", nil))
	path := "/rooms/" + room.ID + "/messages"

	rec := s.do(t, http.MethodPost, path, "p1", handlers.PostMessageRequest{Text: "one"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, path, "p1", handlers.PostMessageRequest{Text: "two"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
