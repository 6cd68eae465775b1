package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wmaynard/chat-service-sub000/internal/models"
)

// Context window bounds for GET .../context.
const (
	defaultContextSize = 10
	maxContextSize     = 50
)

// RoomResponse is the public view of a room. Messages are fetched separately.
type RoomResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Type        models.RoomType `json:"type"`
	Language    string          `json:"language,omitempty"`
	GuildID     string          `json:"guild_id,omitempty"`
	Capacity    int             `json:"capacity"`
	Members     []string        `json:"members"`
	MemberCount int             `json:"member_count"`
	CreatedAt   int64           `json:"created_at"`
}

func newRoomResponse(r *models.Room) RoomResponse {
	members := r.Members
	if members == nil {
		members = []string{}
	}
	return RoomResponse{
		ID:          r.ID,
		Name:        r.Name,
		Type:        r.Type,
		Language:    r.Language,
		GuildID:     r.GuildID,
		Capacity:    r.Capacity,
		Members:     members,
		MemberCount: len(r.Members),
		CreatedAt:   r.CreatedAt.UnixMilli(),
	}
}

func newRoomList(rooms []models.Room) []RoomResponse {
	out := make([]RoomResponse, len(rooms))
	for i := range rooms {
		out[i] = newRoomResponse(&rooms[i])
	}
	return out
}

// JoinGlobalRequest optionally names the room to join.
type JoinGlobalRequest struct {
	RoomID string `json:"room_id,omitempty"`
}

// RoomMessagesResponse represents the get room messages response.
type RoomMessagesResponse struct {
	RoomID   string           `json:"room_id"`
	Messages []models.Message `json:"messages"`
}

// PostMessageRequest represents the post message request.
type PostMessageRequest struct {
	Text string             `json:"text"`
	Type models.MessageType `json:"type,omitempty"`
	Data map[string]any     `json:"data,omitempty"`
}

// JoinGlobal seats the caller in a global room for the language.
func (h *Handler) JoinGlobal(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	var req JoinGlobalRequest
	if !h.decode(w, r, &req) {
		return
	}

	room, err := h.dir.JoinGlobal(r.Context(), id.AccountID, chi.URLParam(r, "language"), req.RoomID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, newRoomResponse(room))
}

// ListGlobal lists the global rooms of a language.
func (h *Handler) ListGlobal(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.dir.ListGlobal(r.Context(), chi.URLParam(r, "language"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"rooms": newRoomList(rooms)})
}

// Leave removes the caller from a room.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	if err := h.dir.Leave(r.Context(), id.AccountID, chi.URLParam(r, "id")); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MyRooms lists every room the caller belongs to.
func (h *Handler) MyRooms(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	rooms, err := h.dir.RoomsFor(r.Context(), id.AccountID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"rooms": newRoomList(rooms)})
}

// GetMessages returns messages newer than the since query parameter (unix
// milliseconds, default 0).
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil || ms < 0 {
			h.Error(w, http.StatusBadRequest, "since must be unix milliseconds")
			return
		}
		since = time.UnixMilli(ms)
	}

	roomID := chi.URLParam(r, "id")
	msgs, err := h.dir.Messages(r.Context(), roomID, id.AccountID, since)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, RoomMessagesResponse{RoomID: roomID, Messages: msgs})
}

// PostMessage appends a message from the caller. Only admins may post
// broadcast, announcement or system messages.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}

	var req PostMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Text = sanitizeText(req.Text)
	if len(req.Text) > MaxTextLength {
		h.Error(w, http.StatusUnprocessableEntity, "text too long (max "+strconv.Itoa(MaxTextLength)+" bytes)")
		return
	}
	if req.Type == "" {
		req.Type = models.MessageChat
	}
	if req.Type != models.MessageChat && !id.Admin {
		h.Error(w, http.StatusForbidden, "only admins may post "+string(req.Type)+" messages")
		return
	}

	msg, err := h.dir.Send(r.Context(), chi.URLParam(r, "id"), models.Message{
		AuthorID: id.AccountID,
		Text:     req.Text,
		Type:     req.Type,
		Data:     req.Data,
	})
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}

// MessageContext returns the messages around one message.
func (h *Handler) MessageContext(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	before, ok := h.windowParam(w, r, "before")
	if !ok {
		return
	}
	after, ok := h.windowParam(w, r, "after")
	if !ok {
		return
	}

	roomID := chi.URLParam(r, "id")
	msgs, err := h.dir.Snapshot(r.Context(), roomID, id.AccountID, chi.URLParam(r, "msgID"), before, after)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, RoomMessagesResponse{RoomID: roomID, Messages: msgs})
}

func (h *Handler) windowParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultContextSize, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		h.Error(w, http.StatusBadRequest, name+" must be an integer")
		return 0, false
	}
	return min(max(n, 0), maxContextSize), true
}

// ReportMessage flags a message for moderation.
func (h *Handler) ReportMessage(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	msg, err := h.dir.Report(r.Context(), chi.URLParam(r, "id"), id.AccountID, chi.URLParam(r, "msgID"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, msg)
}

// DeleteRoom removes a room (admin).
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.dir.DeleteRoom(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
