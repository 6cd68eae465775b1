package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GuildRoom seats the caller in its guild's room, creating the room on first
// use. Guild membership itself is checked by the guild service upstream.
func (h *Handler) GuildRoom(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	room, err := h.dir.JoinGuild(r.Context(), id.AccountID, chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, newRoomResponse(room))
}
