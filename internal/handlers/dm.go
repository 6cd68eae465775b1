package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wmaynard/chat-service-sub000/internal/models"
)

// OpenDMRequest optionally carries a first message.
type OpenDMRequest struct {
	Text string `json:"text,omitempty"`
}

// OpenDMResponse represents the open DM response.
type OpenDMResponse struct {
	Room    RoomResponse    `json:"room"`
	Message *models.Message `json:"message,omitempty"`
}

// OpenDM returns the direct room shared with another account, creating it on
// first contact, and posts the optional first message.
func (h *Handler) OpenDM(w http.ResponseWriter, r *http.Request) {
	sender := h.caller(w, r)
	if sender == nil {
		return
	}

	var req OpenDMRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Text = sanitizeText(req.Text)
	if len(req.Text) > MaxTextLength {
		h.Error(w, http.StatusUnprocessableEntity, "text too long (max "+strconv.Itoa(MaxTextLength)+" bytes)")
		return
	}

	room, err := h.dir.DirectRoom(r.Context(), sender.AccountID, chi.URLParam(r, "account"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	resp := OpenDMResponse{Room: newRoomResponse(room)}
	if req.Text != "" {
		msg, err := h.dir.Send(r.Context(), room.ID, models.Message{AuthorID: sender.AccountID, Text: req.Text})
		if err != nil {
			h.Fail(w, r, err)
			return
		}
		resp.Message = &msg
	}
	h.JSON(w, http.StatusOK, resp)
}
