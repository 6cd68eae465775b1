package handlers

import (
	"net/http"
	"time"

	"github.com/wmaynard/chat-service-sub000/internal/models"
)

// PostStickyRequest represents the sticky creation request. Times are unix
// milliseconds.
type PostStickyRequest struct {
	Text        string         `json:"text"`
	VisibleFrom int64          `json:"visible_from,omitempty"`
	Expiration  int64          `json:"expiration,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// ListStickies returns the stickies in effect, or every sticky including
// archived ones with ?all=true.
func (h *Handler) ListStickies(w http.ResponseWriter, r *http.Request) {
	var (
		msgs []models.Message
		err  error
	)
	if r.URL.Query().Get("all") == "true" {
		msgs, err = h.dir.Stickies(r.Context())
	} else {
		msgs, err = h.dir.ActiveStickies(r.Context())
	}
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"stickies": msgs})
}

// PostSticky pins a message in every global room (admin).
func (h *Handler) PostSticky(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}

	var req PostStickyRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg := models.Message{
		AuthorID: id.AccountID,
		Text:     sanitizeText(req.Text),
		Data:     req.Data,
	}
	if req.VisibleFrom > 0 {
		t := time.UnixMilli(req.VisibleFrom)
		msg.VisibleFrom = &t
	}
	if req.Expiration > 0 {
		t := time.UnixMilli(req.Expiration)
		msg.Expiration = &t
	}

	sticky, err := h.dir.PostSticky(r.Context(), msg)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, sticky)
}
