package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/wmaynard/chat-service-sub000/internal/api/middleware"
	"github.com/wmaynard/chat-service-sub000/internal/engine"
	"github.com/wmaynard/chat-service-sub000/internal/models"
	"github.com/wmaynard/chat-service-sub000/internal/sweep"
)

// MaxTextLength is the longest message text accepted, in bytes.
const MaxTextLength = 1000

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SweepReporter exposes the state of the background sweeps.
type SweepReporter interface {
	Status() map[string]sweep.Status
	Healthy() bool
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	dir    *engine.Directory
	checks map[string]Pinger
	sweeps SweepReporter
	logger zerolog.Logger
}

// NewHandler creates a new Handler. checks are pinged by /health; sweeps may be nil.
func NewHandler(dir *engine.Directory, checks map[string]Pinger, sweeps SweepReporter, logger zerolog.Logger) *Handler {
	return &Handler{dir: dir, checks: checks, sweeps: sweeps, logger: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Fail maps an engine error to a response. Unexpected errors are logged and
// reported without detail.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotAMember):
		h.Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrRoomNotFound), errors.Is(err, models.ErrMessageNotFound):
		h.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrAlreadyMember),
		errors.Is(err, models.ErrRoomAtCapacity),
		errors.Is(err, models.ErrRoomExists),
		errors.Is(err, models.ErrConflict):
		h.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
	default:
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// caller returns the authenticated identity or writes a 401.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) *middleware.Identity {
	id := middleware.GetIdentity(r.Context())
	if id == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
	}
	return id
}

// decode reads an optional JSON body into v. An empty body leaves v unchanged.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// sanitizeText trims text and removes control characters other than newlines.
func sanitizeText(text string) string {
	text = strings.TrimSpace(text)
	return strings.Map(func(r rune) rune {
		if r != '\n' && unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}
