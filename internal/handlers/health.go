package handlers

import (
	"context"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/wmaynard/chat-service-sub000/internal/sweep"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string                  `json:"status"` // "healthy" or "degraded"
	Version   string                  `json:"version"`
	Instance  string                  `json:"instance,omitempty"`
	Checks    map[string]Check        `json:"checks"`
	Sweeps    map[string]sweep.Status `json:"sweeps,omitempty"`
	Timestamp string                  `json:"timestamp"`
}

// Health handles the health check endpoint. Failing dependencies or a sweep
// that exhausted its retries mark the instance degraded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check, len(h.checks))
	allHealthy := true

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		start := time.Now()
		if err := h.checks[name].Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
			checks[name] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
			continue
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	var sweeps map[string]sweep.Status
	if h.sweeps != nil {
		sweeps = h.sweeps.Status()
		if !h.sweeps.Healthy() {
			allHealthy = false
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	hostname, _ := os.Hostname()
	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Instance:  hostname,
		Checks:    checks,
		Sweeps:    sweeps,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// Root handles the API info endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "chat",
		Version: version,
		Endpoints: []string{
			"POST /rooms/global/{language}/join",
			"GET /rooms/global/{language}",
			"POST /rooms/{id}/leave",
			"GET /rooms/{id}/messages",
			"POST /rooms/{id}/messages",
			"GET /rooms/{id}/messages/{msgID}/context",
			"POST /rooms/{id}/messages/{msgID}/report",
			"GET /guilds/{id}/room",
			"POST /dm/{account}",
			"GET /me/rooms",
			"GET /stickies",
			"POST /stickies",
			"DELETE /rooms/{id}",
		},
	})
}
