// Package api provides HTTP handlers for the boardsync REST surface.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/boardsync/internal/domain"
	"github.com/ashureev/boardsync/internal/identity"
)

const readyTimeout = 2 * time.Second

// RosterReader reads the presence records of a project.
type RosterReader interface {
	Roster(ctx context.Context, projectID string) ([]domain.Presence, error)
}

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the presence read path and readiness.
type Handler struct {
	roster RosterReader
	pinger Pinger
	logger *slog.Logger
}

// NewHandler creates a new Handler. A nil logger uses slog.Default.
func NewHandler(roster RosterReader, pinger Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{roster: roster, pinger: pinger, logger: logger}
}

// Routes mounts the API. Everything except readiness needs a credential.
func (h *Handler) Routes(v identity.Verifier) chi.Router {
	r := chi.NewRouter()
	r.Get("/ready", h.Ready)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(v))
		r.Get("/projects/{projectID}/presence", h.Presence)
	})
	return r
}

// Presence returns the full roster of a project.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if projectID == "" {
		Error(w, http.StatusBadRequest, "project id is required")
		return
	}

	members, err := h.roster.Roster(r.Context(), projectID)
	if err != nil {
		h.logger.Error("Failed to read roster", "project_id", projectID, "user_id", identity.UserIDFromContext(r.Context()), "error", err)
		Error(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	if members == nil {
		members = []domain.Presence{}
	}
	JSON(w, http.StatusOK, domain.Roster{ProjectID: projectID, Members: members})
}

// Ready reports 200 when the presence backend answers a ping.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := h.pinger.Ping(ctx); err != nil {
		h.logger.Warn("Presence backend not ready", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
