package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetboot/discovery/internal/auth"
	"github.com/fleetboot/discovery/internal/provision"
)

// AdminHandler serves the token-gated operator endpoints
type AdminHandler struct {
	service *provision.Service
	tokens  *auth.AdminTokens
	log     *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(service *provision.Service, tokens *auth.AdminTokens, log *slog.Logger) *AdminHandler {
	return &AdminHandler{service: service, tokens: tokens, log: log}
}

type statsResponse struct {
	TotalRegistrations      int        `json:"total_registrations"`
	SuccessfulRegistrations int        `json:"successful_registrations"`
	FailedRegistrations     int        `json:"failed_registrations"`
	PendingRegistrations    int        `json:"pending_registrations"`
	ConfirmedDevices        int        `json:"confirmed_devices"`
	ActiveHostnames         int        `json:"active_hostnames"`
	LastRegistration        *time.Time `json:"last_registration"`
	NotificationsSent       int64      `json:"notifications_sent"`
	NotificationsFailed     int64      `json:"notifications_failed"`
}

// HandleStats handles GET /stats
func (h *AdminHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		h.log.Error("Failed to load statistics", "err", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	respondJSON(w, http.StatusOK, statsResponse{
		TotalRegistrations:      stats.Total,
		SuccessfulRegistrations: stats.Successful,
		FailedRegistrations:     stats.Failed,
		PendingRegistrations:    stats.Pending,
		ConfirmedDevices:        stats.Confirmed,
		ActiveHostnames:         stats.Total,
		LastRegistration:        stats.LastRegisteredAt,
		NotificationsSent:       stats.NotificationsSent,
		NotificationsFailed:     stats.NotificationsFailed,
	})
}

type sessionResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleSession handles POST /admin/session. It exchanges the admin credential for a short-lived token.
func (h *AdminHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	token, expiresAt, err := h.tokens.IssueSession()
	if err != nil {
		h.log.Error("Failed to issue admin session", "err", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresAt: expiresAt,
	})
}
