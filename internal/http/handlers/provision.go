package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fleetboot/discovery/internal/middleware"
	"github.com/fleetboot/discovery/internal/model"
	"github.com/fleetboot/discovery/internal/provision"
)

const maxBodyBytes = 64 << 10

// ProvisionHandler handles the device-facing endpoints
type ProvisionHandler struct {
	service *provision.Service
	log     *slog.Logger
}

// NewProvisionHandler creates a new provision handler
func NewProvisionHandler(service *provision.Service, log *slog.Logger) *ProvisionHandler {
	return &ProvisionHandler{service: service, log: log}
}

// registerRequest is the request body for POST /register
type registerRequest struct {
	Serial    string `json:"serial"`
	MAC       string `json:"mac"`
	Signature string `json:"signature"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

// registerResponse is the JSON response for register
type registerResponse struct {
	Hostname        string `json:"hostname"`
	EncryptedConfig string `json:"encrypted_config"`
	Success         bool   `json:"success"`
	Message         string `json:"message"`
}

// confirmRequest is the request body for POST /confirm
type confirmRequest struct {
	Serial       string  `json:"serial"`
	Hostname     string  `json:"hostname"`
	Signature    string  `json:"signature"`
	Timestamp    *int64  `json:"timestamp,omitempty"`
	Status       string  `json:"status"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// messageResponse is the JSON response for confirm
type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HandleRegister handles POST /register
func (h *ProvisionHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Register(r.Context(), provision.RegisterRequest{
		Serial:    strings.TrimSpace(req.Serial),
		MAC:       strings.TrimSpace(req.MAC),
		Signature: strings.TrimSpace(req.Signature),
		Timestamp: req.Timestamp,
		IP:        middleware.ClientIP(r),
	})
	if err != nil {
		h.respondWithServiceError(w, "register", err)
		return
	}

	respondJSON(w, http.StatusOK, registerResponse{
		Hostname:        result.Hostname,
		EncryptedConfig: result.EncryptedConfig,
		Success:         true,
		Message:         "Registration successful",
	})
}

// HandleConfirm handles POST /confirm
func (h *ProvisionHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	errMsg := ""
	if req.ErrorMessage != nil {
		errMsg = *req.ErrorMessage
	}
	err := h.service.Confirm(r.Context(), provision.ConfirmRequest{
		Serial:       strings.TrimSpace(req.Serial),
		Hostname:     strings.TrimSpace(req.Hostname),
		Signature:    strings.TrimSpace(req.Signature),
		Timestamp:    req.Timestamp,
		Status:       model.DeviceStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		ErrorMessage: errMsg,
		IP:           middleware.ClientIP(r),
	})
	if err != nil {
		h.respondWithServiceError(w, "confirm", err)
		return
	}

	respondJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Confirmation received"})
}

// respondWithServiceError maps the service error taxonomy onto generic HTTP categories
func (h *ProvisionHandler) respondWithServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, provision.ErrInvalidRequest):
		respondWithError(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, provision.ErrAuthenticationFailed):
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, provision.ErrRateLimited):
		respondWithError(w, http.StatusTooManyRequests, "too many requests")
	case errors.Is(err, provision.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "not found")
	default:
		h.log.Error("Provisioning request failed", "op", op, "err", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, category string) {
	respondJSON(w, statusCode, map[string]any{
		"success": false,
		"error":   category,
	})
}
