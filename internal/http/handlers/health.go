package handlers

import (
	"log/slog"
	"net/http"

	"github.com/fleetboot/discovery/internal/provision"
)

// HealthHandler serves GET /health
type HealthHandler struct {
	service *provision.Service
	log     *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(service *provision.Service, log *slog.Logger) *HealthHandler {
	return &HealthHandler{service: service, log: log}
}

type healthResponse struct {
	Status             string  `json:"status"`
	Version            string  `json:"version"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
	TotalRegistrations int     `json:"total_registrations"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	health, err := h.service.Health(r.Context())
	status := http.StatusOK
	if err != nil {
		h.log.Warn("Health check degraded", "err", err)
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, healthResponse{
		Status:             health.Status,
		Version:            health.Version,
		UptimeSeconds:      health.Uptime.Seconds(),
		TotalRegistrations: health.TotalRegistrations,
	})
}
