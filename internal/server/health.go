package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HealthStatus represents the current health of the server.
type HealthStatus struct {
	Healthy       bool      `json:"healthy"`
	Sessions      int       `json:"sessions"`
	Transports    []string  `json:"transports"`
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
	LastCheck     time.Time `json:"lastCheck"`
}

// handleHealth handles GET /socket.io/health for load balancer health
// checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime)
	status := HealthStatus{
		Healthy:       true,
		Sessions:      s.registry.Len(),
		Transports:    s.cfg.EnabledTransports(),
		Uptime:        formatDuration(uptime),
		UptimeSeconds: uptime.Seconds(),
		LastCheck:     time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}

// formatDuration formats a duration into a human-readable string like
// "2d 3h 15m 42s".
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
