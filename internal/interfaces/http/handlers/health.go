package handlers

import (
	"net/http"
	"time"
)

type healthComponent struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]healthComponent `json:"components"`
}

// Health reports database, cache and broker-breaker state. Degraded
// components flip the top-level status but the endpoint stays 200 unless
// the database is down.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := healthResponse{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]healthComponent),
	}
	status := http.StatusOK

	if err := h.ping(); err != nil {
		resp.Components["database"] = healthComponent{Status: "down", Error: err.Error()}
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	} else {
		resp.Components["database"] = healthComponent{Status: "up"}
	}

	if h.redisPing != nil {
		if err := h.redisPing(); err != nil {
			resp.Components["redis"] = healthComponent{Status: "down", Error: err.Error()}
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		} else {
			resp.Components["redis"] = healthComponent{Status: "up"}
		}
	}

	for code, state := range h.brokers.BreakerStates() {
		comp := healthComponent{Status: state}
		if state != "closed" && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
		resp.Components["breaker_"+code] = comp
	}

	h.writeJSON(w, status, resp)
}
