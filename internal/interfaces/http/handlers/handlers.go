// Package handlers implements the admin endpoint handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mtflow/mtflow/internal/broker"
	"github.com/mtflow/mtflow/internal/catalog"
	"github.com/mtflow/mtflow/internal/deliveries"
	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/exits"
	"github.com/mtflow/mtflow/internal/intents"
	"github.com/mtflow/mtflow/internal/monitoring"
	"github.com/mtflow/mtflow/internal/persistence"
	"github.com/mtflow/mtflow/internal/signals"
	"github.com/mtflow/mtflow/internal/watchlist"
)

// Handlers carries every service the admin surface reaches into.
type Handlers struct {
	repo       *persistence.Repository
	signals    *signals.Manager
	deliveries *deliveries.Manager
	entries    *intents.Pipeline
	exits      *exits.Pipeline
	brokers    *broker.Manager
	catalog    *catalog.Service
	watchlists *watchlist.Service
	health     *monitoring.Poller
	ping       func() error
	redisPing  func() error
	logger     zerolog.Logger
}

// Deps bundles the handler dependencies for wiring.
type Deps struct {
	Repo       *persistence.Repository
	Signals    *signals.Manager
	Deliveries *deliveries.Manager
	Entries    *intents.Pipeline
	Exits      *exits.Pipeline
	Brokers    *broker.Manager
	Catalog    *catalog.Service
	Watchlists *watchlist.Service
	Health     *monitoring.Poller

	// Ping / RedisPing probe the backing stores for /health. RedisPing may
	// be nil when the cache is disabled.
	Ping      func() error
	RedisPing func() error
}

func NewHandlers(d Deps, logger zerolog.Logger) *Handlers {
	return &Handlers{
		repo:       d.Repo,
		signals:    d.Signals,
		deliveries: d.Deliveries,
		entries:    d.Entries,
		exits:      d.Exits,
		brokers:    d.Brokers,
		catalog:    d.Catalog,
		watchlists: d.Watchlists,
		health:     d.Health,
		ping:       d.Ping,
		redisPing:  d.RedisPing,
		logger:     logger.With().Str("component", "handlers").Logger(),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json encoding failed"}`, http.StatusInternalServerError)
	}
}

// writeError maps domain errors onto the `{error: string}` contract.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var verr *domain.ValidationError

	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  verr.Error(),
			"fields": verr.Errors,
		})
		return
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrStateConflict):
		status = http.StatusConflict
	case errors.Is(err, broker.ErrNotConnected), errors.Is(err, broker.ErrSessionExpired):
		status = http.StatusBadGateway
	case errors.Is(err, broker.ErrOrderRejected):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("request failed")
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handlers) writeSuccess(w http.ResponseWriter, extra map[string]interface{}) {
	body := map[string]interface{}{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	h.writeJSON(w, http.StatusOK, body)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// queryLimit parses ?limit= with a default and a hard cap.
func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "endpoint not found"})
}
