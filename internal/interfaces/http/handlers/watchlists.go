package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/domain"
)

// Level 1: templates.

func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	out, err := h.repo.Watchlists.ListTemplates(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"templates": out})
}

func (h *Handlers) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var t domain.WatchlistTemplate
	if !h.decode(w, r, &t) {
		return
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Enabled = true

	out, err := h.repo.Watchlists.InsertTemplate(r.Context(), t)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": out.ID})
}

func (h *Handlers) GetTemplateSymbols(w http.ResponseWriter, r *http.Request) {
	t, err := h.repo.Watchlists.FindTemplate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": t.Symbols})
}

func (h *Handlers) AddTemplateSymbols(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbols []string `json:"symbols"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.repo.Watchlists.AddTemplateSymbols(r.Context(), id, body.Symbols); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": id})
}

func (h *Handlers) RemoveTemplateSymbol(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.repo.Watchlists.RemoveTemplateSymbol(r.Context(), vars["id"], vars["sym"]); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, nil)
}

// Level 2: selected subsets.

func (h *Handlers) ListSelected(w http.ResponseWriter, r *http.Request) {
	out, err := h.repo.Watchlists.ListSelected(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"selected": out})
}

func (h *Handlers) CreateSelected(w http.ResponseWriter, r *http.Request) {
	var s domain.WatchlistSelected
	if !h.decode(w, r, &s) {
		return
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Enabled = true

	out, err := h.repo.Watchlists.InsertSelected(r.Context(), s)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": out.ID})
}

func (h *Handlers) DeleteSelected(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.repo.Watchlists.DeleteSelected(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": id})
}

// Level 3: the distinct-union default view.

func (h *Handlers) DefaultWatchlist(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.repo.Watchlists.DefaultSymbols(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": symbols})
}

// SyncWatchlists forces the L3→L4 reconciliation across all exec links.
func (h *Handlers) SyncWatchlists(w http.ResponseWriter, r *http.Request) {
	added, pruned, err := h.watchlists.SyncAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"upserted": added, "pruned": pruned})
}

// Level 4: per-user-broker entries.

func (h *Handlers) ListWatchlist(w http.ResponseWriter, r *http.Request) {
	userBrokerID := r.URL.Query().Get("user_broker_id")
	if userBrokerID == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_broker_id is required"})
		return
	}

	out, err := h.repo.Watchlists.ListEntries(r.Context(), userBrokerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"watchlist": out})
}

type addWatchlistEntryRequest struct {
	UserBrokerID string          `json:"user_broker_id"`
	Symbol       string          `json:"symbol"`
	LotSize      int64           `json:"lot_size"`
	TickSize     decimal.Decimal `json:"tick_size"`
}

// AddWatchlistEntry adds a custom symbol; a previously removed row for the
// same symbol is resurrected in place.
func (h *Handlers) AddWatchlistEntry(w http.ResponseWriter, r *http.Request) {
	var req addWatchlistEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.LotSize <= 0 {
		req.LotSize = 1
	}

	entry, err := h.watchlists.AddCustom(r.Context(), req.UserBrokerID, req.Symbol, req.LotSize, req.TickSize)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": entry.ID, "version": entry.Version})
}

func (h *Handlers) DeleteWatchlistEntry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.repo.Watchlists.DeleteEntry(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": id})
}

func (h *Handlers) ToggleWatchlistEntry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.repo.Watchlists.ToggleEntry(r.Context(), id, body.Enabled); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": id, "enabled": body.Enabled})
}
