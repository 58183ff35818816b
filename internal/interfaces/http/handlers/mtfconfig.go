package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mtflow/mtflow/internal/domain"
)

func (h *Handlers) GetGlobalConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.repo.Config.GetGlobal(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// PutGlobalConfig replaces the global config at version+1, then stales every
// ACTIVE signal without a trade: they were computed under the old knobs.
func (h *Handlers) PutGlobalConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.MtfGlobalConfig
	if !h.decode(w, r, &cfg) {
		return
	}

	out, err := h.repo.Config.PutGlobal(r.Context(), cfg)
	if err != nil {
		h.writeError(w, err)
		return
	}

	stale, err := h.signals.MarkStaleAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": out.ID, "version": out.Version, "stale_signals": stale})
}

func (h *Handlers) ListSymbolOverrides(w http.ResponseWriter, r *http.Request) {
	out, err := h.repo.Config.ListSymbolOverrides(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"overrides": out})
}

// PutSymbolOverride upserts an override and stales the symbol's ACTIVE
// signals.
func (h *Handlers) PutSymbolOverride(w http.ResponseWriter, r *http.Request) {
	var o domain.MtfSymbolConfig
	if !h.decode(w, r, &o) {
		return
	}
	o.Symbol = mux.Vars(r)["sym"]
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	out, err := h.repo.Config.UpsertSymbolOverride(r.Context(), o)
	if err != nil {
		h.writeError(w, err)
		return
	}

	stale, err := h.signals.MarkStaleSymbol(r.Context(), o.Symbol)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": out.ID, "stale_signals": stale})
}

// DeleteSymbolOverride removes an override; the symbol reverts to the
// global config, so its ACTIVE signals are staled too.
func (h *Handlers) DeleteSymbolOverride(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["sym"]
	userBrokerID := r.URL.Query().Get("user_broker_id")

	if err := h.repo.Config.DeleteSymbolOverride(r.Context(), symbol, userBrokerID); err != nil {
		h.writeError(w, err)
		return
	}

	stale, err := h.signals.MarkStaleSymbol(r.Context(), symbol)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"stale_signals": stale})
}
