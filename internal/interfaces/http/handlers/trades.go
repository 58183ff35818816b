package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// ListTrades returns open trades, optionally scoped to ?user_broker_id=.
func (h *Handlers) ListTrades(w http.ResponseWriter, r *http.Request) {
	out, err := h.repo.Trades.ListOpen(r.Context(), r.URL.Query().Get("user_broker_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"trades": out})
}

func (h *Handlers) GetTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := h.repo.Trades.FindByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, trade)
}

// ManualExit runs the operator-triggered exit pipeline for an open trade.
func (h *Handlers) ManualExit(w http.ResponseWriter, r *http.Request) {
	intent, err := h.exits.ManualExit(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": intent.ID, "status": intent.Status})
}

// ListExits returns the trade's exit signals, episode-ordered.
func (h *Handlers) ListExits(w http.ResponseWriter, r *http.Request) {
	out, err := h.exits.ListForTrade(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"exit_signals": out})
}
