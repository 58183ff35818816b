package handlers

import (
	"net/http"
)

// SearchInstruments serves the ranked catalog search, read-through cached.
func (h *Handlers) SearchInstruments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}

	out, err := h.catalog.Search(r.Context(), query, queryLimit(r, 20, 100))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"instruments": out})
}

// SyncInstruments refreshes the catalog from the data broker's master.
func (h *Handlers) SyncInstruments(w http.ResponseWriter, r *http.Request) {
	ub, err := h.repo.UserBrokers.FindDataBroker(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	adapter, _, err := h.brokers.AdapterFor(r.Context(), ub)
	if err != nil {
		h.writeError(w, err)
		return
	}

	n, err := h.catalog.Sync(r.Context(), adapter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"upserted": n})
}
