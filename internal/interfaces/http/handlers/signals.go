package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mtflow/mtflow/internal/domain"
)

// IngestSignal is the engine gateway: idempotent upsert on the dedupe key.
func (h *Handlers) IngestSignal(w http.ResponseWriter, r *http.Request) {
	var sig domain.Signal
	if !h.decode(w, r, &sig) {
		return
	}

	out, err := h.signals.Ingest(r.Context(), sig)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": out.ID, "status": out.Status})
}

func (h *Handlers) ListSignals(w http.ResponseWriter, r *http.Request) {
	status := domain.SignalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.SignalActive
	}

	out, err := h.signals.ListByStatus(r.Context(), status, queryLimit(r, 100, 500))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"signals": out})
}

func (h *Handlers) GetSignal(w http.ResponseWriter, r *http.Request) {
	sig, err := h.signals.Find(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sig)
}

// SignalHistory returns every version of the signal, current first.
func (h *Handlers) SignalHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := h.signals.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

// PublishSignal moves ACTIVE→PUBLISHED and fans out deliveries.
func (h *Handlers) PublishSignal(w http.ResponseWriter, r *http.Request) {
	sig, err := h.signals.Publish(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": sig.ID, "status": sig.Status})
}

func (h *Handlers) CancelSignal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.signals.Transition(r.Context(), id, domain.SignalCancelled); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": id})
}

// MarkStale invalidates ACTIVE signals without trades, optionally scoped to
// ?symbol=.
func (h *Handlers) MarkStale(w http.ResponseWriter, r *http.Request) {
	var (
		n   int64
		err error
	)
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		n, err = h.signals.MarkStaleSymbol(r.Context(), symbol)
	} else {
		n, err = h.signals.MarkStaleAll(r.Context())
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"stale": n})
}
