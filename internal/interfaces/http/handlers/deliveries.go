package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/intents"
)

// ListDeliveries filters by ?signal_id= or ?user_broker_id= (one required).
func (h *Handlers) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if signalID := q.Get("signal_id"); signalID != "" {
		out, err := h.deliveries.ListForSignal(r.Context(), signalID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": out})
		return
	}

	if userBrokerID := q.Get("user_broker_id"); userBrokerID != "" {
		out, err := h.deliveries.ListForUserBroker(r.Context(), userBrokerID, queryLimit(r, 100, 500))
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": out})
		return
	}

	h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "signal_id or user_broker_id is required"})
}

// AcceptDelivery consumes the delivery and runs the entry pipeline. The
// single-use authorization is spent even when validation rejects.
func (h *Handlers) AcceptDelivery(w http.ResponseWriter, r *http.Request) {
	var params intents.OrderParams
	if !h.decode(w, r, &params) {
		return
	}

	intent, err := h.entries.Accept(r.Context(), mux.Vars(r)["id"], params)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if intent.Status == domain.IntentRejected {
		// The delivery was still consumed; report the rejection detail.
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":     "intent rejected",
			"intent_id": intent.ID,
			"fields":    intent.ValidationErrors,
		})
		return
	}

	h.writeSuccess(w, map[string]interface{}{"id": intent.ID, "status": intent.Status})
}

// RejectDelivery declines a delivery, spending it without creating an intent.
func (h *Handlers) RejectDelivery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.entries.Reject(r.Context(), id, body.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": id})
}

func (h *Handlers) GetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.entries.Find(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, intent)
}
