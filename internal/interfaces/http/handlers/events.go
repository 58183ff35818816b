package handlers

import (
	"net/http"
	"strconv"

	"github.com/mtflow/mtflow/internal/domain"
)

// TailEvents tails the append-only event log from ?after= (exclusive seq).
// With no identifiers every scope is returned; ?user_id= narrows to GLOBAL
// plus that user's USER events, and ?user_broker_id= additionally includes
// that link's USER_BROKER events.
func (h *Handlers) TailEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
	filter := domain.EventFilter{
		AfterSeq:     after,
		UserID:       q.Get("user_id"),
		UserBrokerID: q.Get("user_broker_id"),
		Limit:        queryLimit(r, 200, 1000),
	}

	var (
		events []domain.TradeEvent
		err    error
	)
	switch {
	case filter.UserBrokerID != "":
		events, err = h.repo.Events.TailUserBroker(r.Context(), filter)
	case filter.UserID != "":
		events, err = h.repo.Events.TailUser(r.Context(), filter)
	default:
		events, err = h.repo.Events.TailAll(r.Context(), filter)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	latest, err := h.repo.Events.LatestSeq(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":     events,
		"latest_seq": latest,
	})
}
