package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mtflow/mtflow/internal/domain"
)

func (h *Handlers) ListBrokers(w http.ResponseWriter, r *http.Request) {
	out, err := h.repo.Brokers.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"brokers": out})
}

func (h *Handlers) ListUserBrokers(w http.ResponseWriter, r *http.Request) {
	out, err := h.repo.UserBrokers.List(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"user_brokers": out})
}

type createUserBrokerRequest struct {
	UserID   string            `json:"user_id"`
	BrokerID string            `json:"broker_id"`
	Role     domain.BrokerRole `json:"role"`
	Risk     domain.RiskPolicy `json:"risk"`
}

func (h *Handlers) CreateUserBroker(w http.ResponseWriter, r *http.Request) {
	var req createUserBrokerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleExec
	}

	ub, err := h.repo.UserBrokers.Insert(r.Context(), domain.UserBroker{
		ID:       uuid.NewString(),
		UserID:   req.UserID,
		BrokerID: req.BrokerID,
		Role:     req.Role,
		Risk:     req.Risk,
		Status:   domain.StatusActive,
		Enabled:  true,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": ub.ID})
}

func (h *Handlers) DeleteUserBroker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.repo.UserBrokers.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": id})
}

func (h *Handlers) ToggleUserBroker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.repo.UserBrokers.Toggle(r.Context(), id, body.Enabled); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": id, "enabled": body.Enabled})
}

func (h *Handlers) GetDataBroker(w http.ResponseWriter, r *http.Request) {
	ub, err := h.repo.UserBrokers.FindDataBroker(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ub)
}

// SetDataBroker creates the system DATA link. The store's partial unique
// index rejects a second active one.
func (h *Handlers) SetDataBroker(w http.ResponseWriter, r *http.Request) {
	var req createUserBrokerRequest
	if !h.decode(w, r, &req) {
		return
	}

	ub, err := h.repo.UserBrokers.Insert(r.Context(), domain.UserBroker{
		ID:       uuid.NewString(),
		UserID:   req.UserID,
		BrokerID: req.BrokerID,
		Role:     domain.RoleData,
		Status:   domain.StatusActive,
		Enabled:  true,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": ub.ID})
}

func (h *Handlers) OAuthURL(w http.ResponseWriter, r *http.Request) {
	url, err := h.brokers.OAuthURL(r.Context(), mux.Vars(r)["ubId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"oauthUrl": url})
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.brokers.ActiveSession(r.Context(), mux.Vars(r)["ubId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

func (h *Handlers) Disconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ubId"]
	if err := h.brokers.Disconnect(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": id})
}

func (h *Handlers) TestConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.brokers.TestConnection(r.Context(), mux.Vars(r)["ubId"]); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, nil)
}

// OAuthExchange is the broker OAuth callback. The state parameter carries
// the user-broker link id. Replaying a consumed code against a live session
// reports alreadyDone instead of failing.
func (h *Handlers) OAuthExchange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AuthCode string `json:"authCode"`
		State    string `json:"state"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	if body.AuthCode == "" || body.State == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authCode and state are required"})
		return
	}

	session, alreadyDone, err := h.brokers.Connect(r.Context(), body.State, body.AuthCode)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"userBrokerId": body.State,
		"sessionId":    session.ID,
		"alreadyDone":  alreadyDone,
	})
}
