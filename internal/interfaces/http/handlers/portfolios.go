package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/mtflow/mtflow/internal/domain"
)

func (h *Handlers) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	out, err := h.repo.Portfolios.List(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"portfolios": out})
}

func (h *Handlers) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var p domain.Portfolio
	if !h.decode(w, r, &p) {
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = domain.StatusActive
	}

	out, err := h.repo.Portfolios.Insert(r.Context(), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": out.ID})
}
