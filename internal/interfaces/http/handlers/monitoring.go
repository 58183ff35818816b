package handlers

import "net/http"

// MonitoringSnapshot serves the operational counts as JSON. The underlying
// queries degrade to zero with a warn log, so this endpoint never fails on
// a sick database.
func (h *Handlers) MonitoringSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.SnapshotNow(r.Context()))
}
