package rest

import (
	"net/http"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
)

type mitigationStatusRequest struct {
	Status risk.ImplementationStatus `json:"status" validate:"required,oneof=planned in_progress implemented verified"`
}

type acceptanceRequest struct {
	AcceptedBy    string `json:"accepted_by" validate:"required,max=255"`
	Justification string `json:"justification" validate:"required,max=2000"`
}

func (h *handlers) listRisks(w http.ResponseWriter, r *http.Request) {
	risks, err := h.services.Risk.ListRisks(r.Context(), r.URL.Query().Get("framework_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, r, risks, int64(len(risks)))
}

func (h *handlers) getRisk(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cr, err := h.services.Risk.GetRisk(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cr)
}

func (h *handlers) highRiskControls(w http.ResponseWriter, r *http.Request) {
	risks, err := h.services.Risk.GetHighRiskControls(r.Context(), r.PathValue("framework"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, r, risks, int64(len(risks)))
}

func (h *handlers) latestRiskAssessment(w http.ResponseWriter, r *http.Request) {
	snap, err := h.services.Risk.LatestAssessment(r.Context(), r.PathValue("framework"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

func (h *handlers) addMitigation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var m risk.Mitigation
	if err := decodeBody(w, r, &m); err != nil {
		h.writeError(w, r, err)
		return
	}
	cr, err := h.services.Risk.AddMitigation(r.Context(), id, m)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, cr)
}

func (h *handlers) updateMitigationStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	mitigationID, err := pathUUID(r, "mitigation")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req mitigationStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cr, err := h.services.Risk.UpdateMitigationStatus(r.Context(), id, mitigationID, req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cr)
}

func (h *handlers) acceptRisk(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req acceptanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cr, err := h.services.Risk.AcceptRisk(r.Context(), id, req.AcceptedBy, req.Justification)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cr)
}
