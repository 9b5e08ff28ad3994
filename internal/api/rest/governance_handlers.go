package rest

import (
	"net/http"

	"github.com/davidleathers/compliance-governance-engine/internal/service/governance"
)

type frameworkResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Controls int    `json:"controls"`
}

type assessmentRequest struct {
	Scope []string `json:"scope,omitempty" validate:"omitempty,dive,required"`
}

type gapRequest struct {
	TargetMaturity int      `json:"target_maturity,omitempty" validate:"omitempty,min=1,max=5"`
	Scope          []string `json:"scope,omitempty" validate:"omitempty,dive,required"`
	Refresh        bool     `json:"refresh,omitempty"`
}

func (h *handlers) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// readiness reuses the last background report when there is one.
func (h *handlers) readiness(w http.ResponseWriter, r *http.Request) {
	report := h.services.Governance.LastHealth()
	if report == nil || queryBool(r, "refresh") {
		report = h.services.Governance.HealthCheck(r.Context())
	}
	status := http.StatusOK
	if report.Status == governance.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, report)
}

func (h *handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.services.Governance.GetComplianceDashboard(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

func (h *handlers) listFrameworks(w http.ResponseWriter, r *http.Request) {
	fws := h.services.Governance.Frameworks()
	out := make([]frameworkResponse, 0, len(fws))
	for _, fw := range fws {
		out = append(out, frameworkResponse{ID: fw.ID, Name: fw.Name, Version: fw.Version, Controls: len(fw.Controls)})
	}
	writeList(w, r, out, int64(len(out)))
}

func (h *handlers) runAssessment(w http.ResponseWriter, r *http.Request) {
	var req assessmentRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	a, err := h.services.Governance.RunComplianceAssessment(r.Context(), r.PathValue("framework"), req.Scope)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, a)
}

func (h *handlers) latestAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := h.services.Governance.LatestComplianceAssessment(r.PathValue("framework"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

func (h *handlers) gapAnalysis(w http.ResponseWriter, r *http.Request) {
	var req gapRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	report, err := h.services.Governance.RunGapAnalysis(r.Context(), governance.GapRequest{
		FrameworkID:    r.PathValue("framework"),
		TargetMaturity: req.TargetMaturity,
		Scope:          req.Scope,
		Refresh:        req.Refresh,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

func (h *handlers) maintenance(w http.ResponseWriter, r *http.Request) {
	report, err := h.services.Governance.PerformMaintenance(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}
