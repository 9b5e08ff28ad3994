package rest

import (
	"net/http"
	"time"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
	evidencesvc "github.com/davidleathers/compliance-governance-engine/internal/service/evidence"
)

type storeEvidenceResponse struct {
	Evidence *evidence.Record `json:"evidence"`
	Created  bool             `json:"created"`
}

func (h *handlers) storeEvidence(w http.ResponseWriter, r *http.Request) {
	var sub evidencesvc.Submission
	if err := decodeJSON(w, r, &sub); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, created, err := h.services.Evidence.StoreEvidence(r.Context(), sub)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, storeEvidenceResponse{Evidence: rec, Created: created})
}

func (h *handlers) getEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.services.Evidence.GetEvidence(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

func (h *handlers) verifyEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.services.Evidence.VerifyEvidence(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

func (h *handlers) evidenceForControl(w http.ResponseWriter, r *http.Request) {
	recs, err := h.services.Evidence.EvidenceForControl(r.Context(), r.PathValue("framework"), r.PathValue("control"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, r, recs, int64(len(recs)))
}

// evidenceStats reports job outcomes since ?since, defaulting to 24h ago.
func (h *handlers) evidenceStats(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	from := time.Now().Add(-24 * time.Hour)
	if since != nil {
		from = *since
	}
	stats, err := h.services.Evidence.Stats(r.Context(), from)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

func (h *handlers) createRule(w http.ResponseWriter, r *http.Request) {
	var rule evidence.Rule
	if err := decodeBody(w, r, &rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	created, err := h.services.Evidence.CreateCollectionRule(r.Context(), &rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

func (h *handlers) listRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rules, err := h.services.Evidence.ListRules(r.Context(), evidence.RuleFilter{
		FrameworkID: q.Get("framework_id"),
		ActiveOnly:  queryBool(r, "active"),
		Automated:   queryBool(r, "automated"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, r, rules, int64(len(rules)))
}

func (h *handlers) getRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rule, err := h.services.Evidence.GetRule(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rule)
}

func (h *handlers) updateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var rule evidence.Rule
	if err := decodeBody(w, r, &rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	rule.ID = id
	updated, err := h.services.Evidence.UpdateCollectionRule(r.Context(), &rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

func (h *handlers) deactivateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.services.Evidence.DeactivateCollectionRule(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runRule starts a collection job and answers before it completes.
func (h *handlers) runRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	job, err := h.services.Evidence.RunCollectionRule(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+job.ID.String())
	writeJSON(w, r, http.StatusAccepted, job)
}

func (h *handlers) ruleJobs(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jobs := h.services.Evidence.Jobs(id)
	writeList(w, r, jobs, int64(len(jobs)))
}

func (h *handlers) ruleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.services.Evidence.History(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, r, entries, int64(len(entries)))
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	job, err := h.services.Evidence.Job(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}
