package rest

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	auditsvc "github.com/davidleathers/compliance-governance-engine/internal/service/audit"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// logEvent accepts an event for the trail. Caller address and user agent are
// taken from the request when the body omits them.
func (h *handlers) logEvent(w http.ResponseWriter, r *http.Request) {
	var event audit.Event
	if err := decodeBody(w, r, &event); err != nil {
		h.writeError(w, r, err)
		return
	}
	if event.IPAddress == "" {
		event.IPAddress = getClientIP(r)
	}
	if event.UserAgent == "" {
		event.UserAgent = r.UserAgent()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = requestIDFrom(r.Context())
	}
	logged, err := h.services.Audit.LogEvent(r.Context(), &event)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, logged)
}

func (h *handlers) queryEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.services.Audit.Query(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	countFilter := filter
	countFilter.Limit, countFilter.Offset = 0, 0
	total, err := h.services.Audit.Count(r.Context(), countFilter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, r, events, total)
}

// exportEvents streams matching events. The format is checked up front since
// the status line is gone once streaming starts.
func (h *handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("limit") == "" {
		filter.Limit = 0
	}
	format := auditsvc.ExportFormat(strings.ToLower(r.URL.Query().Get("format")))
	if format == "" {
		format = auditsvc.FormatJSONL
	}
	var contentType string
	switch format {
	case auditsvc.FormatJSONL:
		contentType = "application/x-ndjson"
	case auditsvc.FormatCSV:
		contentType = "text/csv"
	default:
		h.writeError(w, r, errors.NewValidationError("UNSUPPORTED_EXPORT_FORMAT", "format must be jsonl or csv"))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="audit-%s.%s"`, time.Now().UTC().Format("20060102T150405Z"), format))
	n, err := h.services.Audit.Export(r.Context(), filter, format, w)
	if err != nil {
		h.logger.Error("Audit export aborted", zap.Int("written", n), zap.Error(err))
		return
	}
	h.logger.Info("Audit export completed", zap.Int("events", n), zap.String("format", string(format)))
}

func (h *handlers) auditStatistics(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	end := time.Now().UTC()
	if to != nil {
		end = *to
	}
	start := end.Add(-24 * time.Hour)
	if from != nil {
		start = *from
	}
	stats, err := h.services.Audit.GetAuditStatistics(r.Context(), start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

func auditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		UserIDs:       splitValues(q["user_id"]),
		Actions:       splitValues(q["action"]),
		ResourceTypes: splitValues(q["resource_type"]),
		Search:        q.Get("search"),
	}
	for _, res := range splitValues(q["result"]) {
		f.Results = append(f.Results, audit.Result(res))
	}
	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit", defaultPageSize); err != nil {
		return f, err
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

// splitValues accepts both repeated and comma-separated query values.
func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (h *handlers) createAlertRule(w http.ResponseWriter, r *http.Request) {
	var rule audit.AlertRule
	if err := decodeBody(w, r, &rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	created, err := h.services.Audit.CreateAlertRule(r.Context(), &rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

func (h *handlers) listAlertRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.services.Audit.ListAlertRules(r.Context(), queryBool(r, "active"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, r, rules, int64(len(rules)))
}

func (h *handlers) getAlertRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rule, err := h.services.Audit.GetAlertRule(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rule)
}

func (h *handlers) updateAlertRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var rule audit.AlertRule
	if err := decodeBody(w, r, &rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	rule.ID = id
	updated, err := h.services.Audit.UpdateAlertRule(r.Context(), &rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var session audit.Session
	if err := decodeBody(w, r, &session); err != nil {
		h.writeError(w, r, err)
		return
	}
	if session.IPAddress == "" {
		session.IPAddress = getClientIP(r)
	}
	if session.UserAgent == "" {
		session.UserAgent = r.UserAgent()
	}
	created, err := h.services.Audit.CreateSession(r.Context(), &session)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.services.Audit.ListSessions(r.Context(), r.URL.Query().Get("user_id"), queryBool(r, "active"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, r, sessions, int64(len(sessions)))
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.services.Audit.GetSession(r.Context(), r.PathValue("session"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

func (h *handlers) endSession(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Audit.EndSession(r.Context(), r.PathValue("session")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) saveRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	var policy audit.RetentionPolicy
	if err := decodeBody(w, r, &policy); err != nil {
		h.writeError(w, r, err)
		return
	}
	saved, err := h.services.Audit.SaveRetentionPolicy(r.Context(), &policy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, saved)
}

func (h *handlers) listRetentionPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.services.Audit.ListRetentionPolicies(r.Context(), queryBool(r, "active"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, r, policies, int64(len(policies)))
}

func (h *handlers) applyRetention(w http.ResponseWriter, r *http.Request) {
	removed, err := h.services.Audit.ApplyRetentionPolicies(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int64{"removed": removed})
}
