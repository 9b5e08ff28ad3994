package rest

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
	auditsvc "github.com/davidleathers/compliance-governance-engine/internal/service/audit"
	evidencesvc "github.com/davidleathers/compliance-governance-engine/internal/service/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/service/governance"
)

func setupRouter(t *testing.T, opts ...func(*Config)) (http.Handler, *mockServices) {
	t.Helper()
	mocks := newMockServices()
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewRouter(cfg, mocks.services(), zaptest.NewLogger(t)), mocks
}

func do(t *testing.T, h http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorResponse  `json:"error"`
	Meta    ResponseMeta    `json:"meta"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestHealthEndpoints(t *testing.T) {
	h, mocks := setupRouter(t)

	rec := do(t, h, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	t.Run("runs a check when none is cached", func(t *testing.T) {
		mocks.Governance.On("LastHealth").Return(nil).Once()
		mocks.Governance.On("HealthCheck", mock.Anything).
			Return(&governance.HealthReport{Status: governance.StatusUnhealthy}).Once()

		rec := do(t, h, http.MethodGet, "/health/ready", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.False(t, decode(t, rec).Success)
	})

	t.Run("uses the cached report", func(t *testing.T) {
		mocks.Governance.On("LastHealth").
			Return(&governance.HealthReport{Status: governance.StatusDegraded}).Once()

		rec := do(t, h, http.MethodGet, "/health/ready", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	mocks.Governance.AssertExpectations(t)
}

func TestRequestIDPropagation(t *testing.T) {
	h, mocks := setupRouter(t)
	mocks.Governance.On("Frameworks").Return([]*compliance.Framework{
		{ID: "soc2", Name: "SOC 2", Controls: []compliance.Control{{ID: "CC6.1"}, {ID: "CC7.2"}}},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/frameworks", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	env := decode(t, rec)
	assert.Equal(t, "req-123", env.Meta.RequestID)
	require.NotNil(t, env.Meta.Total)
	assert.EqualValues(t, 1, *env.Meta.Total)

	var fws []frameworkResponse
	require.NoError(t, json.Unmarshal(env.Data, &fws))
	assert.Equal(t, []frameworkResponse{{ID: "soc2", Name: "SOC 2", Controls: 2}}, fws)
}

func TestGovernanceHandlers(t *testing.T) {
	h, mocks := setupRouter(t)

	t.Run("assessment without body covers the whole framework", func(t *testing.T) {
		mocks.Governance.On("RunComplianceAssessment", mock.Anything, "soc2", []string(nil)).
			Return(&compliance.Assessment{FrameworkID: "soc2", OverallStatus: compliance.StatusCompliant}, nil).Once()

		rec := do(t, h, http.MethodPost, "/api/v1/frameworks/soc2/assessments", nil)
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("scoped assessment with unknown control", func(t *testing.T) {
		mocks.Governance.On("RunComplianceAssessment", mock.Anything, "soc2", []string{"XX"}).
			Return(nil, errors.NewValidationError("UNKNOWN_CONTROL", "control XX is not in framework soc2")).Once()

		rec := do(t, h, http.MethodPost, "/api/v1/frameworks/soc2/assessments", map[string]any{"scope": []string{"XX"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "UNKNOWN_CONTROL", decode(t, rec).Error.Code)
	})

	t.Run("latest assessment not found", func(t *testing.T) {
		mocks.Governance.On("LatestComplianceAssessment", "iso27001").
			Return(nil, errors.NewNotFoundError("compliance assessment")).Once()

		rec := do(t, h, http.MethodGet, "/api/v1/frameworks/iso27001/assessments/latest", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("gap analysis takes the framework from the path", func(t *testing.T) {
		mocks.Governance.On("RunGapAnalysis", mock.Anything, governance.GapRequest{
			FrameworkID: "soc2", TargetMaturity: 5, Refresh: true,
		}).Return(&governance.GapReport{FrameworkID: "soc2"}, nil).Once()

		rec := do(t, h, http.MethodPost, "/api/v1/frameworks/soc2/gap-analysis",
			map[string]any{"target_maturity": 5, "refresh": true})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("gap analysis rejects maturity out of range", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/frameworks/soc2/gap-analysis", map[string]any{"target_maturity": 9})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotEmpty(t, decode(t, rec).Error.Fields)
	})

	t.Run("maintenance", func(t *testing.T) {
		mocks.Governance.On("PerformMaintenance", mock.Anything).
			Return(&governance.MaintenanceReport{AuditRemoved: 3, EvidenceRemoved: 1}, nil).Once()

		rec := do(t, h, http.MethodPost, "/api/v1/maintenance", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	mocks.Governance.AssertExpectations(t)
}

func TestStoreEvidence(t *testing.T) {
	h, mocks := setupRouter(t)
	sub := map[string]any{
		"type":     "access_review",
		"source":   "okta",
		"data":     map[string]any{"users": 12},
		"controls": []map[string]string{{"framework_id": "soc2", "control_id": "CC6.1"}},
	}
	rec1 := &evidence.Record{ID: uuid.New(), Type: "access_review"}

	t.Run("new payload", func(t *testing.T) {
		mocks.Evidence.On("StoreEvidence", mock.Anything, mock.MatchedBy(func(s evidencesvc.Submission) bool {
			return s.Type == "access_review" && len(s.Controls) == 1 && s.Controls[0].ControlID == "CC6.1"
		})).Return(rec1, true, nil).Once()

		rec := do(t, h, http.MethodPost, "/api/v1/evidence", sub)
		require.Equal(t, http.StatusCreated, rec.Code)
		var got storeEvidenceResponse
		require.NoError(t, json.Unmarshal(decode(t, rec).Data, &got))
		assert.True(t, got.Created)
		assert.Equal(t, rec1.ID, got.Evidence.ID)
	})

	t.Run("duplicate payload returns the existing record", func(t *testing.T) {
		mocks.Evidence.On("StoreEvidence", mock.Anything, mock.Anything).Return(rec1, false, nil).Once()

		rec := do(t, h, http.MethodPost, "/api/v1/evidence", sub)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing required fields", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/evidence", map[string]any{"source": "okta"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_REQUEST", decode(t, rec).Error.Code)
	})

	t.Run("unknown fields", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/evidence", `{"type":"x","source":"y","data":1,"bogus":true}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_JSON", decode(t, rec).Error.Code)
	})

	t.Run("empty body", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/evidence", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	mocks.Evidence.AssertExpectations(t)
}

func TestCollectionRuleHandlers(t *testing.T) {
	h, mocks := setupRouter(t)
	ruleID := uuid.New()

	t.Run("invalid id", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/collection-rules/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_ID", decode(t, rec).Error.Code)
	})

	t.Run("unknown rule", func(t *testing.T) {
		mocks.Evidence.On("GetRule", mock.Anything, ruleID).Return(nil, errors.ErrRuleNotFound).Once()
		rec := do(t, h, http.MethodGet, "/api/v1/collection-rules/"+ruleID.String(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "RESOURCE_NOT_FOUND", decode(t, rec).Error.Code)
	})

	t.Run("list parses filters", func(t *testing.T) {
		mocks.Evidence.On("ListRules", mock.Anything, evidence.RuleFilter{FrameworkID: "soc2", ActiveOnly: true}).
			Return([]*evidence.Rule{{ID: ruleID}}, nil).Once()
		rec := do(t, h, http.MethodGet, "/api/v1/collection-rules?framework_id=soc2&active=true", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("update takes the id from the path", func(t *testing.T) {
		mocks.Evidence.On("UpdateCollectionRule", mock.Anything, mock.MatchedBy(func(r *evidence.Rule) bool {
			return r.ID == ruleID && r.Name == "weekly review"
		})).Return(&evidence.Rule{ID: ruleID}, nil).Once()
		rec := do(t, h, http.MethodPut, "/api/v1/collection-rules/"+ruleID.String(), map[string]any{
			"name": "weekly review", "framework_id": "soc2", "control_ids": []string{"CC6.1"}, "evidence_type": "access_review",
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("run returns the job before completion", func(t *testing.T) {
		job := &evidence.Job{ID: uuid.New(), RuleID: ruleID, Status: evidence.JobRunning, StartedAt: time.Now()}
		mocks.Evidence.On("RunCollectionRule", mock.Anything, ruleID).Return(job, nil).Once()

		rec := do(t, h, http.MethodPost, "/api/v1/collection-rules/"+ruleID.String()+"/run", nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "/api/v1/jobs/"+job.ID.String(), rec.Header().Get("Location"))
	})

	t.Run("run of inactive rule conflicts", func(t *testing.T) {
		mocks.Evidence.On("RunCollectionRule", mock.Anything, ruleID).
			Return(nil, errors.NewConflictError("collection rule is inactive")).Once()
		rec := do(t, h, http.MethodPost, "/api/v1/collection-rules/"+ruleID.String()+"/run", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("deactivate", func(t *testing.T) {
		mocks.Evidence.On("DeactivateCollectionRule", mock.Anything, ruleID).Return(nil).Once()
		rec := do(t, h, http.MethodDelete, "/api/v1/collection-rules/"+ruleID.String(), nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("history limit", func(t *testing.T) {
		mocks.Evidence.On("History", mock.Anything, ruleID, 5).Return([]*evidence.HistoryEntry{}, nil).Once()
		rec := do(t, h, http.MethodGet, "/api/v1/collection-rules/"+ruleID.String()+"/history?limit=5", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = do(t, h, http.MethodGet, "/api/v1/collection-rules/"+ruleID.String()+"/history?limit=-1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	mocks.Evidence.AssertExpectations(t)
}

func TestQueryEvents(t *testing.T) {
	h, mocks := setupRouter(t)

	mocks.Audit.On("Query", mock.Anything, mock.MatchedBy(func(f audit.Filter) bool {
		return assert.ObjectsAreEqual([]string{"alice", "bob"}, f.UserIDs) &&
			assert.ObjectsAreEqual([]string{"login"}, f.Actions) &&
			assert.ObjectsAreEqual([]audit.Result{audit.ResultFailure}, f.Results) &&
			f.Limit == maxPageSize && f.Offset == 10 && f.From != nil && f.Search == "vpn"
	})).Return([]*audit.Event{{ID: uuid.New()}}, nil).Once()
	mocks.Audit.On("Count", mock.Anything, mock.MatchedBy(func(f audit.Filter) bool {
		return f.Limit == 0 && f.Offset == 0 && len(f.UserIDs) == 2
	})).Return(int64(42), nil).Once()

	rec := do(t, h, http.MethodGet,
		"/api/v1/audit/events?user_id=alice,bob&action=login&result=failure&limit=5000&offset=10&from=2024-01-01T00:00:00Z&search=vpn", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decode(t, rec)
	assert.EqualValues(t, 42, *env.Meta.Total)

	t.Run("bad timestamp", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/audit/events?from=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	mocks.Audit.AssertExpectations(t)
}

func TestLogEventFillsRequestContext(t *testing.T) {
	h, mocks := setupRouter(t)

	mocks.Audit.On("LogEvent", mock.Anything, mock.MatchedBy(func(e *audit.Event) bool {
		return e.IPAddress == "203.0.113.9" && e.UserAgent == "auditor/1.0" && e.CorrelationID == "corr-1"
	})).Return(&audit.Event{ID: uuid.New()}, nil).Once()

	body, _ := json.Marshal(map[string]any{
		"user_id": "u1", "user_email": "u1@example.com", "user_role": "admin",
		"action": "login", "resource": map[string]string{"type": "user", "id": "u1"},
		"result": "success", "session_id": "s1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/audit/events", bytes.NewReader(body))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("User-Agent", "auditor/1.0")
	req.Header.Set("X-Request-ID", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	mocks.Audit.AssertExpectations(t)
}

func TestExportEvents(t *testing.T) {
	h, mocks := setupRouter(t)

	t.Run("unknown format is rejected before streaming", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/audit/export?format=xml", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("csv streams without a default page limit", func(t *testing.T) {
		mocks.Audit.On("Export", mock.Anything, mock.MatchedBy(func(f audit.Filter) bool { return f.Limit == 0 }),
			auditsvc.FormatCSV, mock.Anything).
			Run(func(args mock.Arguments) {
				_, _ = io.WriteString(args.Get(3).(io.Writer), "id,timestamp\n")
			}).
			Return(0, nil).Once()

		rec := do(t, h, http.MethodGet, "/api/v1/audit/export?format=CSV", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")
		assert.Equal(t, "id,timestamp\n", rec.Body.String())
	})

	mocks.Audit.AssertExpectations(t)
}

func TestSessionAndRetentionHandlers(t *testing.T) {
	h, mocks := setupRouter(t)

	mocks.Audit.On("ListSessions", mock.Anything, "alice", true).Return([]*audit.Session{{SessionID: "s1"}}, nil).Once()
	rec := do(t, h, http.MethodGet, "/api/v1/audit/sessions?user_id=alice&active=1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	mocks.Audit.On("EndSession", mock.Anything, "s1").Return(nil).Once()
	rec = do(t, h, http.MethodDelete, "/api/v1/audit/sessions/s1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	mocks.Audit.On("ApplyRetentionPolicies", mock.Anything).Return(int64(7), nil).Once()
	rec = do(t, h, http.MethodPost, "/api/v1/audit/retention-policies/apply", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":7}`, string(decode(t, rec).Data))

	mocks.Audit.AssertExpectations(t)
}

func TestRiskHandlers(t *testing.T) {
	h, mocks := setupRouter(t)
	riskID := uuid.New()
	mitigationID := uuid.New()

	t.Run("acceptance requires a justification", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/risks/"+riskID.String()+"/acceptance", map[string]any{"accepted_by": "ciso"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("acceptance", func(t *testing.T) {
		mocks.Risk.On("AcceptRisk", mock.Anything, riskID, "ciso", "compensating controls").
			Return(&risk.ComplianceRisk{ID: riskID, AcceptedBy: "ciso"}, nil).Once()
		rec := do(t, h, http.MethodPost, "/api/v1/risks/"+riskID.String()+"/acceptance",
			map[string]any{"accepted_by": "ciso", "justification": "compensating controls"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("mitigation status must be known", func(t *testing.T) {
		rec := do(t, h, http.MethodPatch, "/api/v1/risks/"+riskID.String()+"/mitigations/"+mitigationID.String(),
			map[string]any{"status": "done"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("mitigation status", func(t *testing.T) {
		mocks.Risk.On("UpdateMitigationStatus", mock.Anything, riskID, mitigationID, risk.StatusImplemented).
			Return(&risk.ComplianceRisk{ID: riskID}, nil).Once()
		rec := do(t, h, http.MethodPatch, "/api/v1/risks/"+riskID.String()+"/mitigations/"+mitigationID.String(),
			map[string]any{"status": "implemented"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("add mitigation", func(t *testing.T) {
		mocks.Risk.On("AddMitigation", mock.Anything, riskID, mock.MatchedBy(func(m risk.Mitigation) bool {
			return m.Type == risk.MitigationTechnical && m.Effectiveness == 40
		})).Return(&risk.ComplianceRisk{ID: riskID}, nil).Once()
		rec := do(t, h, http.MethodPost, "/api/v1/risks/"+riskID.String()+"/mitigations", map[string]any{
			"description": "enforce MFA", "type": "technical", "effectiveness": 40, "implementation_status": "planned",
		})
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("high risk controls", func(t *testing.T) {
		mocks.Risk.On("GetHighRiskControls", mock.Anything, "soc2").
			Return([]*risk.ComplianceRisk{{ID: riskID, RiskLevel: risk.LevelCritical}}, nil).Once()
		rec := do(t, h, http.MethodGet, "/api/v1/frameworks/soc2/high-risk-controls", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	mocks.Risk.AssertExpectations(t)
}

func TestUnexpectedErrorsAreOpaque(t *testing.T) {
	h, mocks := setupRouter(t)
	mocks.Governance.On("GetComplianceDashboard", mock.Anything).
		Return(nil, stderrors.New("pq: relation does not exist")).Once()

	rec := do(t, h, http.MethodGet, "/api/v1/dashboard", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
	assert.NotContains(t, env.Error.Message, "pq:")
}

func TestRateLimitAppliesToAPIRoutesOnly(t *testing.T) {
	h, mocks := setupRouter(t, func(c *Config) { c.Limiter = NewLocalLimiter(1, 2) })
	mocks.Governance.On("Frameworks").Return([]*compliance.Framework{})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/frameworks", nil).Code)
	}
	rec := do(t, h, http.MethodGet, "/api/v1/frameworks", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health/live", nil).Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, stderrors.New("redis: connection refused")
}

func TestRateLimiterFailsOpen(t *testing.T) {
	h, mocks := setupRouter(t, func(c *Config) { c.Limiter = failingLimiter{} })
	mocks.Governance.On("Frameworks").Return([]*compliance.Framework{})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/frameworks", nil).Code)
}
