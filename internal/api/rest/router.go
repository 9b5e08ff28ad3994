package rest

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/metrics"
)

// Config holds API configuration
type Config struct {
	EnableMetrics bool
	EnableTracing bool
	// Limiter throttles /api routes per client IP; nil disables limiting
	Limiter Limiter
	// Events serves the websocket event stream; nil disables it
	Events http.Handler
	Metrics *metrics.Registry
}

func DefaultConfig() Config {
	return Config{
		EnableMetrics: true,
		EnableTracing: true,
	}
}

type handlers struct {
	services Services
	logger   *zap.Logger
}

// NewRouter builds the HTTP surface over the governance services.
func NewRouter(config Config, services Services, logger *zap.Logger) http.Handler {
	logger = logger.With(zap.String("component", "rest"))
	h := &handlers{services: services, logger: logger}
	mux := http.NewServeMux()

	base := []Middleware{
		RecoveryMiddleware(logger),
		RequestIDMiddleware(),
		RequestLoggingMiddleware(logger),
	}
	if config.EnableMetrics {
		base = append(base, MetricsMiddleware(config.Metrics))
	}
	if config.EnableTracing {
		base = append(base, TracingMiddleware(otel.Tracer("api.rest")))
	}
	public := NewMiddlewareChain(base...)
	api := public
	if config.Limiter != nil {
		api = NewMiddlewareChain(append(base, RateLimitMiddleware(config.Limiter, logger))...)
	}

	route := func(chain *MiddlewareChain, pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, chain.Then(fn))
	}

	route(public, "GET /health/live", h.liveness)
	route(public, "GET /health/ready", h.readiness)
	if config.EnableMetrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	if config.Events != nil {
		mux.Handle("GET /api/v1/ws", public.Then(config.Events))
	}

	// governance
	route(api, "GET /api/v1/dashboard", h.dashboard)
	route(api, "GET /api/v1/frameworks", h.listFrameworks)
	route(api, "POST /api/v1/frameworks/{framework}/assessments", h.runAssessment)
	route(api, "GET /api/v1/frameworks/{framework}/assessments/latest", h.latestAssessment)
	route(api, "POST /api/v1/frameworks/{framework}/gap-analysis", h.gapAnalysis)
	route(api, "GET /api/v1/frameworks/{framework}/risk", h.latestRiskAssessment)
	route(api, "GET /api/v1/frameworks/{framework}/high-risk-controls", h.highRiskControls)
	route(api, "GET /api/v1/frameworks/{framework}/controls/{control}/evidence", h.evidenceForControl)
	route(api, "POST /api/v1/maintenance", h.maintenance)

	// evidence
	route(api, "POST /api/v1/evidence", h.storeEvidence)
	route(api, "GET /api/v1/evidence/stats", h.evidenceStats)
	route(api, "GET /api/v1/evidence/{id}", h.getEvidence)
	route(api, "POST /api/v1/evidence/{id}/verify", h.verifyEvidence)
	route(api, "POST /api/v1/collection-rules", h.createRule)
	route(api, "GET /api/v1/collection-rules", h.listRules)
	route(api, "GET /api/v1/collection-rules/{id}", h.getRule)
	route(api, "PUT /api/v1/collection-rules/{id}", h.updateRule)
	route(api, "DELETE /api/v1/collection-rules/{id}", h.deactivateRule)
	route(api, "POST /api/v1/collection-rules/{id}/run", h.runRule)
	route(api, "GET /api/v1/collection-rules/{id}/jobs", h.ruleJobs)
	route(api, "GET /api/v1/collection-rules/{id}/history", h.ruleHistory)
	route(api, "GET /api/v1/jobs/{id}", h.getJob)

	// audit
	route(api, "POST /api/v1/audit/events", h.logEvent)
	route(api, "GET /api/v1/audit/events", h.queryEvents)
	route(api, "GET /api/v1/audit/export", h.exportEvents)
	route(api, "GET /api/v1/audit/statistics", h.auditStatistics)
	route(api, "POST /api/v1/audit/alert-rules", h.createAlertRule)
	route(api, "GET /api/v1/audit/alert-rules", h.listAlertRules)
	route(api, "GET /api/v1/audit/alert-rules/{id}", h.getAlertRule)
	route(api, "PUT /api/v1/audit/alert-rules/{id}", h.updateAlertRule)
	route(api, "POST /api/v1/audit/sessions", h.createSession)
	route(api, "GET /api/v1/audit/sessions", h.listSessions)
	route(api, "GET /api/v1/audit/sessions/{session}", h.getSession)
	route(api, "DELETE /api/v1/audit/sessions/{session}", h.endSession)
	route(api, "POST /api/v1/audit/retention-policies", h.saveRetentionPolicy)
	route(api, "GET /api/v1/audit/retention-policies", h.listRetentionPolicies)
	route(api, "POST /api/v1/audit/retention-policies/apply", h.applyRetention)

	// risk
	route(api, "GET /api/v1/risks", h.listRisks)
	route(api, "GET /api/v1/risks/{id}", h.getRisk)
	route(api, "POST /api/v1/risks/{id}/mitigations", h.addMitigation)
	route(api, "PATCH /api/v1/risks/{id}/mitigations/{mitigation}", h.updateMitigationStatus)
	route(api, "POST /api/v1/risks/{id}/acceptance", h.acceptRisk)

	return mux
}
