package rest

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
	auditsvc "github.com/davidleathers/compliance-governance-engine/internal/service/audit"
	evidencesvc "github.com/davidleathers/compliance-governance-engine/internal/service/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/service/governance"
	risksvc "github.com/davidleathers/compliance-governance-engine/internal/service/risk"
)

// GovernanceService is the orchestrator surface exposed over HTTP.
type GovernanceService interface {
	Frameworks() []*compliance.Framework
	RunComplianceAssessment(ctx context.Context, frameworkID string, scope []string) (*compliance.Assessment, error)
	LatestComplianceAssessment(frameworkID string) (*compliance.Assessment, error)
	GetComplianceDashboard(ctx context.Context) (*governance.Dashboard, error)
	RunGapAnalysis(ctx context.Context, req governance.GapRequest) (*governance.GapReport, error)
	HealthCheck(ctx context.Context) *governance.HealthReport
	LastHealth() *governance.HealthReport
	PerformMaintenance(ctx context.Context) (*governance.MaintenanceReport, error)
}

type EvidenceService interface {
	CreateCollectionRule(ctx context.Context, rule *evidence.Rule) (*evidence.Rule, error)
	UpdateCollectionRule(ctx context.Context, rule *evidence.Rule) (*evidence.Rule, error)
	DeactivateCollectionRule(ctx context.Context, id uuid.UUID) error
	GetRule(ctx context.Context, id uuid.UUID) (*evidence.Rule, error)
	ListRules(ctx context.Context, filter evidence.RuleFilter) ([]*evidence.Rule, error)
	RunCollectionRule(ctx context.Context, ruleID uuid.UUID) (*evidence.Job, error)
	Job(id uuid.UUID) (*evidence.Job, error)
	Jobs(ruleID uuid.UUID) []*evidence.Job
	History(ctx context.Context, ruleID uuid.UUID, limit int) ([]*evidence.HistoryEntry, error)
	StoreEvidence(ctx context.Context, sub evidencesvc.Submission) (*evidence.Record, bool, error)
	GetEvidence(ctx context.Context, id uuid.UUID) (*evidence.Record, error)
	VerifyEvidence(ctx context.Context, id uuid.UUID) (*evidence.Record, error)
	EvidenceForControl(ctx context.Context, frameworkID, controlID string) ([]*evidence.Record, error)
	Stats(ctx context.Context, since time.Time) (*evidencesvc.CollectionStats, error)
}

type AuditService interface {
	LogEvent(ctx context.Context, event *audit.Event) (*audit.Event, error)
	Query(ctx context.Context, filter audit.Filter) ([]*audit.Event, error)
	Count(ctx context.Context, filter audit.Filter) (int64, error)
	GetAuditStatistics(ctx context.Context, from, to time.Time) (*audit.Statistics, error)
	Export(ctx context.Context, filter audit.Filter, format auditsvc.ExportFormat, w io.Writer) (int, error)

	CreateAlertRule(ctx context.Context, rule *audit.AlertRule) (*audit.AlertRule, error)
	UpdateAlertRule(ctx context.Context, rule *audit.AlertRule) (*audit.AlertRule, error)
	GetAlertRule(ctx context.Context, id uuid.UUID) (*audit.AlertRule, error)
	ListAlertRules(ctx context.Context, activeOnly bool) ([]*audit.AlertRule, error)

	CreateSession(ctx context.Context, session *audit.Session) (*audit.Session, error)
	GetSession(ctx context.Context, sessionID string) (*audit.Session, error)
	EndSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, userID string, activeOnly bool) ([]*audit.Session, error)

	SaveRetentionPolicy(ctx context.Context, p *audit.RetentionPolicy) (*audit.RetentionPolicy, error)
	ListRetentionPolicies(ctx context.Context, activeOnly bool) ([]*audit.RetentionPolicy, error)
	ApplyRetentionPolicies(ctx context.Context) (int64, error)
}

type RiskService interface {
	GetRisk(ctx context.Context, id uuid.UUID) (*risk.ComplianceRisk, error)
	ListRisks(ctx context.Context, frameworkID string) ([]*risk.ComplianceRisk, error)
	GetHighRiskControls(ctx context.Context, frameworkID string) ([]*risk.ComplianceRisk, error)
	LatestAssessment(ctx context.Context, frameworkID string) (*risk.Snapshot, error)
	AddMitigation(ctx context.Context, riskID uuid.UUID, m risk.Mitigation) (*risk.ComplianceRisk, error)
	UpdateMitigationStatus(ctx context.Context, riskID, mitigationID uuid.UUID, status risk.ImplementationStatus) (*risk.ComplianceRisk, error)
	AcceptRisk(ctx context.Context, riskID uuid.UUID, acceptedBy, justification string) (*risk.ComplianceRisk, error)
}

// Services groups the backends the router dispatches to.
type Services struct {
	Governance GovernanceService
	Evidence   EvidenceService
	Audit      AuditService
	Risk       RiskService
}

var (
	_ GovernanceService = (*governance.Service)(nil)
	_ EvidenceService   = (*evidencesvc.Service)(nil)
	_ AuditService      = (*auditsvc.Service)(nil)
	_ RiskService       = (*risksvc.Service)(nil)
)
