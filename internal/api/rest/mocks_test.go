package rest

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
	auditsvc "github.com/davidleathers/compliance-governance-engine/internal/service/audit"
	evidencesvc "github.com/davidleathers/compliance-governance-engine/internal/service/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/service/governance"
)

type mockServices struct {
	Governance *MockGovernanceService
	Evidence   *MockEvidenceService
	Audit      *MockAuditService
	Risk       *MockRiskService
}

func newMockServices() *mockServices {
	return &mockServices{
		Governance: new(MockGovernanceService),
		Evidence:   new(MockEvidenceService),
		Audit:      new(MockAuditService),
		Risk:       new(MockRiskService),
	}
}

func (m *mockServices) services() Services {
	return Services{Governance: m.Governance, Evidence: m.Evidence, Audit: m.Audit, Risk: m.Risk}
}

// result returns args.Get(0) as T, or the zero value when the mock was told
// to return nil.
func result[T any](args mock.Arguments) T {
	var zero T
	v := args.Get(0)
	if v == nil {
		return zero
	}
	return v.(T)
}

type MockGovernanceService struct {
	mock.Mock
}

func (m *MockGovernanceService) Frameworks() []*compliance.Framework {
	return result[[]*compliance.Framework](m.Called())
}

func (m *MockGovernanceService) RunComplianceAssessment(ctx context.Context, frameworkID string, scope []string) (*compliance.Assessment, error) {
	args := m.Called(ctx, frameworkID, scope)
	return result[*compliance.Assessment](args), args.Error(1)
}

func (m *MockGovernanceService) LatestComplianceAssessment(frameworkID string) (*compliance.Assessment, error) {
	args := m.Called(frameworkID)
	return result[*compliance.Assessment](args), args.Error(1)
}

func (m *MockGovernanceService) GetComplianceDashboard(ctx context.Context) (*governance.Dashboard, error) {
	args := m.Called(ctx)
	return result[*governance.Dashboard](args), args.Error(1)
}

func (m *MockGovernanceService) RunGapAnalysis(ctx context.Context, req governance.GapRequest) (*governance.GapReport, error) {
	args := m.Called(ctx, req)
	return result[*governance.GapReport](args), args.Error(1)
}

func (m *MockGovernanceService) HealthCheck(ctx context.Context) *governance.HealthReport {
	return result[*governance.HealthReport](m.Called(ctx))
}

func (m *MockGovernanceService) LastHealth() *governance.HealthReport {
	return result[*governance.HealthReport](m.Called())
}

func (m *MockGovernanceService) PerformMaintenance(ctx context.Context) (*governance.MaintenanceReport, error) {
	args := m.Called(ctx)
	return result[*governance.MaintenanceReport](args), args.Error(1)
}

type MockEvidenceService struct {
	mock.Mock
}

func (m *MockEvidenceService) CreateCollectionRule(ctx context.Context, rule *evidence.Rule) (*evidence.Rule, error) {
	args := m.Called(ctx, rule)
	return result[*evidence.Rule](args), args.Error(1)
}

func (m *MockEvidenceService) UpdateCollectionRule(ctx context.Context, rule *evidence.Rule) (*evidence.Rule, error) {
	args := m.Called(ctx, rule)
	return result[*evidence.Rule](args), args.Error(1)
}

func (m *MockEvidenceService) DeactivateCollectionRule(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockEvidenceService) GetRule(ctx context.Context, id uuid.UUID) (*evidence.Rule, error) {
	args := m.Called(ctx, id)
	return result[*evidence.Rule](args), args.Error(1)
}

func (m *MockEvidenceService) ListRules(ctx context.Context, filter evidence.RuleFilter) ([]*evidence.Rule, error) {
	args := m.Called(ctx, filter)
	return result[[]*evidence.Rule](args), args.Error(1)
}

func (m *MockEvidenceService) RunCollectionRule(ctx context.Context, ruleID uuid.UUID) (*evidence.Job, error) {
	args := m.Called(ctx, ruleID)
	return result[*evidence.Job](args), args.Error(1)
}

func (m *MockEvidenceService) Job(id uuid.UUID) (*evidence.Job, error) {
	args := m.Called(id)
	return result[*evidence.Job](args), args.Error(1)
}

func (m *MockEvidenceService) Jobs(ruleID uuid.UUID) []*evidence.Job {
	return result[[]*evidence.Job](m.Called(ruleID))
}

func (m *MockEvidenceService) History(ctx context.Context, ruleID uuid.UUID, limit int) ([]*evidence.HistoryEntry, error) {
	args := m.Called(ctx, ruleID, limit)
	return result[[]*evidence.HistoryEntry](args), args.Error(1)
}

func (m *MockEvidenceService) StoreEvidence(ctx context.Context, sub evidencesvc.Submission) (*evidence.Record, bool, error) {
	args := m.Called(ctx, sub)
	return result[*evidence.Record](args), args.Bool(1), args.Error(2)
}

func (m *MockEvidenceService) GetEvidence(ctx context.Context, id uuid.UUID) (*evidence.Record, error) {
	args := m.Called(ctx, id)
	return result[*evidence.Record](args), args.Error(1)
}

func (m *MockEvidenceService) VerifyEvidence(ctx context.Context, id uuid.UUID) (*evidence.Record, error) {
	args := m.Called(ctx, id)
	return result[*evidence.Record](args), args.Error(1)
}

func (m *MockEvidenceService) EvidenceForControl(ctx context.Context, frameworkID, controlID string) ([]*evidence.Record, error) {
	args := m.Called(ctx, frameworkID, controlID)
	return result[[]*evidence.Record](args), args.Error(1)
}

func (m *MockEvidenceService) Stats(ctx context.Context, since time.Time) (*evidencesvc.CollectionStats, error) {
	args := m.Called(ctx, since)
	return result[*evidencesvc.CollectionStats](args), args.Error(1)
}

type MockAuditService struct {
	mock.Mock
}

func (m *MockAuditService) LogEvent(ctx context.Context, event *audit.Event) (*audit.Event, error) {
	args := m.Called(ctx, event)
	return result[*audit.Event](args), args.Error(1)
}

func (m *MockAuditService) Query(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	args := m.Called(ctx, filter)
	return result[[]*audit.Event](args), args.Error(1)
}

func (m *MockAuditService) Count(ctx context.Context, filter audit.Filter) (int64, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAuditService) GetAuditStatistics(ctx context.Context, from, to time.Time) (*audit.Statistics, error) {
	args := m.Called(ctx, from, to)
	return result[*audit.Statistics](args), args.Error(1)
}

func (m *MockAuditService) Export(ctx context.Context, filter audit.Filter, format auditsvc.ExportFormat, w io.Writer) (int, error) {
	args := m.Called(ctx, filter, format, w)
	return args.Int(0), args.Error(1)
}

func (m *MockAuditService) CreateAlertRule(ctx context.Context, rule *audit.AlertRule) (*audit.AlertRule, error) {
	args := m.Called(ctx, rule)
	return result[*audit.AlertRule](args), args.Error(1)
}

func (m *MockAuditService) UpdateAlertRule(ctx context.Context, rule *audit.AlertRule) (*audit.AlertRule, error) {
	args := m.Called(ctx, rule)
	return result[*audit.AlertRule](args), args.Error(1)
}

func (m *MockAuditService) GetAlertRule(ctx context.Context, id uuid.UUID) (*audit.AlertRule, error) {
	args := m.Called(ctx, id)
	return result[*audit.AlertRule](args), args.Error(1)
}

func (m *MockAuditService) ListAlertRules(ctx context.Context, activeOnly bool) ([]*audit.AlertRule, error) {
	args := m.Called(ctx, activeOnly)
	return result[[]*audit.AlertRule](args), args.Error(1)
}

func (m *MockAuditService) CreateSession(ctx context.Context, session *audit.Session) (*audit.Session, error) {
	args := m.Called(ctx, session)
	return result[*audit.Session](args), args.Error(1)
}

func (m *MockAuditService) GetSession(ctx context.Context, sessionID string) (*audit.Session, error) {
	args := m.Called(ctx, sessionID)
	return result[*audit.Session](args), args.Error(1)
}

func (m *MockAuditService) EndSession(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *MockAuditService) ListSessions(ctx context.Context, userID string, activeOnly bool) ([]*audit.Session, error) {
	args := m.Called(ctx, userID, activeOnly)
	return result[[]*audit.Session](args), args.Error(1)
}

func (m *MockAuditService) SaveRetentionPolicy(ctx context.Context, p *audit.RetentionPolicy) (*audit.RetentionPolicy, error) {
	args := m.Called(ctx, p)
	return result[*audit.RetentionPolicy](args), args.Error(1)
}

func (m *MockAuditService) ListRetentionPolicies(ctx context.Context, activeOnly bool) ([]*audit.RetentionPolicy, error) {
	args := m.Called(ctx, activeOnly)
	return result[[]*audit.RetentionPolicy](args), args.Error(1)
}

func (m *MockAuditService) ApplyRetentionPolicies(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type MockRiskService struct {
	mock.Mock
}

func (m *MockRiskService) GetRisk(ctx context.Context, id uuid.UUID) (*risk.ComplianceRisk, error) {
	args := m.Called(ctx, id)
	return result[*risk.ComplianceRisk](args), args.Error(1)
}

func (m *MockRiskService) ListRisks(ctx context.Context, frameworkID string) ([]*risk.ComplianceRisk, error) {
	args := m.Called(ctx, frameworkID)
	return result[[]*risk.ComplianceRisk](args), args.Error(1)
}

func (m *MockRiskService) GetHighRiskControls(ctx context.Context, frameworkID string) ([]*risk.ComplianceRisk, error) {
	args := m.Called(ctx, frameworkID)
	return result[[]*risk.ComplianceRisk](args), args.Error(1)
}

func (m *MockRiskService) LatestAssessment(ctx context.Context, frameworkID string) (*risk.Snapshot, error) {
	args := m.Called(ctx, frameworkID)
	return result[*risk.Snapshot](args), args.Error(1)
}

func (m *MockRiskService) AddMitigation(ctx context.Context, riskID uuid.UUID, mt risk.Mitigation) (*risk.ComplianceRisk, error) {
	args := m.Called(ctx, riskID, mt)
	return result[*risk.ComplianceRisk](args), args.Error(1)
}

func (m *MockRiskService) UpdateMitigationStatus(ctx context.Context, riskID, mitigationID uuid.UUID, status risk.ImplementationStatus) (*risk.ComplianceRisk, error) {
	args := m.Called(ctx, riskID, mitigationID, status)
	return result[*risk.ComplianceRisk](args), args.Error(1)
}

func (m *MockRiskService) AcceptRisk(ctx context.Context, riskID uuid.UUID, acceptedBy, justification string) (*risk.ComplianceRisk, error) {
	args := m.Called(ctx, riskID, acceptedBy, justification)
	return result[*risk.ComplianceRisk](args), args.Error(1)
}
