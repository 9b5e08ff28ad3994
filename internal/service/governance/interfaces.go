package governance

import (
	"context"
	"time"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
	auditsvc "github.com/davidleathers/compliance-governance-engine/internal/service/audit"
	evidencesvc "github.com/davidleathers/compliance-governance-engine/internal/service/evidence"
	risksvc "github.com/davidleathers/compliance-governance-engine/internal/service/risk"
)

// EvidenceSubsystem is the part of evidence collection the orchestrator drives.
type EvidenceSubsystem interface {
	LoadRules(ctx context.Context) (int, error)
	EvidenceForControl(ctx context.Context, frameworkID, controlID string) ([]*evidence.Record, error)
	Stats(ctx context.Context, since time.Time) (*evidencesvc.CollectionStats, error)
	PurgeExpired(ctx context.Context) (int64, error)
	ApplyRetention(ctx context.Context, rules []evidencesvc.RetentionRule) (int64, error)
	ScheduledRules() int
	Close(ctx context.Context) error
}

// AuditSubsystem is the part of the audit trail the orchestrator drives.
type AuditSubsystem interface {
	LogEvent(ctx context.Context, event *audit.Event) (*audit.Event, error)
	LogSystemEvent(ctx context.Context, event *audit.Event) (*audit.Event, error)
	ApplyRetentionPolicies(ctx context.Context) (int64, error)
	ListRetentionPolicies(ctx context.Context, activeOnly bool) ([]*audit.RetentionPolicy, error)
	Health() auditsvc.Health
	Close(ctx context.Context) error
}

// RiskSubsystem is the part of risk assessment the orchestrator drives.
type RiskSubsystem interface {
	AssessFrameworkRisk(ctx context.Context, frameworkID string, controls []compliance.Control, inputs map[string]risksvc.ControlInput) (*risk.Snapshot, error)
	GetHighRiskControls(ctx context.Context, frameworkID string) ([]*risk.ComplianceRisk, error)
	ListRisks(ctx context.Context, frameworkID string) ([]*risk.ComplianceRisk, error)
	LatestAssessment(ctx context.Context, frameworkID string) (*risk.Snapshot, error)
}

// Subsystems groups the composed services.
type Subsystems struct {
	Evidence EvidenceSubsystem
	Audit    AuditSubsystem
	Risk     RiskSubsystem
}

var (
	_ EvidenceSubsystem = (*evidencesvc.Service)(nil)
	_ AuditSubsystem    = (*auditsvc.Service)(nil)
	_ RiskSubsystem     = (*risksvc.Service)(nil)
)
