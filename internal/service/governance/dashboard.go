package governance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
	evidencesvc "github.com/davidleathers/compliance-governance-engine/internal/service/evidence"
)

// FrameworkSummary is one framework's row on the dashboard.
type FrameworkSummary struct {
	FrameworkID      string                 `json:"framework_id"`
	Name             string                 `json:"name"`
	Controls         int                    `json:"controls"`
	Status           compliance.Status      `json:"status,omitempty"`
	ComplianceScore  float64                `json:"compliance_score"`
	AssessedAt       *time.Time             `json:"assessed_at,omitempty"`
	RiskScore        float64                `json:"risk_score"`
	RiskLevel        risk.Level             `json:"risk_level,omitempty"`
	RiskCounts       map[risk.Level]int     `json:"risk_counts"`
	HighRiskControls []*risk.ComplianceRisk `json:"high_risk_controls"`
}

// Dashboard aggregates every enabled framework with collection statistics.
type Dashboard struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	Frameworks  []FrameworkSummary          `json:"frameworks"`
	Evidence    *evidencesvc.CollectionStats `json:"evidence"`
	AuditQueue  int                         `json:"audit_queue"`
}

// GetComplianceDashboard summarizes the latest assessment, risk posture and
// evidence collection of every enabled framework. Frameworks never assessed
// are listed without status.
func (s *Service) GetComplianceDashboard(ctx context.Context) (*Dashboard, error) {
	ctx, span := s.tracer.Start(ctx, "Governance.GetComplianceDashboard")
	defer span.End()

	now := s.now().UTC()
	dash := &Dashboard{GeneratedAt: now}

	for _, fw := range s.Frameworks() {
		summary := FrameworkSummary{
			FrameworkID: fw.ID,
			Name:        fw.Name,
			Controls:    len(fw.Controls),
			RiskCounts:  make(map[risk.Level]int),
		}
		if a, err := s.LatestComplianceAssessment(fw.ID); err == nil {
			summary.Status = a.OverallStatus
			summary.ComplianceScore = a.ComplianceScore
			at := a.AssessedAt
			summary.AssessedAt = &at
		}

		snap, err := s.subs.Risk.LatestAssessment(ctx, fw.ID)
		switch {
		case err == nil:
			summary.RiskScore = snap.OverallRiskScore
			summary.RiskLevel = snap.RiskLevel
			for level, n := range snap.PerLevelCounts {
				summary.RiskCounts[level] = n
			}
		case !errors.IsNotFound(err):
			span.RecordError(err)
			return nil, err
		}

		high, err := s.subs.Risk.GetHighRiskControls(ctx, fw.ID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		summary.HighRiskControls = high
		dash.Frameworks = append(dash.Frameworks, summary)
	}

	stats, err := s.subs.Evidence.Stats(ctx, now.Add(-s.config.StatsWindow))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	dash.Evidence = stats
	dash.AuditQueue = s.subs.Audit.Health().Pending

	s.logger.Debug("Dashboard generated", zap.Int("frameworks", len(dash.Frameworks)))
	return dash, nil
}
