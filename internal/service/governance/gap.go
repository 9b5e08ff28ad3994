package governance

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
)

// GapRequest selects what a gap analysis covers.
type GapRequest struct {
	FrameworkID string `json:"framework_id" validate:"required"`
	// TargetMaturity overrides the configured target, 1-5
	TargetMaturity int `json:"target_maturity,omitempty" validate:"omitempty,min=1,max=5"`
	// Scope restricts the controls analysed
	Scope []string `json:"scope,omitempty"`
	// Refresh runs a new compliance assessment instead of reusing the last one
	Refresh bool `json:"refresh,omitempty"`
}

// RemediationPlan closes the gap of one control.
type RemediationPlan struct {
	ControlID       string            `json:"control_id"`
	Title           string            `json:"title,omitempty"`
	Status          compliance.Status `json:"status"`
	CurrentMaturity int               `json:"current_maturity"`
	TargetMaturity  int               `json:"target_maturity"`
	Severity        risk.Level        `json:"severity"`
	RiskScore       float64           `json:"risk_score"`
	MissingEvidence []string          `json:"missing_evidence,omitempty"`
	EstimatedCost   decimal.Decimal   `json:"estimated_cost"`
	EffortDays      int               `json:"effort_days"`
	Steps           []string          `json:"steps"`
}

// GapReport is the outcome of a gap analysis.
type GapReport struct {
	FrameworkID     string            `json:"framework_id"`
	AssessmentID    string            `json:"assessment_id"`
	GeneratedAt     time.Time         `json:"generated_at"`
	OverallStatus   compliance.Status `json:"overall_status"`
	ComplianceScore float64           `json:"compliance_score"`
	Plans           []RemediationPlan `json:"plans"`
	TotalCost       decimal.Decimal   `json:"total_cost"`
	TotalEffortDays int               `json:"total_effort_days"`
}

var effortDaysPerLevel = map[risk.Effort]int{
	risk.EffortLow:    5,
	risk.EffortMedium: 10,
	risk.EffortHigh:   20,
}

// RunGapAnalysis builds a remediation plan for every applicable control that
// is not compliant, most severe first.
func (s *Service) RunGapAnalysis(ctx context.Context, req GapRequest) (*GapReport, error) {
	ctx, span := s.tracer.Start(ctx, "Governance.RunGapAnalysis",
		trace.WithAttributes(attribute.String("framework_id", req.FrameworkID)))
	defer span.End()

	if req.TargetMaturity != 0 && (req.TargetMaturity < 1 || req.TargetMaturity > 5) {
		return nil, errors.NewValidationError("INVALID_TARGET_MATURITY", "target maturity must be between 1 and 5")
	}
	target := req.TargetMaturity
	if target == 0 {
		target = s.config.TargetMaturity
	}

	fw, err := s.framework(req.FrameworkID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	assessment, err := s.LatestComplianceAssessment(fw.ID)
	if req.Refresh || len(req.Scope) > 0 || errors.IsNotFound(err) {
		assessment, err = s.RunComplianceAssessment(ctx, fw.ID, req.Scope)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	risks, err := s.subs.Risk.ListRisks(ctx, fw.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	byControl := make(map[string]*risk.ComplianceRisk, len(risks))
	for _, r := range risks {
		byControl[r.ControlID] = r
	}

	report := &GapReport{
		FrameworkID:     fw.ID,
		AssessmentID:    assessment.ID.String(),
		GeneratedAt:     s.now().UTC(),
		OverallStatus:   assessment.OverallStatus,
		ComplianceScore: assessment.ComplianceScore,
		TotalCost:       decimal.Zero,
	}
	for _, result := range assessment.ControlResults {
		if result.Status == compliance.StatusCompliant || result.Status == compliance.StatusNotApplicable {
			continue
		}
		control, ok := fw.Control(result.ControlID)
		if !ok {
			continue
		}
		plan := buildPlan(control, result, byControl[control.ID], target)
		report.Plans = append(report.Plans, plan)
		report.TotalCost = report.TotalCost.Add(plan.EstimatedCost)
		report.TotalEffortDays += plan.EffortDays
	}

	sort.SliceStable(report.Plans, func(i, j int) bool {
		a, b := report.Plans[i], report.Plans[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		return a.RiskScore > b.RiskScore
	})

	s.logger.Info("Gap analysis completed",
		zap.String("framework_id", fw.ID),
		zap.Int("plans", len(report.Plans)),
		zap.String("total_cost", report.TotalCost.StringFixed(2)),
		zap.Int("total_effort_days", report.TotalEffortDays))
	return report, nil
}

func buildPlan(control compliance.Control, result compliance.ControlResult, r *risk.ComplianceRisk, target int) RemediationPlan {
	current := Maturity(result.Status, control.AutomationLevel, result.EvidenceCount > 0)
	if target < current {
		target = current
	}
	plan := RemediationPlan{
		ControlID:       control.ID,
		Title:           control.Title,
		Status:          result.Status,
		CurrentMaturity: current,
		TargetMaturity:  target,
		MissingEvidence: result.MissingTypes,
	}

	mitigations := 0
	if r != nil {
		plan.Severity = r.RiskLevel
		plan.RiskScore = r.RiskScore
		plan.Steps = risk.MitigationSteps(r)
		mitigations = len(r.Mitigations)
	} else {
		plan.Severity = risk.LevelMedium
		plan.Steps = risk.MitigationSteps(&risk.ComplianceRisk{
			ControlID:       control.ID,
			AutomationLevel: control.AutomationLevel,
			EvidenceTypes:   control.EvidenceTypes,
		})
	}
	plan.EstimatedCost = risk.EstimateCost(plan.Severity, control.AutomationLevel)

	levels := target - current
	if levels < 1 {
		levels = 1
	}
	plan.EffortDays = effortDaysPerLevel[risk.EstimateEffort(control.AutomationLevel, mitigations)] * levels
	return plan
}

// Maturity places a control on a 1-5 scale: evidence-less non-compliance is
// 1, non-compliance with some evidence 2, partial compliance or remediation 3,
// compliance 4. Full automation adds one level, capped at 5.
func Maturity(status compliance.Status, automation compliance.AutomationLevel, hasEvidence bool) int {
	var m int
	switch status {
	case compliance.StatusCompliant:
		m = 4
	case compliance.StatusPartiallyCompliant, compliance.StatusInRemediation:
		m = 3
	case compliance.StatusNonCompliant:
		m = 1
		if hasEvidence {
			m = 2
		}
	default:
		m = 1
	}
	if automation == compliance.AutomationFull && m < 5 {
		m++
	}
	return m
}
