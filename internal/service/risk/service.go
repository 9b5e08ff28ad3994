package risk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/events"
	"github.com/davidleathers/compliance-governance-engine/internal/metrics"
)

const eventSource = "risk-assessment"

type Config struct {
	// IndustryThreat multiplies every control score (default: 1.1)
	IndustryThreat float64
}

// ControlInput is what an assessment knows about one control.
type ControlInput struct {
	Status compliance.Status
	// EvidenceAge is the age of the freshest mapped evidence; nil when none.
	EvidenceAge *time.Duration
}

// Service scores controls and tracks mitigations and acceptance.
type Service struct {
	config    Config
	logger    *zap.Logger
	repo      risk.Repository
	publisher events.Publisher
	metrics   *metrics.Registry
	tracer    trace.Tracer
	now       func() time.Time
}

func NewService(config Config, logger *zap.Logger, repo risk.Repository, publisher events.Publisher, registry *metrics.Registry) *Service {
	if config.IndustryThreat <= 0 {
		config.IndustryThreat = risk.DefaultIndustryThreat
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Service{
		config:    config,
		logger:    logger.With(zap.String("component", "risk_service")),
		repo:      repo,
		publisher: publisher,
		metrics:   registry,
		tracer:    otel.Tracer("risk.service"),
		now:       time.Now,
	}
}

// AssessFrameworkRisk scores every control, upserts its risk record and
// persists a framework snapshot. A control missing from inputs is scored as
// non-compliant.
func (s *Service) AssessFrameworkRisk(ctx context.Context, frameworkID string, controls []compliance.Control, inputs map[string]ControlInput) (*risk.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "RiskService.AssessFrameworkRisk",
		trace.WithAttributes(
			attribute.String("framework_id", frameworkID),
			attribute.Int("controls", len(controls)),
		))
	defer span.End()

	start := time.Now()
	now := s.now().UTC()
	risks := make([]*risk.ComplianceRisk, 0, len(controls))
	scores := make([]float64, 0, len(controls))

	for _, control := range controls {
		in, ok := inputs[control.ID]
		if !ok {
			in = ControlInput{Status: compliance.StatusNonCompliant}
		}
		r, err := s.assessControl(ctx, frameworkID, control, in, now)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		risks = append(risks, r)
		scores = append(scores, r.RiskScore)
	}

	snapshot := risk.NewSnapshot(frameworkID, risks, now)
	if err := s.repo.SaveSnapshot(ctx, snapshot); err != nil {
		span.RecordError(err)
		return nil, err
	}

	elapsed := time.Since(start)
	s.metrics.RecordRiskAssessment(ctx, frameworkID, float64(elapsed.Milliseconds()), scores)
	s.logger.Info("Risk assessment completed",
		zap.String("framework_id", frameworkID),
		zap.Float64("overall_score", snapshot.OverallRiskScore),
		zap.String("risk_level", string(snapshot.RiskLevel)),
		zap.Int("critical", snapshot.PerLevelCounts[risk.LevelCritical]),
		zap.Int("high", snapshot.PerLevelCounts[risk.LevelHigh]),
		zap.Duration("duration", elapsed))

	s.publisher.Publish(ctx, events.NewEvent(events.RiskAssessmentCompleted, eventSource, map[string]interface{}{
		"assessment_id":      snapshot.ID.String(),
		"framework_id":       frameworkID,
		"overall_risk_score": snapshot.OverallRiskScore,
		"risk_level":         string(snapshot.RiskLevel),
		"per_level_counts":   snapshot.PerLevelCounts,
		"recommendations":    len(snapshot.Recommendations),
	}))
	return snapshot, nil
}

func (s *Service) assessControl(ctx context.Context, frameworkID string, control compliance.Control, in ControlInput, now time.Time) (*risk.ComplianceRisk, error) {
	existing, err := s.repo.GetRiskForControl(ctx, frameworkID, control.ID)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}

	incidents := 0
	if existing != nil {
		incidents = existing.Incidents
	}
	score := risk.Calculate(risk.Inputs{
		Control:        control,
		Status:         in.Status,
		Incidents:      incidents,
		EvidenceAge:    in.EvidenceAge,
		IndustryThreat: s.config.IndustryThreat,
	})

	r := &risk.ComplianceRisk{
		FrameworkID:     frameworkID,
		ControlID:       control.ID,
		Status:          in.Status,
		AutomationLevel: control.AutomationLevel,
		EvidenceTypes:   append([]string(nil), control.EvidenceTypes...),
		RiskLevel:       score.Level,
		Likelihood:      score.Likelihood,
		Impact:          score.Impact,
		RiskScore:       score.Value,
		Incidents:       incidents,
		ReviewDate:      risk.ReviewDate(score.Level, now),
		AssessedAt:      now,
	}
	if in.Status == compliance.StatusNonCompliant {
		r.Incidents++
	}
	if existing == nil {
		r.ID = uuid.New()
	} else {
		// mitigations and sign-off outlive reassessment
		r.ID = existing.ID
		r.Mitigations = existing.Mitigations
		r.AcceptedBy = existing.AcceptedBy
		r.AcceptedAt = existing.AcceptedAt
		r.AcceptanceJustification = existing.AcceptanceJustification
	}
	r.RecomputeResidual()

	if err := s.repo.UpsertRisk(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// AddMitigation attaches a mitigation and recomputes residual risk.
func (s *Service) AddMitigation(ctx context.Context, riskID uuid.UUID, m risk.Mitigation) (*risk.ComplianceRisk, error) {
	ctx, span := s.tracer.Start(ctx, "RiskService.AddMitigation",
		trace.WithAttributes(attribute.String("risk_id", riskID.String())))
	defer span.End()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ImplementationStatus == "" {
		m.ImplementationStatus = risk.StatusPlanned
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	r, err := s.repo.GetRisk(ctx, riskID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	r.Mitigations = append(r.Mitigations, m)
	r.RecomputeResidual()
	if err := s.repo.UpdateRisk(ctx, r); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("Mitigation added",
		zap.String("risk_id", riskID.String()),
		zap.String("mitigation_id", m.ID.String()),
		zap.Float64("residual_risk", r.ResidualRisk))
	s.publisher.Publish(ctx, events.NewEvent(events.MitigationAdded, eventSource, map[string]interface{}{
		"risk_id":       riskID.String(),
		"mitigation_id": m.ID.String(),
		"framework_id":  r.FrameworkID,
		"control_id":    r.ControlID,
		"type":          string(m.Type),
		"status":        string(m.ImplementationStatus),
		"residual_risk": r.ResidualRisk,
	}))
	return r, nil
}

// UpdateMitigationStatus moves a mitigation through its lifecycle and
// recomputes residual risk.
func (s *Service) UpdateMitigationStatus(ctx context.Context, riskID, mitigationID uuid.UUID, status risk.ImplementationStatus) (*risk.ComplianceRisk, error) {
	switch status {
	case risk.StatusPlanned, risk.StatusInProgress, risk.StatusImplemented, risk.StatusVerified:
	default:
		return nil, errors.NewValidationError("INVALID_MITIGATION_STATUS",
			fmt.Sprintf("unknown implementation status %q", status))
	}

	r, err := s.repo.GetRisk(ctx, riskID)
	if err != nil {
		return nil, err
	}
	m := r.Mitigation(mitigationID)
	if m == nil {
		return nil, errors.NewNotFoundError("mitigation")
	}
	m.ImplementationStatus = status
	r.RecomputeResidual()
	if err := s.repo.UpdateRisk(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// AcceptRisk records a sign-off. Accepted risks drop out of the high-risk view.
func (s *Service) AcceptRisk(ctx context.Context, riskID uuid.UUID, acceptedBy, justification string) (*risk.ComplianceRisk, error) {
	if strings.TrimSpace(acceptedBy) == "" || strings.TrimSpace(justification) == "" {
		return nil, errors.NewValidationError("INVALID_RISK_ACCEPTANCE", "acceptedBy and justification are required")
	}

	r, err := s.repo.GetRisk(ctx, riskID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	r.AcceptedBy = acceptedBy
	r.AcceptedAt = &now
	r.AcceptanceJustification = justification
	if err := s.repo.UpdateRisk(ctx, r); err != nil {
		return nil, err
	}

	s.logger.Info("Risk accepted",
		zap.String("risk_id", riskID.String()),
		zap.String("accepted_by", acceptedBy),
		zap.String("risk_level", string(r.RiskLevel)))
	s.publisher.Publish(ctx, events.NewEvent(events.RiskAccepted, eventSource, map[string]interface{}{
		"risk_id":       riskID.String(),
		"framework_id":  r.FrameworkID,
		"control_id":    r.ControlID,
		"risk_level":    string(r.RiskLevel),
		"accepted_by":   acceptedBy,
		"justification": justification,
	}))
	return r, nil
}

// GetHighRiskControls returns unaccepted critical and high risks, highest score first.
func (s *Service) GetHighRiskControls(ctx context.Context, frameworkID string) ([]*risk.ComplianceRisk, error) {
	all, err := s.repo.ListRisks(ctx, frameworkID)
	if err != nil {
		return nil, err
	}
	var out []*risk.ComplianceRisk
	for _, r := range all {
		if r.Accepted() {
			continue
		}
		if r.RiskLevel == risk.LevelCritical || r.RiskLevel == risk.LevelHigh {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	return out, nil
}

func (s *Service) GetRisk(ctx context.Context, id uuid.UUID) (*risk.ComplianceRisk, error) {
	return s.repo.GetRisk(ctx, id)
}

func (s *Service) ListRisks(ctx context.Context, frameworkID string) ([]*risk.ComplianceRisk, error) {
	return s.repo.ListRisks(ctx, frameworkID)
}

// LatestAssessment returns the most recent snapshot of a framework.
func (s *Service) LatestAssessment(ctx context.Context, frameworkID string) (*risk.Snapshot, error) {
	return s.repo.LatestSnapshot(ctx, frameworkID)
}
