package governance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/events"
	risksvc "github.com/davidleathers/compliance-governance-engine/internal/service/risk"
)

// RunComplianceAssessment evaluates every control of a framework from its
// mapped evidence, feeds the statuses to risk assessment and keeps the result
// for the dashboard. A non-empty scope restricts the controls evaluated.
func (s *Service) RunComplianceAssessment(ctx context.Context, frameworkID string, scope []string) (*compliance.Assessment, error) {
	ctx, span := s.tracer.Start(ctx, "Governance.RunComplianceAssessment",
		trace.WithAttributes(
			attribute.String("framework_id", frameworkID),
			attribute.Int("scope", len(scope)),
		))
	defer span.End()

	fw, err := s.framework(frameworkID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	controls, err := scopeControls(fw, scope)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := s.now().UTC()
	freshness := time.Duration(s.config.FreshnessDays) * 24 * time.Hour
	results := make([]compliance.ControlResult, 0, len(controls))
	inputs := make(map[string]risksvc.ControlInput, len(controls))

	for _, control := range controls {
		records, err := s.subs.Evidence.EvidenceForControl(ctx, fw.ID, control.ID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		result := EvaluateControl(control, records, now, freshness)
		results = append(results, result)

		in := risksvc.ControlInput{Status: result.Status}
		if result.LatestEvidenceAt != nil {
			age := now.Sub(*result.LatestEvidenceAt)
			in.EvidenceAge = &age
		}
		inputs[control.ID] = in
	}

	status, score := compliance.OverallStatus(results)
	assessment := &compliance.Assessment{
		ID:              uuid.New(),
		FrameworkID:     fw.ID,
		AssessedAt:      now,
		OverallStatus:   status,
		ComplianceScore: score,
		ControlResults:  results,
	}

	snapshot, err := s.subs.Risk.AssessFrameworkRisk(ctx, fw.ID, controls, inputs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.mu.Lock()
	s.assessments[fw.ID] = assessment
	s.mu.Unlock()

	s.metrics.RecordComplianceAssessment(ctx, fw.ID, string(status))
	s.logger.Info("Compliance assessment completed",
		zap.String("framework_id", fw.ID),
		zap.String("overall_status", string(status)),
		zap.Float64("compliance_score", score),
		zap.Int("controls", len(results)),
		zap.Float64("risk_score", snapshot.OverallRiskScore))

	if s.bus != nil {
		s.bus.Publish(ctx, events.NewEvent(events.AssessmentCompleted, eventSource, map[string]interface{}{
			"assessment_id":      assessment.ID.String(),
			"framework_id":       fw.ID,
			"overall_status":     string(status),
			"compliance_score":   score,
			"controls":           len(results),
			"overall_risk_score": snapshot.OverallRiskScore,
		}))
	}
	return assessment, nil
}

// LatestComplianceAssessment returns the last assessment run for a framework.
func (s *Service) LatestComplianceAssessment(frameworkID string) (*compliance.Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assessments[frameworkID]
	if !ok {
		return nil, errors.NewNotFoundError("compliance assessment")
	}
	c := *a
	c.ControlResults = append([]compliance.ControlResult(nil), a.ControlResults...)
	return &c, nil
}

func scopeControls(fw *compliance.Framework, scope []string) ([]compliance.Control, error) {
	if len(scope) == 0 {
		return fw.Controls, nil
	}
	out := make([]compliance.Control, 0, len(scope))
	for _, id := range scope {
		c, ok := fw.Control(id)
		if !ok {
			return nil, errors.NewValidationError("UNKNOWN_CONTROL",
				fmt.Sprintf("control %q is not part of framework %q", id, fw.ID))
		}
		out = append(out, c)
	}
	return out, nil
}

// EvaluateControl derives a control's status from its mapped evidence:
//   - no required evidence types: not_applicable
//   - no evidence at all: non_compliant
//   - every required type collected within the freshness window: compliant
//   - fresh evidence covering less than half the required types, or only
//     stale evidence: partially_compliant
//   - anything else: non_compliant
func EvaluateControl(control compliance.Control, records []*evidence.Record, now time.Time, freshness time.Duration) compliance.ControlResult {
	result := compliance.ControlResult{
		ControlID:     control.ID,
		EvidenceCount: len(records),
	}
	if len(control.EvidenceTypes) == 0 {
		result.Status = compliance.StatusNotApplicable
		return result
	}

	required := make(map[string]bool, len(control.EvidenceTypes))
	for _, t := range control.EvidenceTypes {
		required[t] = true
	}

	cutoff := now.Add(-freshness)
	recent := make(map[string]bool)
	fresh := 0
	for _, r := range records {
		if result.LatestEvidenceAt == nil || r.CollectedAt.After(*result.LatestEvidenceAt) {
			at := r.CollectedAt
			result.LatestEvidenceAt = &at
		}
		if r.CollectedAt.Before(cutoff) {
			continue
		}
		fresh++
		if required[r.Type] {
			recent[r.Type] = true
		}
	}
	for t := range recent {
		result.RecentTypes = append(result.RecentTypes, t)
	}
	for t := range required {
		if !recent[t] {
			result.MissingTypes = append(result.MissingTypes, t)
		}
	}
	sort.Strings(result.RecentTypes)
	sort.Strings(result.MissingTypes)

	switch {
	case len(records) == 0:
		result.Status = compliance.StatusNonCompliant
	case len(recent) == len(required):
		result.Status = compliance.StatusCompliant
	case fresh == 0 || len(recent)*2 < len(required):
		result.Status = compliance.StatusPartiallyCompliant
	default:
		result.Status = compliance.StatusNonCompliant
	}
	return result
}
