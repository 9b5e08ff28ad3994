package governance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	evidencesvc "github.com/davidleathers/compliance-governance-engine/internal/service/evidence"
)

// MaintenanceReport counts what a maintenance pass removed.
type MaintenanceReport struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	AuditRemoved    int64         `json:"audit_removed"`
	EvidenceRemoved int64         `json:"evidence_removed"`
}

// PerformMaintenance applies retention policies to the audit trail and the
// evidence store and removes expired evidence. Both sweeps run even if the first fails; the first error is
// returned with the partial report.
func (s *Service) PerformMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	ctx, span := s.tracer.Start(ctx, "Governance.PerformMaintenance")
	defer span.End()

	report := &MaintenanceReport{StartedAt: s.now().UTC()}
	start := time.Now()

	var firstErr error
	removed, err := s.subs.Audit.ApplyRetentionPolicies(ctx)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("Audit retention sweep failed", zap.Error(err))
		firstErr = err
	}
	report.AuditRemoved = removed

	purged, err := s.purgeEvidence(ctx)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("Evidence retention sweep failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	report.EvidenceRemoved = purged
	report.Duration = time.Since(start)

	s.logger.Info("Maintenance completed",
		zap.Int64("audit_removed", report.AuditRemoved),
		zap.Int64("evidence_removed", report.EvidenceRemoved),
		zap.Duration("duration", report.Duration))
	return report, firstErr
}

// purgeEvidence removes expired records, then applies the active retention
// policies highest priority first. ResourceTypes filter evidence types;
// policies scoped by action only describe audit events and are skipped.
func (s *Service) purgeEvidence(ctx context.Context) (int64, error) {
	removed, err := s.subs.Evidence.PurgeExpired(ctx)
	if err != nil {
		return removed, err
	}

	policies, err := s.subs.Audit.ListRetentionPolicies(ctx, true)
	if err != nil {
		return removed, err
	}
	audit.SortByPriority(policies)

	rules := make([]evidencesvc.RetentionRule, 0, len(policies))
	for _, p := range policies {
		if len(p.Actions) > 0 {
			continue
		}
		rules = append(rules, evidencesvc.RetentionRule{Name: p.Name, Days: p.RetentionDays, Types: p.ResourceTypes})
	}
	n, err := s.subs.Evidence.ApplyRetention(ctx, rules)
	return removed + n, err
}
