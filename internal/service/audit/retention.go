package audit

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
)

// SaveRetentionPolicy validates and stores a policy.
func (s *Service) SaveRetentionPolicy(ctx context.Context, p *audit.RetentionPolicy) (*audit.RetentionPolicy, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.repos.Policies.SavePolicy(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) ListRetentionPolicies(ctx context.Context, activeOnly bool) ([]*audit.RetentionPolicy, error) {
	return s.repos.Policies.ListPolicies(ctx, activeOnly)
}

// ApplyRetentionPolicies runs every active policy, highest priority first,
// and returns the total number of events removed.
func (s *Service) ApplyRetentionPolicies(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "AuditTrail.ApplyRetentionPolicies")
	defer span.End()

	policies, err := s.repos.Policies.ListPolicies(ctx, true)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	audit.SortByPriority(policies)

	now := s.now()
	var total int64
	for _, p := range policies {
		n, err := s.repos.Events.DeleteBefore(ctx, p.Cutoff(now), p.Actions, p.ResourceTypes)
		if err != nil {
			span.RecordError(err)
			return total, err
		}
		total += n
		if n > 0 {
			s.logger.Info("Retention policy applied",
				zap.String("policy", p.Name),
				zap.Int("retention_days", p.RetentionDays),
				zap.Int64("removed", n))
		}
	}

	if total > 0 {
		// deletion of audit data is itself audited
		e := audit.NewSystemEvent("audit_retention_applied", audit.Resource{Type: "audit_log", ID: "events"},
			map[string]any{"removed": total, "policies": len(policies)})
		if _, err := s.LogSystemEvent(ctx, e); err != nil {
			s.logger.Warn("Failed to record retention event", zap.Error(err))
		}
	}
	return total, nil
}
