package risk

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists control risks and assessment snapshots.
type Repository interface {
	// UpsertRisk inserts or replaces the risk for (framework, control) and
	// writes the stored id back into risk.
	UpsertRisk(ctx context.Context, risk *ComplianceRisk) error
	GetRisk(ctx context.Context, id uuid.UUID) (*ComplianceRisk, error)
	GetRiskForControl(ctx context.Context, frameworkID, controlID string) (*ComplianceRisk, error)
	ListRisks(ctx context.Context, frameworkID string) ([]*ComplianceRisk, error)
	// UpdateRisk persists mitigation, residual and acceptance changes.
	UpdateRisk(ctx context.Context, risk *ComplianceRisk) error
	SaveSnapshot(ctx context.Context, s *Snapshot) error
	LatestSnapshot(ctx context.Context, frameworkID string) (*Snapshot, error)
}
