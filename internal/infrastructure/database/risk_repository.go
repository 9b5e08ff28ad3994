package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
)

const riskColumns = `id, framework_id, control_id, status, automation_level, evidence_types,
	risk_level, likelihood, impact, risk_score, incidents, mitigations, residual_risk,
	accepted_by, accepted_at, acceptance_justification, review_date, assessed_at`

// RiskRepository is the PostgreSQL risk.Repository.
type RiskRepository struct {
	db Querier
}

func NewRiskRepository(db Querier) *RiskRepository {
	return &RiskRepository{db: db}
}

// UpsertRisk keeps the row id of an existing (framework, control) pair and
// writes it back into r.
func (r *RiskRepository) UpsertRisk(ctx context.Context, cr *risk.ComplianceRisk) error {
	if cr.ID == uuid.Nil {
		cr.ID = uuid.New()
	}
	args, err := riskArgs(cr)
	if err != nil {
		return err
	}
	var id uuid.UUID
	err = r.db.QueryRow(ctx, `
		INSERT INTO compliance_risks (`+riskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (framework_id, control_id) DO UPDATE SET
			status = EXCLUDED.status,
			automation_level = EXCLUDED.automation_level,
			evidence_types = EXCLUDED.evidence_types,
			risk_level = EXCLUDED.risk_level,
			likelihood = EXCLUDED.likelihood,
			impact = EXCLUDED.impact,
			risk_score = EXCLUDED.risk_score,
			incidents = EXCLUDED.incidents,
			mitigations = EXCLUDED.mitigations,
			residual_risk = EXCLUDED.residual_risk,
			accepted_by = EXCLUDED.accepted_by,
			accepted_at = EXCLUDED.accepted_at,
			acceptance_justification = EXCLUDED.acceptance_justification,
			review_date = EXCLUDED.review_date,
			assessed_at = EXCLUDED.assessed_at
		RETURNING id`, args...).Scan(&id)
	if err != nil {
		return storeError("failed to upsert risk", err)
	}
	cr.ID = id
	return nil
}

func (r *RiskRepository) GetRisk(ctx context.Context, id uuid.UUID) (*risk.ComplianceRisk, error) {
	return scanRisk(r.db.QueryRow(ctx, `SELECT `+riskColumns+` FROM compliance_risks WHERE id = $1`, id))
}

func (r *RiskRepository) GetRiskForControl(ctx context.Context, frameworkID, controlID string) (*risk.ComplianceRisk, error) {
	return scanRisk(r.db.QueryRow(ctx,
		`SELECT `+riskColumns+` FROM compliance_risks WHERE framework_id = $1 AND control_id = $2`,
		frameworkID, controlID))
}

func (r *RiskRepository) ListRisks(ctx context.Context, frameworkID string) ([]*risk.ComplianceRisk, error) {
	var w whereBuilder
	if frameworkID != "" {
		w.add("framework_id = ?", frameworkID)
	}
	rows, err := r.db.Query(ctx, `SELECT `+riskColumns+` FROM compliance_risks`+w.String()+` ORDER BY framework_id, control_id`, w.args...)
	if err != nil {
		return nil, storeError("failed to list risks", err)
	}
	defer rows.Close()

	var out []*risk.ComplianceRisk
	for rows.Next() {
		cr, err := scanRisk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to list risks", err)
	}
	return out, nil
}

func (r *RiskRepository) UpdateRisk(ctx context.Context, cr *risk.ComplianceRisk) error {
	mitigations, err := encodeDocument(cr.Mitigations)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE compliance_risks SET
			mitigations = $2,
			residual_risk = $3,
			accepted_by = $4,
			accepted_at = $5,
			acceptance_justification = $6,
			review_date = $7
		WHERE id = $1`,
		cr.ID, mitigations, cr.ResidualRisk, cr.AcceptedBy, utcPtr(cr.AcceptedAt),
		cr.AcceptanceJustification, cr.ReviewDate.UTC())
	if err != nil {
		return storeError("failed to update risk", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrRiskNotFound
	}
	return nil
}

func (r *RiskRepository) SaveSnapshot(ctx context.Context, s *risk.Snapshot) error {
	counts, err := encodeDocument(s.PerLevelCounts)
	if err != nil {
		return err
	}
	recs, err := encodeDocument(s.Recommendations)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO risk_assessments
			(id, framework_id, assessment_date, overall_risk_score, risk_level, per_level_counts, recommendations)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.FrameworkID, s.AssessmentDate.UTC(), s.OverallRiskScore, string(s.RiskLevel), counts, recs)
	if err != nil {
		return storeError("failed to save risk assessment", err)
	}
	return nil
}

func (r *RiskRepository) LatestSnapshot(ctx context.Context, frameworkID string) (*risk.Snapshot, error) {
	var (
		s      risk.Snapshot
		level  string
		counts []byte
		recs   []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, framework_id, assessment_date, overall_risk_score, risk_level, per_level_counts, recommendations
		FROM risk_assessments
		WHERE framework_id = $1
		ORDER BY assessment_date DESC
		LIMIT 1`, frameworkID).
		Scan(&s.ID, &s.FrameworkID, &s.AssessmentDate, &s.OverallRiskScore, &level, &counts, &recs)
	if err != nil {
		if isNoRows(err) {
			return nil, errors.NewNotFoundError("risk assessment")
		}
		return nil, storeError("failed to read risk assessment", err)
	}
	s.AssessmentDate = s.AssessmentDate.UTC()
	s.RiskLevel = risk.Level(level)
	if err := decodeDocument(counts, &s.PerLevelCounts); err != nil {
		return nil, err
	}
	if err := decodeDocument(recs, &s.Recommendations); err != nil {
		return nil, err
	}
	return &s, nil
}

func riskArgs(cr *risk.ComplianceRisk) ([]any, error) {
	mitigations, err := encodeDocument(cr.Mitigations)
	if err != nil {
		return nil, err
	}
	evidenceTypes := cr.EvidenceTypes
	if evidenceTypes == nil {
		evidenceTypes = []string{}
	}
	return []any{
		cr.ID, cr.FrameworkID, cr.ControlID, string(cr.Status), string(cr.AutomationLevel), evidenceTypes,
		string(cr.RiskLevel), cr.Likelihood, cr.Impact, cr.RiskScore, cr.Incidents, mitigations, cr.ResidualRisk,
		cr.AcceptedBy, utcPtr(cr.AcceptedAt), cr.AcceptanceJustification, cr.ReviewDate.UTC(), cr.AssessedAt.UTC(),
	}, nil
}

func scanRisk(row pgx.Row) (*risk.ComplianceRisk, error) {
	var (
		cr                      risk.ComplianceRisk
		status, automation, lvl string
		mitigations             []byte
	)
	err := row.Scan(&cr.ID, &cr.FrameworkID, &cr.ControlID, &status, &automation, &cr.EvidenceTypes,
		&lvl, &cr.Likelihood, &cr.Impact, &cr.RiskScore, &cr.Incidents, &mitigations, &cr.ResidualRisk,
		&cr.AcceptedBy, &cr.AcceptedAt, &cr.AcceptanceJustification, &cr.ReviewDate, &cr.AssessedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, errors.ErrRiskNotFound
		}
		return nil, storeError("failed to scan risk", err)
	}
	cr.Status = compliance.Status(status)
	cr.AutomationLevel = compliance.AutomationLevel(automation)
	cr.RiskLevel = risk.Level(lvl)
	if err := decodeDocument(mitigations, &cr.Mitigations); err != nil {
		return nil, err
	}
	cr.AcceptedAt = utcPtr(cr.AcceptedAt)
	cr.ReviewDate = cr.ReviewDate.UTC()
	cr.AssessedAt = cr.AssessedAt.UTC()
	return &cr, nil
}
