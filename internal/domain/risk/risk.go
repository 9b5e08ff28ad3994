package risk

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/validation"
)

type Level string

const (
	LevelCritical Level = "critical"
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
	LevelInfo     Level = "info"
)

// Levels lists every level from most to least severe.
var Levels = []Level{LevelCritical, LevelHigh, LevelMedium, LevelLow, LevelInfo}

// Rank orders levels; higher is more severe.
func (l Level) Rank() int {
	switch l {
	case LevelCritical:
		return 4
	case LevelHigh:
		return 3
	case LevelMedium:
		return 2
	case LevelLow:
		return 1
	}
	return 0
}

type MitigationType string

const (
	MitigationTechnical      MitigationType = "technical"
	MitigationAdministrative MitigationType = "administrative"
	MitigationPhysical       MitigationType = "physical"
)

type ImplementationStatus string

const (
	StatusPlanned     ImplementationStatus = "planned"
	StatusInProgress  ImplementationStatus = "in_progress"
	StatusImplemented ImplementationStatus = "implemented"
	StatusVerified    ImplementationStatus = "verified"
)

// Effective reports whether a mitigation in this state reduces residual risk.
func (s ImplementationStatus) Effective() bool {
	return s == StatusImplemented || s == StatusVerified
}

type Mitigation struct {
	ID                   uuid.UUID            `json:"id"`
	Description          string               `json:"description" validate:"required,max=1000"`
	Type                 MitigationType       `json:"type" validate:"required,oneof=technical administrative physical"`
	Effectiveness        float64              `json:"effectiveness" validate:"min=0,max=100"`
	ImplementationStatus ImplementationStatus `json:"implementation_status" validate:"required,oneof=planned in_progress implemented verified"`
}

func (m *Mitigation) Validate() error {
	return validation.Struct("INVALID_MITIGATION", m)
}

// ComplianceRisk is the current risk record for one control. There is at
// most one per (framework, control).
type ComplianceRisk struct {
	ID                      uuid.UUID                  `json:"id"`
	FrameworkID             string                     `json:"framework_id"`
	ControlID               string                     `json:"control_id"`
	Status                  compliance.Status          `json:"status"`
	AutomationLevel         compliance.AutomationLevel `json:"automation_level"`
	EvidenceTypes           []string                   `json:"evidence_types"`
	RiskLevel               Level                      `json:"risk_level"`
	Likelihood              int                        `json:"likelihood"`
	Impact                  int                        `json:"impact"`
	RiskScore               float64                    `json:"risk_score"`
	Incidents               int                        `json:"incidents"`
	Mitigations             []Mitigation               `json:"mitigations"`
	ResidualRisk            float64                    `json:"residual_risk"`
	AcceptedBy              string                     `json:"accepted_by,omitempty"`
	AcceptedAt              *time.Time                 `json:"accepted_at,omitempty"`
	AcceptanceJustification string                     `json:"acceptance_justification,omitempty"`
	ReviewDate              time.Time                  `json:"review_date"`
	AssessedAt              time.Time                  `json:"assessed_at"`
}

// Accepted reports whether someone signed off on the risk.
func (r *ComplianceRisk) Accepted() bool {
	return r.AcceptedAt != nil
}

// MaxMitigationReduction caps how far mitigations can lower residual risk.
const MaxMitigationReduction = 0.9

// RecomputeResidual applies implemented and verified mitigations to the score.
func (r *ComplianceRisk) RecomputeResidual() {
	r.ResidualRisk = Residual(r.RiskScore, r.Mitigations)
}

// Residual is score × (1 − min(Σ effectiveness/100, 0.9)) over effective mitigations.
func Residual(score float64, mitigations []Mitigation) float64 {
	total := 0.0
	for _, m := range mitigations {
		if m.ImplementationStatus.Effective() {
			total += m.Effectiveness
		}
	}
	reduction := total / 100
	if reduction > MaxMitigationReduction {
		reduction = MaxMitigationReduction
	}
	return score * (1 - reduction)
}

// Mitigation returns a pointer to the mitigation with the given id.
func (r *ComplianceRisk) Mitigation(id uuid.UUID) *Mitigation {
	for i := range r.Mitigations {
		if r.Mitigations[i].ID == id {
			return &r.Mitigations[i]
		}
	}
	return nil
}

// Snapshot is an immutable framework-level assessment.
type Snapshot struct {
	ID               uuid.UUID        `json:"id"`
	FrameworkID      string           `json:"framework_id"`
	AssessmentDate   time.Time        `json:"assessment_date"`
	OverallRiskScore float64          `json:"overall_risk_score"`
	RiskLevel        Level            `json:"risk_level"`
	PerLevelCounts   map[Level]int    `json:"per_level_counts"`
	Recommendations  []Recommendation `json:"recommendations"`
}

type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

type Recommendation struct {
	ControlID     string          `json:"control_id"`
	RiskLevel     Level           `json:"risk_level"`
	RiskScore     float64         `json:"risk_score"`
	Description   string          `json:"description"`
	Effort        Effort          `json:"effort"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	Steps         []string        `json:"steps"`
	QuickWin      bool            `json:"quick_win"`
}
