package risk

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
)

// BaseRemediationCost is the cost estimate for a medium risk on a partially
// automated control, in the reporting currency.
var BaseRemediationCost = decimal.NewFromInt(10000)

const maxQuickWins = 5

var costMultipliers = map[Level]decimal.Decimal{
	LevelCritical: decimal.NewFromInt(5),
	LevelHigh:     decimal.NewFromInt(2),
	LevelMedium:   decimal.NewFromInt(1),
	LevelLow:      decimal.NewFromFloat(0.5),
	LevelInfo:     decimal.NewFromFloat(0.5),
}

// EstimateCost scales the base cost by level and doubles it for manual
// controls above low.
func EstimateCost(level Level, automation compliance.AutomationLevel) decimal.Decimal {
	m, ok := costMultipliers[level]
	if !ok {
		m = decimal.NewFromInt(1)
	}
	cost := BaseRemediationCost.Mul(m)
	if automation == compliance.AutomationManual && level.Rank() > LevelLow.Rank() {
		cost = cost.Mul(decimal.NewFromInt(2))
	}
	return cost
}

// EstimateEffort is keyed off automation, one step lighter when at least two
// mitigations already exist.
func EstimateEffort(automation compliance.AutomationLevel, mitigations int) Effort {
	steps := []Effort{EffortLow, EffortMedium, EffortHigh}
	idx := 1
	switch automation {
	case compliance.AutomationFull:
		idx = 0
	case compliance.AutomationManual:
		idx = 2
	}
	if mitigations >= 2 && idx > 0 {
		idx--
	}
	return steps[idx]
}

// MitigationSteps derives two to five concrete steps from the control's
// evidence types and automation level.
func MitigationSteps(r *ComplianceRisk) []string {
	var steps []string
	for i, et := range r.EvidenceTypes {
		if i == 2 {
			break
		}
		steps = append(steps, fmt.Sprintf("Collect current %s evidence and map it to %s", et, r.ControlID))
	}
	switch r.AutomationLevel {
	case compliance.AutomationManual:
		steps = append(steps, fmt.Sprintf("Automate evidence collection for %s with a scheduled collector", r.ControlID))
	case compliance.AutomationPartial:
		steps = append(steps, "Extend automated collection to the remaining evidence sources")
	}
	steps = append(steps, fmt.Sprintf("Assign an owner and review cadence for %s", r.ControlID))
	if r.RiskLevel == LevelCritical {
		steps = append(steps, "Put interim compensating controls in place until remediation is verified")
	}
	if len(steps) < 2 {
		steps = append(steps, "Re-run the compliance assessment to confirm the control operates")
	}
	if len(steps) > 5 {
		steps = steps[:5]
	}
	return steps
}

func describe(r *ComplianceRisk) string {
	var reason string
	switch r.Status {
	case compliance.StatusNonCompliant:
		reason = "no current evidence demonstrates the control"
	case compliance.StatusPartiallyCompliant:
		reason = "evidence is incomplete or stale"
	case compliance.StatusInRemediation:
		reason = "remediation is in progress"
	default:
		reason = "residual exposure remains"
	}
	return fmt.Sprintf("%s risk on %s/%s (score %.1f): %s", r.RiskLevel, r.FrameworkID, r.ControlID, r.RiskScore, reason)
}

func recommend(r *ComplianceRisk, quickWin bool) Recommendation {
	return Recommendation{
		ControlID:     r.ControlID,
		RiskLevel:     r.RiskLevel,
		RiskScore:     r.RiskScore,
		Description:   describe(r),
		Effort:        EstimateEffort(r.AutomationLevel, len(r.Mitigations)),
		EstimatedCost: EstimateCost(r.RiskLevel, r.AutomationLevel),
		Steps:         MitigationSteps(r),
		QuickWin:      quickWin,
	}
}

// IsQuickWin selects medium risks that are cheap to close: fully automated
// controls scoring under 60, or single-evidence controls with no mitigations.
func IsQuickWin(r *ComplianceRisk) bool {
	if r.RiskLevel != LevelMedium {
		return false
	}
	if r.AutomationLevel == compliance.AutomationFull && r.RiskScore < 60 {
		return true
	}
	return len(r.EvidenceTypes) == 1 && len(r.Mitigations) == 0
}

// Recommendations lists every critical and high risk by descending score,
// followed by up to five medium quick wins.
func Recommendations(risks []*ComplianceRisk) []Recommendation {
	sorted := make([]*ComplianceRisk, len(risks))
	copy(sorted, risks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RiskScore > sorted[j].RiskScore
	})

	var out []Recommendation
	for _, r := range sorted {
		if r.RiskLevel == LevelCritical || r.RiskLevel == LevelHigh {
			out = append(out, recommend(r, false))
		}
	}
	wins := 0
	for _, r := range sorted {
		if wins == maxQuickWins {
			break
		}
		if IsQuickWin(r) {
			out = append(out, recommend(r, true))
			wins++
		}
	}
	return out
}

// NewSnapshot rolls control risks up into a framework assessment.
func NewSnapshot(frameworkID string, risks []*ComplianceRisk, now time.Time) *Snapshot {
	s := &Snapshot{
		ID:             uuid.New(),
		FrameworkID:    frameworkID,
		AssessmentDate: now,
		PerLevelCounts: make(map[Level]int, len(Levels)),
		RiskLevel:      LevelInfo,
	}
	for _, l := range Levels {
		s.PerLevelCounts[l] = 0
	}
	if len(risks) == 0 {
		return s
	}

	total := 0.0
	for _, r := range risks {
		total += r.RiskScore
		s.PerLevelCounts[r.RiskLevel]++
	}
	s.OverallRiskScore = total / float64(len(risks))
	s.RiskLevel = LevelFor(s.OverallRiskScore)
	s.Recommendations = Recommendations(risks)
	return s
}
