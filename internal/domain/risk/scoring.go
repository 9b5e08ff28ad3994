package risk

import (
	"math"
	"time"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
)

// Factors are the independent multipliers applied to the raw score.
type Factors struct {
	ControlWeight       float64 `json:"control_weight"`
	Automation          float64 `json:"automation"`
	EvidenceAge         float64 `json:"evidence_age"`
	HistoricalIncidents float64 `json:"historical_incidents"`
	IndustryThreat      float64 `json:"industry_threat"`
}

// DefaultIndustryThreat is slightly above neutral.
const DefaultIndustryThreat = 1.1

// Product multiplies all factors.
func (f Factors) Product() float64 {
	return f.ControlWeight * f.Automation * f.EvidenceAge * f.HistoricalIncidents * f.IndustryThreat
}

// Inputs is everything the per-control score depends on.
type Inputs struct {
	Control   compliance.Control
	Status    compliance.Status
	Incidents int

	// EvidenceAge is the age of the freshest evidence; nil when none exists.
	EvidenceAge    *time.Duration
	IndustryThreat float64
}

// Score is the outcome for one control.
type Score struct {
	Likelihood int     `json:"likelihood"`
	Impact     int     `json:"impact"`
	Raw        float64 `json:"raw"`
	Factors    Factors `json:"factors"`
	Value      float64 `json:"value"`
	Level      Level   `json:"level"`
}

// Likelihood maps compliance status to 1-5, then shifts by automation.
func Likelihood(status compliance.Status, automation compliance.AutomationLevel) int {
	var l int
	switch status {
	case compliance.StatusNonCompliant:
		l = 5
	case compliance.StatusPartiallyCompliant:
		l = 4
	case compliance.StatusInRemediation:
		l = 3
	case compliance.StatusCompliant:
		l = 2
	default:
		l = 1
	}
	switch automation {
	case compliance.AutomationFull:
		if l > 1 {
			l--
		}
	case compliance.AutomationManual:
		if l < 5 {
			l++
		}
	}
	return l
}

// Impact maps a 1-10 risk weight to 1-5.
func Impact(weight int) int {
	switch {
	case weight >= 9:
		return 5
	case weight >= 7:
		return 4
	case weight >= 5:
		return 3
	case weight >= 3:
		return 2
	}
	return 1
}

// ComputeFactors derives the five adjustment multipliers.
func ComputeFactors(in Inputs) Factors {
	f := Factors{
		ControlWeight:       0.9 + float64(in.Control.RiskWeight)*0.02,
		Automation:          1.0,
		EvidenceAge:         1.2,
		HistoricalIncidents: 1 + 0.05*math.Min(float64(in.Incidents), 6),
		IndustryThreat:      in.IndustryThreat,
	}
	if f.IndustryThreat <= 0 {
		f.IndustryThreat = DefaultIndustryThreat
	}

	switch in.Control.AutomationLevel {
	case compliance.AutomationFull:
		f.Automation = 0.9
	case compliance.AutomationManual:
		f.Automation = 1.1
	}

	if in.EvidenceAge != nil {
		days := in.EvidenceAge.Hours() / 24
		switch {
		case days <= 30:
			f.EvidenceAge = 1.0
		case days <= 90:
			f.EvidenceAge = 1.05
		default:
			f.EvidenceAge = 1.15
		}
	}
	return f
}

// Clamp bounds a score to [0, 100].
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// LevelFor maps a score onto a risk level.
func LevelFor(score float64) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	case score >= 20:
		return LevelLow
	}
	return LevelInfo
}

// ReviewDate schedules the next review from the calendar day of now.
func ReviewDate(level Level, now time.Time) time.Time {
	days := 365
	switch level {
	case LevelCritical:
		days = 30
	case LevelHigh:
		days = 90
	case LevelMedium:
		days = 180
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, days)
}

// Calculate scores one control.
func Calculate(in Inputs) Score {
	l := Likelihood(in.Status, in.Control.AutomationLevel)
	i := Impact(in.Control.RiskWeight)
	raw := float64(l * i * 4)
	f := ComputeFactors(in)
	v := Clamp(raw * f.Product())
	return Score{
		Likelihood: l,
		Impact:     i,
		Raw:        raw,
		Factors:    f,
		Value:      v,
		Level:      LevelFor(v),
	}
}
