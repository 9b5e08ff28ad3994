package compliance

import (
	"time"

	"github.com/google/uuid"
)

// Status is the evaluated state of a single control or a whole framework.
type Status string

const (
	StatusCompliant          Status = "compliant"
	StatusPartiallyCompliant Status = "partially_compliant"
	StatusNonCompliant       Status = "non_compliant"
	StatusInRemediation      Status = "in_remediation"
	StatusNotApplicable      Status = "not_applicable"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCompliant, StatusPartiallyCompliant, StatusNonCompliant,
		StatusInRemediation, StatusNotApplicable:
		return true
	}
	return false
}

// AutomationLevel describes how much of a control's evidence gathering is automated.
type AutomationLevel string

const (
	AutomationFull    AutomationLevel = "full"
	AutomationPartial AutomationLevel = "partial"
	AutomationManual  AutomationLevel = "manual"
)

func (a AutomationLevel) Valid() bool {
	return a == AutomationFull || a == AutomationPartial || a == AutomationManual
}

// Framework is a named catalog of controls, e.g. SOC 2 or ISO 27001.
type Framework struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Version  string    `json:"version,omitempty" yaml:"version"`
	Controls []Control `json:"controls" yaml:"controls"`
}

// Control is one requirement inside a framework.
type Control struct {
	ID              string          `json:"id" yaml:"id"`
	Title           string          `json:"title,omitempty" yaml:"title"`
	RiskWeight      int             `json:"risk_weight" yaml:"riskWeight"`
	EvidenceTypes   []string        `json:"evidence_types" yaml:"evidenceTypes"`
	AutomationLevel AutomationLevel `json:"automation_level" yaml:"automationLevel"`
	Requirements    []string        `json:"requirements,omitempty" yaml:"requirements"`
}

// Control looks up a control by id.
func (f *Framework) Control(id string) (Control, bool) {
	for _, c := range f.Controls {
		if c.ID == id {
			return c, true
		}
	}
	return Control{}, false
}

// ControlResult is the outcome of evaluating one control during an assessment.
type ControlResult struct {
	ControlID        string     `json:"control_id"`
	Status           Status     `json:"status"`
	EvidenceCount    int        `json:"evidence_count"`
	RecentTypes      []string   `json:"recent_types"`
	MissingTypes     []string   `json:"missing_types"`
	LatestEvidenceAt *time.Time `json:"latest_evidence_at,omitempty"`
}

// Assessment is a point-in-time compliance evaluation of a framework.
type Assessment struct {
	ID              uuid.UUID       `json:"id"`
	FrameworkID     string          `json:"framework_id"`
	AssessedAt      time.Time       `json:"assessed_at"`
	OverallStatus   Status          `json:"overall_status"`
	ComplianceScore float64         `json:"compliance_score"`
	ControlResults  []ControlResult `json:"control_results"`
}

// StatusByControl flattens the control results for risk scoring.
func (a *Assessment) StatusByControl() map[string]Status {
	out := make(map[string]Status, len(a.ControlResults))
	for _, r := range a.ControlResults {
		out[r.ControlID] = r.Status
	}
	return out
}

// OverallStatus folds per-control results: any non-compliant control makes the
// framework non-compliant, at least 95% compliant applicable controls makes it
// compliant, anything else is partial. The second return is the percentage of
// applicable controls that are compliant.
func OverallStatus(results []ControlResult) (Status, float64) {
	applicable, compliant := 0, 0
	for _, r := range results {
		if r.Status == StatusNotApplicable {
			continue
		}
		applicable++
		if r.Status == StatusCompliant {
			compliant++
		}
	}
	if applicable == 0 {
		return StatusNotApplicable, 100
	}

	score := float64(compliant) / float64(applicable) * 100
	for _, r := range results {
		if r.Status == StatusNonCompliant {
			return StatusNonCompliant, score
		}
	}
	if score >= 95 {
		return StatusCompliant, score
	}
	return StatusPartiallyCompliant, score
}
