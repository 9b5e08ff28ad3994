package evidence

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/validation"
)

// CollectorType selects the executor that gathers evidence for a rule.
type CollectorType string

const (
	CollectorAPI    CollectorType = "api"
	CollectorScript CollectorType = "script"
	CollectorQuery  CollectorType = "query"
	CollectorManual CollectorType = "manual"
)

// Operator is a declarative validation comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpMatches     Operator = "matches"
	OpExists      Operator = "exists"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

type Automation struct {
	Enabled  bool       `json:"enabled"`
	Schedule string     `json:"schedule,omitempty"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

type CollectorSpec struct {
	Type   CollectorType  `json:"type" validate:"required,oneof=api script query manual"`
	Config map[string]any `json:"config"`
}

type ValidationRule struct {
	Field    string   `json:"field" validate:"required"`
	Operator Operator `json:"operator" validate:"required,oneof=equals contains matches exists greater_than less_than"`
	Value    any      `json:"value,omitempty"`
}

type Validation struct {
	Required bool             `json:"required"`
	Rules    []ValidationRule `json:"rules" validate:"dive"`
}

// Rule describes what evidence to gather, how, and for which controls.
type Rule struct {
	ID           uuid.UUID     `json:"id"`
	Name         string        `json:"name" validate:"required,max=200"`
	FrameworkID  string        `json:"framework_id" validate:"required"`
	ControlIDs   []string      `json:"control_ids" validate:"required,min=1,dive,required"`
	EvidenceType string        `json:"evidence_type" validate:"required"`
	Automation   Automation    `json:"automation"`
	Collector    CollectorSpec `json:"collector"`
	Validation   *Validation   `json:"validation,omitempty"`
	Active       bool          `json:"active"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Validate checks struct constraints and that every "matches" pattern compiles.
func (r *Rule) Validate() error {
	if err := validation.Struct("INVALID_COLLECTION_RULE", r); err != nil {
		return err
	}
	if r.Validation != nil {
		for _, vr := range r.Validation.Rules {
			if vr.Operator != OpMatches {
				continue
			}
			pattern, ok := vr.Value.(string)
			if !ok {
				return errors.NewValidationError("INVALID_COLLECTION_RULE",
					fmt.Sprintf("matches rule on %s needs a string pattern", vr.Field))
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return errors.NewValidationError("INVALID_COLLECTION_RULE",
					fmt.Sprintf("matches rule on %s has a bad pattern", vr.Field)).WithCause(err)
			}
		}
	}
	return nil
}

// Schedulable reports whether the rule should own a recurring timer.
func (r *Rule) Schedulable() bool {
	return r.Active && r.Automation.Enabled && r.Automation.Schedule != ""
}

// Refs returns the controls the rule's evidence is mapped to.
func (r *Rule) Refs() []ControlRef {
	return Refs(r.FrameworkID, r.ControlIDs)
}
