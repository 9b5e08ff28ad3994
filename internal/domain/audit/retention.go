package audit

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/validation"
)

// RetentionPolicy deletes audit events older than RetentionDays. Empty
// Actions or ResourceTypes match everything.
type RetentionPolicy struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name" validate:"required,max=200"`
	RetentionDays int       `json:"retention_days" validate:"min=1"`
	Actions       []string  `json:"actions,omitempty"`
	ResourceTypes []string  `json:"resource_types,omitempty"`
	Priority      int       `json:"priority"`
	Active        bool      `json:"active"`
}

func (p *RetentionPolicy) Validate() error {
	return validation.Struct("INVALID_RETENTION_POLICY", p)
}

// Cutoff is the instant before which matching events are removed.
func (p *RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.RetentionDays)
}

// SortByPriority orders policies highest priority first, keeping input order
// for ties.
func SortByPriority(policies []*RetentionPolicy) {
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority > policies[j].Priority
	})
}
