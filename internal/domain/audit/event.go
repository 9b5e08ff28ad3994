package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/validation"
)

// Result is the outcome of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPartial Result = "partial"
)

// SystemActor is the user id recorded for events the engine emits about itself.
const SystemActor = "system"

type Resource struct {
	Type string `json:"type" validate:"required,max=100"`
	ID   string `json:"id" validate:"required,max=255"`
	Name string `json:"name,omitempty"`
}

type ComplianceTags struct {
	FrameworkIDs []string `json:"framework_ids,omitempty"`
	ControlIDs   []string `json:"control_ids,omitempty"`
}

// Event is an append-only record of a privileged action.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	UserID        string          `json:"user_id" validate:"required,max=255"`
	UserEmail     string          `json:"user_email" validate:"required,email"`
	UserRole      string          `json:"user_role" validate:"required,max=100"`
	Action        string          `json:"action" validate:"required,max=100"`
	Resource      Resource        `json:"resource"`
	Details       map[string]any  `json:"details,omitempty"`
	Result        Result          `json:"result" validate:"required,oneof=success failure partial"`
	IPAddress     string          `json:"ip_address" validate:"required,ip"`
	UserAgent     string          `json:"user_agent,omitempty" validate:"max=500"`
	SessionID     string          `json:"session_id" validate:"required,max=255"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Compliance    *ComplianceTags `json:"compliance,omitempty"`
}

// Validate checks the event against the canonical schema.
func (e *Event) Validate() error {
	return validation.Struct("INVALID_AUDIT_EVENT", e)
}

// NewSystemEvent builds an event attributed to the engine itself.
func NewSystemEvent(action string, resource Resource, details map[string]any) *Event {
	return &Event{
		UserID:    SystemActor,
		UserEmail: "system@governance.local",
		UserRole:  SystemActor,
		Action:    action,
		Resource:  resource,
		Details:   details,
		Result:    ResultSuccess,
		IPAddress: "127.0.0.1",
		SessionID: SystemActor,
	}
}
