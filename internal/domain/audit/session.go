package audit

import (
	"time"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/validation"
)

// Session is one authenticated interaction window. LastActivity moves forward
// with every audit event carrying the session id.
type Session struct {
	SessionID    string     `json:"session_id" validate:"required,max=255"`
	UserID       string     `json:"user_id" validate:"required,max=255"`
	IPAddress    string     `json:"ip_address" validate:"required,ip"`
	UserAgent    string     `json:"user_agent,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	LastActivity time.Time  `json:"last_activity"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

func (s *Session) Validate() error {
	return validation.Struct("INVALID_SESSION", s)
}

func (s *Session) Active() bool {
	return s.EndedAt == nil
}
