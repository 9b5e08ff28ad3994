package audit

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows audit queries and exports. Zero values match everything.
type Filter struct {
	UserIDs       []string
	Actions       []string
	Results       []Result
	ResourceTypes []string
	From          *time.Time
	To            *time.Time
	// Search is a case-insensitive substring matched against action, user,
	// email and resource fields.
	Search string
	// After resumes a newest-first listing strictly past the given position;
	// it takes the place of Offset for stable paging.
	After  *Cursor
	Limit  int
	Offset int
}

// Cursor is a position in the newest-first (timestamp, id) ordering of the
// log.
type Cursor struct {
	Timestamp time.Time
	ID        uuid.UUID
}

// CursorOf returns the position of e.
func CursorOf(e *Event) *Cursor {
	return &Cursor{Timestamp: e.Timestamp, ID: e.ID}
}

// Past reports whether e lies strictly past c in newest-first order: older,
// or equally old with a smaller id.
func (c *Cursor) Past(e *Event) bool {
	if !e.Timestamp.Equal(c.Timestamp) {
		return e.Timestamp.Before(c.Timestamp)
	}
	return bytes.Compare(e.ID[:], c.ID[:]) < 0
}

// Repository is the durable audit event log.
type Repository interface {
	// StoreBatch writes all events in one bulk operation or none of them.
	StoreBatch(ctx context.Context, events []*Event) error
	Query(ctx context.Context, filter Filter) ([]*Event, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	// DeleteBefore removes events older than cutoff matching the optional
	// action and resource type lists. A repository that also keeps rollups
	// retracts the removed events from them.
	DeleteBefore(ctx context.Context, cutoff time.Time, actions, resourceTypes []string) (int64, error)
}

type RollupRepository interface {
	ApplyRollups(ctx context.Context, deltas []RollupDelta) error
	HourlyCounts(ctx context.Context, from, to time.Time) ([]HourlyCount, error)
}

type AlertRuleRepository interface {
	SaveAlertRule(ctx context.Context, rule *AlertRule) error
	GetAlertRule(ctx context.Context, id uuid.UUID) (*AlertRule, error)
	ListAlertRules(ctx context.Context, activeOnly bool) ([]*AlertRule, error)
	// RecordTrigger increments the trigger count and stamps lastTriggered.
	RecordTrigger(ctx context.Context, id uuid.UUID, at time.Time) (*AlertRule, error)
}

type SessionRepository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	EndSession(ctx context.Context, id string, at time.Time) error
	ListSessions(ctx context.Context, userID string, activeOnly bool) ([]*Session, error)
}

type RetentionPolicyRepository interface {
	SavePolicy(ctx context.Context, p *RetentionPolicy) error
	ListPolicies(ctx context.Context, activeOnly bool) ([]*RetentionPolicy, error)
}
