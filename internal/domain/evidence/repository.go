package evidence

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists evidence records and their control mappings.
type Store interface {
	// Insert stores rec unless a record with the same content hash exists, in
	// which case the existing record is returned and created is false.
	Insert(ctx context.Context, rec *Record) (stored *Record, created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	FindByHash(ctx context.Context, hash string) (*Record, error)
	// MapToControls links the record to each ref, ignoring links that already
	// exist, and returns how many were new.
	MapToControls(ctx context.Context, evidenceID uuid.UUID, refs []ControlRef) (int, error)
	ListForControl(ctx context.Context, frameworkID, controlID string) ([]*Record, error)
	MarkVerified(ctx context.Context, id uuid.UUID) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// DeleteOlderThan removes records collected before cutoff. An empty types
	// list matches every type.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, types []string) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

type RuleFilter struct {
	FrameworkID string
	ActiveOnly  bool
	Automated   bool
}

// RuleRepository persists collection rules and their run history.
type RuleRepository interface {
	SaveRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, id uuid.UUID) (*Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]*Rule, error)
	UpdateSchedule(ctx context.Context, id uuid.UUID, lastRun, nextRun *time.Time) error
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistory(ctx context.Context, ruleID uuid.UUID, limit int) ([]*HistoryEntry, error)
	HistoryStats(ctx context.Context, since time.Time) (*HistoryStats, error)
}
