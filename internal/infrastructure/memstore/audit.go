package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

// AuditStore is an in-memory audit.Repository and audit.RollupRepository.
type AuditStore struct {
	mu      sync.RWMutex
	events  []*audit.Event
	rollups map[rollupKey]int64
}

type rollupKey struct {
	bucket audit.RollupBucket
	key    string
	hour   time.Time
}

func NewAuditStore() *AuditStore {
	return &AuditStore{rollups: make(map[rollupKey]int64)}
}

func (s *AuditStore) StoreBatch(_ context.Context, events []*audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		c := *e
		s.events = append(s.events, &c)
	}
	return nil
}

// Query returns matching events newest first, ties broken by descending id.
func (s *AuditStore) Query(_ context.Context, f audit.Filter) ([]*audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*audit.Event
	for _, e := range s.events {
		if matchesFilter(e, f) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return audit.CursorOf(out[i]).Past(out[j]) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *AuditStore) Count(_ context.Context, f audit.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.events {
		if matchesFilter(e, f) {
			n++
		}
	}
	return n, nil
}

func (s *AuditStore) DeleteBefore(_ context.Context, cutoff time.Time, actions, resourceTypes []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var gone []*audit.Event
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) &&
			(len(actions) == 0 || containsString(actions, e.Action)) &&
			(len(resourceTypes) == 0 || containsString(resourceTypes, e.Resource.Type)) {
			gone = append(gone, e)
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept

	for _, d := range audit.Rollups(gone) {
		k := rollupKey{bucket: d.Bucket, key: d.Key, hour: d.HourStart}
		if s.rollups[k] -= d.Count; s.rollups[k] <= 0 {
			delete(s.rollups, k)
		}
	}
	return int64(len(gone)), nil
}

func (s *AuditStore) ApplyRollups(_ context.Context, deltas []audit.RollupDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deltas {
		s.rollups[rollupKey{bucket: d.Bucket, key: d.Key, hour: d.HourStart}] += d.Count
	}
	return nil
}

func (s *AuditStore) HourlyCounts(_ context.Context, from, to time.Time) ([]audit.HourlyCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	from = from.UTC().Truncate(time.Hour)
	var out []audit.HourlyCount
	for k, n := range s.rollups {
		if k.bucket != audit.BucketHour || k.hour.Before(from) || k.hour.After(to) {
			continue
		}
		out = append(out, audit.HourlyCount{Hour: k.hour, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

func matchesFilter(e *audit.Event, f audit.Filter) bool {
	if len(f.UserIDs) > 0 && !containsString(f.UserIDs, e.UserID) {
		return false
	}
	if len(f.Actions) > 0 && !containsString(f.Actions, e.Action) {
		return false
	}
	if len(f.ResourceTypes) > 0 && !containsString(f.ResourceTypes, e.Resource.Type) {
		return false
	}
	if len(f.Results) > 0 {
		ok := false
		for _, r := range f.Results {
			if r == e.Result {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.Timestamp.Before(*f.To) {
		return false
	}
	if f.After != nil && !f.After.Past(e) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		hay := strings.ToLower(strings.Join([]string{
			e.Action, e.UserID, e.UserEmail, e.Resource.Type, e.Resource.ID, e.Resource.Name,
		}, " "))
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

// AlertRuleStore is an in-memory audit.AlertRuleRepository.
type AlertRuleStore struct {
	mu    sync.RWMutex
	rules map[uuid.UUID]*audit.AlertRule
}

func NewAlertRuleStore() *AlertRuleStore {
	return &AlertRuleStore{rules: make(map[uuid.UUID]*audit.AlertRule)}
}

func cloneAlertRule(r *audit.AlertRule) *audit.AlertRule {
	c := *r
	c.LastTriggered = cloneTime(r.LastTriggered)
	c.Conditions.Actions = append([]string(nil), r.Conditions.Actions...)
	c.Conditions.Results = append([]audit.Result(nil), r.Conditions.Results...)
	c.Conditions.UserPatterns = append([]string(nil), r.Conditions.UserPatterns...)
	c.Conditions.IPPatterns = append([]string(nil), r.Conditions.IPPatterns...)
	if r.Conditions.Frequency != nil {
		f := *r.Conditions.Frequency
		c.Conditions.Frequency = &f
	}
	c.Notifications.Emails = append([]string(nil), r.Notifications.Emails...)
	return &c
}

func (s *AlertRuleStore) SaveAlertRule(_ context.Context, rule *audit.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = cloneAlertRule(rule)
	return nil
}

func (s *AlertRuleStore) GetAlertRule(_ context.Context, id uuid.UUID) (*audit.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, errors.ErrAlertRuleNotFound
	}
	return cloneAlertRule(r), nil
}

func (s *AlertRuleStore) ListAlertRules(_ context.Context, activeOnly bool) ([]*audit.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.AlertRule
	for _, r := range s.rules {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, cloneAlertRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *AlertRuleStore) RecordTrigger(_ context.Context, id uuid.UUID, at time.Time) (*audit.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, errors.ErrAlertRuleNotFound
	}
	r.TriggerCount++
	t := at
	r.LastTriggered = &t
	return cloneAlertRule(r), nil
}

// SessionStore is an in-memory audit.SessionRepository.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*audit.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*audit.Session)}
}

func cloneSession(s *audit.Session) *audit.Session {
	c := *s
	c.EndedAt = cloneTime(s.EndedAt)
	return &c
}

func (s *SessionStore) CreateSession(_ context.Context, sess *audit.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.SessionID]; exists {
		return errors.NewConflictError("session " + sess.SessionID + " already exists")
	}
	s.sessions[sess.SessionID] = cloneSession(sess)
	return nil
}

func (s *SessionStore) GetSession(_ context.Context, id string) (*audit.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (s *SessionStore) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return errors.ErrSessionNotFound
	}
	if at.After(sess.LastActivity) {
		sess.LastActivity = at
	}
	return nil
}

func (s *SessionStore) EndSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return errors.ErrSessionNotFound
	}
	t := at
	sess.EndedAt = &t
	return nil
}

func (s *SessionStore) ListSessions(_ context.Context, userID string, activeOnly bool) ([]*audit.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.Session
	for _, sess := range s.sessions {
		if userID != "" && sess.UserID != userID {
			continue
		}
		if activeOnly && !sess.Active() {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// RetentionStore is an in-memory audit.RetentionPolicyRepository.
type RetentionStore struct {
	mu       sync.RWMutex
	policies map[uuid.UUID]*audit.RetentionPolicy
}

func NewRetentionStore() *RetentionStore {
	return &RetentionStore{policies: make(map[uuid.UUID]*audit.RetentionPolicy)}
}

func (s *RetentionStore) SavePolicy(_ context.Context, p *audit.RetentionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.policies[p.ID] = &c
	return nil
}

func (s *RetentionStore) ListPolicies(_ context.Context, activeOnly bool) ([]*audit.RetentionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.RetentionPolicy
	for _, p := range s.policies {
		if activeOnly && !p.Active {
			continue
		}
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	audit.SortByPriority(out)
	return out, nil
}
