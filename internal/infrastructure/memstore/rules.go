package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
)

// RuleStore is an in-memory evidence.RuleRepository.
type RuleStore struct {
	mu      sync.RWMutex
	rules   map[uuid.UUID]*evidence.Rule
	history []*evidence.HistoryEntry
}

func NewRuleStore() *RuleStore {
	return &RuleStore{rules: make(map[uuid.UUID]*evidence.Rule)}
}

func cloneRule(r *evidence.Rule) *evidence.Rule {
	c := *r
	c.ControlIDs = append([]string(nil), r.ControlIDs...)
	c.Automation.LastRun = cloneTime(r.Automation.LastRun)
	c.Automation.NextRun = cloneTime(r.Automation.NextRun)
	if r.Collector.Config != nil {
		c.Collector.Config = make(map[string]any, len(r.Collector.Config))
		for k, v := range r.Collector.Config {
			c.Collector.Config[k] = v
		}
	}
	if r.Validation != nil {
		v := *r.Validation
		v.Rules = append([]evidence.ValidationRule(nil), r.Validation.Rules...)
		c.Validation = &v
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (s *RuleStore) SaveRule(_ context.Context, rule *evidence.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (s *RuleStore) GetRule(_ context.Context, id uuid.UUID) (*evidence.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, errors.ErrRuleNotFound
	}
	return cloneRule(r), nil
}

func (s *RuleStore) ListRules(_ context.Context, f evidence.RuleFilter) ([]*evidence.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*evidence.Rule
	for _, r := range s.rules {
		if f.FrameworkID != "" && r.FrameworkID != f.FrameworkID {
			continue
		}
		if f.ActiveOnly && !r.Active {
			continue
		}
		if f.Automated && !r.Automation.Enabled {
			continue
		}
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RuleStore) UpdateSchedule(_ context.Context, id uuid.UUID, lastRun, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return errors.ErrRuleNotFound
	}
	if lastRun != nil {
		r.Automation.LastRun = cloneTime(lastRun)
	}
	r.Automation.NextRun = cloneTime(nextRun)
	return nil
}

func (s *RuleStore) AppendHistory(_ context.Context, entry *evidence.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *entry
	s.history = append(s.history, &c)
	return nil
}

// ListHistory returns the newest entries first.
func (s *RuleStore) ListHistory(_ context.Context, ruleID uuid.UUID, limit int) ([]*evidence.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*evidence.HistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		h := s.history[i]
		if h.RuleID != ruleID {
			continue
		}
		c := *h
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *RuleStore) HistoryStats(_ context.Context, since time.Time) (*evidence.HistoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &evidence.HistoryStats{}
	for _, h := range s.history {
		if h.CompletedAt.Before(since) {
			continue
		}
		switch h.Status {
		case evidence.JobCompleted:
			st.Completed++
		case evidence.JobFailed:
			st.Failed++
		}
	}
	return st, nil
}
