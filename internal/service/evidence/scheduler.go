package evidence

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
)

// FireFunc runs when a rule's timer elapses. next is the following run time
// already armed on the timer.
type FireFunc func(ruleID uuid.UUID, firedAt, next time.Time)

// Scheduler owns exactly one timer per scheduled rule.
type Scheduler struct {
	logger *zap.Logger
	fire   FireFunc
	now    func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]*scheduleEntry
	stopped bool
}

type scheduleEntry struct {
	schedule evidence.Schedule
	next     time.Time
	timer    *time.Timer
}

func NewScheduler(logger *zap.Logger, fire FireFunc) *Scheduler {
	return &Scheduler{
		logger:  logger.With(zap.String("component", "evidence_scheduler")),
		fire:    fire,
		now:     time.Now,
		entries: make(map[uuid.UUID]*scheduleEntry),
	}
}

// Schedule arms the rule's timer for at, replacing any existing timer. A zero
// at means the schedule's next boundary from now.
func (s *Scheduler) Schedule(ruleID uuid.UUID, schedule evidence.Schedule, at time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[ruleID]; ok {
		old.timer.Stop()
		delete(s.entries, ruleID)
	}
	if s.stopped {
		return time.Time{}
	}

	now := s.now()
	if at.IsZero() {
		at = schedule.Next(now)
	}
	entry := &scheduleEntry{schedule: schedule, next: at}
	entry.timer = time.AfterFunc(at.Sub(now), func() { s.onTimer(ruleID, entry) })
	s.entries[ruleID] = entry

	s.logger.Debug("Rule scheduled",
		zap.String("rule_id", ruleID.String()),
		zap.String("schedule", schedule.Pattern),
		zap.Time("next_run", at))
	return at
}

func (s *Scheduler) onTimer(ruleID uuid.UUID, entry *scheduleEntry) {
	s.mu.Lock()
	if s.entries[ruleID] != entry {
		// cancelled or replaced after the timer fired
		s.mu.Unlock()
		return
	}
	firedAt := s.now()
	next := entry.schedule.Next(firedAt)
	entry.next = next
	entry.timer = time.AfterFunc(next.Sub(firedAt), func() { s.onTimer(ruleID, entry) })
	s.mu.Unlock()

	s.fire(ruleID, firedAt, next)
}

// Cancel stops and forgets the rule's timer. It reports whether one existed.
func (s *Scheduler) Cancel(ruleID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[ruleID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.entries, ruleID)
	return true
}

// NextRun reports when the rule fires next.
func (s *Scheduler) NextRun(ruleID uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[ruleID]
	if !ok {
		return time.Time{}, false
	}
	return entry.next, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every timer; later Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		entry.timer.Stop()
		delete(s.entries, id)
	}
	s.stopped = true
}
