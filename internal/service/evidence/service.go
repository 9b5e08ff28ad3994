package evidence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/validation"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/events"
	"github.com/davidleathers/compliance-governance-engine/internal/metrics"
)

const (
	eventSource = "evidence-collection"
	// finished jobs stay queryable in memory this long
	jobRetention = 24 * time.Hour
)

type Config struct {
	// RetentionDays stamps ExpiresAt on new records; zero keeps them forever.
	RetentionDays int
}

// Service runs collection rules and stores the resulting evidence.
type Service struct {
	logger     *zap.Logger
	store      evidence.Store
	rules      evidence.RuleRepository
	collectors *Registry
	scheduler  *Scheduler
	publisher  events.Publisher
	metrics    *metrics.Registry
	tracer     trace.Tracer
	config     Config
	now        func() time.Time

	mu   sync.RWMutex
	jobs map[uuid.UUID]*evidence.Job

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(
	config Config,
	logger *zap.Logger,
	store evidence.Store,
	rules evidence.RuleRepository,
	collectors *Registry,
	publisher events.Publisher,
	registry *metrics.Registry,
) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		logger:     logger.With(zap.String("component", "evidence_service")),
		store:      store,
		rules:      rules,
		collectors: collectors,
		publisher:  publisher,
		metrics:    registry,
		tracer:     otel.Tracer("evidence.service"),
		config:     config,
		now:        time.Now,
		jobs:       make(map[uuid.UUID]*evidence.Job),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.scheduler = NewScheduler(logger, s.onScheduledRun)
	return s
}

// RegisterCollector adds or replaces the collector for its type.
func (s *Service) RegisterCollector(c Collector) {
	s.collectors.Register(c)
	s.logger.Info("Collector registered",
		zap.String("type", string(c.Type())),
		zap.String("name", c.Name()))
}

// CreateCollectionRule validates, persists and, when automated, schedules a rule.
func (s *Service) CreateCollectionRule(ctx context.Context, rule *evidence.Rule) (*evidence.Rule, error) {
	ctx, span := s.tracer.Start(ctx, "EvidenceService.CreateCollectionRule",
		trace.WithAttributes(attribute.String("framework_id", rule.FrameworkID)))
	defer span.End()

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	now := s.now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Automation.LastRun = nil
	rule.Automation.NextRun = nil

	if err := rule.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.rules.SaveRule(ctx, rule); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if rule.Schedulable() {
		s.schedule(ctx, rule, time.Time{})
	}

	s.logger.Info("Collection rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("name", rule.Name),
		zap.Bool("scheduled", rule.Automation.NextRun != nil))
	return rule, nil
}

// UpdateCollectionRule re-validates and persists a rule and rebuilds its schedule.
func (s *Service) UpdateCollectionRule(ctx context.Context, rule *evidence.Rule) (*evidence.Rule, error) {
	ctx, span := s.tracer.Start(ctx, "EvidenceService.UpdateCollectionRule",
		trace.WithAttributes(attribute.String("rule_id", rule.ID.String())))
	defer span.End()

	existing, err := s.rules.GetRule(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now().UTC()
	rule.Automation.LastRun = existing.Automation.LastRun
	rule.Automation.NextRun = nil

	s.scheduler.Cancel(rule.ID)
	if err := s.rules.SaveRule(ctx, rule); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if rule.Schedulable() {
		s.schedule(ctx, rule, time.Time{})
	} else if err := s.rules.UpdateSchedule(ctx, rule.ID, nil, nil); err != nil {
		s.logger.Warn("Failed to clear next run", zap.String("rule_id", rule.ID.String()), zap.Error(err))
	}
	s.metrics.SetScheduledRules(int64(s.scheduler.Len()))
	return rule, nil
}

// DeactivateCollectionRule marks a rule inactive and cancels its timer before
// returning. In-flight jobs finish.
func (s *Service) DeactivateCollectionRule(ctx context.Context, id uuid.UUID) error {
	rule, err := s.rules.GetRule(ctx, id)
	if err != nil {
		return err
	}
	s.scheduler.Cancel(id)
	s.metrics.SetScheduledRules(int64(s.scheduler.Len()))

	rule.Active = false
	rule.UpdatedAt = s.now().UTC()
	rule.Automation.NextRun = nil
	if err := s.rules.SaveRule(ctx, rule); err != nil {
		return err
	}
	s.logger.Info("Collection rule deactivated", zap.String("rule_id", id.String()))
	return nil
}

// GetRule returns a stored rule.
func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*evidence.Rule, error) {
	return s.rules.GetRule(ctx, id)
}

// ListRules returns stored rules.
func (s *Service) ListRules(ctx context.Context, filter evidence.RuleFilter) ([]*evidence.Rule, error) {
	return s.rules.ListRules(ctx, filter)
}

// schedule arms the rule's timer and persists nextRun. Unsupported patterns
// are logged and left unscheduled.
func (s *Service) schedule(ctx context.Context, rule *evidence.Rule, at time.Time) {
	sched, err := evidence.ParseSchedule(rule.Automation.Schedule)
	if err != nil {
		s.logger.Warn("Unsupported schedule, rule not scheduled",
			zap.String("rule_id", rule.ID.String()),
			zap.String("schedule", rule.Automation.Schedule))
		return
	}
	next := s.scheduler.Schedule(rule.ID, sched, at)
	if next.IsZero() {
		return
	}
	rule.Automation.NextRun = &next
	if err := s.rules.UpdateSchedule(ctx, rule.ID, rule.Automation.LastRun, &next); err != nil {
		s.logger.Warn("Failed to persist next run", zap.String("rule_id", rule.ID.String()), zap.Error(err))
	}
	s.metrics.SetScheduledRules(int64(s.scheduler.Len()))
}

func (s *Service) onScheduledRun(ruleID uuid.UUID, firedAt, next time.Time) {
	if err := s.rules.UpdateSchedule(s.ctx, ruleID, &firedAt, &next); err != nil {
		s.logger.Warn("Failed to persist schedule", zap.String("rule_id", ruleID.String()), zap.Error(err))
	}
	if _, err := s.RunCollectionRule(s.ctx, ruleID); err != nil {
		s.logger.Error("Scheduled collection could not start",
			zap.String("rule_id", ruleID.String()),
			zap.Error(err))
	}
}

// LoadRules re-arms every active automated rule from storage. A rule whose
// persisted nextRun has passed runs once now and then resumes its cadence.
func (s *Service) LoadRules(ctx context.Context) (int, error) {
	rules, err := s.rules.ListRules(ctx, evidence.RuleFilter{ActiveOnly: true, Automated: true})
	if err != nil {
		return 0, err
	}

	now := s.now()
	scheduled := 0
	for _, rule := range rules {
		if !rule.Schedulable() {
			continue
		}
		var at time.Time
		overdue := false
		if rule.Automation.NextRun != nil {
			if rule.Automation.NextRun.After(now) {
				at = *rule.Automation.NextRun
			} else {
				overdue = true
			}
		}

		rule.Automation.NextRun = nil
		s.schedule(ctx, rule, at)
		if rule.Automation.NextRun == nil {
			continue
		}
		scheduled++

		if overdue {
			s.logger.Info("Running overdue collection rule", zap.String("rule_id", rule.ID.String()))
			lastRun := now
			if err := s.rules.UpdateSchedule(ctx, rule.ID, &lastRun, rule.Automation.NextRun); err != nil {
				s.logger.Warn("Failed to persist schedule", zap.String("rule_id", rule.ID.String()), zap.Error(err))
			}
			if _, err := s.RunCollectionRule(ctx, rule.ID); err != nil {
				s.logger.Error("Overdue collection could not start", zap.String("rule_id", rule.ID.String()), zap.Error(err))
			}
		}
	}

	s.logger.Info("Collection rules loaded", zap.Int("scheduled", scheduled), zap.Int("candidates", len(rules)))
	return scheduled, nil
}

// RunCollectionRule allocates a pending job and executes it in the background.
func (s *Service) RunCollectionRule(ctx context.Context, ruleID uuid.UUID) (*evidence.Job, error) {
	ctx, span := s.tracer.Start(ctx, "EvidenceService.RunCollectionRule",
		trace.WithAttributes(attribute.String("rule_id", ruleID.String())))
	defer span.End()

	rule, err := s.rules.GetRule(ctx, ruleID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !rule.Active {
		return nil, errors.NewConflictError(fmt.Sprintf("collection rule %s is inactive", ruleID))
	}

	job := &evidence.Job{
		ID:        uuid.New(),
		RuleID:    rule.ID,
		Status:    evidence.JobPending,
		StartedAt: s.now().UTC(),
	}
	s.mu.Lock()
	s.pruneJobsLocked()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	snapshot := *job
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(trace.ContextWithSpan(s.ctx, span), job.ID, rule)
	}()
	return &snapshot, nil
}

func (s *Service) execute(ctx context.Context, jobID uuid.UUID, rule *evidence.Rule) {
	ctx, span := s.tracer.Start(ctx, "EvidenceService.execute",
		trace.WithAttributes(
			attribute.String("rule_id", rule.ID.String()),
			attribute.String("collector_type", string(rule.Collector.Type)),
		))
	defer span.End()

	s.updateJob(jobID, func(j *evidence.Job) { j.Status = evidence.JobRunning })

	result, err := s.collect(ctx, rule)
	completedAt := s.now().UTC()

	var final evidence.Job
	s.updateJob(jobID, func(j *evidence.Job) {
		j.CompletedAt = &completedAt
		if err != nil {
			j.Status = evidence.JobFailed
			j.Error = err.Error()
		} else {
			j.Status = evidence.JobCompleted
			j.Result = result
		}
		final = *j
	})

	duration := completedAt.Sub(final.StartedAt)
	s.metrics.RecordCollection(ctx, float64(duration.Milliseconds()), string(rule.Collector.Type),
		string(final.Status), result != nil && result.Deduplicated)

	if herr := s.rules.AppendHistory(ctx, evidence.NewHistoryEntry(&final)); herr != nil {
		s.logger.Error("Failed to record collection history",
			zap.String("job_id", jobID.String()), zap.Error(herr))
	}

	if err != nil {
		span.RecordError(err)
		s.logger.Warn("Collection job failed",
			zap.String("rule_id", rule.ID.String()),
			zap.String("job_id", jobID.String()),
			zap.Error(err))
		s.publisher.Publish(ctx, events.NewEvent(events.CollectionFailed, eventSource, map[string]interface{}{
			"rule_id":      rule.ID.String(),
			"rule_name":    rule.Name,
			"job_id":       jobID.String(),
			"framework_id": rule.FrameworkID,
			"error":        err.Error(),
		}))
		return
	}

	s.logger.Info("Evidence collected",
		zap.String("rule_id", rule.ID.String()),
		zap.String("evidence_id", result.EvidenceID.String()),
		zap.Bool("deduplicated", result.Deduplicated),
		zap.Duration("duration", duration))
	s.publisher.Publish(ctx, events.NewEvent(events.EvidenceCollected, eventSource, map[string]interface{}{
		"rule_id":      rule.ID.String(),
		"job_id":       jobID.String(),
		"evidence_id":  result.EvidenceID.String(),
		"content_hash": result.ContentHash,
		"deduplicated": result.Deduplicated,
		"framework_id": rule.FrameworkID,
		"control_ids":  rule.ControlIDs,
	}))
}

func (s *Service) collect(ctx context.Context, rule *evidence.Rule) (*evidence.JobResult, error) {
	collector, err := s.collectors.Get(rule.Collector.Type)
	if err != nil {
		return nil, err
	}

	data, err := collector.Collect(ctx, rule.Collector.Config)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeCollection) {
			return nil, err
		}
		return nil, errors.NewCollectionError("COLLECTOR_FAILED",
			fmt.Sprintf("collector %s failed", collector.Name())).WithCause(err)
	}
	if v, ok := collector.(Validator); ok && !v.Validate(data) {
		return nil, errors.NewCollectionError("COLLECTOR_REJECTED",
			fmt.Sprintf("collector %s rejected its output", collector.Name()))
	}
	if rule.Validation != nil && rule.Validation.Required {
		if err := evidence.Check(rule.Validation.Rules, data); err != nil {
			return nil, err
		}
	}

	rec, err := s.newRecord(rule.EvidenceType, rule.Name, collector.Name(), data)
	if err != nil {
		return nil, err
	}
	stored, created, err := s.store.Insert(ctx, rec)
	if err != nil {
		return nil, err
	}
	mapped, err := s.store.MapToControls(ctx, stored.ID, rule.Refs())
	if err != nil {
		return nil, err
	}
	return &evidence.JobResult{
		EvidenceID:   stored.ID,
		ContentHash:  stored.ContentHash,
		Deduplicated: !created,
		Mapped:       mapped,
	}, nil
}

func (s *Service) newRecord(evidenceType, source, collectorID string, data any) (*evidence.Record, error) {
	rec, err := evidence.NewRecord(evidenceType, source, collectorID, data, s.now())
	if err != nil {
		return nil, err
	}
	if s.config.RetentionDays > 0 {
		exp := rec.CollectedAt.AddDate(0, 0, s.config.RetentionDays)
		rec.ExpiresAt = &exp
		rec.RetentionPolicy = fmt.Sprintf("%dd", s.config.RetentionDays)
	}
	return rec, nil
}

// Submission is evidence supplied directly rather than by a rule.
type Submission struct {
	Type        string                `json:"type" validate:"required"`
	Source      string                `json:"source" validate:"required"`
	CollectorID string                `json:"collector_id"`
	Data        any                   `json:"data" validate:"required"`
	Controls    []evidence.ControlRef `json:"controls"`
}

// StoreEvidence stores submitted evidence, returning the existing record when
// the payload is byte-identical to one already stored.
func (s *Service) StoreEvidence(ctx context.Context, sub Submission) (*evidence.Record, bool, error) {
	ctx, span := s.tracer.Start(ctx, "EvidenceService.StoreEvidence",
		trace.WithAttributes(attribute.String("evidence_type", sub.Type)))
	defer span.End()

	if err := validation.Struct("INVALID_EVIDENCE_SUBMISSION", &sub); err != nil {
		return nil, false, err
	}
	if sub.CollectorID == "" {
		sub.CollectorID = string(evidence.CollectorManual)
	}
	rec, err := s.newRecord(sub.Type, sub.Source, sub.CollectorID, sub.Data)
	if err != nil {
		return nil, false, err
	}
	stored, created, err := s.store.Insert(ctx, rec)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	if len(sub.Controls) > 0 {
		if _, err := s.store.MapToControls(ctx, stored.ID, sub.Controls); err != nil {
			return nil, false, err
		}
	}
	return stored, created, nil
}

// VerifyEvidence marks a record as reviewed.
func (s *Service) VerifyEvidence(ctx context.Context, id uuid.UUID) (*evidence.Record, error) {
	if err := s.store.MarkVerified(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

func (s *Service) GetEvidence(ctx context.Context, id uuid.UUID) (*evidence.Record, error) {
	return s.store.Get(ctx, id)
}

// EvidenceForControl lists records mapped to a control, newest first.
func (s *Service) EvidenceForControl(ctx context.Context, frameworkID, controlID string) ([]*evidence.Record, error) {
	return s.store.ListForControl(ctx, frameworkID, controlID)
}

// Job returns a snapshot of a runtime job.
func (s *Service) Job(id uuid.UUID) (*evidence.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.ErrJobNotFound
	}
	c := *j
	return &c, nil
}

// Jobs returns snapshots of the runtime jobs of a rule.
func (s *Service) Jobs(ruleID uuid.UUID) []*evidence.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*evidence.Job
	for _, j := range s.jobs {
		if j.RuleID == ruleID {
			c := *j
			out = append(out, &c)
		}
	}
	return out
}

// History lists finished jobs of a rule, newest first.
func (s *Service) History(ctx context.Context, ruleID uuid.UUID, limit int) ([]*evidence.HistoryEntry, error) {
	return s.rules.ListHistory(ctx, ruleID, limit)
}

// CollectionStats summarizes the store and recent job outcomes.
type CollectionStats struct {
	Evidence *evidence.Stats        `json:"evidence"`
	Jobs     *evidence.HistoryStats `json:"jobs"`
}

func (s *Service) Stats(ctx context.Context, since time.Time) (*CollectionStats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	hs, err := s.rules.HistoryStats(ctx, since)
	if err != nil {
		return nil, err
	}
	return &CollectionStats{Evidence: st, Jobs: hs}, nil
}

// PurgeExpired removes records past their expiry.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Expired evidence removed", zap.Int64("count", n))
	}
	return n, nil
}

// RetentionRule removes evidence of the listed types collected more than
// Days ago. No types matches every record.
type RetentionRule struct {
	Name  string
	Days  int
	Types []string
}

// ApplyRetention runs rules in the given order and returns the total number
// of records removed. It stops at the first store error.
func (s *Service) ApplyRetention(ctx context.Context, rules []RetentionRule) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "EvidenceService.ApplyRetention")
	defer span.End()

	now := s.now()
	var total int64
	for _, r := range rules {
		if r.Days <= 0 {
			continue
		}
		n, err := s.store.DeleteOlderThan(ctx, now.AddDate(0, 0, -r.Days), r.Types)
		if err != nil {
			span.RecordError(err)
			return total, err
		}
		total += n
		if n > 0 {
			s.logger.Info("Evidence retention applied",
				zap.String("policy", r.Name),
				zap.Int("retention_days", r.Days),
				zap.Int64("removed", n))
		}
	}
	return total, nil
}

// ScheduledRules reports how many rules hold a live timer.
func (s *Service) ScheduledRules() int {
	return s.scheduler.Len()
}

// NextRun reports the armed time of a rule's timer.
func (s *Service) NextRun(ruleID uuid.UUID) (time.Time, bool) {
	return s.scheduler.NextRun(ruleID)
}

// Close stops all timers and waits for running jobs.
func (s *Service) Close(ctx context.Context) error {
	s.scheduler.Stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Service) updateJob(id uuid.UUID, fn func(*evidence.Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		fn(j)
	}
}

// pruneJobsLocked drops finished jobs older than jobRetention.
func (s *Service) pruneJobsLocked() {
	cutoff := s.now().Add(-jobRetention)
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}
