package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/events"
)

const notifyTimeout = 30 * time.Second

// CreateAlertRule validates and stores a new rule.
func (s *Service) CreateAlertRule(ctx context.Context, rule *audit.AlertRule) (*audit.AlertRule, error) {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	now := s.now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.TriggerCount = 0
	rule.LastTriggered = nil

	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if err := s.repos.AlertRules.SaveAlertRule(ctx, rule); err != nil {
		return nil, err
	}
	s.invalidateRules(rule.ID)

	s.logger.Info("Alert rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("name", rule.Name),
		zap.String("severity", string(rule.Severity)))
	return rule, nil
}

// UpdateAlertRule replaces a rule's definition. Trigger statistics are kept
// and the rule's frequency windows start over.
func (s *Service) UpdateAlertRule(ctx context.Context, rule *audit.AlertRule) (*audit.AlertRule, error) {
	existing, err := s.repos.AlertRules.GetAlertRule(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now().UTC()
	rule.TriggerCount = existing.TriggerCount
	rule.LastTriggered = existing.LastTriggered

	if err := s.repos.AlertRules.SaveAlertRule(ctx, rule); err != nil {
		return nil, err
	}
	s.invalidateRules(rule.ID)
	return rule, nil
}

func (s *Service) GetAlertRule(ctx context.Context, id uuid.UUID) (*audit.AlertRule, error) {
	return s.repos.AlertRules.GetAlertRule(ctx, id)
}

func (s *Service) ListAlertRules(ctx context.Context, activeOnly bool) ([]*audit.AlertRule, error) {
	return s.repos.AlertRules.ListAlertRules(ctx, activeOnly)
}

// invalidateRules forces a reload before the next evaluation.
func (s *Service) invalidateRules(changed uuid.UUID) {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	s.loaded = false
	s.matchers = nil
	s.window.Forget(changed)
}

func (s *Service) alertLoop() {
	defer s.loopWG.Done()
	for e := range s.alerts {
		s.evaluate(s.ctxOrBackground(), e)
	}
}

// ctxOrBackground keeps evaluation of already queued events working while
// Close drains the alert channel.
func (s *Service) ctxOrBackground() context.Context {
	if s.ctx.Err() != nil {
		return context.Background()
	}
	return s.ctx
}

// evaluate fires every active rule the event satisfies.
func (s *Service) evaluate(ctx context.Context, e *audit.Event) {
	s.alertMu.Lock()
	if !s.loaded {
		if err := s.loadMatchersLocked(ctx); err != nil {
			s.alertMu.Unlock()
			s.logger.Error("Failed to load alert rules", zap.Error(err))
			return
		}
	}
	var fired []*audit.AlertRule
	for _, m := range s.matchers {
		if !m.Matches(e) {
			continue
		}
		if f := m.Rule.Conditions.Frequency; f != nil && !s.window.Observe(m.Rule.ID, e.UserID, *f, e.Timestamp) {
			continue
		}
		fired = append(fired, m.Rule)
	}
	s.alertMu.Unlock()

	for _, rule := range fired {
		s.trigger(ctx, rule, e)
	}
}

func (s *Service) loadMatchersLocked(ctx context.Context) error {
	rules, err := s.repos.AlertRules.ListAlertRules(ctx, true)
	if err != nil {
		return err
	}
	matchers := make([]*audit.Matcher, 0, len(rules))
	for _, r := range rules {
		m, err := audit.Compile(r)
		if err != nil {
			s.logger.Warn("Skipping alert rule with invalid pattern",
				zap.String("rule_id", r.ID.String()), zap.Error(err))
			continue
		}
		matchers = append(matchers, m)
	}
	s.matchers = matchers
	s.loaded = true
	return nil
}

func (s *Service) trigger(ctx context.Context, rule *audit.AlertRule, e *audit.Event) {
	updated, err := s.repos.AlertRules.RecordTrigger(ctx, rule.ID, s.now().UTC())
	if err != nil {
		if errors.IsNotFound(err) {
			return
		}
		s.logger.Error("Failed to record alert trigger",
			zap.String("rule_id", rule.ID.String()), zap.Error(err))
		updated = rule
	}

	s.metrics.RecordAlert(ctx, string(rule.Severity))
	s.logger.Warn("Alert rule triggered",
		zap.String("rule_id", rule.ID.String()),
		zap.String("rule_name", rule.Name),
		zap.String("severity", string(rule.Severity)),
		zap.String("event_id", e.ID.String()),
		zap.String("user_id", e.UserID),
		zap.String("action", e.Action))

	s.publisher.Publish(ctx, events.NewEvent(events.AlertTriggered, eventSource, map[string]interface{}{
		"rule_id":       rule.ID.String(),
		"rule_name":     rule.Name,
		"severity":      string(rule.Severity),
		"trigger_count": updated.TriggerCount,
		"event_id":      e.ID.String(),
		"user_id":       e.UserID,
		"action":        e.Action,
		"result":        string(e.Result),
		"ip_address":    e.IPAddress,
	}))

	if s.notifier == nil {
		return
	}
	if len(rule.Notifications.Emails) == 0 && rule.Notifications.WebhookURL == "" {
		return
	}
	alert := Alert{Rule: *updated, Event: *e, TriggeredAt: s.now().UTC()}
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		s.notifier.Notify(nctx, alert)
	}()
}
