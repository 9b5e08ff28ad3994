package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

const alertRuleColumns = `id, name, conditions, notifications, severity, active,
	trigger_count, last_triggered, created_at, updated_at`

// AlertRuleRepository is the PostgreSQL audit.AlertRuleRepository.
type AlertRuleRepository struct {
	db Querier
}

func NewAlertRuleRepository(db Querier) *AlertRuleRepository {
	return &AlertRuleRepository{db: db}
}

func (r *AlertRuleRepository) SaveAlertRule(ctx context.Context, rule *audit.AlertRule) error {
	conditions, err := encodeDocument(rule.Conditions)
	if err != nil {
		return err
	}
	notifications, err := encodeDocument(rule.Notifications)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO alert_rules (`+alertRuleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			conditions = EXCLUDED.conditions,
			notifications = EXCLUDED.notifications,
			severity = EXCLUDED.severity,
			active = EXCLUDED.active,
			trigger_count = EXCLUDED.trigger_count,
			last_triggered = EXCLUDED.last_triggered,
			updated_at = EXCLUDED.updated_at`,
		rule.ID, rule.Name, conditions, notifications, string(rule.Severity), rule.Active,
		rule.TriggerCount, utcPtr(rule.LastTriggered), rule.CreatedAt.UTC(), rule.UpdatedAt.UTC())
	if err != nil {
		return storeError("failed to save alert rule", err)
	}
	return nil
}

func (r *AlertRuleRepository) GetAlertRule(ctx context.Context, id uuid.UUID) (*audit.AlertRule, error) {
	return scanAlertRule(r.db.QueryRow(ctx, `SELECT `+alertRuleColumns+` FROM alert_rules WHERE id = $1`, id))
}

func (r *AlertRuleRepository) ListAlertRules(ctx context.Context, activeOnly bool) ([]*audit.AlertRule, error) {
	query := `SELECT ` + alertRuleColumns + ` FROM alert_rules`
	if activeOnly {
		query += ` WHERE active`
	}
	rows, err := r.db.Query(ctx, query+` ORDER BY created_at`)
	if err != nil {
		return nil, storeError("failed to list alert rules", err)
	}
	defer rows.Close()

	var out []*audit.AlertRule
	for rows.Next() {
		rule, err := scanAlertRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to list alert rules", err)
	}
	return out, nil
}

// RecordTrigger bumps the counter in a single statement so concurrent
// triggers are never lost.
func (r *AlertRuleRepository) RecordTrigger(ctx context.Context, id uuid.UUID, at time.Time) (*audit.AlertRule, error) {
	return scanAlertRule(r.db.QueryRow(ctx, `
		UPDATE alert_rules
		SET trigger_count = trigger_count + 1, last_triggered = $2
		WHERE id = $1
		RETURNING `+alertRuleColumns,
		id, at.UTC()))
}

func scanAlertRule(row pgx.Row) (*audit.AlertRule, error) {
	var (
		rule          audit.AlertRule
		conditions    []byte
		notifications []byte
		severity      string
	)
	err := row.Scan(&rule.ID, &rule.Name, &conditions, &notifications, &severity, &rule.Active,
		&rule.TriggerCount, &rule.LastTriggered, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, errors.ErrAlertRuleNotFound
		}
		return nil, storeError("failed to scan alert rule", err)
	}
	rule.Severity = audit.Severity(severity)
	if err := decodeDocument(conditions, &rule.Conditions); err != nil {
		return nil, err
	}
	if err := decodeDocument(notifications, &rule.Notifications); err != nil {
		return nil, err
	}
	rule.LastTriggered = utcPtr(rule.LastTriggered)
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return &rule, nil
}

// SessionRepository is the PostgreSQL audit.SessionRepository.
type SessionRepository struct {
	db Querier
}

func NewSessionRepository(db Querier) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `session_id, user_id, ip_address, user_agent, started_at, last_activity, ended_at`

func (r *SessionRepository) CreateSession(ctx context.Context, s *audit.Session) error {
	_, err := r.db.Exec(ctx, `INSERT INTO audit_sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.SessionID, s.UserID, s.IPAddress, s.UserAgent, s.StartedAt.UTC(), s.LastActivity.UTC(), utcPtr(s.EndedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("session " + s.SessionID + " already exists")
		}
		return storeError("failed to create session", err)
	}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, id string) (*audit.Session, error) {
	return scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM audit_sessions WHERE session_id = $1`, id))
}

// TouchSession only ever moves last_activity forward.
func (r *SessionRepository) TouchSession(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE audit_sessions SET last_activity = GREATEST(last_activity, $2)
		WHERE session_id = $1`, id, at.UTC())
	if err != nil {
		return storeError("failed to touch session", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) EndSession(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE audit_sessions SET ended_at = $2 WHERE session_id = $1`, id, at.UTC())
	if err != nil {
		return storeError("failed to end session", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) ListSessions(ctx context.Context, userID string, activeOnly bool) ([]*audit.Session, error) {
	var w whereBuilder
	if userID != "" {
		w.add("user_id = ?", userID)
	}
	if activeOnly {
		w.add("ended_at IS NULL")
	}
	rows, err := r.db.Query(ctx, `SELECT `+sessionColumns+` FROM audit_sessions`+w.String()+` ORDER BY started_at DESC`, w.args...)
	if err != nil {
		return nil, storeError("failed to list sessions", err)
	}
	defer rows.Close()

	var out []*audit.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to list sessions", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (*audit.Session, error) {
	var s audit.Session
	err := row.Scan(&s.SessionID, &s.UserID, &s.IPAddress, &s.UserAgent, &s.StartedAt, &s.LastActivity, &s.EndedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, errors.ErrSessionNotFound
		}
		return nil, storeError("failed to scan session", err)
	}
	s.StartedAt = s.StartedAt.UTC()
	s.LastActivity = s.LastActivity.UTC()
	s.EndedAt = utcPtr(s.EndedAt)
	return &s, nil
}

// RetentionPolicyRepository is the PostgreSQL audit.RetentionPolicyRepository.
type RetentionPolicyRepository struct {
	db Querier
}

func NewRetentionPolicyRepository(db Querier) *RetentionPolicyRepository {
	return &RetentionPolicyRepository{db: db}
}

func (r *RetentionPolicyRepository) SavePolicy(ctx context.Context, p *audit.RetentionPolicy) error {
	actions := p.Actions
	if actions == nil {
		actions = []string{}
	}
	resourceTypes := p.ResourceTypes
	if resourceTypes == nil {
		resourceTypes = []string{}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO retention_policies (id, name, retention_days, actions, resource_types, priority, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			retention_days = EXCLUDED.retention_days,
			actions = EXCLUDED.actions,
			resource_types = EXCLUDED.resource_types,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active`,
		p.ID, p.Name, p.RetentionDays, actions, resourceTypes, p.Priority, p.Active)
	if err != nil {
		return storeError("failed to save retention policy", err)
	}
	return nil
}

func (r *RetentionPolicyRepository) ListPolicies(ctx context.Context, activeOnly bool) ([]*audit.RetentionPolicy, error) {
	query := `SELECT id, name, retention_days, actions, resource_types, priority, active FROM retention_policies`
	if activeOnly {
		query += ` WHERE active`
	}
	rows, err := r.db.Query(ctx, query+` ORDER BY name`)
	if err != nil {
		return nil, storeError("failed to list retention policies", err)
	}
	defer rows.Close()

	var out []*audit.RetentionPolicy
	for rows.Next() {
		var p audit.RetentionPolicy
		if err := rows.Scan(&p.ID, &p.Name, &p.RetentionDays, &p.Actions, &p.ResourceTypes, &p.Priority, &p.Active); err != nil {
			return nil, storeError("failed to scan retention policy", err)
		}
		if len(p.Actions) == 0 {
			p.Actions = nil
		}
		if len(p.ResourceTypes) == 0 {
			p.ResourceTypes = nil
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to list retention policies", err)
	}
	audit.SortByPriority(out)
	return out, nil
}
