package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
)

const ruleColumns = `id, name, framework_id, control_ids, evidence_type, automation_enabled, schedule,
	last_run, next_run, collector_type, collector_config, validation, active, created_at, updated_at`

// RuleRepository is the PostgreSQL evidence.RuleRepository.
type RuleRepository struct {
	db Querier
}

func NewRuleRepository(db Querier) *RuleRepository {
	return &RuleRepository{db: db}
}

func (r *RuleRepository) SaveRule(ctx context.Context, rule *evidence.Rule) error {
	collectorConfig, err := encodeDocument(rule.Collector.Config)
	if err != nil {
		return err
	}
	var validation []byte
	if rule.Validation != nil {
		if validation, err = encodeDocument(rule.Validation); err != nil {
			return err
		}
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO collection_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			framework_id = EXCLUDED.framework_id,
			control_ids = EXCLUDED.control_ids,
			evidence_type = EXCLUDED.evidence_type,
			automation_enabled = EXCLUDED.automation_enabled,
			schedule = EXCLUDED.schedule,
			last_run = EXCLUDED.last_run,
			next_run = EXCLUDED.next_run,
			collector_type = EXCLUDED.collector_type,
			collector_config = EXCLUDED.collector_config,
			validation = EXCLUDED.validation,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		rule.ID, rule.Name, rule.FrameworkID, rule.ControlIDs, rule.EvidenceType,
		rule.Automation.Enabled, rule.Automation.Schedule, utcPtr(rule.Automation.LastRun), utcPtr(rule.Automation.NextRun),
		string(rule.Collector.Type), collectorConfig, validation, rule.Active,
		rule.CreatedAt.UTC(), rule.UpdatedAt.UTC(),
	)
	if err != nil {
		return storeError("failed to save collection rule", err)
	}
	return nil
}

func (r *RuleRepository) GetRule(ctx context.Context, id uuid.UUID) (*evidence.Rule, error) {
	return scanRule(r.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM collection_rules WHERE id = $1`, id))
}

func (r *RuleRepository) ListRules(ctx context.Context, f evidence.RuleFilter) ([]*evidence.Rule, error) {
	var w whereBuilder
	if f.FrameworkID != "" {
		w.add("framework_id = ?", f.FrameworkID)
	}
	if f.ActiveOnly {
		w.add("active")
	}
	if f.Automated {
		w.add("automation_enabled")
	}
	rows, err := r.db.Query(ctx, `SELECT `+ruleColumns+` FROM collection_rules`+w.String()+` ORDER BY created_at`, w.args...)
	if err != nil {
		return nil, storeError("failed to list collection rules", err)
	}
	defer rows.Close()

	var out []*evidence.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to list collection rules", err)
	}
	return out, nil
}

// UpdateSchedule sets next_run and, when lastRun is non-nil, last_run.
func (r *RuleRepository) UpdateSchedule(ctx context.Context, id uuid.UUID, lastRun, nextRun *time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE collection_rules
		SET last_run = COALESCE($2, last_run), next_run = $3
		WHERE id = $1`,
		id, utcPtr(lastRun), utcPtr(nextRun))
	if err != nil {
		return storeError("failed to update rule schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrRuleNotFound
	}
	return nil
}

func (r *RuleRepository) AppendHistory(ctx context.Context, h *evidence.HistoryEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO collection_history
			(id, rule_id, job_id, status, evidence_id, error, started_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		h.ID, h.RuleID, h.JobID, string(h.Status), h.EvidenceID, h.Error,
		h.StartedAt.UTC(), h.CompletedAt.UTC(), h.DurationMs)
	if err != nil {
		return storeError("failed to append collection history", err)
	}
	return nil
}

func (r *RuleRepository) ListHistory(ctx context.Context, ruleID uuid.UUID, limit int) ([]*evidence.HistoryEntry, error) {
	query := `
		SELECT id, rule_id, job_id, status, evidence_id, error, started_at, completed_at, duration_ms
		FROM collection_history
		WHERE rule_id = $1
		ORDER BY completed_at DESC`
	args := []any{ruleID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("failed to list collection history", err)
	}
	defer rows.Close()

	var out []*evidence.HistoryEntry
	for rows.Next() {
		var (
			h      evidence.HistoryEntry
			status string
		)
		if err := rows.Scan(&h.ID, &h.RuleID, &h.JobID, &status, &h.EvidenceID, &h.Error,
			&h.StartedAt, &h.CompletedAt, &h.DurationMs); err != nil {
			return nil, storeError("failed to scan collection history", err)
		}
		h.Status = evidence.JobStatus(status)
		h.StartedAt = h.StartedAt.UTC()
		h.CompletedAt = h.CompletedAt.UTC()
		out = append(out, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to list collection history", err)
	}
	return out, nil
}

func (r *RuleRepository) HistoryStats(ctx context.Context, since time.Time) (*evidence.HistoryStats, error) {
	st := &evidence.HistoryStats{}
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = $2), COUNT(*) FILTER (WHERE status = $3)
		FROM collection_history
		WHERE completed_at >= $1`,
		since.UTC(), string(evidence.JobCompleted), string(evidence.JobFailed),
	).Scan(&st.Completed, &st.Failed)
	if err != nil {
		return nil, storeError("failed to read collection history stats", err)
	}
	return st, nil
}

func scanRule(row pgx.Row) (*evidence.Rule, error) {
	var (
		rule            evidence.Rule
		collectorType   string
		collectorConfig []byte
		validation      []byte
	)
	err := row.Scan(&rule.ID, &rule.Name, &rule.FrameworkID, &rule.ControlIDs, &rule.EvidenceType,
		&rule.Automation.Enabled, &rule.Automation.Schedule, &rule.Automation.LastRun, &rule.Automation.NextRun,
		&collectorType, &collectorConfig, &validation, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, errors.ErrRuleNotFound
		}
		return nil, storeError("failed to scan collection rule", err)
	}
	rule.Collector.Type = evidence.CollectorType(collectorType)
	if err := decodeDocument(collectorConfig, &rule.Collector.Config); err != nil {
		return nil, err
	}
	if len(validation) > 0 {
		var v evidence.Validation
		if err := decodeDocument(validation, &v); err != nil {
			return nil, err
		}
		rule.Validation = &v
	}
	rule.Automation.LastRun = utcPtr(rule.Automation.LastRun)
	rule.Automation.NextRun = utcPtr(rule.Automation.NextRun)
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return &rule, nil
}
