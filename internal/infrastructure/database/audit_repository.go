package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

var auditCopyColumns = []string{
	"id", "occurred_at", "user_id", "user_email", "user_role", "action",
	"resource_type", "resource_id", "resource_name", "details", "result",
	"ip_address", "user_agent", "session_id", "correlation_id", "compliance",
}

const auditColumns = `id, occurred_at, user_id, user_email, user_role, action,
	resource_type, resource_id, resource_name, details, result,
	ip_address, user_agent, session_id, correlation_id, compliance`

// BatchQuerier can open a transaction and bulk copy; the pool and a pgx.Tx
// both qualify.
type BatchQuerier interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// AuditRepository is the PostgreSQL audit.Repository and
// audit.RollupRepository.
type AuditRepository struct {
	db BatchQuerier
}

func NewAuditRepository(db BatchQuerier) *AuditRepository {
	return &AuditRepository{db: db}
}

// StoreBatch copies the batch in one transaction, so a failure leaves no
// partial write behind.
func (r *AuditRepository) StoreBatch(ctx context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, len(events))
	for i, e := range events {
		details, err := encodeDocument(e.Details)
		if err != nil {
			return err
		}
		var compliance []byte
		if e.Compliance != nil {
			if compliance, err = encodeDocument(e.Compliance); err != nil {
				return err
			}
		}
		rows[i] = []any{
			e.ID, e.Timestamp.UTC(), e.UserID, e.UserEmail, e.UserRole, e.Action,
			e.Resource.Type, e.Resource.ID, e.Resource.Name, details, string(e.Result),
			e.IPAddress, e.UserAgent, e.SessionID, e.CorrelationID, compliance,
		}
	}

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"audit_events"}, auditCopyColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return err
		}
		if n != int64(len(rows)) {
			return fmt.Errorf("copied %d of %d audit events", n, len(rows))
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("audit batch contains an event id that already exists").WithCause(err)
		}
		return storeError(fmt.Sprintf("failed to write %d audit events", len(events)), err)
	}
	return nil
}

// Query returns matching events newest first, ties broken by descending id.
func (r *AuditRepository) Query(ctx context.Context, f audit.Filter) ([]*audit.Event, error) {
	w := auditWhere(f)
	query := `SELECT ` + auditColumns + ` FROM audit_events` + w.String() + ` ORDER BY occurred_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + w.arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + w.arg(f.Offset)
	}

	rows, err := r.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, storeError("failed to query audit events", err)
	}
	defer rows.Close()

	var out []*audit.Event
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to query audit events", err)
	}
	return out, nil
}

func (r *AuditRepository) Count(ctx context.Context, f audit.Filter) (int64, error) {
	w := auditWhere(f)
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, storeError("failed to count audit events", err)
	}
	return n, nil
}

// DeleteBefore removes matching events and retracts their rollup counts in
// the same transaction.
func (r *AuditRepository) DeleteBefore(ctx context.Context, cutoff time.Time, actions, resourceTypes []string) (int64, error) {
	var w whereBuilder
	w.add("occurred_at < ?", cutoff.UTC())
	if len(actions) > 0 {
		w.add("action = ANY(?)", pq.Array(actions))
	}
	if len(resourceTypes) > 0 {
		w.add("resource_type = ANY(?)", pq.Array(resourceTypes))
	}

	var removed int64
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `DELETE FROM audit_events`+w.String()+
			` RETURNING occurred_at, action, user_id, result`, w.args...)
		if err != nil {
			return err
		}
		var gone []*audit.Event
		for rows.Next() {
			var (
				e      audit.Event
				result string
			)
			if err := rows.Scan(&e.Timestamp, &e.Action, &e.UserID, &result); err != nil {
				rows.Close()
				return err
			}
			e.Result = audit.Result(result)
			gone = append(gone, &e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		removed = int64(len(gone))
		if removed == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, d := range audit.Rollups(gone) {
			batch.Queue(`
				UPDATE audit_rollups SET count = count - $4
				WHERE bucket = $1 AND key = $2 AND hour_start = $3`,
				string(d.Bucket), d.Key, d.HourStart.UTC(), d.Count)
		}
		batch.Queue(`DELETE FROM audit_rollups WHERE count <= 0`)
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, storeError("failed to delete audit events", err)
	}
	return removed, nil
}

func (r *AuditRepository) ApplyRollups(ctx context.Context, deltas []audit.RollupDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`
			INSERT INTO audit_rollups (bucket, key, hour_start, count)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (bucket, key, hour_start) DO UPDATE SET count = audit_rollups.count + EXCLUDED.count`,
			string(d.Bucket), d.Key, d.HourStart.UTC(), d.Count)
	}
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return storeError("failed to apply audit rollups", err)
	}
	return nil
}

// HourlyCounts returns hour buckets from the hour containing from through to,
// oldest first.
func (r *AuditRepository) HourlyCounts(ctx context.Context, from, to time.Time) ([]audit.HourlyCount, error) {
	rows, err := r.db.Query(ctx, `
		SELECT hour_start, count
		FROM audit_rollups
		WHERE bucket = $1 AND hour_start >= $2 AND hour_start <= $3
		ORDER BY hour_start`,
		string(audit.BucketHour), from.UTC().Truncate(time.Hour), to.UTC())
	if err != nil {
		return nil, storeError("failed to read hourly audit counts", err)
	}
	defer rows.Close()

	var out []audit.HourlyCount
	for rows.Next() {
		var hc audit.HourlyCount
		if err := rows.Scan(&hc.Hour, &hc.Count); err != nil {
			return nil, storeError("failed to scan hourly audit count", err)
		}
		hc.Hour = hc.Hour.UTC()
		out = append(out, hc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to read hourly audit counts", err)
	}
	return out, nil
}

func auditWhere(f audit.Filter) *whereBuilder {
	w := &whereBuilder{}
	if len(f.UserIDs) > 0 {
		w.add("user_id = ANY(?)", pq.Array(f.UserIDs))
	}
	if len(f.Actions) > 0 {
		w.add("action = ANY(?)", pq.Array(f.Actions))
	}
	if len(f.Results) > 0 {
		results := make([]string, len(f.Results))
		for i, res := range f.Results {
			results[i] = string(res)
		}
		w.add("result = ANY(?)", pq.Array(results))
	}
	if len(f.ResourceTypes) > 0 {
		w.add("resource_type = ANY(?)", pq.Array(f.ResourceTypes))
	}
	if f.From != nil {
		w.add("occurred_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		w.add("occurred_at < ?", f.To.UTC())
	}
	if f.After != nil {
		w.add("(occurred_at, id) < (?, ?)", f.After.Timestamp.UTC(), f.After.ID)
	}
	if f.Search != "" {
		p := w.arg("%" + escapeLike(f.Search) + "%")
		w.add(fmt.Sprintf("(action ILIKE %[1]s OR user_id ILIKE %[1]s OR user_email ILIKE %[1]s OR "+
			"resource_type ILIKE %[1]s OR resource_id ILIKE %[1]s OR resource_name ILIKE %[1]s)", p))
	}
	return w
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanAuditEvent(row pgx.Row) (*audit.Event, error) {
	var (
		e          audit.Event
		details    []byte
		result     string
		compliance []byte
	)
	err := row.Scan(&e.ID, &e.Timestamp, &e.UserID, &e.UserEmail, &e.UserRole, &e.Action,
		&e.Resource.Type, &e.Resource.ID, &e.Resource.Name, &details, &result,
		&e.IPAddress, &e.UserAgent, &e.SessionID, &e.CorrelationID, &compliance)
	if err != nil {
		return nil, storeError("failed to scan audit event", err)
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Result = audit.Result(result)
	if err := decodeDocument(details, &e.Details); err != nil {
		return nil, err
	}
	if len(compliance) > 0 {
		var tags audit.ComplianceTags
		if err := decodeDocument(compliance, &tags); err != nil {
			return nil, err
		}
		e.Compliance = &tags
	}
	return &e, nil
}
