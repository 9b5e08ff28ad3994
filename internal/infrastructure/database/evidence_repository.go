package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
)

const evidenceColumns = `id, type, source, collected_at, collector_id, payload, content_hash,
	size_bytes, retention_policy, expires_at, verified`

// EvidenceRepository is the PostgreSQL evidence.Store. Content hash
// uniqueness is enforced by a unique index.
type EvidenceRepository struct {
	db Querier
}

func NewEvidenceRepository(db Querier) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

func (r *EvidenceRepository) Insert(ctx context.Context, rec *evidence.Record) (*evidence.Record, bool, error) {
	var retention *string
	if rec.RetentionPolicy != "" {
		retention = &rec.RetentionPolicy
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO evidence_records (`+evidenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (content_hash) DO NOTHING`,
		rec.ID, rec.Type, rec.Source, rec.CollectedAt.UTC(), rec.CollectorID, []byte(rec.Payload),
		rec.ContentHash, rec.SizeBytes, retention, utcPtr(rec.ExpiresAt), rec.Verified,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, errors.NewConflictError("evidence id " + rec.ID.String() + " already exists")
		}
		return nil, false, storeError("failed to insert evidence", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.FindByHash(ctx, rec.ContentHash)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	stored, err := r.Get(ctx, rec.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

func (r *EvidenceRepository) Get(ctx context.Context, id uuid.UUID) (*evidence.Record, error) {
	row := r.db.QueryRow(ctx, `SELECT `+evidenceColumns+` FROM evidence_records WHERE id = $1`, id)
	return scanEvidence(row)
}

func (r *EvidenceRepository) FindByHash(ctx context.Context, hash string) (*evidence.Record, error) {
	row := r.db.QueryRow(ctx, `SELECT `+evidenceColumns+` FROM evidence_records WHERE content_hash = $1`, hash)
	return scanEvidence(row)
}

func (r *EvidenceRepository) MapToControls(ctx context.Context, evidenceID uuid.UUID, refs []evidence.ControlRef) (int, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM evidence_records WHERE id = $1)`, evidenceID).Scan(&exists); err != nil {
		return 0, storeError("failed to check evidence", err)
	}
	if !exists {
		return 0, errors.ErrEvidenceNotFound
	}

	added := 0
	now := time.Now().UTC()
	for _, ref := range refs {
		tag, err := r.db.Exec(ctx, `
			INSERT INTO evidence_control_mappings (evidence_id, framework_id, control_id, mapped_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`,
			evidenceID, ref.FrameworkID, ref.ControlID, now)
		if err != nil {
			return added, storeError("failed to map evidence to control", err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

func (r *EvidenceRepository) ListForControl(ctx context.Context, frameworkID, controlID string) ([]*evidence.Record, error) {
	rows, err := r.db.Query(ctx, `
		SELECT e.id, e.type, e.source, e.collected_at, e.collector_id, e.payload, e.content_hash,
		       e.size_bytes, e.retention_policy, e.expires_at, e.verified
		FROM evidence_records e
		JOIN evidence_control_mappings m ON m.evidence_id = e.id
		WHERE m.framework_id = $1 AND m.control_id = $2
		ORDER BY e.collected_at DESC`,
		frameworkID, controlID)
	if err != nil {
		return nil, storeError("failed to list evidence for control", err)
	}
	defer rows.Close()

	var out []*evidence.Record
	for rows.Next() {
		rec, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to list evidence for control", err)
	}
	return out, nil
}

func (r *EvidenceRepository) MarkVerified(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE evidence_records SET verified = TRUE WHERE id = $1`, id)
	if err != nil {
		return storeError("failed to mark evidence verified", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrEvidenceNotFound
	}
	return nil
}

func (r *EvidenceRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM evidence_records WHERE expires_at IS NOT NULL AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, storeError("failed to delete expired evidence", err)
	}
	return tag.RowsAffected(), nil
}

func (r *EvidenceRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, types []string) (int64, error) {
	var w whereBuilder
	w.add("collected_at < ?", cutoff.UTC())
	if len(types) > 0 {
		w.add("type = ANY(?)", pq.Array(types))
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM evidence_records`+w.String(), w.args...)
	if err != nil {
		return 0, storeError("failed to delete old evidence", err)
	}
	return tag.RowsAffected(), nil
}

func (r *EvidenceRepository) Stats(ctx context.Context) (*evidence.Stats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT type, COUNT(*), COUNT(*) FILTER (WHERE verified), COALESCE(SUM(size_bytes), 0)
		FROM evidence_records
		GROUP BY type`)
	if err != nil {
		return nil, storeError("failed to read evidence stats", err)
	}
	defer rows.Close()

	st := &evidence.Stats{ByType: make(map[string]int64)}
	for rows.Next() {
		var (
			typ                    string
			total, verified, bytes int64
		)
		if err := rows.Scan(&typ, &total, &verified, &bytes); err != nil {
			return nil, storeError("failed to scan evidence stats", err)
		}
		st.ByType[typ] = total
		st.Total += total
		st.Verified += verified
		st.TotalBytes += bytes
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to read evidence stats", err)
	}
	return st, nil
}

func scanEvidence(row pgx.Row) (*evidence.Record, error) {
	var (
		rec       evidence.Record
		payload   []byte
		retention *string
	)
	err := row.Scan(&rec.ID, &rec.Type, &rec.Source, &rec.CollectedAt, &rec.CollectorID, &payload,
		&rec.ContentHash, &rec.SizeBytes, &retention, &rec.ExpiresAt, &rec.Verified)
	if err != nil {
		if isNoRows(err) {
			return nil, errors.ErrEvidenceNotFound
		}
		return nil, storeError("failed to scan evidence", err)
	}
	rec.Payload = payload
	rec.CollectedAt = rec.CollectedAt.UTC()
	rec.ExpiresAt = utcPtr(rec.ExpiresAt)
	if retention != nil {
		rec.RetentionPolicy = *retention
	}
	return &rec, nil
}
