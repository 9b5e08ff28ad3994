package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

// Record is a content-addressed piece of proof that a control operates.
// Everything except Verified is immutable once stored.
type Record struct {
	ID              uuid.UUID       `json:"id"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	CollectedAt     time.Time       `json:"collected_at"`
	CollectorID     string          `json:"collector_id"`
	Payload         json.RawMessage `json:"payload"`
	ContentHash     string          `json:"content_hash"`
	SizeBytes       int64           `json:"size_bytes"`
	RetentionPolicy string          `json:"retention_policy,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	Verified        bool            `json:"verified"`
}

// NewRecord canonicalizes data into JSON payload bytes and derives the
// content hash from them.
func NewRecord(evidenceType, source, collectorID string, data any, collectedAt time.Time) (*Record, error) {
	if evidenceType == "" {
		return nil, errors.NewValidationError("EVIDENCE_TYPE_REQUIRED", "evidence type is required")
	}
	payload, err := CanonicalPayload(data)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:          uuid.New(),
		Type:        evidenceType,
		Source:      source,
		CollectedAt: collectedAt.UTC(),
		CollectorID: collectorID,
		Payload:     payload,
		ContentHash: ContentHash(payload),
		SizeBytes:   int64(len(payload)),
	}, nil
}

// CanonicalPayload encodes data as JSON. Map keys are emitted sorted, so equal
// documents produce identical bytes. Raw bytes that already hold JSON are
// re-encoded through a generic value to normalize their layout; any other
// bytes are stored as a JSON string.
func CanonicalPayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return normalizeJSON(v)
	case []byte:
		if json.Valid(v) {
			return normalizeJSON(v)
		}
		data = string(v)
	}

	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.NewValidationError("EVIDENCE_UNENCODABLE", "collected data cannot be encoded as JSON").WithCause(err)
	}
	return b, nil
}

func normalizeJSON(b []byte) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, errors.NewValidationError("EVIDENCE_UNENCODABLE", "payload is not valid JSON").WithCause(err)
	}
	return json.Marshal(v)
}

// ContentHash is the hex SHA-256 of the payload bytes.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Decode unmarshals the payload into a generic value for validation.
func (r *Record) Decode() (any, error) {
	var v any
	if err := json.Unmarshal(r.Payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ControlRef identifies a control within a framework.
type ControlRef struct {
	FrameworkID string `json:"framework_id"`
	ControlID   string `json:"control_id"`
}

// Refs expands a framework and its control ids into refs.
func Refs(frameworkID string, controlIDs []string) []ControlRef {
	out := make([]ControlRef, 0, len(controlIDs))
	for _, id := range controlIDs {
		out = append(out, ControlRef{FrameworkID: frameworkID, ControlID: id})
	}
	return out
}

// Mapping links a record to one control. Unique per triple.
type Mapping struct {
	EvidenceID  uuid.UUID `json:"evidence_id"`
	FrameworkID string    `json:"framework_id"`
	ControlID   string    `json:"control_id"`
	MappedAt    time.Time `json:"mapped_at"`
}

// Stats summarizes the evidence store.
type Stats struct {
	Total      int64            `json:"total"`
	Verified   int64            `json:"verified"`
	TotalBytes int64            `json:"total_bytes"`
	ByType     map[string]int64 `json:"by_type"`
}
