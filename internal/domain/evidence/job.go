package evidence

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a single execution of a collection rule. It lives only in memory;
// its terminal state is recorded as a HistoryEntry.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	RuleID      uuid.UUID  `json:"rule_id"`
	Status      JobStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type JobResult struct {
	EvidenceID   uuid.UUID `json:"evidence_id"`
	ContentHash  string    `json:"content_hash"`
	Deduplicated bool      `json:"deduplicated"`
	Mapped       int       `json:"mapped"`
}

// HistoryEntry is the durable record of a finished job.
type HistoryEntry struct {
	ID          uuid.UUID  `json:"id"`
	RuleID      uuid.UUID  `json:"rule_id"`
	JobID       uuid.UUID  `json:"job_id"`
	Status      JobStatus  `json:"status"`
	EvidenceID  *uuid.UUID `json:"evidence_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
	DurationMs  int64      `json:"duration_ms"`
}

// NewHistoryEntry converts a terminal job into its history row.
func NewHistoryEntry(job *Job) *HistoryEntry {
	h := &HistoryEntry{
		ID:        uuid.New(),
		RuleID:    job.RuleID,
		JobID:     job.ID,
		Status:    job.Status,
		Error:     job.Error,
		StartedAt: job.StartedAt,
	}
	if job.CompletedAt != nil {
		h.CompletedAt = *job.CompletedAt
	}
	h.DurationMs = h.CompletedAt.Sub(h.StartedAt).Milliseconds()
	if job.Result != nil {
		id := job.Result.EvidenceID
		h.EvidenceID = &id
	}
	return h
}

// HistoryStats counts terminal jobs since a point in time.
type HistoryStats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
