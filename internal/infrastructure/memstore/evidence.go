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

// EvidenceStore is an in-memory evidence.Store. Content hash uniqueness is
// enforced under the write lock.
type EvidenceStore struct {
	mu       sync.RWMutex
	records  map[uuid.UUID]*evidence.Record
	byHash   map[string]uuid.UUID
	mappings map[evidence.ControlRef]map[uuid.UUID]time.Time
}

func NewEvidenceStore() *EvidenceStore {
	return &EvidenceStore{
		records:  make(map[uuid.UUID]*evidence.Record),
		byHash:   make(map[string]uuid.UUID),
		mappings: make(map[evidence.ControlRef]map[uuid.UUID]time.Time),
	}
}

func cloneRecord(r *evidence.Record) *evidence.Record {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (s *EvidenceStore) Insert(_ context.Context, rec *evidence.Record) (*evidence.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[rec.ContentHash]; ok {
		return cloneRecord(s.records[id]), false, nil
	}
	s.records[rec.ID] = cloneRecord(rec)
	s.byHash[rec.ContentHash] = rec.ID
	return cloneRecord(rec), true, nil
}

func (s *EvidenceStore) Get(_ context.Context, id uuid.UUID) (*evidence.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, errors.ErrEvidenceNotFound
	}
	return cloneRecord(r), nil
}

func (s *EvidenceStore) FindByHash(_ context.Context, hash string) (*evidence.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, errors.ErrEvidenceNotFound
	}
	return cloneRecord(s.records[id]), nil
}

func (s *EvidenceStore) MapToControls(_ context.Context, evidenceID uuid.UUID, refs []evidence.ControlRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[evidenceID]; !ok {
		return 0, errors.ErrEvidenceNotFound
	}

	added := 0
	now := time.Now().UTC()
	for _, ref := range refs {
		set, ok := s.mappings[ref]
		if !ok {
			set = make(map[uuid.UUID]time.Time)
			s.mappings[ref] = set
		}
		if _, exists := set[evidenceID]; exists {
			continue
		}
		set[evidenceID] = now
		added++
	}
	return added, nil
}

// ListForControl returns mapped records newest first.
func (s *EvidenceStore) ListForControl(_ context.Context, frameworkID, controlID string) ([]*evidence.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.mappings[evidence.ControlRef{FrameworkID: frameworkID, ControlID: controlID}]
	out := make([]*evidence.Record, 0, len(set))
	for id := range set {
		if r, ok := s.records[id]; ok {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectedAt.After(out[j].CollectedAt) })
	return out, nil
}

func (s *EvidenceStore) MarkVerified(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return errors.ErrEvidenceNotFound
	}
	r.Verified = true
	return nil
}

func (s *EvidenceStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteWhere(func(r *evidence.Record) bool {
		return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
	}), nil
}

func (s *EvidenceStore) DeleteOlderThan(_ context.Context, cutoff time.Time, types []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteWhere(func(r *evidence.Record) bool {
		return r.CollectedAt.Before(cutoff) && (len(types) == 0 || containsString(types, r.Type))
	}), nil
}

// deleteWhere must be called with the write lock held. Mappings cascade.
func (s *EvidenceStore) deleteWhere(match func(*evidence.Record) bool) int64 {
	var n int64
	for id, r := range s.records {
		if !match(r) {
			continue
		}
		delete(s.records, id)
		delete(s.byHash, r.ContentHash)
		for _, set := range s.mappings {
			delete(set, id)
		}
		n++
	}
	return n
}

func (s *EvidenceStore) Stats(_ context.Context) (*evidence.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &evidence.Stats{ByType: make(map[string]int64)}
	for _, r := range s.records {
		st.Total++
		st.TotalBytes += r.SizeBytes
		st.ByType[r.Type]++
		if r.Verified {
			st.Verified++
		}
	}
	return st, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
