package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
)

// RiskStore is an in-memory risk.Repository.
type RiskStore struct {
	mu        sync.RWMutex
	risks     map[uuid.UUID]*risk.ComplianceRisk
	byControl map[evidence.ControlRef]uuid.UUID
	snapshots map[string][]*risk.Snapshot
}

func NewRiskStore() *RiskStore {
	return &RiskStore{
		risks:     make(map[uuid.UUID]*risk.ComplianceRisk),
		byControl: make(map[evidence.ControlRef]uuid.UUID),
		snapshots: make(map[string][]*risk.Snapshot),
	}
}

func cloneRisk(r *risk.ComplianceRisk) *risk.ComplianceRisk {
	c := *r
	c.EvidenceTypes = append([]string(nil), r.EvidenceTypes...)
	c.Mitigations = append([]risk.Mitigation(nil), r.Mitigations...)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	return &c
}

func (s *RiskStore) UpsertRisk(_ context.Context, r *risk.ComplianceRisk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := evidence.ControlRef{FrameworkID: r.FrameworkID, ControlID: r.ControlID}
	if id, ok := s.byControl[ref]; ok {
		r.ID = id
	}
	s.byControl[ref] = r.ID
	s.risks[r.ID] = cloneRisk(r)
	return nil
}

func (s *RiskStore) GetRisk(_ context.Context, id uuid.UUID) (*risk.ComplianceRisk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.risks[id]
	if !ok {
		return nil, errors.ErrRiskNotFound
	}
	return cloneRisk(r), nil
}

func (s *RiskStore) GetRiskForControl(_ context.Context, frameworkID, controlID string) (*risk.ComplianceRisk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byControl[evidence.ControlRef{FrameworkID: frameworkID, ControlID: controlID}]
	if !ok {
		return nil, errors.ErrRiskNotFound
	}
	return cloneRisk(s.risks[id]), nil
}

func (s *RiskStore) ListRisks(_ context.Context, frameworkID string) ([]*risk.ComplianceRisk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*risk.ComplianceRisk
	for _, r := range s.risks {
		if frameworkID == "" || r.FrameworkID == frameworkID {
			out = append(out, cloneRisk(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FrameworkID != out[j].FrameworkID {
			return out[i].FrameworkID < out[j].FrameworkID
		}
		return out[i].ControlID < out[j].ControlID
	})
	return out, nil
}

func (s *RiskStore) UpdateRisk(_ context.Context, r *risk.ComplianceRisk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.risks[r.ID]; !ok {
		return errors.ErrRiskNotFound
	}
	s.risks[r.ID] = cloneRisk(r)
	return nil
}

func (s *RiskStore) SaveSnapshot(_ context.Context, snap *risk.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *snap
	s.snapshots[snap.FrameworkID] = append(s.snapshots[snap.FrameworkID], &c)
	return nil
}

func (s *RiskStore) LatestSnapshot(_ context.Context, frameworkID string) (*risk.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snapshots[frameworkID]
	if len(list) == 0 {
		return nil, errors.NewNotFoundError("risk assessment")
	}
	c := *list[len(list)-1]
	return &c, nil
}
