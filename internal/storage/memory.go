package storage

import (
	"context"
	"sync"

	"dosewatch/internal/domain"
)

// Memory is a map-backed Store. It honors the same optimistic versioning
// contract as the sqlite driver, which makes it a faithful test double for
// the reconciliation race cases.
type Memory struct {
	mu   sync.Mutex
	meds map[string]*domain.Medication
}

func NewMemory() *Memory {
	return &Memory{meds: map[string]*domain.Medication{}}
}

func (s *Memory) CreateMedication(ctx context.Context, med *domain.Medication) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := med.Clone()
	cp.Version = 1
	s.meds[cp.ID] = cp
	med.Version = cp.Version
	return nil
}

func (s *Memory) UpdateMedication(ctx context.Context, med *domain.Medication) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.meds[med.ID]
	if !ok || cur.OwnerID != med.OwnerID {
		return domain.ErrNotFound
	}
	if cur.Version != med.Version {
		return domain.ErrVersionConflict
	}
	cp := med.Clone()
	cp.Version = cur.Version + 1
	s.meds[cp.ID] = cp
	med.Version = cp.Version
	return nil
}

func (s *Memory) DeleteMedication(ctx context.Context, id, ownerID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.meds[id]
	if !ok || cur.OwnerID != ownerID {
		return domain.ErrNotFound
	}
	delete(s.meds, id)
	return nil
}

func (s *Memory) MedicationByIDAndOwner(ctx context.Context, id, ownerID string) (*domain.Medication, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.meds[id]
	if !ok || cur.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return cur.Clone(), nil
}

func (s *Memory) MedicationsByOwner(ctx context.Context, ownerID string) ([]*domain.Medication, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Medication
	for _, m := range s.meds {
		if m.OwnerID == ownerID {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *Memory) ActiveMedications(ctx context.Context) ([]*domain.Medication, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Medication
	for _, m := range s.meds {
		if m.Active {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *Memory) Close() error { return nil }
