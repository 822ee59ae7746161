package authorization

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRepo is an in-memory Repository used by tests and by the memory store
// driver in development. It honors the same compare-and-swap contract as the
// Postgres implementation, so the coordinator's concurrency behavior can be
// exercised without a database.
type memoryRepo struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Authorization
}

func NewMemoryRepo() Repository {
	return &memoryRepo{records: make(map[uuid.UUID]*Authorization)}
}

func (m *memoryRepo) Create(_ context.Context, a *Authorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	m.records[a.ID] = a.Clone()
	return nil
}

func (m *memoryRepo) Get(_ context.Context, orgID string, id uuid.UUID) (*Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.records[id]
	if !ok || a.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *memoryRepo) CompareAndSwap(_ context.Context, orgID string, a *Authorization, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[a.ID]
	if !ok || cur.OrganizationID != orgID {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	a.Version = expectedVersion + 1
	a.UpdatedAt = time.Now().UTC()
	a.OrganizationID = cur.OrganizationID
	a.TotalUnits = cur.TotalUnits
	a.CreatedAt = cur.CreatedAt
	m.records[a.ID] = a.Clone()
	return nil
}

func (m *memoryRepo) ListByOrganization(_ context.Context, orgID string, f ListFilters, limit, offset int) ([]*Authorization, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*Authorization
	for _, a := range m.records {
		if a.OrganizationID != orgID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.PatientRef != "" && a.PatientRef != f.PatientRef {
			continue
		}
		matched = append(matched, a.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// memoryReservationRepo is the in-memory reservation ledger.
type memoryReservationRepo struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Reservation
}

func NewMemoryReservationRepo() ReservationRepository {
	return &memoryReservationRepo{records: make(map[uuid.UUID]*Reservation)}
}

func (m *memoryReservationRepo) Create(_ context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *memoryReservationRepo) Get(_ context.Context, orgID string, id uuid.UUID) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok || r.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memoryReservationRepo) TransitionState(_ context.Context, orgID string, id uuid.UUID, from, to ReservationState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.OrganizationID != orgID {
		return false, ErrNotFound
	}
	if r.State != from {
		return false, nil
	}
	r.State = to
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memoryReservationRepo) ListPendingOlderThan(_ context.Context, orgID string, cutoff time.Time, limit int) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*Reservation
	for _, r := range m.records {
		if r.OrganizationID != orgID || r.State != ReservationPending {
			continue
		}
		if !r.CreatedAt.Before(cutoff) {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
