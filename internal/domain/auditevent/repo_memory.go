package auditevent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRepo keeps events in memory for tests and the memory store driver.
type memoryRepo struct {
	mu     sync.RWMutex
	events []*Event
}

func NewMemoryRepo() Repository {
	return &memoryRepo{}
}

func (m *memoryRepo) Create(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *memoryRepo) ListByOrganization(_ context.Context, orgID string, f Filters, limit, offset int) ([]*Event, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*Event
	for _, e := range m.events {
		if e.OrganizationID != orgID {
			continue
		}
		if f.AuthorizationID != uuid.Nil && e.AuthorizationID != f.AuthorizationID {
			continue
		}
		if f.Operation != "" && e.Operation != f.Operation {
			continue
		}
		if f.Outcome != "" && e.Outcome != f.Outcome {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Recorded.After(matched[j].Recorded)
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
