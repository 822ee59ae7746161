package auditevent

import (
	"context"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) ListEvents(ctx context.Context, orgID string, f Filters, limit, offset int) ([]*Event, int, error) {
	return s.repo.ListByOrganization(ctx, orgID, f, limit, offset)
}
