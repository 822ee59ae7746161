package auditevent

import (
	"context"

	"github.com/google/uuid"
)

// Filters narrows an organization-scoped audit query.
type Filters struct {
	AuthorizationID uuid.UUID
	Operation       string
	Outcome         string
}

type Repository interface {
	Create(ctx context.Context, e *Event) error
	ListByOrganization(ctx context.Context, orgID string, f Filters, limit, offset int) ([]*Event, int, error)
}
