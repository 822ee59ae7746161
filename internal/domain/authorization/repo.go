package authorization

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilters narrows an organization-scoped listing.
type ListFilters struct {
	Status     Status
	PatientRef string
}

// Repository is the durable store of authorization records. Every read and
// write is scoped to an organization id; a record owned by another
// organization behaves exactly like a missing one (ErrNotFound), so no code
// path can observe cross-tenant data.
type Repository interface {
	Create(ctx context.Context, a *Authorization) error
	Get(ctx context.Context, orgID string, id uuid.UUID) (*Authorization, error)
	// CompareAndSwap writes a's counters and status if and only if the
	// stored version equals expectedVersion, bumping the version as part of
	// the same atomic write. Returns ErrVersionConflict when another
	// mutation committed first; nothing is applied in that case.
	CompareAndSwap(ctx context.Context, orgID string, a *Authorization, expectedVersion int) error
	ListByOrganization(ctx context.Context, orgID string, f ListFilters, limit, offset int) ([]*Authorization, int, error)
}

// ReservationRepository is the ledger of individual scheduled reservations.
type ReservationRepository interface {
	Create(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, orgID string, id uuid.UUID) (*Reservation, error)
	// TransitionState moves a reservation from one state to another and
	// reports whether the transition happened. A row not in the from state
	// is left untouched and reported false, which is what makes release and
	// confirm idempotent.
	TransitionState(ctx context.Context, orgID string, id uuid.UUID, from, to ReservationState) (bool, error)
	ListPendingOlderThan(ctx context.Context, orgID string, cutoff time.Time, limit int) ([]*Reservation, error)
}
