package auditevent

import (
	"time"

	"github.com/google/uuid"
)

// Outcome of an audited reservation attempt.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
)

// Operation names as emitted. These are stable; downstream compliance tooling
// keys on them.
const (
	OpCreate       = "CREATE"
	OpReserve      = "RESERVE"
	OpAdjust       = "ADJUST"
	OpConfirm      = "CONFIRM"
	OpReleaseStale = "RELEASE_STALE"
	OpCancel       = "CANCEL"
)

// Event records one state-changing attempt against an authorization, success
// or failure. Failed attempts are as auditable as successful ones; emission
// never rolls back with the reservation.
type Event struct {
	ID              uuid.UUID `db:"id" json:"id"`
	OrganizationID  string    `db:"organization_id" json:"organization_id"`
	ActorID         string    `db:"actor_id" json:"actor_id"`
	AuthorizationID uuid.UUID `db:"authorization_id" json:"authorization_id"`
	Operation       string    `db:"operation" json:"operation"`
	RequestedUnits  int       `db:"requested_units" json:"requested_units"`
	Outcome         string    `db:"outcome" json:"outcome"`
	ErrorKind       string    `db:"error_kind" json:"error_kind,omitempty"`
	Recorded        time.Time `db:"recorded" json:"recorded"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
