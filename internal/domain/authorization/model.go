package authorization

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an authorization.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusExhausted Status = "EXHAUSTED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

var orgIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Authorization maps to the authorizations table. It is the insurance-approved
// budget of treatment units for a patient, valid over a date range. TotalUnits
// and OrganizationID are immutable after creation; UsedUnits, ScheduledUnits
// and Status change only through the repository's compare-and-swap path, which
// bumps Version on every committed mutation.
type Authorization struct {
	ID             uuid.UUID `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	PatientRef     string    `db:"patient_ref" json:"patient_ref"`
	ServiceRef     string    `db:"service_ref" json:"service_ref"`
	TotalUnits     int       `db:"total_units" json:"total_units"`
	UsedUnits      int       `db:"used_units" json:"used_units"`
	ScheduledUnits int       `db:"scheduled_units" json:"scheduled_units"`
	StartDate      time.Time `db:"start_date" json:"start_date"`
	EndDate        time.Time `db:"end_date" json:"end_date"`
	Status         Status    `db:"status" json:"status"`
	Version        int       `db:"version" json:"version"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// CommittedUnits is the total ever committed against the budget: delivered
// plus scheduled-but-not-yet-delivered.
func (a *Authorization) CommittedUnits() int {
	return a.UsedUnits + a.ScheduledUnits
}

// RemainingUnits is the capacity still available for new reservations.
func (a *Authorization) RemainingUnits() int {
	return a.TotalUnits - a.CommittedUnits()
}

// RecomputeStatus derives ACTIVE vs EXHAUSTED from the current counters.
// EXPIRED and CANCELLED are terminal-by-date and terminal-by-action and are
// never overwritten here. Exhaustion is reversible: a refund that frees
// capacity moves the record back to ACTIVE.
func (a *Authorization) RecomputeStatus() {
	if a.Status == StatusExpired || a.Status == StatusCancelled {
		return
	}
	if a.CommittedUnits() >= a.TotalUnits {
		a.Status = StatusExhausted
	} else {
		a.Status = StatusActive
	}
}

// Clone returns a deep copy. Callers mutate the copy and hand it back to the
// compare-and-swap path; the stored record is never mutated in place.
func (a *Authorization) Clone() *Authorization {
	cp := *a
	return &cp
}

// CheckInvariants verifies the counter invariants that must hold after every
// committed mutation. Used by tests and as a last-resort guard before a write.
func (a *Authorization) CheckInvariants() error {
	if a.TotalUnits < 0 || a.UsedUnits < 0 || a.ScheduledUnits < 0 {
		return fmt.Errorf("negative unit counter: total=%d used=%d scheduled=%d",
			a.TotalUnits, a.UsedUnits, a.ScheduledUnits)
	}
	if a.CommittedUnits() > a.TotalUnits {
		return fmt.Errorf("overbooked: used=%d scheduled=%d total=%d",
			a.UsedUnits, a.ScheduledUnits, a.TotalUnits)
	}
	return nil
}

// CreateSpec is the provisioning input for a new authorization, produced by
// an external insurance-approval action.
type CreateSpec struct {
	OrganizationID string    `json:"organization_id"`
	PatientRef     string    `json:"patient_ref"`
	ServiceRef     string    `json:"service_ref"`
	TotalUnits     int       `json:"total_units"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
}

func (s *CreateSpec) Validate() error {
	if s.OrganizationID == "" || !orgIDPattern.MatchString(s.OrganizationID) {
		return fmt.Errorf("invalid organization id")
	}
	if s.PatientRef == "" {
		return fmt.Errorf("patient reference is required")
	}
	if s.ServiceRef == "" {
		return fmt.Errorf("service code reference is required")
	}
	if s.TotalUnits < 0 {
		return fmt.Errorf("total units must be non-negative, got %d", s.TotalUnits)
	}
	if s.StartDate.IsZero() || s.EndDate.IsZero() {
		return fmt.Errorf("validity window is required")
	}
	if s.EndDate.Before(s.StartDate) {
		return fmt.Errorf("end date %s before start date %s",
			s.EndDate.Format("2006-01-02"), s.StartDate.Format("2006-01-02"))
	}
	return nil
}

// ReservationState is the lifecycle of one scheduled reservation.
type ReservationState string

const (
	// ReservationPending holds units for a session that has not been
	// delivered yet. Pending reservations older than the staleness window
	// are released back to the budget.
	ReservationPending ReservationState = "PENDING"
	// ReservationConfirmed means the session was delivered; its units moved
	// from scheduled to used.
	ReservationConfirmed ReservationState = "CONFIRMED"
	// ReservationReleased means the units were returned to the budget.
	ReservationReleased ReservationState = "RELEASED"
)

// Reservation is one ledger row per successful reserve call. The ledger is
// what makes releaseStale idempotent: each row leaves PENDING exactly once.
type Reservation struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	OrganizationID  string           `db:"organization_id" json:"organization_id"`
	AuthorizationID uuid.UUID        `db:"authorization_id" json:"authorization_id"`
	Units           int              `db:"units" json:"units"`
	State           ReservationState `db:"state" json:"state"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}
