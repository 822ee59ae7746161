package authorization

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func seedRecord(t *testing.T, repo Repository, orgID string, total int) *Authorization {
	t.Helper()
	a := &Authorization{
		OrganizationID: orgID,
		PatientRef:     "patient-1",
		ServiceRef:     "97153",
		TotalUnits:     total,
		StartDate:      time.Now().UTC(),
		EndDate:        time.Now().UTC().AddDate(0, 6, 0),
		Status:         StatusActive,
	}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("create: %v", err)
	}
	return a
}

func TestMemoryRepoCompareAndSwap(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	a := seedRecord(t, repo, testOrg, 100)

	if a.Version != 1 {
		t.Fatalf("fresh record version = %d, want 1", a.Version)
	}

	next := a.Clone()
	next.ScheduledUnits = 10
	if err := repo.CompareAndSwap(ctx, testOrg, next, 1); err != nil {
		t.Fatalf("cas: %v", err)
	}

	got, err := repo.Get(ctx, testOrg, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.ScheduledUnits != 10 {
		t.Errorf("got version %d scheduled %d, want 2/10", got.Version, got.ScheduledUnits)
	}

	// A write against the old version is a conflict, not a silent overwrite.
	stale := a.Clone()
	stale.ScheduledUnits = 99
	if err := repo.CompareAndSwap(ctx, testOrg, stale, 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale cas: got %v, want ErrVersionConflict", err)
	}
	after, _ := repo.Get(ctx, testOrg, a.ID)
	if after.ScheduledUnits != 10 {
		t.Errorf("conflicting write mutated the record: scheduled = %d", after.ScheduledUnits)
	}
}

func TestMemoryRepoCompareAndSwapPreservesImmutableFields(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	a := seedRecord(t, repo, testOrg, 100)

	next := a.Clone()
	next.TotalUnits = 9999
	next.OrganizationID = "someone-else"
	next.ID = a.ID
	if err := repo.CompareAndSwap(ctx, testOrg, next, 1); err != nil {
		t.Fatalf("cas: %v", err)
	}

	got, _ := repo.Get(ctx, testOrg, a.ID)
	if got.TotalUnits != 100 || got.OrganizationID != testOrg {
		t.Errorf("immutable fields changed: total=%d org=%s", got.TotalUnits, got.OrganizationID)
	}
}

func TestMemoryRepoScopesByOrganization(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	a := seedRecord(t, repo, "org_a", 10)
	seedRecord(t, repo, "org_b", 20)

	if _, err := repo.Get(ctx, "org_b", a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-org get: got %v, want NotFound", err)
	}
	if err := repo.CompareAndSwap(ctx, "org_b", a.Clone(), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-org cas: got %v, want NotFound", err)
	}

	items, total, err := repo.ListByOrganization(ctx, "org_a", ListFilters{}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != a.ID {
		t.Errorf("list returned %d records for org_a, want only its own", total)
	}
}

func TestMemoryRepoListFiltersAndPaginates(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		seedRecord(t, repo, testOrg, 10)
	}
	exhausted := seedRecord(t, repo, testOrg, 10)
	next := exhausted.Clone()
	next.UsedUnits = 10
	next.RecomputeStatus()
	if err := repo.CompareAndSwap(ctx, testOrg, next, 1); err != nil {
		t.Fatalf("cas: %v", err)
	}

	_, total, err := repo.ListByOrganization(ctx, testOrg, ListFilters{Status: StatusExhausted}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 {
		t.Errorf("exhausted filter matched %d, want 1", total)
	}

	page, total, err := repo.ListByOrganization(ctx, testOrg, ListFilters{}, 2, 4)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 6 || len(page) != 2 {
		t.Errorf("page = %d items of total %d, want 2 of 6", len(page), total)
	}
}

func TestMemoryReservationRepoTransitions(t *testing.T) {
	repo := NewMemoryReservationRepo()
	ctx := context.Background()

	r := &Reservation{
		OrganizationID:  testOrg,
		AuthorizationID: uuid.New(),
		Units:           5,
		State:           ReservationPending,
	}
	if err := repo.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	moved, err := repo.TransitionState(ctx, testOrg, r.ID, ReservationPending, ReservationConfirmed)
	if err != nil || !moved {
		t.Fatalf("transition: moved=%v err=%v", moved, err)
	}

	// Only the stated from-state moves; a second identical transition is a
	// clean no-op, which is what release/confirm idempotency rests on.
	moved, err = repo.TransitionState(ctx, testOrg, r.ID, ReservationPending, ReservationReleased)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if moved {
		t.Error("confirmed reservation must not transition from PENDING again")
	}

	if _, err := repo.TransitionState(ctx, "org_b", r.ID, ReservationConfirmed, ReservationReleased); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-org transition: got %v, want NotFound", err)
	}
}

func TestMemoryReservationRepoListPendingOlderThan(t *testing.T) {
	repo := NewMemoryReservationRepo()
	ctx := context.Background()
	now := time.Now().UTC()

	old := &Reservation{OrganizationID: testOrg, AuthorizationID: uuid.New(), Units: 1, State: ReservationPending, CreatedAt: now.Add(-2 * time.Hour)}
	fresh := &Reservation{OrganizationID: testOrg, AuthorizationID: uuid.New(), Units: 1, State: ReservationPending, CreatedAt: now}
	other := &Reservation{OrganizationID: "org_b", AuthorizationID: uuid.New(), Units: 1, State: ReservationPending, CreatedAt: now.Add(-2 * time.Hour)}
	for _, r := range []*Reservation{old, fresh, other} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := repo.ListPendingOlderThan(ctx, testOrg, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != old.ID {
		t.Errorf("got %d stale reservations, want only the old in-org one", len(got))
	}
}
