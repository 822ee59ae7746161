package authorization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careledger/careledger/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// -- Authorization PG Repo --

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const authCols = `id, organization_id, patient_ref, service_ref,
	total_units, used_units, scheduled_units,
	start_date, end_date, status, version, created_at, updated_at`

func scanAuthorization(row pgx.Row) (*Authorization, error) {
	var a Authorization
	err := row.Scan(&a.ID, &a.OrganizationID, &a.PatientRef, &a.ServiceRef,
		&a.TotalUnits, &a.UsedUnits, &a.ScheduledUnits,
		&a.StartDate, &a.EndDate, &a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *repoPG) Create(ctx context.Context, a *Authorization) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Version = 1
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO authorizations (id, organization_id, patient_ref, service_ref,
			total_units, used_units, scheduled_units, start_date, end_date, status, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		a.ID, a.OrganizationID, a.PatientRef, a.ServiceRef,
		a.TotalUnits, a.UsedUnits, a.ScheduledUnits, a.StartDate, a.EndDate, a.Status, a.Version)
	return row.Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *repoPG) Get(ctx context.Context, orgID string, id uuid.UUID) (*Authorization, error) {
	a, err := scanAuthorization(r.conn(ctx).QueryRow(ctx,
		`SELECT `+authCols+` FROM authorizations WHERE id = $1 AND organization_id = $2`,
		id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CompareAndSwap applies the mutated counters and status in one UPDATE guarded
// by the version column. The organization_id predicate sits in the same WHERE
// clause, so a cross-tenant write is indistinguishable from a missing row.
func (r *repoPG) CompareAndSwap(ctx context.Context, orgID string, a *Authorization, expectedVersion int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE authorizations
		SET used_units = $4, scheduled_units = $5, status = $6,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND version = $3`,
		a.ID, orgID, expectedVersion,
		a.UsedUnits, a.ScheduledUnits, a.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := r.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM authorizations WHERE id = $1 AND organization_id = $2)`,
			a.ID, orgID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	a.Version = expectedVersion + 1
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *repoPG) ListByOrganization(ctx context.Context, orgID string, f ListFilters, limit, offset int) ([]*Authorization, int, error) {
	where := `WHERE organization_id = $1`
	args := []interface{}{orgID}
	if f.Status != "" {
		args = append(args, f.Status)
		where += ` AND status = $2`
	}
	if f.PatientRef != "" {
		args = append(args, f.PatientRef)
		if f.Status != "" {
			where += ` AND patient_ref = $3`
		} else {
			where += ` AND patient_ref = $2`
		}
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM authorizations `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	n := len(args)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM authorizations %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			authCols, where, n-1, n), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

// -- Reservation ledger PG Repo --

type reservationRepoPG struct{ pool *pgxpool.Pool }

func NewReservationRepoPG(pool *pgxpool.Pool) ReservationRepository {
	return &reservationRepoPG{pool: pool}
}

func (r *reservationRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const resCols = `id, organization_id, authorization_id, units, state, created_at, updated_at`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var res Reservation
	err := row.Scan(&res.ID, &res.OrganizationID, &res.AuthorizationID,
		&res.Units, &res.State, &res.CreatedAt, &res.UpdatedAt)
	return &res, err
}

func (r *reservationRepoPG) Create(ctx context.Context, res *Reservation) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reservations (id, organization_id, authorization_id, units, state)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at`,
		res.ID, res.OrganizationID, res.AuthorizationID, res.Units, res.State)
	return row.Scan(&res.CreatedAt, &res.UpdatedAt)
}

func (r *reservationRepoPG) Get(ctx context.Context, orgID string, id uuid.UUID) (*Reservation, error) {
	res, err := scanReservation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+resCols+` FROM reservations WHERE id = $1 AND organization_id = $2`,
		id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *reservationRepoPG) TransitionState(ctx context.Context, orgID string, id uuid.UUID, from, to ReservationState) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE reservations SET state = $4, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND state = $3`,
		id, orgID, from, to)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := r.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1 AND organization_id = $2)`,
			id, orgID).Scan(&exists)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (r *reservationRepoPG) ListPendingOlderThan(ctx context.Context, orgID string, cutoff time.Time, limit int) ([]*Reservation, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+resCols+` FROM reservations
		 WHERE organization_id = $1 AND state = $2 AND created_at < $3
		 ORDER BY created_at ASC LIMIT $4`,
		orgID, ReservationPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}
