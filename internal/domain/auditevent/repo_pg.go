package auditevent

import (
	"context"
	"fmt"

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

const eventCols = `id, organization_id, actor_id, authorization_id, operation,
	requested_units, outcome, error_kind, recorded, created_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.OrganizationID, &e.ActorID, &e.AuthorizationID, &e.Operation,
		&e.RequestedUnits, &e.Outcome, &e.ErrorKind, &e.Recorded, &e.CreatedAt)
	return &e, err
}

func (r *repoPG) Create(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reservation_audit_events (id, organization_id, actor_id, authorization_id,
			operation, requested_units, outcome, error_kind, recorded)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		e.ID, e.OrganizationID, e.ActorID, e.AuthorizationID,
		e.Operation, e.RequestedUnits, e.Outcome, e.ErrorKind, e.Recorded)
	return row.Scan(&e.CreatedAt)
}

func (r *repoPG) ListByOrganization(ctx context.Context, orgID string, f Filters, limit, offset int) ([]*Event, int, error) {
	where := `WHERE organization_id = $1`
	args := []interface{}{orgID}
	if f.AuthorizationID != uuid.Nil {
		args = append(args, f.AuthorizationID)
		where += fmt.Sprintf(` AND authorization_id = $%d`, len(args))
	}
	if f.Operation != "" {
		args = append(args, f.Operation)
		where += fmt.Sprintf(` AND operation = $%d`, len(args))
	}
	if f.Outcome != "" {
		args = append(args, f.Outcome)
		where += fmt.Sprintf(` AND outcome = $%d`, len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM reservation_audit_events `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	n := len(args)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM reservation_audit_events %s ORDER BY recorded DESC LIMIT $%d OFFSET $%d`,
			eventCols, where, n-1, n), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
