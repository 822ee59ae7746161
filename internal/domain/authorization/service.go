package authorization

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careledger/careledger/internal/domain/auditevent"
	"github.com/careledger/careledger/internal/platform/auth"
	"github.com/careledger/careledger/internal/platform/metrics"
)

// DefaultMaxAttempts bounds the read-check-write retries per call. Conflicts
// under contention are expected; exhausting the budget surfaces CONTENTION.
const DefaultMaxAttempts = 8

const releaseBatchSize = 100

// Service is the reservation coordinator. It owns every mutation of
// authorization counters: each one is a fresh read followed by a
// compare-and-swap, retried with jittered backoff on version conflicts. No
// authorization state is cached across calls.
type Service struct {
	repo        Repository
	resRepo     ReservationRepository
	audit       auditevent.Emitter
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	maxAttempts uint64
	now         func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source, letting tests drive expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = uint64(n)
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(repo Repository, resRepo ReservationRepository, audit auditevent.Emitter, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		resRepo:     resRepo,
		audit:       audit,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create provisions a new authorization from an insurance approval. Counters
// start at zero; a zero-unit budget is born EXHAUSTED.
func (s *Service) Create(ctx context.Context, spec CreateSpec) (*Authorization, error) {
	a, err := s.doCreate(ctx, spec)
	s.finish(ctx, auditevent.OpCreate, spec.OrganizationID, idOrNil(a), spec.TotalUnits, err)
	return a, err
}

func (s *Service) doCreate(ctx context.Context, spec CreateSpec) (*Authorization, error) {
	if err := spec.Validate(); err != nil {
		return nil, newError(KindInvalidAdjustment, "invalid authorization spec: %v", err)
	}
	a := &Authorization{
		OrganizationID: spec.OrganizationID,
		PatientRef:     spec.PatientRef,
		ServiceRef:     spec.ServiceRef,
		TotalUnits:     spec.TotalUnits,
		StartDate:      spec.StartDate,
		EndDate:        spec.EndDate,
		Status:         StatusActive,
	}
	a.RecomputeStatus()
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, unavailable(err)
	}
	return a, nil
}

// Reserve holds units for a planned session. On success the returned
// reservation is the PENDING ledger row backing the hold.
func (s *Service) Reserve(ctx context.Context, orgID string, authID uuid.UUID, units int) (*Authorization, *Reservation, error) {
	a, res, err := s.doReserve(ctx, orgID, authID, units)
	s.finish(ctx, auditevent.OpReserve, orgID, authID, units, err)
	return a, res, err
}

func (s *Service) doReserve(ctx context.Context, orgID string, authID uuid.UUID, units int) (*Authorization, *Reservation, error) {
	if units <= 0 {
		return nil, nil, newError(KindInvalidAdjustment, "units must be positive, got %d", units)
	}

	var updated *Authorization
	err := s.casRetry(ctx, func() error {
		a, err := s.load(ctx, orgID, authID)
		if err != nil {
			return err
		}
		if err := s.applyExpiry(ctx, orgID, a); err != nil {
			return err
		}
		if a.Status == StatusCancelled {
			return newError(KindNotActive, "authorization %s is %s", a.ID, a.Status)
		}
		// EXHAUSTED falls through: asking for units on a full budget is an
		// InsufficientUnits failure, not a status failure, and exhaustion is
		// reversible anyway.
		if a.CommittedUnits()+units > a.TotalUnits {
			return newError(KindInsufficientUnits,
				"requested %d units, %d remaining of %d", units, a.RemainingUnits(), a.TotalUnits)
		}

		next := a.Clone()
		next.ScheduledUnits += units
		next.RecomputeStatus()
		if err := next.CheckInvariants(); err != nil {
			return newError(KindInvalidAdjustment, "%v", err)
		}
		if err := s.cas(ctx, orgID, next, a.Version); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	res := &Reservation{
		OrganizationID:  orgID,
		AuthorizationID: authID,
		Units:           units,
		State:           ReservationPending,
	}
	if err := s.resRepo.Create(ctx, res); err != nil {
		// The units are held either way; the missing ledger row only delays
		// stale release until reconciliation.
		s.logger.Error().Err(err).
			Str("organization_id", orgID).
			Str("authorization_id", authID.String()).
			Int("units", units).
			Msg("failed to record reservation ledger row")
	}
	return updated, res, nil
}

// Adjust changes delivered consumption by delta. A positive delta is bounded
// by the overbooking invariant. A negative delta refunds committed units,
// drawing down used units first and then scheduled; refunding more than is
// committed fails InvalidAdjustment.
func (s *Service) Adjust(ctx context.Context, orgID string, authID uuid.UUID, delta int) (*Authorization, error) {
	a, err := s.doAdjust(ctx, orgID, authID, delta)
	s.finish(ctx, auditevent.OpAdjust, orgID, authID, delta, err)
	return a, err
}

func (s *Service) doAdjust(ctx context.Context, orgID string, authID uuid.UUID, delta int) (*Authorization, error) {
	if delta == 0 {
		return nil, newError(KindInvalidAdjustment, "delta must be non-zero")
	}

	var updated *Authorization
	err := s.casRetry(ctx, func() error {
		a, err := s.load(ctx, orgID, authID)
		if err != nil {
			return err
		}
		if err := s.applyExpiry(ctx, orgID, a); err != nil {
			return err
		}
		if a.Status == StatusCancelled {
			return newError(KindNotActive, "authorization %s is %s", a.ID, a.Status)
		}

		next := a.Clone()
		if delta > 0 {
			if a.CommittedUnits()+delta > a.TotalUnits {
				return newError(KindInsufficientUnits,
					"adjustment of %d exceeds remaining %d units", delta, a.RemainingUnits())
			}
			next.UsedUnits += delta
		} else {
			refund := -delta
			if refund > a.CommittedUnits() {
				return newError(KindInvalidAdjustment,
					"refund of %d would drive used units below zero (committed %d)", refund, a.CommittedUnits())
			}
			fromUsed := refund
			if fromUsed > next.UsedUnits {
				fromUsed = next.UsedUnits
			}
			next.UsedUnits -= fromUsed
			next.ScheduledUnits -= refund - fromUsed
		}
		next.RecomputeStatus()
		if err := next.CheckInvariants(); err != nil {
			return newError(KindInvalidAdjustment, "%v", err)
		}
		if err := s.cas(ctx, orgID, next, a.Version); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ConfirmReservation marks a pending reservation's session as delivered,
// moving its units from scheduled to used. The committed sum is unchanged.
func (s *Service) ConfirmReservation(ctx context.Context, orgID string, reservationID uuid.UUID) (*Authorization, error) {
	a, authID, units, err := s.doConfirm(ctx, orgID, reservationID)
	s.finish(ctx, auditevent.OpConfirm, orgID, authID, units, err)
	return a, err
}

func (s *Service) doConfirm(ctx context.Context, orgID string, reservationID uuid.UUID) (*Authorization, uuid.UUID, int, error) {
	res, err := s.resRepo.Get(ctx, orgID, reservationID)
	if err != nil {
		return nil, uuid.Nil, 0, s.mapLoadErr(err)
	}

	moved, err := s.resRepo.TransitionState(ctx, orgID, reservationID, ReservationPending, ReservationConfirmed)
	if err != nil {
		return nil, res.AuthorizationID, res.Units, s.mapLoadErr(err)
	}
	if !moved {
		return nil, res.AuthorizationID, res.Units,
			newError(KindInvalidAdjustment, "reservation %s is not pending", reservationID)
	}

	var updated *Authorization
	err = s.casRetry(ctx, func() error {
		a, err := s.load(ctx, orgID, res.AuthorizationID)
		if err != nil {
			return err
		}
		if a.Status == StatusCancelled {
			return newError(KindNotActive, "authorization %s is %s", a.ID, a.Status)
		}
		next := a.Clone()
		if next.ScheduledUnits < res.Units {
			return newError(KindInvalidAdjustment,
				"reservation of %d units exceeds scheduled balance %d", res.Units, next.ScheduledUnits)
		}
		next.ScheduledUnits -= res.Units
		next.UsedUnits += res.Units
		next.RecomputeStatus()
		if err := s.cas(ctx, orgID, next, a.Version); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		// The counters did not move, so the confirmation must not stand.
		// Returning the row to PENDING keeps its units reachable by a later
		// confirm or by stale release.
		s.revertLedger(ctx, orgID, reservationID, ReservationConfirmed)
		return nil, res.AuthorizationID, res.Units, err
	}
	return updated, res.AuthorizationID, res.Units, nil
}

// ReleaseStale returns units held by pending reservations created before the
// cutoff back to their budgets. A row leaves PENDING only together with its
// counter update (it is reverted if the update fails), so running the release
// twice has no further effect and no release can strand held capacity.
func (s *Service) ReleaseStale(ctx context.Context, orgID string, olderThan time.Time) (int, error) {
	released, err := s.doReleaseStale(ctx, orgID, olderThan)
	s.finish(ctx, auditevent.OpReleaseStale, orgID, uuid.Nil, released, err)
	s.metrics.RecordStaleReleased(released)
	return released, err
}

func (s *Service) doReleaseStale(ctx context.Context, orgID string, olderThan time.Time) (int, error) {
	released := 0
	for {
		batch, err := s.resRepo.ListPendingOlderThan(ctx, orgID, olderThan, releaseBatchSize)
		if err != nil {
			return released, unavailable(err)
		}
		if len(batch) == 0 {
			return released, nil
		}

		progressed := false
		for _, res := range batch {
			if err := ctx.Err(); err != nil {
				return released, &Error{Kind: KindTimeout, Message: "deadline exceeded during stale release", cause: err}
			}

			moved, err := s.resRepo.TransitionState(ctx, orgID, res.ID, ReservationPending, ReservationReleased)
			if err != nil {
				return released, s.mapLoadErr(err)
			}
			if !moved {
				// Raced with a confirm or an earlier release.
				continue
			}
			progressed = true

			units := res.Units
			err = s.casRetry(ctx, func() error {
				a, err := s.load(ctx, orgID, res.AuthorizationID)
				if err != nil {
					return err
				}
				next := a.Clone()
				if units > next.ScheduledUnits {
					next.ScheduledUnits = 0
				} else {
					next.ScheduledUnits -= units
				}
				next.RecomputeStatus()
				return s.cas(ctx, orgID, next, a.Version)
			})
			if err != nil {
				// Units never came back, so the row must stay releasable.
				s.revertLedger(ctx, orgID, res.ID, ReservationReleased)
				return released, err
			}
			released++
		}

		if !progressed || len(batch) < releaseBatchSize {
			return released, nil
		}
	}
}

// Cancel retires the authorization. Idempotent; no reservation ever succeeds
// against a cancelled record.
func (s *Service) Cancel(ctx context.Context, orgID string, authID uuid.UUID) (*Authorization, error) {
	a, err := s.doCancel(ctx, orgID, authID)
	s.finish(ctx, auditevent.OpCancel, orgID, authID, 0, err)
	return a, err
}

func (s *Service) doCancel(ctx context.Context, orgID string, authID uuid.UUID) (*Authorization, error) {
	var updated *Authorization
	err := s.casRetry(ctx, func() error {
		a, err := s.load(ctx, orgID, authID)
		if err != nil {
			return err
		}
		if a.Status == StatusCancelled {
			updated = a
			return nil
		}
		next := a.Clone()
		next.Status = StatusCancelled
		if err := s.cas(ctx, orgID, next, a.Version); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Get reads one authorization. A record past its window is transitioned to
// EXPIRED on the way out, so status is consistent with the date at the moment
// of any access.
func (s *Service) Get(ctx context.Context, orgID string, authID uuid.UUID) (*Authorization, error) {
	a, err := s.load(ctx, orgID, authID)
	if err != nil {
		return nil, err
	}
	if EvaluateExpiry(s.now(), a) == ExpiredNeedsTransition {
		next := a.Clone()
		next.Status = StatusExpired
		// Best effort: a concurrent mutation will persist the same
		// transition on its own path.
		if err := s.cas(ctx, orgID, next, a.Version); err == nil {
			return next, nil
		}
		a.Status = StatusExpired
	}
	return a, nil
}

func (s *Service) List(ctx context.Context, orgID string, f ListFilters, limit, offset int) ([]*Authorization, int, error) {
	items, total, err := s.repo.ListByOrganization(ctx, orgID, f, limit, offset)
	if err != nil {
		return nil, 0, unavailable(err)
	}
	return items, total, nil
}

func (s *Service) GetReservation(ctx context.Context, orgID string, id uuid.UUID) (*Reservation, error) {
	res, err := s.resRepo.Get(ctx, orgID, id)
	if err != nil {
		return nil, s.mapLoadErr(err)
	}
	return res, nil
}

// -- internals --

func (s *Service) load(ctx context.Context, orgID string, id uuid.UUID) (*Authorization, error) {
	a, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, s.mapLoadErr(err)
	}
	return a, nil
}

func (s *Service) mapLoadErr(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return unavailable(err)
}

func (s *Service) cas(ctx context.Context, orgID string, a *Authorization, expectedVersion int) error {
	err := s.repo.CompareAndSwap(ctx, orgID, a, expectedVersion)
	if err == nil || errors.Is(err, ErrVersionConflict) {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return unavailable(err)
}

// applyExpiry enforces the expiry policy during a mutation. A record whose
// window ended but whose status lags is transitioned through the same CAS
// path; the conflict case restarts the whole read-check-write sequence.
func (s *Service) applyExpiry(ctx context.Context, orgID string, a *Authorization) error {
	switch EvaluateExpiry(s.now(), a) {
	case Usable:
		return nil
	case AlreadyExpired:
		return newError(KindAuthExpired, "authorization %s expired on %s", a.ID, a.EndDate.Format("2006-01-02"))
	default: // ExpiredNeedsTransition
		next := a.Clone()
		next.Status = StatusExpired
		if err := s.cas(ctx, orgID, next, a.Version); err != nil {
			return err
		}
		return newError(KindAuthExpired, "authorization %s expired on %s", a.ID, a.EndDate.Format("2006-01-02"))
	}
}

// revertLedger returns a reservation row to PENDING after its counter update
// failed, so the capacity it holds is never stranded in a terminal ledger
// state. Runs detached from the caller's deadline: a timed-out release must
// still undo its ledger mark.
func (s *Service) revertLedger(ctx context.Context, orgID string, id uuid.UUID, from ReservationState) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	reverted, err := s.resRepo.TransitionState(rctx, orgID, id, from, ReservationPending)
	if err != nil || !reverted {
		s.logger.Error().Err(err).
			Str("organization_id", orgID).
			Str("reservation_id", id.String()).
			Str("from_state", string(from)).
			Msg("failed to return reservation ledger row to pending")
	}
}

// casRetry runs one read-check-write attempt and retries it on version
// conflicts with a small jittered delay, up to the attempt budget. Conflicts
// are an expected consequence of contention and never reach the caller as
// such; what can reach the caller is CONTENTION (budget exhausted) or TIMEOUT
// (deadline hit mid-retry, with no partial mutation thanks to the CAS).
func (s *Service) casRetry(ctx context.Context, attempt func() error) error {
	op := func() error {
		err := attempt()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.RecordConflict()
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Millisecond
	bo.MaxInterval = 25 * time.Millisecond
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.maxAttempts-1), ctx))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &Error{Kind: KindTimeout, Message: "deadline exceeded", cause: ctxErr}
	}
	if errors.Is(err, ErrVersionConflict) {
		s.metrics.RecordRetryExhausted()
		return newError(KindContention, "no progress after %d attempts", s.maxAttempts)
	}
	return err
}

// finish emits the mandatory audit event and outcome metric for one
// state-changing attempt. Failures are recorded the same as successes.
func (s *Service) finish(ctx context.Context, op, orgID string, authID uuid.UUID, requestedUnits int, err error) {
	outcome := auditevent.OutcomeSuccess
	errorKind := ""
	if err != nil {
		outcome = auditevent.OutcomeFailure
		errorKind = string(KindOf(err))
	}
	s.metrics.RecordOperation(op, outcome)
	s.audit.Emit(ctx, auditevent.Event{
		OrganizationID:  orgID,
		ActorID:         auth.ActorIDFromContext(ctx),
		AuthorizationID: authID,
		Operation:       op,
		RequestedUnits:  requestedUnits,
		Outcome:         outcome,
		ErrorKind:       errorKind,
		Recorded:        s.now(),
	})
}

func idOrNil(a *Authorization) uuid.UUID {
	if a == nil {
		return uuid.Nil
	}
	return a.ID
}
