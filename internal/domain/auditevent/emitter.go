package auditevent

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Emitter receives one event per state-changing attempt. Implementations must
// not fail the reservation on emission problems; the coordinator calls Emit
// unconditionally and moves on.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// RepoEmitter persists events through a repository and falls back to the
// structured log when the write fails, so no attempt goes unrecorded.
type RepoEmitter struct {
	repo   Repository
	logger zerolog.Logger
}

func NewRepoEmitter(repo Repository, logger zerolog.Logger) *RepoEmitter {
	return &RepoEmitter{repo: repo, logger: logger}
}

func (r *RepoEmitter) Emit(ctx context.Context, e Event) {
	if e.Recorded.IsZero() {
		e.Recorded = time.Now().UTC()
	}
	// Detach from the caller's deadline: a timed-out reservation still gets
	// its audit row.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.repo.Create(wctx, &e); err != nil {
		r.logger.Error().Err(err).
			Str("organization_id", e.OrganizationID).
			Str("operation", e.Operation).
			Str("outcome", e.Outcome).
			Msg("failed to persist audit event")
		logEvent(r.logger, e)
	}
}

// LogEmitter writes events to the structured log only. Used in development
// and as the fallback sink.
type LogEmitter struct {
	logger zerolog.Logger
}

func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(_ context.Context, e Event) {
	if e.Recorded.IsZero() {
		e.Recorded = time.Now().UTC()
	}
	logEvent(l.logger, e)
}

func logEvent(logger zerolog.Logger, e Event) {
	logger.Info().
		Str("type", "reservation_audit").
		Time("recorded", e.Recorded).
		Str("actor_id", e.ActorID).
		Str("organization_id", e.OrganizationID).
		Str("authorization_id", e.AuthorizationID.String()).
		Str("operation", e.Operation).
		Int("requested_units", e.RequestedUnits).
		Str("outcome", e.Outcome).
		Str("error_kind", e.ErrorKind).
		Msg("audit")
}
