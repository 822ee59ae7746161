package authorization

import "time"

// ExpiryState is the result of evaluating an authorization's validity window
// against the current date.
type ExpiryState int

const (
	// Usable means the current date is inside the validity window.
	Usable ExpiryState = iota
	// ExpiredNeedsTransition means the window has ended but the stored
	// status still says otherwise. The coordinator persists the EXPIRED
	// transition through the compare-and-swap path as part of the current
	// access; there is no background sweep.
	ExpiredNeedsTransition
	// AlreadyExpired means the window has ended and the record already
	// carries EXPIRED.
	AlreadyExpired
)

// EvaluateExpiry is a pure function of (now, authorization). The validity
// window is inclusive: the authorization is usable through the whole of
// EndDate, in UTC calendar terms. Expiry takes precedence over remaining
// capacity. A cancelled record never transitions; cancellation is terminal and
// the window no longer matters.
func EvaluateExpiry(now time.Time, a *Authorization) ExpiryState {
	if a.Status == StatusCancelled || !dateOnly(now).After(dateOnly(a.EndDate)) {
		return Usable
	}
	if a.Status == StatusExpired {
		return AlreadyExpired
	}
	return ExpiredNeedsTransition
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
