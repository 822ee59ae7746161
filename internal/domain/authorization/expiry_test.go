package authorization

import (
	"testing"
	"time"
)

func TestEvaluateExpiry(t *testing.T) {
	end := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	auth := func(status Status) *Authorization {
		return &Authorization{Status: status, EndDate: end}
	}

	cases := []struct {
		name string
		now  time.Time
		a    *Authorization
		want ExpiryState
	}{
		{"well before end", end.AddDate(0, -1, 0), auth(StatusActive), Usable},
		{"on end date", end, auth(StatusActive), Usable},
		{"late on end date", end.Add(23*time.Hour + 59*time.Minute), auth(StatusActive), Usable},
		{"day after", end.AddDate(0, 0, 1), auth(StatusActive), ExpiredNeedsTransition},
		{"day after, exhausted", end.AddDate(0, 0, 1), auth(StatusExhausted), ExpiredNeedsTransition},
		{"day after, already expired", end.AddDate(0, 0, 1), auth(StatusExpired), AlreadyExpired},
		{"cancelled never transitions", end.AddDate(0, 0, 1), auth(StatusCancelled), Usable},
	}
	for _, tc := range cases {
		if got := EvaluateExpiry(tc.now, tc.a); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEvaluateExpiryNormalizesZones(t *testing.T) {
	// 2026-03-16 01:00 in UTC+10 is still 2026-03-15 in UTC terms.
	end := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 16, 1, 0, 0, 0, time.FixedZone("AEST", 10*3600))

	a := &Authorization{Status: StatusActive, EndDate: end}
	if got := EvaluateExpiry(now, a); got != Usable {
		t.Errorf("got %v, want Usable for same UTC calendar day", got)
	}
}
