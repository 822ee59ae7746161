package authorization

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careledger/careledger/internal/platform/db"
)

func newTestHandler(t *testing.T) (*Handler, *Service) {
	t.Helper()
	svc := NewService(NewMemoryRepo(), NewMemoryReservationRepo(), &recordingEmitter{}, zerolog.Nop())
	return NewHandler(svc, 30*time.Minute), svc
}

// doRequest runs one handler with the organization scope already resolved,
// the way the scope middleware leaves it for real requests.
func doRequest(t *testing.T, orgID, method, path, body string, paramNames, paramValues []string, h echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(db.WithOrg(context.Background(), orgID))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames(paramNames...)
	c.SetParamValues(paramValues...)
	if err := h(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func TestHandlerCreateUsesScopeNotBody(t *testing.T) {
	h, _ := newTestHandler(t)

	// The body claims another organization; the resolved scope wins.
	body := `{"organization_id":"org_evil","patient_ref":"p1","service_ref":"97153",` +
		`"total_units":100,"start_date":"2026-01-01T00:00:00Z","end_date":"2026-12-31T00:00:00Z"}`
	rec := doRequest(t, testOrg, http.MethodPost, "/api/v1/authorizations", body, nil, nil, h.Create)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got Authorization
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OrganizationID != testOrg {
		t.Errorf("organization = %s, want the scope's %s", got.OrganizationID, testOrg)
	}
	if got.Status != StatusActive || got.TotalUnits != 100 {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestHandlerReserveAndErrorCodes(t *testing.T) {
	h, svc := newTestHandler(t)
	a := seedAuthorization(t, svc, 10)

	rec := doRequest(t, testOrg, http.MethodPost, "/api/v1/authorizations/"+a.ID.String()+"/reserve",
		`{"units":10}`, []string{"id"}, []string{a.ID.String()}, h.Reserve)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp reserveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reservation == nil || resp.Reservation.State != ReservationPending {
		t.Errorf("expected a pending reservation, got %+v", resp.Reservation)
	}
	if resp.Authorization.ScheduledUnits != 10 {
		t.Errorf("scheduled = %d, want 10", resp.Authorization.ScheduledUnits)
	}

	// Exhausted budget: stable INSUFFICIENT_UNITS code with 409.
	rec = doRequest(t, testOrg, http.MethodPost, "/api/v1/authorizations/"+a.ID.String()+"/reserve",
		`{"units":1}`, []string{"id"}, []string{a.ID.String()}, h.Reserve)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if code := errorCode(t, rec); code != "INSUFFICIENT_UNITS" {
		t.Errorf("code = %s, want INSUFFICIENT_UNITS", code)
	}

	// Zero units: INVALID_ADJUSTMENT with 400.
	rec = doRequest(t, testOrg, http.MethodPost, "/api/v1/authorizations/"+a.ID.String()+"/reserve",
		`{"units":0}`, []string{"id"}, []string{a.ID.String()}, h.Reserve)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	// Cross-tenant access reads as absence.
	rec = doRequest(t, "org_b", http.MethodPost, "/api/v1/authorizations/"+a.ID.String()+"/reserve",
		`{"units":1}`, []string{"id"}, []string{a.ID.String()}, h.Reserve)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-tenant status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != "NOT_FOUND" {
		t.Errorf("code = %s, want NOT_FOUND", code)
	}
}

func TestHandlerGetUnknownAndBadID(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, testOrg, http.MethodGet, "/api/v1/authorizations/not-a-uuid", "",
		[]string{"id"}, []string{"not-a-uuid"}, h.Get)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, testOrg, http.MethodGet, "/api/v1/authorizations/00000000-0000-0000-0000-000000000001", "",
		[]string{"id"}, []string{"00000000-0000-0000-0000-000000000001"}, h.Get)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestHandlerExpiredReturnsGone(t *testing.T) {
	h, svc := newTestHandler(t)
	a, err := svc.Create(context.Background(), CreateSpec{
		OrganizationID: testOrg,
		PatientRef:     "p1",
		ServiceRef:     "97153",
		TotalUnits:     10,
		StartDate:      time.Now().UTC().AddDate(0, -3, 0),
		EndDate:        time.Now().UTC().AddDate(0, 0, -2),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doRequest(t, testOrg, http.MethodPost, "/api/v1/authorizations/"+a.ID.String()+"/reserve",
		`{"units":1}`, []string{"id"}, []string{a.ID.String()}, h.Reserve)
	if rec.Code != http.StatusGone {
		t.Errorf("status = %d, want 410", rec.Code)
	}
	if code := errorCode(t, rec); code != "AUTH_EXPIRED" {
		t.Errorf("code = %s, want AUTH_EXPIRED", code)
	}
}

func TestHandlerAdjustAndCancel(t *testing.T) {
	h, svc := newTestHandler(t)
	a := seedAuthorization(t, svc, 20)

	rec := doRequest(t, testOrg, http.MethodPost, "/api/v1/authorizations/"+a.ID.String()+"/adjust",
		`{"delta":5}`, []string{"id"}, []string{a.ID.String()}, h.Adjust)
	if rec.Code != http.StatusOK {
		t.Fatalf("adjust status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got Authorization
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UsedUnits != 5 {
		t.Errorf("used = %d, want 5", got.UsedUnits)
	}

	rec = doRequest(t, testOrg, http.MethodPost, "/api/v1/authorizations/"+a.ID.String()+"/cancel",
		"", []string{"id"}, []string{a.ID.String()}, h.Cancel)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}

	rec = doRequest(t, testOrg, http.MethodPost, "/api/v1/authorizations/"+a.ID.String()+"/adjust",
		`{"delta":-5}`, []string{"id"}, []string{a.ID.String()}, h.Adjust)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("adjust after cancel status = %d, want 422", rec.Code)
	}
	if code := errorCode(t, rec); code != "NOT_ACTIVE" {
		t.Errorf("code = %s, want NOT_ACTIVE", code)
	}
}

func TestHandlerConfirmAndReleaseStale(t *testing.T) {
	h, svc := newTestHandler(t)
	a := seedAuthorization(t, svc, 30)

	_, res, err := svc.Reserve(context.Background(), testOrg, a.ID, 10)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, res2, err := svc.Reserve(context.Background(), testOrg, a.ID, 5)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	rec := doRequest(t, testOrg, http.MethodPost, "/api/v1/reservations/"+res.ID.String()+"/confirm",
		"", []string{"id"}, []string{res.ID.String()}, h.ConfirmReservation)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body %s", rec.Code, rec.Body.String())
	}

	// An explicit future cutoff releases the remaining pending hold.
	cutoff := time.Now().UTC().Add(time.Minute).Format(time.RFC3339)
	rec = doRequest(t, testOrg, http.MethodPost, "/api/v1/reservations/release-stale",
		`{"older_than":"`+cutoff+`"}`, nil, nil, h.ReleaseStale)
	if rec.Code != http.StatusOK {
		t.Fatalf("release status = %d, body %s", rec.Code, rec.Body.String())
	}
	var released releaseStaleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &released); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if released.Released != 1 {
		t.Errorf("released = %d, want 1", released.Released)
	}

	got, err := svc.GetReservation(context.Background(), testOrg, res2.ID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if got.State != ReservationReleased {
		t.Errorf("state = %s, want RELEASED", got.State)
	}
}

func TestHandlerListPagination(t *testing.T) {
	h, svc := newTestHandler(t)
	for i := 0; i < 3; i++ {
		seedAuthorization(t, svc, 10)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/authorizations?limit=2&offset=0", nil)
	req = req.WithContext(db.WithOrg(context.Background(), testOrg))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.List(c); err != nil {
		t.Fatalf("list: %v", err)
	}

	var body struct {
		Data    []Authorization `json:"data"`
		Total   int             `json:"total"`
		HasMore bool            `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 3 || len(body.Data) != 2 || !body.HasMore {
		t.Errorf("total=%d page=%d has_more=%v, want 3/2/true", body.Total, len(body.Data), body.HasMore)
	}
}
