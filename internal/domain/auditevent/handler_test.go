package auditevent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careledger/careledger/internal/platform/db"
)

func TestHandlerListFiltersByOutcome(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	authID := uuid.New()
	for _, e := range []Event{
		{OrganizationID: "org_a", AuthorizationID: authID, Operation: OpReserve, Outcome: OutcomeSuccess, Recorded: time.Now().UTC()},
		{OrganizationID: "org_a", AuthorizationID: authID, Operation: OpReserve, Outcome: OutcomeFailure, Recorded: time.Now().UTC()},
	} {
		ev := e
		if err := repo.Create(ctx, &ev); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	h := NewHandler(NewService(repo))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-events?outcome=FAILURE", nil)
	req = req.WithContext(db.WithOrg(context.Background(), "org_a"))
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatalf("list: %v", err)
	}

	var body struct {
		Data  []Event `json:"data"`
		Total int     `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || body.Data[0].Outcome != OutcomeFailure {
		t.Errorf("total = %d, want exactly the failure event", body.Total)
	}
}

func TestHandlerListRejectsBadAuthorizationID(t *testing.T) {
	h := NewHandler(NewService(NewMemoryRepo()))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-events?authorization_id=nope", nil)
	req = req.WithContext(db.WithOrg(context.Background(), "org_a"))
	rec := httptest.NewRecorder()
	err := h.List(e.NewContext(req, rec))

	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusBadRequest {
		t.Errorf("got %v, want 400", err)
	}
}
