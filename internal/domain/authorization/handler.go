package authorization

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careledger/careledger/internal/platform/db"
	"github.com/careledger/careledger/pkg/pagination"
)

// Handler exposes the reservation engine over HTTP. The organization scope
// comes from the request context (resolved by middleware from the
// authenticated actor), never from body fields.
type Handler struct {
	svc *Service
	// staleAfter is the default staleness window when release-stale is
	// called without an explicit cutoff.
	staleAfter time.Duration
}

func NewHandler(svc *Service, staleAfter time.Duration) *Handler {
	return &Handler{svc: svc, staleAfter: staleAfter}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/authorizations", h.Create)
	api.GET("/authorizations", h.List)
	api.GET("/authorizations/:id", h.Get)
	api.POST("/authorizations/:id/reserve", h.Reserve)
	api.POST("/authorizations/:id/adjust", h.Adjust)
	api.POST("/authorizations/:id/cancel", h.Cancel)

	api.GET("/reservations/:id", h.GetReservation)
	api.POST("/reservations/:id/confirm", h.ConfirmReservation)
	api.POST("/reservations/release-stale", h.ReleaseStale)
}

func (h *Handler) Create(c echo.Context) error {
	var spec CreateSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	spec.OrganizationID = db.OrgFromContext(c.Request().Context())

	a, err := h.svc.Create(c.Request().Context(), spec)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	f := ListFilters{
		Status:     Status(c.QueryParam("status")),
		PatientRef: c.QueryParam("patient"),
	}
	items, total, err := h.svc.List(ctx, db.OrgFromContext(ctx), f, pg.Limit, pg.Offset)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.Get(ctx, db.OrgFromContext(ctx), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

type reserveRequest struct {
	Units int `json:"units"`
}

type reserveResponse struct {
	Authorization *Authorization `json:"authorization"`
	Reservation   *Reservation   `json:"reservation"`
}

func (h *Handler) Reserve(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req reserveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, res, err := h.svc.Reserve(ctx, db.OrgFromContext(ctx), id, req.Units)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, reserveResponse{Authorization: a, Reservation: res})
}

type adjustRequest struct {
	Delta int `json:"delta"`
}

func (h *Handler) Adjust(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req adjustRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Adjust(ctx, db.OrgFromContext(ctx), id, req.Delta)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.Cancel(ctx, db.OrgFromContext(ctx), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetReservation(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.GetReservation(ctx, db.OrgFromContext(ctx), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ConfirmReservation(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.ConfirmReservation(ctx, db.OrgFromContext(ctx), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

type releaseStaleRequest struct {
	// OlderThan overrides the default staleness cutoff (RFC 3339).
	OlderThan *time.Time `json:"older_than,omitempty"`
}

type releaseStaleResponse struct {
	Released int `json:"released"`
}

func (h *Handler) ReleaseStale(c echo.Context) error {
	ctx := c.Request().Context()
	var req releaseStaleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cutoff := time.Now().UTC().Add(-h.staleAfter)
	if req.OlderThan != nil {
		cutoff = *req.OlderThan
	}
	n, err := h.svc.ReleaseStale(ctx, db.OrgFromContext(ctx), cutoff)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, releaseStaleResponse{Released: n})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError translates the engine's typed failures into stable client-facing
// codes. Retryable kinds carry a Retry-After hint.
func writeError(c echo.Context, err error) error {
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	status := HTTPStatus(e.Kind)
	if e.Kind == KindContention || e.Kind == KindUnavailable {
		c.Response().Header().Set("Retry-After", strconv.Itoa(1))
	}
	return c.JSON(status, map[string]errorBody{
		"error": {Code: string(e.Kind), Message: e.Message},
	})
}
