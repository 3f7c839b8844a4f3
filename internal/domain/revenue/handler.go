package revenue

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medicore/clinic/internal/platform/auth"
	"github.com/medicore/clinic/pkg/apperr"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/revenue/:clinic", auth.RequireRole(auth.RoleClinicAdmin))
	g.GET("/current", h.Current)
	g.GET("/previous", h.Previous)
	g.GET("/yearly/:year", h.Yearly)
	g.GET("/months/:year/:month", h.Month)
	g.POST("/reconcile", h.Reconcile)
}

// clinicParam resolves the clinic and checks the caller administers it.
func clinicParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("clinic"))
	if err != nil {
		return uuid.Nil, apperr.InvalidInput("invalid clinic")
	}
	actor := auth.ActorFromContext(c.Request().Context())
	if !actor.AdministersClinic(id.String()) {
		return uuid.Nil, apperr.Unauthorized("not an administrator of clinic %s", id)
	}
	return id, nil
}

func intParam(c echo.Context, name string) (int, error) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, apperr.InvalidInput("invalid %s", name)
	}
	return v, nil
}

func (h *Handler) Current(c echo.Context) error {
	clinicID, err := clinicParam(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.CurrentMonth(c.Request().Context(), clinicID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) Previous(c echo.Context) error {
	clinicID, err := clinicParam(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.PreviousMonthSummary(c.Request().Context(), clinicID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) Yearly(c echo.Context) error {
	clinicID, err := clinicParam(c)
	if err != nil {
		return err
	}
	year, err := intParam(c, "year")
	if err != nil {
		return err
	}
	months, err := h.svc.YearlyBreakdown(c.Request().Context(), clinicID, year)
	if err != nil {
		return err
	}
	var total int64
	for _, m := range months {
		total += m.Total
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"year":   year,
		"total":  total,
		"months": months,
	})
}

func (h *Handler) Month(c echo.Context) error {
	clinicID, err := clinicParam(c)
	if err != nil {
		return err
	}
	year, err := intParam(c, "year")
	if err != nil {
		return err
	}
	month, err := intParam(c, "month")
	if err != nil {
		return err
	}
	m, err := h.svc.GetMonth(c.Request().Context(), clinicID, year, month)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

type reconcileRequest struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// Reconcile defaults to the current month when the body omits it.
func (h *Handler) Reconcile(c echo.Context) error {
	clinicID, err := clinicParam(c)
	if err != nil {
		return err
	}
	var req reconcileRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	if req.Year == 0 || req.Month == 0 {
		now := h.svc.now().UTC()
		req.Year, req.Month = now.Year(), int(now.Month())
	}
	report, err := h.svc.Reconcile(c.Request().Context(), clinicID, req.Year, req.Month)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
