package billing

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medicore/clinic/internal/platform/auth"
	"github.com/medicore/clinic/pkg/apperr"
	"github.com/medicore/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/invoices", auth.RequireRole(auth.RoleClinicAdmin, auth.RoleStaff, auth.RolePatient))
	read.GET("", h.List)
	read.GET("/:id", h.Get)

	write := api.Group("/invoices", auth.RequireRole(auth.RoleClinicAdmin, auth.RoleStaff))
	write.POST("", h.Create)
	write.PATCH("/:id/status", h.UpdateStatus)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.InvalidInput("invalid id")
	}
	return id, nil
}

func actorOf(c echo.Context) auth.Actor {
	return auth.ActorFromContext(c.Request().Context())
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	inv, err := h.svc.CreateInvoice(c.Request().Context(), actorOf(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) List(c echo.Context) error {
	var f Filter
	for name, dst := range map[string]**uuid.UUID{"clinic_id": &f.ClinicID, "patient_id": &f.PatientID} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return apperr.InvalidInput("invalid %s", name)
		}
		*dst = &id
	}
	f.Status = Status(c.QueryParam("status"))

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListInvoices(c.Request().Context(), actorOf(c), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	inv, err := h.svc.UpdateStatus(c.Request().Context(), actorOf(c), id, req.Status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inv)
}
