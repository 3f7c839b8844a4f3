package teleconsult

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
	g := api.Group("/teleconsultations", auth.RequireRole(auth.RoleClinicAdmin, auth.RoleDoctor, auth.RoleStaff, auth.RolePatient))
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.GET("/appointment/:appointment", h.GetByAppointment)
	g.PATCH("/:id/start", h.Start)
	g.PATCH("/:id/end", h.End)
	g.PATCH("/:id/cancel", h.Cancel)
	g.PATCH("/:id/notes", h.UpdateNotes)
	g.POST("/:id/join", h.Join)
	g.POST("/:id/leave", h.Leave)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.InvalidInput("invalid %s", name)
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
	created, err := h.svc.CreateSession(c.Request().Context(), actorOf(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// List scopes doctors and patients to their own sessions unless they
// administer the clinic.
func (h *Handler) List(c echo.Context) error {
	var f Filter
	for name, dst := range map[string]**uuid.UUID{"doctor_id": &f.DoctorID, "patient_id": &f.PatientID, "clinic_id": &f.ClinicID} {
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

	actor := actorOf(c)
	if !actor.HasRole(auth.RoleAdmin) && !actor.HasRole(auth.RoleClinicAdmin) {
		self := actorUUID(actor)
		switch {
		case actor.HasRole(auth.RolePatient):
			f.PatientID = &self
		case actor.HasRole(auth.RoleDoctor):
			f.DoctorID = &self
		}
	}
	if actor.HasRole(auth.RoleClinicAdmin) && !actor.HasRole(auth.RoleAdmin) && actor.ClinicID != "" {
		clinic, err := uuid.Parse(actor.ClinicID)
		if err == nil {
			f.ClinicID = &clinic
		}
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSessions(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	sess, err := h.svc.GetSession(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) GetByAppointment(c echo.Context) error {
	id, err := parseID(c, "appointment")
	if err != nil {
		return err
	}
	sess, err := h.svc.GetSessionByAppointment(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Start(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	sess, err := h.svc.StartSession(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) End(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var outcome Outcome
	if err := c.Bind(&outcome); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	sess, err := h.svc.EndSession(c.Request().Context(), actorOf(c), id, outcome)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) UpdateNotes(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var outcome Outcome
	if err := c.Bind(&outcome); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	sess, err := h.svc.UpdateNotes(c.Request().Context(), actorOf(c), id, outcome)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	sess, err := h.svc.CancelSession(c.Request().Context(), actorOf(c), id, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

type joinRequest struct {
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
}

func (h *Handler) Join(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	if req.Role != "" && !req.Role.Valid() {
		return apperr.InvalidInput("role must be doctor or patient")
	}
	res, err := h.svc.JoinSession(c.Request().Context(), actorOf(c), id, req.Role, req.DisplayName)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Leave(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	sess, err := h.svc.LeaveSession(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}
