package scheduling

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
	// Everyone signed in may look at availability and book.
	read := api.Group("", auth.RequireRole(auth.RoleClinicAdmin, auth.RoleDoctor, auth.RoleStaff, auth.RolePatient))
	read.GET("/availability/:doctor", h.ListRules)
	read.GET("/availability/:doctor/slots/:date", h.GetSlots)
	read.GET("/exceptions/:doctor", h.ListExceptions)
	read.POST("/appointments", h.BookAppointment)
	read.POST("/appointments/check-conflicts", h.CheckConflicts)
	read.GET("/appointments", h.ListAppointments)
	read.GET("/appointments/:id", h.GetAppointment)
	read.PATCH("/appointments/:id/status", h.UpdateAppointmentStatus)
	read.PATCH("/appointments/:id/reschedule", h.RescheduleAppointment)

	// Schedule templates are maintained by clinic staff and doctors.
	write := api.Group("", auth.RequireRole(auth.RoleClinicAdmin, auth.RoleDoctor, auth.RoleStaff))
	write.POST("/availability/bulk", h.ReplaceRules)
	write.POST("/exceptions", h.CreateException)
	write.PUT("/exceptions/:id", h.UpdateException)
	write.DELETE("/exceptions/:id", h.DeleteException)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.InvalidInput("invalid %s", name)
	}
	return id, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, apperr.InvalidInput("invalid %s", name)
	}
	return &id, nil
}

func actorOf(c echo.Context) auth.Actor {
	return auth.ActorFromContext(c.Request().Context())
}

// patientScope pins patient callers to their own records.
func patientScope(c echo.Context) (*uuid.UUID, error) {
	actor := auth.ActorFromContext(c.Request().Context())
	if !actor.HasRole(auth.RolePatient) || actor.HasRole(auth.RoleAdmin) {
		return nil, nil
	}
	id, err := uuid.Parse(actor.UserID)
	if err != nil {
		return nil, apperr.Unauthorized("patient identity is not a valid id")
	}
	return &id, nil
}

// -- Weekly rules --

func (h *Handler) ListRules(c echo.Context) error {
	doctorID, err := parseID(c, "doctor")
	if err != nil {
		return err
	}
	rules, err := h.svc.ListRules(c.Request().Context(), doctorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rules)
}

type ruleInput struct {
	DayOfWeek    int    `json:"day_of_week"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	SlotDuration int    `json:"slot_duration,omitempty"`
}

type bulkRulesRequest struct {
	DoctorID     uuid.UUID   `json:"doctor_id"`
	SlotDuration int         `json:"slot_duration"`
	Schedule     []ruleInput `json:"schedule"`
}

func (h *Handler) ReplaceRules(c echo.Context) error {
	var req bulkRulesRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	if req.DoctorID == uuid.Nil {
		return apperr.InvalidInput("doctor_id is required")
	}
	rules := make([]*WeeklyRule, 0, len(req.Schedule))
	for _, in := range req.Schedule {
		rules = append(rules, &WeeklyRule{
			DayOfWeek:    in.DayOfWeek,
			StartTime:    in.StartTime,
			EndTime:      in.EndTime,
			SlotDuration: in.SlotDuration,
		})
	}
	saved, err := h.svc.ReplaceRules(c.Request().Context(), actorOf(c), req.DoctorID, req.SlotDuration, rules)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, saved)
}

type slotsResponse struct {
	*Availability
	Slots []Slot `json:"slots"`
}

func (h *Handler) GetSlots(c echo.Context) error {
	doctorID, err := parseID(c, "doctor")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	date := c.Param("date")
	avail, err := h.svc.GetAvailability(ctx, doctorID, date)
	if err != nil {
		return err
	}
	slots, err := h.svc.GetBookableSlots(ctx, doctorID, date)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, slotsResponse{Availability: avail, Slots: slots})
}

// -- Exceptions --

func (h *Handler) ListExceptions(c echo.Context) error {
	doctorID, err := parseID(c, "doctor")
	if err != nil {
		return err
	}
	items, err := h.svc.ListExceptions(c.Request().Context(), doctorID, c.QueryParam("startDate"), c.QueryParam("endDate"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CreateException(c echo.Context) error {
	var e ScheduleException
	if err := c.Bind(&e); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	if err := h.svc.CreateException(c.Request().Context(), actorOf(c), &e); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) UpdateException(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var patch ScheduleException
	if err := c.Bind(&patch); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	e, err := h.svc.UpdateException(c.Request().Context(), actorOf(c), id, &patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) DeleteException(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteException(c.Request().Context(), actorOf(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Appointments --

func (h *Handler) BookAppointment(c echo.Context) error {
	var a Appointment
	if err := c.Bind(&a); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	self, err := patientScope(c)
	if err != nil {
		return err
	}
	if self != nil {
		a.PatientID = *self
	}
	if err := h.svc.BookAppointment(c.Request().Context(), &a); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) CheckConflicts(c echo.Context) error {
	var check ConflictCheck
	if err := c.Bind(&check); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	report, err := h.svc.CheckConflicts(c.Request().Context(), check)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	var f AppointmentFilter
	var err error
	if f.DoctorID, err = optionalUUID(c, "doctor_id"); err != nil {
		return err
	}
	if f.PatientID, err = optionalUUID(c, "patient_id"); err != nil {
		return err
	}
	self, err := patientScope(c)
	if err != nil {
		return err
	}
	if self != nil {
		f.PatientID = self
	}
	f.Date = c.QueryParam("date")
	f.Status = AppointmentStatus(c.QueryParam("status"))

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAppointments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	self, err := patientScope(c)
	if err != nil {
		return err
	}
	if self != nil && a.PatientID != *self {
		return apperr.NotFound("appointment %s not found", id)
	}
	return c.JSON(http.StatusOK, a)
}

type statusRequest struct {
	Status AppointmentStatus `json:"status"`
}

func (h *Handler) UpdateAppointmentStatus(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	ctx := c.Request().Context()
	self, err := patientScope(c)
	if err != nil {
		return err
	}
	if self != nil {
		// Patients may only cancel their own visits.
		current, err := h.svc.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if current.PatientID != *self {
			return apperr.NotFound("appointment %s not found", id)
		}
		if req.Status != StatusCancelled {
			return apperr.Unauthorized("patients may only cancel appointments")
		}
	}
	a, err := h.svc.UpdateAppointmentStatus(ctx, actorOf(c), id, req.Status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

type rescheduleRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	Duration  int    `json:"duration,omitempty"`
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	a, err := h.svc.RescheduleAppointment(c.Request().Context(), actorOf(c), id, req.Date, req.StartTime, req.Duration)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}
