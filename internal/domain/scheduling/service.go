package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/medicore/clinic/internal/platform/auth"
	"github.com/medicore/clinic/internal/platform/db"
	"github.com/medicore/clinic/internal/platform/telemetry"
	"github.com/medicore/clinic/pkg/apperr"
)

const instrumentation = "github.com/medicore/clinic/scheduling"

// SessionHooks lets bookings drive the teleconsultation lifecycle without
// this package depending on it.
type SessionHooks interface {
	MintForAppointment(ctx context.Context, a *Appointment) error
	CancelForAppointment(ctx context.Context, appointmentID uuid.UUID, reason string) error
}

type Service struct {
	clinics      ClinicRepository
	doctors      DoctorRepository
	rules        RuleRepository
	exceptions   ExceptionRepository
	appointments AppointmentRepository
	tx           db.Transactor
	cache        SlotCache
	sessions     SessionHooks
	logger       zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time

	defaultSlot  int
	openMinutes  int
	closeMinutes int

	bookings  metric.Int64Counter
	conflicts metric.Int64Counter
}

func NewService(clinics ClinicRepository, doctors DoctorRepository, rules RuleRepository,
	exceptions ExceptionRepository, appts AppointmentRepository, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		clinics:      clinics,
		doctors:      doctors,
		rules:        rules,
		exceptions:   exceptions,
		appointments: appts,
		tx:           tx,
		cache:        NoopSlotCache(),
		logger:       logger.With().Str("component", "scheduling").Logger(),
		tracer:       otel.Tracer(instrumentation),
		now:          time.Now,
		defaultSlot:  30,
		openMinutes:  9 * 60,
		closeMinutes: 18 * 60,
		bookings:     telemetry.Counter(instrumentation, "scheduling.bookings", "appointments booked"),
		conflicts:    telemetry.Counter(instrumentation, "scheduling.conflicts", "bookings rejected by conflict"),
	}
}

func (s *Service) SetSlotCache(c SlotCache) { s.cache = c }

func (s *Service) SetSessionHooks(h SessionHooks) { s.sessions = h }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetDefaults overrides the fallback slot width and clinic hours used when a
// clinic row does not carry its own.
func (s *Service) SetDefaults(slotMinutes int, openTime, closeTime string) error {
	hours, err := ParseInterval(openTime, closeTime)
	if err != nil {
		return fmt.Errorf("clinic hours: %w", err)
	}
	if slotMinutes > 0 {
		s.defaultSlot = slotMinutes
	}
	s.openMinutes, s.closeMinutes = hours.Start, hours.End
	return nil
}

func (s *Service) invalidate(ctx context.Context, doctorID uuid.UUID, dates ...string) {
	if err := s.cache.Invalidate(ctx, doctorID, dates...); err != nil {
		s.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Strs("dates", dates).Msg("slot cache invalidation failed")
	}
}

func lockKey(doctorID uuid.UUID, date string) string {
	return "appointment:" + doctorID.String() + ":" + date
}

// -- Authorization --

func actorUUID(actor auth.Actor) uuid.UUID {
	id, err := uuid.Parse(actor.UserID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// canManage admits members of the clinic and its admins.
func canManage(actor auth.Actor, clinicID uuid.UUID) bool {
	if actor.ClinicID != "" && actor.ClinicID == clinicID.String() {
		return true
	}
	return actor.AdministersClinic(clinicID.String())
}

// canEditSchedule also lets a doctor maintain their own calendar.
func canEditSchedule(actor auth.Actor, doctorID, clinicID uuid.UUID) error {
	if uid := actorUUID(actor); uid != uuid.Nil && uid == doctorID {
		return nil
	}
	if !canManage(actor, clinicID) {
		return apperr.Unauthorized("not permitted to change the schedule of doctor %s", doctorID)
	}
	return nil
}

// canChangeAppointment admits the appointment's patient and doctor besides
// the clinic.
func canChangeAppointment(actor auth.Actor, a *Appointment) error {
	if uid := actorUUID(actor); uid != uuid.Nil && (uid == a.PatientID || uid == a.DoctorID) {
		return nil
	}
	if !canManage(actor, a.ClinicID) {
		return apperr.Unauthorized("not permitted to change appointment %s", a.ID)
	}
	return nil
}

// -- Weekly rules --

func (s *Service) ListRules(ctx context.Context, doctorID uuid.UUID) ([]*WeeklyRule, error) {
	if _, err := s.doctors.GetByID(ctx, doctorID); err != nil {
		return nil, err
	}
	return s.rules.ListByDoctor(ctx, doctorID)
}

func validateRule(r *WeeklyRule) error {
	if r.DayOfWeek < 0 || r.DayOfWeek > 6 {
		return apperr.InvalidInput("day_of_week must be between 0 and 6, got %d", r.DayOfWeek)
	}
	if _, err := ParseInterval(r.StartTime, r.EndTime); err != nil {
		return apperr.InvalidInput("rule %s-%s: %s", r.StartTime, r.EndTime, err.Error())
	}
	if r.SlotDuration < MinAppointmentMinutes || r.SlotDuration > MaxAppointmentMinutes {
		return apperr.InvalidInput("slot_duration must be between %d and %d minutes", MinAppointmentMinutes, MaxAppointmentMinutes)
	}
	return nil
}

// ReplaceRules swaps the doctor's weekly template. Rules without their own
// slot width take slotDuration.
func (s *Service) ReplaceRules(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, slotDuration int, rules []*WeeklyRule) ([]*WeeklyRule, error) {
	doctor, err := s.doctors.GetByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if err := canEditSchedule(actor, doctorID, doctor.ClinicID); err != nil {
		return nil, err
	}
	for _, r := range rules {
		r.DoctorID = doctorID
		r.ClinicID = doctor.ClinicID
		r.Active = true
		if r.SlotDuration == 0 {
			r.SlotDuration = slotDuration
		}
		if r.SlotDuration == 0 {
			r.SlotDuration = s.defaultSlot
		}
		if err := validateRule(r); err != nil {
			return nil, err
		}
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.rules.Replace(ctx, doctorID, rules)
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, doctorID)
	return s.rules.ListByDoctor(ctx, doctorID)
}

// -- Exceptions --

func validateException(e *ScheduleException) error {
	if _, err := parseDate(e.Date); err != nil {
		return err
	}
	switch e.Kind {
	case ExceptionUnavailable:
		e.StartTime, e.EndTime, e.Breaks = nil, nil, nil
		return nil
	case ExceptionCustomHours, ExceptionBlocked:
	default:
		return apperr.InvalidInput("unknown exception kind %q", e.Kind)
	}
	window, err := exceptionInterval(e)
	if err != nil {
		return apperr.InvalidInput("%s exception: %s", e.Kind, err.Error())
	}
	if e.Kind == ExceptionBlocked && len(e.Breaks) > 0 {
		return apperr.InvalidInput("breaks are only allowed on custom_hours exceptions")
	}
	for _, b := range e.Breaks {
		iv, err := ParseInterval(b.StartTime, b.EndTime)
		if err != nil {
			return apperr.InvalidInput("break: %s", err.Error())
		}
		if !window.Contains(iv) {
			return apperr.InvalidInput("break %s lies outside %s", iv, window)
		}
	}
	return nil
}

func (s *Service) CreateException(ctx context.Context, actor auth.Actor, e *ScheduleException) error {
	doctor, err := s.doctors.GetByID(ctx, e.DoctorID)
	if err != nil {
		return err
	}
	if err := canEditSchedule(actor, doctor.ID, doctor.ClinicID); err != nil {
		return err
	}
	e.ClinicID = doctor.ClinicID
	e.Active = true
	if err := validateException(e); err != nil {
		return err
	}
	existing, err := s.exceptions.ActiveForDate(ctx, e.DoctorID, e.Date)
	if err != nil {
		return err
	}
	if existing != nil {
		return apperr.Conflict("an exception already exists for %s", e.Date).WithDetails(existing)
	}
	if err := s.exceptions.Create(ctx, e); err != nil {
		return err
	}
	s.invalidate(ctx, e.DoctorID, e.Date)
	return nil
}

func (s *Service) ListExceptions(ctx context.Context, doctorID uuid.UUID, from, to string) ([]*ScheduleException, error) {
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := parseDate(d); err != nil {
			return nil, err
		}
	}
	return s.exceptions.ListByDoctor(ctx, doctorID, from, to)
}

// UpdateException rewrites an active exception's kind, hours, breaks and
// reason. The date is fixed once created.
func (s *Service) UpdateException(ctx context.Context, actor auth.Actor, id uuid.UUID, patch *ScheduleException) (*ScheduleException, error) {
	e, err := s.exceptions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Active {
		return nil, apperr.NotFound("exception %s not found", id)
	}
	if err := canEditSchedule(actor, e.DoctorID, e.ClinicID); err != nil {
		return nil, err
	}
	e.Kind = patch.Kind
	e.StartTime = patch.StartTime
	e.EndTime = patch.EndTime
	e.Breaks = patch.Breaks
	e.Reason = patch.Reason
	if err := validateException(e); err != nil {
		return nil, err
	}
	if err := s.exceptions.Update(ctx, e); err != nil {
		return nil, err
	}
	s.invalidate(ctx, e.DoctorID, e.Date)
	return e, nil
}

func (s *Service) DeleteException(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	e, err := s.exceptions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := canEditSchedule(actor, e.DoctorID, e.ClinicID); err != nil {
		return err
	}
	if err := s.exceptions.Deactivate(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, e.DoctorID, e.Date)
	return nil
}

// -- Appointments --

// BookAppointment inserts a Scheduled appointment. Bookings for one doctor
// and date are serialized by an advisory lock, and conflicts are checked
// again under it. A rejected booking returns a Conflict error whose details
// are the ConflictReport.
func (s *Service) BookAppointment(ctx context.Context, a *Appointment) error {
	ctx, span := s.tracer.Start(ctx, "scheduling.BookAppointment")
	defer span.End()

	if a.Type == "" {
		a.Type = TypeInPerson
	}
	if !a.Type.Valid() {
		return apperr.InvalidInput("unknown appointment_type %q", a.Type)
	}
	if a.PatientID == uuid.Nil {
		return apperr.InvalidInput("patient_id is required")
	}
	check := ConflictCheck{DoctorID: a.DoctorID, Date: a.Date, StartTime: a.StartTime, Duration: a.DurationMinutes}
	if _, err := s.validateCheck(check); err != nil {
		return err
	}
	doctor, err := s.doctors.GetByID(ctx, a.DoctorID)
	if err != nil {
		return err
	}
	clinic, err := s.clinics.GetByID(ctx, doctor.ClinicID)
	if err != nil {
		return err
	}
	if err := s.rejectPast(clinic, a.Date, a.StartTime); err != nil {
		return err
	}
	a.ClinicID = doctor.ClinicID
	a.Status = StatusScheduled

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.tx.Lock(ctx, lockKey(a.DoctorID, a.Date)); err != nil {
			return err
		}
		conflicts, err := s.DetectConflicts(ctx, check)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			suggestions, err := s.SuggestAlternatives(ctx, check, conflicts)
			if err != nil {
				return err
			}
			return apperr.Conflict("requested time overlaps %d existing appointment(s)", len(conflicts)).
				WithDetails(&ConflictReport{Conflicts: conflicts, Suggestions: suggestions})
		}
		return s.appointments.Create(ctx, a)
	})
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			s.conflicts.Add(ctx, 1)
		}
		return err
	}

	span.SetAttributes(attribute.String("appointment.id", a.ID.String()))
	s.bookings.Add(ctx, 1, metric.WithAttributes(attribute.String("appointment.type", string(a.Type))))
	s.invalidate(ctx, a.DoctorID, a.Date)

	if a.Type == TypeTeleconsultation && s.sessions != nil {
		if err := s.sessions.MintForAppointment(ctx, a); err != nil {
			s.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("teleconsultation room minting failed")
		}
	}
	return nil
}

// rejectPast refuses times that already started in the clinic's zone.
func (s *Service) rejectPast(c *Clinic, date, start string) error {
	now := s.now().In(c.Location())
	today := now.Format(dateLayout)
	if date > today {
		return nil
	}
	if date < today {
		return apperr.InvalidInput("date %s is in the past", date)
	}
	m, _ := ParseClock(start)
	if m < now.Hour()*60+now.Minute() {
		return apperr.InvalidInput("start time %s has already passed", start)
	}
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	if f.Date != "" {
		if _, err := parseDate(f.Date); err != nil {
			return nil, 0, err
		}
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.InvalidInput("unknown status %q", f.Status)
	}
	return s.appointments.List(ctx, f, limit, offset)
}

// UpdateAppointmentStatus applies one step of the appointment lifecycle.
func (s *Service) UpdateAppointmentStatus(ctx context.Context, actor auth.Actor, id uuid.UUID, next AppointmentStatus) (*Appointment, error) {
	if !next.Valid() {
		return nil, apperr.InvalidInput("unknown status %q", next)
	}
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canChangeAppointment(actor, a); err != nil {
		return nil, err
	}
	if !a.Status.CanTransitionTo(next) {
		return nil, apperr.InvalidTransition("appointment cannot move from %s to %s", a.Status, next)
	}
	if err := s.appointments.UpdateStatus(ctx, id, a.Status, next); err != nil {
		return nil, err
	}
	a.Status = next
	s.invalidate(ctx, a.DoctorID, a.Date)

	if next == StatusCancelled && a.Type == TypeTeleconsultation && s.sessions != nil {
		if err := s.sessions.CancelForAppointment(ctx, a.ID, "appointment cancelled"); err != nil {
			s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("teleconsultation cancel failed")
		}
	}
	return a, nil
}

// RescheduleAppointment moves a live appointment to a new date and time,
// ignoring its own current booking when looking for conflicts.
func (s *Service) RescheduleAppointment(ctx context.Context, actor auth.Actor, id uuid.UUID, date, startTime string, duration int) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canChangeAppointment(actor, a); err != nil {
		return nil, err
	}
	if a.Status != StatusScheduled && a.Status != StatusConfirmed {
		return nil, apperr.InvalidTransition("a %s appointment cannot be rescheduled", a.Status)
	}
	if duration == 0 {
		duration = a.DurationMinutes
	}
	check := ConflictCheck{DoctorID: a.DoctorID, Date: date, StartTime: startTime, Duration: duration, ExcludeAppointmentID: &a.ID}
	if _, err := s.validateCheck(check); err != nil {
		return nil, err
	}
	clinic, err := s.clinics.GetByID(ctx, a.ClinicID)
	if err != nil {
		return nil, err
	}
	if err := s.rejectPast(clinic, date, startTime); err != nil {
		return nil, err
	}

	oldDate := a.Date
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.tx.Lock(ctx, lockKey(a.DoctorID, date)); err != nil {
			return err
		}
		conflicts, err := s.DetectConflicts(ctx, check)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			suggestions, err := s.SuggestAlternatives(ctx, check, conflicts)
			if err != nil {
				return err
			}
			return apperr.Conflict("requested time overlaps %d existing appointment(s)", len(conflicts)).
				WithDetails(&ConflictReport{Conflicts: conflicts, Suggestions: suggestions})
		}
		a.Date, a.StartTime, a.DurationMinutes = date, startTime, duration
		return s.appointments.Reschedule(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, a.DoctorID, oldDate, date)
	return a, nil
}
