package teleconsult

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/medicore/clinic/internal/domain/scheduling"
	"github.com/medicore/clinic/internal/platform/auth"
	"github.com/medicore/clinic/internal/platform/db"
	"github.com/medicore/clinic/internal/platform/notification"
	"github.com/medicore/clinic/internal/platform/telemetry"
	"github.com/medicore/clinic/pkg/apperr"
)

const instrumentation = "github.com/medicore/clinic/teleconsult"

// deliveryTimeout bounds invitation email delivery per request.
const deliveryTimeout = 10 * time.Second

type AppointmentSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
}

type DoctorSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*scheduling.Doctor, error)
}

type ClinicSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*scheduling.Clinic, error)
}

type Service struct {
	sessions     SessionRepository
	participants ParticipantRepository
	appointments AppointmentSource
	doctors      DoctorSource
	clinics      ClinicSource
	tx           db.Transactor
	settings     Settings
	tokens       *TokenIssuer
	mailer       *notification.Mailer
	events       Publisher
	logger       zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time

	// awaitPayment mints booked sessions in Processing.
	awaitPayment bool

	transitions metric.Int64Counter
}

func NewService(sessions SessionRepository, participants ParticipantRepository, appts AppointmentSource,
	doctors DoctorSource, clinics ClinicSource, tx db.Transactor, settings Settings, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "teleconsult").Logger()
	return &Service{
		sessions:     sessions,
		participants: participants,
		appointments: appts,
		doctors:      doctors,
		clinics:      clinics,
		tx:           tx,
		settings:     settings,
		tokens:       NewTokenIssuer(settings.AppID, settings.Domain, settings.TokenSecret, settings.RecordingEnabled),
		mailer:       notification.NewMailer(nil, nil),
		events:       NewLogPublisher(logger),
		logger:       logger,
		tracer:       otel.Tracer(instrumentation),
		now:          time.Now,
		transitions:  telemetry.Counter(instrumentation, "teleconsult.transitions", "session status transitions"),
	}
}

func (s *Service) SetMailer(m *notification.Mailer) { s.mailer = m }

func (s *Service) SetPublisher(p Publisher) { s.events = p }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) SetAwaitPayment(v bool) { s.awaitPayment = v }

func (s *Service) publish(ctx context.Context, e Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("session_id", e.SessionID.String()).Str("event", e.Type).Msg("event publish failed")
	}
}

func (s *Service) recordTransition(ctx context.Context, to Status) {
	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
}

func lockKey(id uuid.UUID) string {
	return "teleconsult:" + id.String()
}

// -- Authorization --

func actorUUID(actor auth.Actor) uuid.UUID {
	id, err := uuid.Parse(actor.UserID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func canView(actor auth.Actor, sess *Session) bool {
	uid := actorUUID(actor)
	if uid != uuid.Nil && (uid == sess.DoctorID || uid == sess.PatientID) {
		return true
	}
	return actor.AdministersClinic(sess.ClinicID.String())
}

func canModerate(actor auth.Actor, sess *Session) bool {
	uid := actorUUID(actor)
	if uid != uuid.Nil && uid == sess.DoctorID {
		return true
	}
	return actor.AdministersClinic(sess.ClinicID.String())
}

// canCreate admits the appointment's doctor plus admins and staff of its clinic.
func canCreate(actor auth.Actor, a *scheduling.Appointment) bool {
	uid := actorUUID(actor)
	if uid != uuid.Nil && uid == a.DoctorID {
		return true
	}
	if actor.AdministersClinic(a.ClinicID.String()) {
		return true
	}
	return actor.HasRole(auth.RoleStaff) && actor.ClinicID == a.ClinicID.String()
}

func (s *Service) load(ctx context.Context, actor auth.Actor, id uuid.UUID, allowed func(auth.Actor, *Session) bool) (*Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !allowed(actor, sess) {
		return nil, apperr.Unauthorized("not a participant of teleconsultation %s", id)
	}
	return sess, nil
}

// -- Creation --

// CreateSession mints a room for an appointment and renders the invitations.
func (s *Service) CreateSession(ctx context.Context, actor auth.Actor, req CreateRequest) (*Created, error) {
	ctx, span := s.tracer.Start(ctx, "teleconsult.CreateSession")
	defer span.End()

	if req.AppointmentID == uuid.Nil {
		return nil, apperr.InvalidInput("appointment_id is required")
	}
	a, err := s.appointments.GetByID(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	if !canCreate(actor, a) {
		return nil, apperr.Unauthorized("cannot create a teleconsultation for appointment %s", a.ID)
	}
	created, err := s.create(ctx, a, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("teleconsult.room", created.Session.RoomName))
	return created, nil
}

// MintForAppointment creates the session for a freshly booked
// teleconsultation appointment.
func (s *Service) MintForAppointment(ctx context.Context, a *scheduling.Appointment) error {
	_, err := s.create(ctx, a, CreateRequest{AppointmentID: a.ID, AwaitPayment: s.awaitPayment})
	return err
}

func (s *Service) create(ctx context.Context, a *scheduling.Appointment, req CreateRequest) (*Created, error) {
	if a.Type != scheduling.TypeTeleconsultation {
		return nil, apperr.InvalidInput("appointment %s is %s, not a teleconsultation", a.ID, a.Type)
	}
	if !a.Status.Open() {
		return nil, apperr.InvalidInput("appointment %s is %s", a.ID, a.Status)
	}

	sess := &Session{
		AppointmentID:    a.ID,
		DoctorID:         a.DoctorID,
		PatientID:        a.PatientID,
		ClinicID:         a.ClinicID,
		ScheduledDate:    a.Date,
		ScheduledTime:    a.StartTime,
		DurationMinutes:  a.DurationMinutes,
		Status:           StatusScheduled,
		RecordingEnabled: s.settings.RecordingEnabled,
		PasswordEnforced: s.settings.PasswordEnforced,
	}
	if req.ScheduledDate != "" {
		if _, err := time.Parse("2006-01-02", req.ScheduledDate); err != nil {
			return nil, apperr.InvalidInput("invalid scheduled_date %q", req.ScheduledDate)
		}
		sess.ScheduledDate = req.ScheduledDate
	}
	if req.ScheduledTime != "" {
		if _, err := scheduling.ParseClock(req.ScheduledTime); err != nil {
			return nil, apperr.InvalidInput("invalid scheduled_time: %s", err.Error())
		}
		sess.ScheduledTime = req.ScheduledTime
	}
	if req.Duration != 0 {
		if req.Duration < scheduling.MinAppointmentMinutes || req.Duration > scheduling.MaxAppointmentMinutes {
			return nil, apperr.InvalidInput("duration must be between %d and %d minutes",
				scheduling.MinAppointmentMinutes, scheduling.MaxAppointmentMinutes)
		}
		sess.DurationMinutes = req.Duration
	}
	if req.RecordingEnabled != nil {
		sess.RecordingEnabled = *req.RecordingEnabled
	}
	if req.PasswordEnforced != nil {
		sess.PasswordEnforced = *req.PasswordEnforced
	}
	if req.AwaitPayment {
		sess.Status = StatusProcessing
	}

	existing, err := s.sessions.GetByAppointment(ctx, a.ID)
	switch {
	case err == nil:
		return nil, apperr.Conflict("appointment %s already has teleconsultation %s", a.ID, existing.ID)
	case !apperr.Is(err, apperr.KindNotFound):
		return nil, err
	}

	if err := mintIdentifiers(sess); err != nil {
		return nil, err
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	sess.Participants = []*Participant{}

	urls := BuildURLs(s.settings.Domain, sess)
	created := &Created{
		Session:           sess,
		URLs:              urls,
		ModeratorSecret:   sess.ModeratorSecret,
		ParticipantSecret: sess.ParticipantSecret,
		Invitations:       s.invitations(ctx, sess, urls, req),
	}

	s.recordTransition(ctx, sess.Status)
	s.publish(ctx, newEvent(EventCreated, sess, s.now()))
	s.logger.Info().Str("session_id", sess.ID.String()).Str("appointment_id", a.ID.String()).
		Str("room", sess.RoomName).Str("status", string(sess.Status)).Msg("teleconsultation created")
	return created, nil
}

func mintIdentifiers(sess *Session) error {
	var err error
	if sess.RoomName, err = NewRoomName(); err != nil {
		return err
	}
	if sess.MeetingID, err = NewMeetingID(); err != nil {
		return err
	}
	if sess.ModeratorSecret, err = NewSecret(); err != nil {
		return err
	}
	sess.ParticipantSecret, err = NewSecret()
	return err
}

// invitations renders both texts and emails them. Delivery failures are
// logged; the texts are still returned to the caller.
func (s *Service) invitations(ctx context.Context, sess *Session, urls URLs, req CreateRequest) Invitations {
	doctorName, doctorEmail := "your doctor", ""
	if d, err := s.doctors.GetByID(ctx, sess.DoctorID); err == nil {
		doctorName = d.Name
		if d.Email != nil {
			doctorEmail = *d.Email
		}
	} else {
		s.logger.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("doctor lookup for invitation failed")
	}
	patientName := req.PatientName
	if patientName == "" {
		patientName = "your patient"
	}

	data := map[string]string{
		"meeting_id":   sess.MeetingID,
		"date":         sess.ScheduledDate,
		"time":         sess.ScheduledTime,
		"duration":     strconv.Itoa(sess.DurationMinutes),
		"doctor_name":  doctorName,
		"patient_name": patientName,
	}
	withLink := func(url, secret string) map[string]string {
		out := make(map[string]string, len(data)+2)
		for k, v := range data {
			out[k] = v
		}
		out["url"], out["secret"] = url, secret
		return out
	}

	var inv Invitations
	var err error
	inv.Doctor, err = s.mailer.Compose(notification.TemplateDoctorInvite, doctorEmail, withLink(urls.Moderator, sess.ModeratorSecret))
	if err != nil {
		s.logger.Error().Err(err).Msg("render doctor invitation")
	}
	inv.Patient, err = s.mailer.Compose(notification.TemplatePatientInvite, req.PatientEmail, withLink(urls.Participant, sess.ParticipantSecret))
	if err != nil {
		s.logger.Error().Err(err).Msg("render patient invitation")
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()
	for _, m := range []notification.Invitation{inv.Doctor, inv.Patient} {
		if err := s.mailer.Deliver(sendCtx, m); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("invitation delivery failed")
		}
	}
	return inv
}

// -- Queries --

func (s *Service) GetSession(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Session, error) {
	sess, err := s.load(ctx, actor, id, canView)
	if err != nil {
		return nil, err
	}
	return s.withParticipants(ctx, sess)
}

func (s *Service) GetSessionByAppointment(ctx context.Context, actor auth.Actor, appointmentID uuid.UUID) (*Session, error) {
	sess, err := s.sessions.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, sess) {
		return nil, apperr.Unauthorized("not a participant of teleconsultation %s", sess.ID)
	}
	return s.withParticipants(ctx, sess)
}

func (s *Service) withParticipants(ctx context.Context, sess *Session) (*Session, error) {
	attached, err := s.participants.Attached(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	sess.Participants = attached
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context, f Filter, limit, offset int) ([]*Session, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.InvalidInput("unknown status %q", f.Status)
	}
	return s.sessions.List(ctx, f, limit, offset)
}

// -- Lifecycle --

// StartSession opens the room. Starting a live session returns it unchanged.
func (s *Service) StartSession(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Session, error) {
	sess, err := s.load(ctx, actor, id, canModerate)
	if err != nil {
		return nil, err
	}
	if sess.Status.Live() {
		return s.withParticipants(ctx, sess)
	}
	if !sess.Status.CanTransitionTo(StatusStarted) {
		return nil, apperr.InvalidTransition("teleconsultation cannot start from %s", sess.Status)
	}
	now := s.now().UTC()
	if err := s.sessions.UpdateStatus(ctx, id, sess.Status, StatusStarted, StatusChange{StartedAt: &now}); err != nil {
		return nil, err
	}
	sess.Status = StatusStarted
	sess.StartedAt = &now

	s.recordTransition(ctx, StatusStarted)
	s.publish(ctx, newEvent(EventStarted, sess, now))
	return s.withParticipants(ctx, sess)
}

// EndSession completes a live session, records the outcome and detaches
// everyone still connected.
func (s *Service) EndSession(ctx context.Context, actor auth.Actor, id uuid.UUID, outcome Outcome) (*Session, error) {
	sess, err := s.load(ctx, actor, id, canModerate)
	if err != nil {
		return nil, err
	}
	if !sess.Status.CanTransitionTo(StatusCompleted) {
		return nil, apperr.InvalidTransition("teleconsultation cannot end from %s", sess.Status)
	}
	now := s.now().UTC()
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.tx.Lock(ctx, lockKey(id)); err != nil {
			return err
		}
		current, err := s.sessions.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !current.Status.CanTransitionTo(StatusCompleted) {
			return apperr.InvalidTransition("teleconsultation cannot end from %s", current.Status)
		}
		if err := s.sessions.UpdateStatus(ctx, id, current.Status, StatusCompleted,
			StatusChange{EndedAt: &now, Outcome: &outcome}); err != nil {
			return err
		}
		return s.participants.DetachAll(ctx, id, now)
	})
	if err != nil {
		return nil, err
	}
	sess.Status = StatusCompleted
	sess.EndedAt = &now
	mergeOutcome(&sess.Outcome, outcome)
	sess.Participants = []*Participant{}

	s.recordTransition(ctx, StatusCompleted)
	s.publish(ctx, newEvent(EventCompleted, sess, now))
	return sess, nil
}

func mergeOutcome(dst *Outcome, src Outcome) {
	if src.Notes != nil {
		dst.Notes = src.Notes
	}
	if src.Diagnosis != nil {
		dst.Diagnosis = src.Diagnosis
	}
	if src.Prescription != nil {
		dst.Prescription = src.Prescription
	}
	if src.FollowUp != nil {
		dst.FollowUp = src.FollowUp
	}
}

// CancelSession cancels a session that has not started.
func (s *Service) CancelSession(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*Session, error) {
	sess, err := s.load(ctx, actor, id, canView)
	if err != nil {
		return nil, err
	}
	if err := s.cancel(ctx, sess, reason); err != nil {
		return nil, err
	}
	return sess, nil
}

// CancelForAppointment cancels the appointment's session when it has not
// started yet. Missing or already running sessions are left alone.
func (s *Service) CancelForAppointment(ctx context.Context, appointmentID uuid.UUID, reason string) error {
	sess, err := s.sessions.GetByAppointment(ctx, appointmentID)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sess.Status.CanTransitionTo(StatusCancelled) {
		s.logger.Info().Str("session_id", sess.ID.String()).Str("status", string(sess.Status)).
			Msg("appointment cancelled; teleconsultation left as is")
		return nil
	}
	return s.cancel(ctx, sess, reason)
}

func (s *Service) cancel(ctx context.Context, sess *Session, reason string) error {
	if !sess.Status.CanTransitionTo(StatusCancelled) {
		return apperr.InvalidTransition("teleconsultation cannot be cancelled from %s", sess.Status)
	}
	now := s.now().UTC()
	change := StatusChange{EndedAt: &now}
	if reason != "" {
		change.CancelReason = &reason
	}
	if err := s.sessions.UpdateStatus(ctx, sess.ID, sess.Status, StatusCancelled, change); err != nil {
		return err
	}
	sess.Status = StatusCancelled
	sess.EndedAt = &now
	sess.CancelReason = change.CancelReason

	s.recordTransition(ctx, StatusCancelled)
	e := newEvent(EventCancelled, sess, now)
	e.Reason = reason
	s.publish(ctx, e)
	s.notifyCancelled(ctx, sess, reason)
	return nil
}

func (s *Service) notifyCancelled(ctx context.Context, sess *Session, reason string) {
	d, err := s.doctors.GetByID(ctx, sess.DoctorID)
	if err != nil || d.Email == nil {
		return
	}
	if reason == "" {
		reason = "not given"
	}
	inv, err := s.mailer.Compose(notification.TemplateCancelled, *d.Email, map[string]string{
		"meeting_id": sess.MeetingID,
		"date":       sess.ScheduledDate,
		"time":       sess.ScheduledTime,
		"reason":     reason,
	})
	if err == nil {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()
		err = s.mailer.Deliver(sendCtx, inv)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("cancellation notice failed")
	}
}

// ActivateSession releases a Processing session once its invoice is
// approved. Already scheduled sessions are returned unchanged.
func (s *Service) ActivateSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusScheduled {
		return sess, nil
	}
	if sess.Status != StatusProcessing {
		return nil, apperr.InvalidTransition("teleconsultation cannot be activated from %s", sess.Status)
	}
	if err := s.sessions.UpdateStatus(ctx, id, StatusProcessing, StatusScheduled, StatusChange{}); err != nil {
		return nil, err
	}
	sess.Status = StatusScheduled
	s.recordTransition(ctx, StatusScheduled)
	s.publish(ctx, newEvent(EventActivated, sess, s.now()))
	return sess, nil
}

// ActivateForAppointment activates the appointment's Processing session.
// It reports false when there is nothing to activate.
func (s *Service) ActivateForAppointment(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	sess, err := s.sessions.GetByAppointment(ctx, appointmentID)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sess.Status != StatusProcessing {
		return false, nil
	}
	if _, err := s.ActivateSession(ctx, sess.ID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) UpdateNotes(ctx context.Context, actor auth.Actor, id uuid.UUID, outcome Outcome) (*Session, error) {
	sess, err := s.load(ctx, actor, id, canModerate)
	if err != nil {
		return nil, err
	}
	if outcome.empty() {
		return nil, apperr.InvalidInput("nothing to update")
	}
	if sess.Status == StatusCancelled {
		return nil, apperr.InvalidTransition("teleconsultation is cancelled")
	}
	if err := s.sessions.UpdateOutcome(ctx, id, outcome); err != nil {
		return nil, err
	}
	mergeOutcome(&sess.Outcome, outcome)
	return sess, nil
}

// -- Participants --

// resolveRole maps the caller onto a side of the call. The session's doctor
// and patient always join as themselves; clinic admins pick a side.
func resolveRole(actor auth.Actor, sess *Session, requested Role) (Role, error) {
	uid := actorUUID(actor)
	var own Role
	switch {
	case uid != uuid.Nil && uid == sess.DoctorID:
		own = RoleDoctor
	case uid != uuid.Nil && uid == sess.PatientID:
		own = RolePatient
	case actor.AdministersClinic(sess.ClinicID.String()):
		if !requested.Valid() {
			return "", apperr.InvalidInput("role must be doctor or patient")
		}
		return requested, nil
	default:
		return "", apperr.Unauthorized("not a participant of teleconsultation %s", sess.ID)
	}
	if requested != "" && requested != own {
		return "", apperr.Unauthorized("cannot join as %s", requested)
	}
	return own, nil
}

// JoinSession attaches the caller to a live session and returns where to
// connect. The first attachment moves a Started session to InProgress.
func (s *Service) JoinSession(ctx context.Context, actor auth.Actor, id uuid.UUID, requested Role, displayName string) (*JoinResult, error) {
	ctx, span := s.tracer.Start(ctx, "teleconsult.JoinSession")
	defer span.End()

	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	role, err := resolveRole(actor, sess, requested)
	if err != nil {
		return nil, err
	}
	userID := actorUUID(actor)
	if userID == uuid.Nil {
		return nil, apperr.Unauthorized("caller has no user id")
	}
	if !sess.Status.Live() {
		return nil, apperr.InvalidTransition("teleconsultation is %s; it must be started before joining", sess.Status)
	}

	var rejoined, promoted bool
	now := s.now().UTC()
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.tx.Lock(ctx, lockKey(id)); err != nil {
			return err
		}
		// Re-read under the lock: the session may have ended, or another
		// join may have promoted it already.
		current, err := s.sessions.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !current.Status.Live() {
			return apperr.InvalidTransition("teleconsultation is %s; it can no longer be joined", current.Status)
		}
		sess.Status = current.Status

		attached, err := s.participants.Attached(ctx, id)
		if err != nil {
			return err
		}
		for _, p := range attached {
			if p.Role != role {
				continue
			}
			if p.UserID != userID {
				return apperr.RoleConflict("%s role is already taken in teleconsultation %s", role, id)
			}
			rejoined = true
		}
		if !rejoined {
			if err := s.participants.Attach(ctx, &Participant{SessionID: id, UserID: userID, Role: role}); err != nil {
				return err
			}
		}
		if sess.Status == StatusStarted {
			if err := s.sessions.UpdateStatus(ctx, id, StatusStarted, StatusInProgress, StatusChange{}); err != nil {
				return err
			}
			sess.Status = StatusInProgress
			promoted = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !rejoined {
		e := newEvent(EventParticipantJoined, sess, now)
		e.UserID, e.Role = &userID, role
		s.publish(ctx, e)
	}
	if promoted {
		s.recordTransition(ctx, StatusInProgress)
		s.publish(ctx, newEvent(EventInProgress, sess, now))
	}

	loc := time.UTC
	if clinic, err := s.clinics.GetByID(ctx, sess.ClinicID); err == nil {
		loc = clinic.Location()
	} else {
		s.logger.Warn().Err(err).Str("session_id", id.String()).Msg("clinic lookup failed; token expiry computed in UTC")
	}
	token, exp, err := s.tokens.Issue(sess, userID.String(), displayName, role, loc)
	if err != nil {
		return nil, apperr.InvalidInput("teleconsultation schedule: %s", err.Error())
	}

	urls := BuildURLs(s.settings.Domain, sess)
	res := &JoinResult{Role: role, DirectURL: urls.Direct, Token: token, ExpiresAt: exp}
	if role == RoleDoctor {
		res.URL = urls.Moderator
	} else {
		res.URL = urls.Participant
	}
	if res.Session, err = s.withParticipants(ctx, sess); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("teleconsult.role", string(role)), attribute.Bool("teleconsult.rejoin", rejoined))
	return res, nil
}

// LeaveSession detaches the caller from the session.
func (s *Service) LeaveSession(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Session, error) {
	sess, err := s.load(ctx, actor, id, canView)
	if err != nil {
		return nil, err
	}
	userID := actorUUID(actor)
	now := s.now().UTC()
	left, err := s.participants.Detach(ctx, id, userID, now)
	if err != nil {
		return nil, err
	}
	if !left {
		return nil, apperr.NotFound("caller is not attached to teleconsultation %s", id)
	}
	e := newEvent(EventParticipantLeft, sess, now)
	e.UserID = &userID
	s.publish(ctx, e)
	return s.withParticipants(ctx, sess)
}
