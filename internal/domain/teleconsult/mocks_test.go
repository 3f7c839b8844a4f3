package teleconsult

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medicore/clinic/internal/domain/scheduling"
	"github.com/medicore/clinic/internal/platform/auth"
	"github.com/medicore/clinic/internal/platform/notification"
	"github.com/medicore/clinic/pkg/apperr"
)

// -- Mock Repositories --

type mockSessionRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Session
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{items: make(map[uuid.UUID]*Session)}
}

func (m *mockSessionRepo) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.AppointmentID == s.AppointmentID {
			return apperr.Conflict("teleconsultation for appointment %s: already exists", s.AppointmentID)
		}
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	m.items[s.ID] = &cp
	return nil
}

func (m *mockSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("teleconsultation %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *mockSessionRepo) GetByAppointment(_ context.Context, appointmentID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.items {
		if s.AppointmentID == appointmentID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("teleconsultation for appointment %s not found", appointmentID)
}

func (m *mockSessionRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.items {
		if f.DoctorID != nil && s.DoctorID != *f.DoctorID {
			continue
		}
		if f.PatientID != nil && s.PatientID != *f.PatientID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, s)
	}
	total := len(out)
	if offset >= total {
		return []*Session{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockSessionRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, change StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return apperr.NotFound("teleconsultation %s not found", id)
	}
	if s.Status != from {
		return apperr.InvalidTransition("teleconsultation %s is no longer %s", id, from)
	}
	s.Status = to
	if change.StartedAt != nil {
		s.StartedAt = change.StartedAt
	}
	if change.EndedAt != nil {
		s.EndedAt = change.EndedAt
	}
	if change.CancelReason != nil {
		s.CancelReason = change.CancelReason
	}
	if change.Outcome != nil {
		mergeOutcome(&s.Outcome, *change.Outcome)
	}
	return nil
}

func (m *mockSessionRepo) UpdateOutcome(_ context.Context, id uuid.UUID, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return apperr.NotFound("teleconsultation %s not found", id)
	}
	mergeOutcome(&s.Outcome, o)
	return nil
}

func (m *mockSessionRepo) status(id uuid.UUID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id].Status
}

type mockParticipantRepo struct {
	mu    sync.Mutex
	items []*Participant
}

func (m *mockParticipantRepo) Attached(_ context.Context, sessionID uuid.UUID) ([]*Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Participant{}
	for _, p := range m.items {
		if p.SessionID == sessionID && p.LeftAt == nil {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockParticipantRepo) Attach(_ context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.SessionID == p.SessionID && existing.Role == p.Role && existing.LeftAt == nil {
			return apperr.RoleConflict("%s role is already taken", p.Role)
		}
	}
	p.ID = uuid.New()
	p.JoinedAt = time.Now()
	cp := *p
	m.items = append(m.items, &cp)
	return nil
}

func (m *mockParticipantRepo) Detach(_ context.Context, sessionID, userID uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, p := range m.items {
		if p.SessionID == sessionID && p.UserID == userID && p.LeftAt == nil {
			t := at
			p.LeftAt = &t
			changed = true
		}
	}
	return changed, nil
}

func (m *mockParticipantRepo) DetachAll(_ context.Context, sessionID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.items {
		if p.SessionID == sessionID && p.LeftAt == nil {
			t := at
			p.LeftAt = &t
		}
	}
	return nil
}

type mockAppointments struct {
	items map[uuid.UUID]*scheduling.Appointment
}

func (m *mockAppointments) GetByID(_ context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	a, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("appointment %s not found", id)
	}
	return a, nil
}

type mockDoctors struct {
	items map[uuid.UUID]*scheduling.Doctor
}

func (m *mockDoctors) GetByID(_ context.Context, id uuid.UUID) (*scheduling.Doctor, error) {
	d, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("doctor %s not found", id)
	}
	return d, nil
}

type mockClinics struct {
	items map[uuid.UUID]*scheduling.Clinic
}

func (m *mockClinics) GetByID(_ context.Context, id uuid.UUID) (*scheduling.Clinic, error) {
	c, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("clinic %s not found", id)
	}
	return c, nil
}

type mockTransactor struct {
	mu    sync.Mutex
	locks []string
	// onLock runs after a lock is granted, standing in for a writer that
	// held it first.
	onLock func(key string)
}

func (m *mockTransactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockTransactor) Lock(_ context.Context, key string) error {
	m.mu.Lock()
	m.locks = append(m.locks, key)
	hook := m.onLock
	m.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// -- Fixture --

const testSecret = "test-media-secret"

type fixture struct {
	svc          *Service
	sessions     *mockSessionRepo
	participants *mockParticipantRepo
	appointments *mockAppointments
	tx           *mockTransactor
	events       *capturePublisher
	mail         *notification.MockEmailSender

	clinic      *scheduling.Clinic
	doctor      *scheduling.Doctor
	patientID   uuid.UUID
	appointment *scheduling.Appointment
	now         time.Time
}

func newFixture() *fixture {
	email := "rao@clinic.test"
	clinic := &scheduling.Clinic{ID: uuid.New(), Name: "Central", Timezone: "UTC", OpenTime: "09:00", CloseTime: "18:00"}
	doctor := &scheduling.Doctor{ID: uuid.New(), ClinicID: clinic.ID, Name: "Dr. Rao", Email: &email}
	patientID := uuid.New()
	appt := &scheduling.Appointment{
		ID:              uuid.New(),
		DoctorID:        doctor.ID,
		ClinicID:        clinic.ID,
		PatientID:       patientID,
		Date:            "2031-11-03",
		StartTime:       "09:30",
		DurationMinutes: 30,
		Status:          scheduling.StatusScheduled,
		Type:            scheduling.TypeTeleconsultation,
	}

	f := &fixture{
		sessions:     newMockSessionRepo(),
		participants: &mockParticipantRepo{},
		appointments: &mockAppointments{items: map[uuid.UUID]*scheduling.Appointment{appt.ID: appt}},
		tx:           &mockTransactor{},
		events:       &capturePublisher{},
		mail:         &notification.MockEmailSender{},
		clinic:       clinic,
		doctor:       doctor,
		patientID:    patientID,
		appointment:  appt,
		now:          time.Date(2031, 11, 3, 9, 25, 0, 0, time.UTC),
	}
	f.svc = NewService(f.sessions, f.participants, f.appointments,
		&mockDoctors{items: map[uuid.UUID]*scheduling.Doctor{doctor.ID: doctor}},
		&mockClinics{items: map[uuid.UUID]*scheduling.Clinic{clinic.ID: clinic}},
		f.tx,
		Settings{Domain: "meet.clinic.test", AppID: "clinic", TokenSecret: testSecret, PasswordEnforced: true, RecordingEnabled: true},
		zerolog.Nop())
	f.svc.SetPublisher(f.events)
	f.svc.SetMailer(notification.NewMailer(nil, f.mail))
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) doctorActor() auth.Actor {
	return auth.Actor{UserID: f.doctor.ID.String(), Roles: []string{auth.RoleDoctor}, ClinicID: f.clinic.ID.String()}
}

func (f *fixture) patientActor() auth.Actor {
	return auth.Actor{UserID: f.patientID.String(), Roles: []string{auth.RolePatient}}
}

func (f *fixture) adminActor() auth.Actor {
	return auth.Actor{UserID: uuid.NewString(), Roles: []string{auth.RoleClinicAdmin}, ClinicID: f.clinic.ID.String()}
}

func strangerActor() auth.Actor {
	return auth.Actor{UserID: uuid.NewString(), Roles: []string{auth.RolePatient}}
}

// created mints a session for the fixture appointment.
func (f *fixture) created() *Created {
	c, err := f.svc.CreateSession(context.Background(), f.doctorActor(), CreateRequest{
		AppointmentID: f.appointment.ID,
		PatientEmail:  "pat@example.test",
		PatientName:   "Asha",
	})
	if err != nil {
		panic(err)
	}
	return c
}

// started returns the id of a session in Started.
func (f *fixture) started() uuid.UUID {
	c := f.created()
	if _, err := f.svc.StartSession(context.Background(), f.doctorActor(), c.Session.ID); err != nil {
		panic(err)
	}
	return c.Session.ID
}
