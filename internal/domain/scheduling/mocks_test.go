package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medicore/clinic/internal/platform/auth"
	"github.com/medicore/clinic/pkg/apperr"
)

// -- Mock Repositories --

type mockClinicRepo struct {
	clinics map[uuid.UUID]*Clinic
}

func (m *mockClinicRepo) GetByID(_ context.Context, id uuid.UUID) (*Clinic, error) {
	c, ok := m.clinics[id]
	if !ok {
		return nil, apperr.NotFound("clinic %s not found", id)
	}
	return c, nil
}

type mockDoctorRepo struct {
	doctors map[uuid.UUID]*Doctor
}

func (m *mockDoctorRepo) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	d, ok := m.doctors[id]
	if !ok {
		return nil, apperr.NotFound("doctor %s not found", id)
	}
	return d, nil
}

func (m *mockDoctorRepo) ListByClinic(_ context.Context, clinicID uuid.UUID) ([]*Doctor, error) {
	var out []*Doctor
	for _, d := range m.doctors {
		if d.ClinicID == clinicID {
			out = append(out, d)
		}
	}
	return out, nil
}

type mockRuleRepo struct {
	rules map[uuid.UUID][]*WeeklyRule
}

func (m *mockRuleRepo) ListByDoctorDay(_ context.Context, doctorID uuid.UUID, day int) ([]*WeeklyRule, error) {
	var out []*WeeklyRule
	for _, r := range m.rules[doctorID] {
		if r.DayOfWeek == day && r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRuleRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID) ([]*WeeklyRule, error) {
	return m.rules[doctorID], nil
}

func (m *mockRuleRepo) Replace(_ context.Context, doctorID uuid.UUID, rules []*WeeklyRule) error {
	for _, r := range rules {
		r.ID = uuid.New()
		r.CreatedAt = time.Now()
	}
	m.rules[doctorID] = rules
	return nil
}

type mockExceptionRepo struct {
	items map[uuid.UUID]*ScheduleException
}

func (m *mockExceptionRepo) Create(_ context.Context, e *ScheduleException) error {
	e.ID = uuid.New()
	m.items[e.ID] = e
	return nil
}

func (m *mockExceptionRepo) GetByID(_ context.Context, id uuid.UUID) (*ScheduleException, error) {
	e, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("exception %s not found", id)
	}
	return e, nil
}

func (m *mockExceptionRepo) ActiveForDate(_ context.Context, doctorID uuid.UUID, date string) (*ScheduleException, error) {
	for _, e := range m.items {
		if e.DoctorID == doctorID && e.Date == date && e.Active {
			return e, nil
		}
	}
	return nil, nil
}

func (m *mockExceptionRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, from, to string) ([]*ScheduleException, error) {
	out := []*ScheduleException{}
	for _, e := range m.items {
		if e.DoctorID != doctorID || !e.Active {
			continue
		}
		if (from != "" && e.Date < from) || (to != "" && e.Date > to) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *mockExceptionRepo) Update(_ context.Context, e *ScheduleException) error {
	m.items[e.ID] = e
	return nil
}

func (m *mockExceptionRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	e, ok := m.items[id]
	if !ok || !e.Active {
		return apperr.NotFound("exception %s not found", id)
	}
	e.Active = false
	return nil
}

type mockAppointmentRepo struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*Appointment
	// afterList runs once a day's appointments have been read.
	afterList func()
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.appts[a.ID] = a
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, apperr.NotFound("appointment %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointmentRepo) ListByDoctorDate(_ context.Context, doctorID uuid.UUID, date string) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Date == date {
			cp := *a
			out = append(out, &cp)
		}
	}
	if hook := m.afterList; hook != nil {
		m.afterList = nil
		m.mu.Unlock()
		hook()
		m.mu.Lock()
	}
	return out, nil
}

func (m *mockAppointmentRepo) List(_ context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Appointment{}
	for _, a := range m.appts {
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Date != "" && a.Date != f.Date {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	return out, len(out), nil
}

func (m *mockAppointmentRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return apperr.NotFound("appointment %s not found", id)
	}
	if a.Status != from {
		return apperr.InvalidTransition("appointment %s is no longer %s", id, from)
	}
	a.Status = to
	return nil
}

func (m *mockAppointmentRepo) Reschedule(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

// mockTransactor runs fn directly and records the lock keys it was asked for.
type mockTransactor struct {
	mu    sync.Mutex
	locks []string
}

func (m *mockTransactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockTransactor) Lock(_ context.Context, key string) error {
	m.mu.Lock()
	m.locks = append(m.locks, key)
	m.mu.Unlock()
	return nil
}

type mockSessionHooks struct {
	minted    []uuid.UUID
	cancelled []uuid.UUID
	mintErr   error
}

func (m *mockSessionHooks) MintForAppointment(_ context.Context, a *Appointment) error {
	m.minted = append(m.minted, a.ID)
	return m.mintErr
}

func (m *mockSessionHooks) CancelForAppointment(_ context.Context, id uuid.UUID, _ string) error {
	m.cancelled = append(m.cancelled, id)
	return nil
}

type memorySlotCache struct {
	entries     map[string][]Slot
	gens        map[string]int
	invalidated int
}

func (c *memorySlotCache) generation(doctorID uuid.UUID, date string) string {
	return fmt.Sprintf("%d.%d", c.gens[doctorID.String()], c.gens[slotKey(doctorID, date)])
}

func (c *memorySlotCache) Get(_ context.Context, doctorID uuid.UUID, date string) ([]Slot, string, bool, error) {
	s, ok := c.entries[slotKey(doctorID, date)]
	return s, c.generation(doctorID, date), ok, nil
}

func (c *memorySlotCache) Set(_ context.Context, doctorID uuid.UUID, date, gen string, slots []Slot) error {
	if gen != c.generation(doctorID, date) {
		return nil
	}
	c.entries[slotKey(doctorID, date)] = slots
	return nil
}

func (c *memorySlotCache) Invalidate(_ context.Context, doctorID uuid.UUID, dates ...string) error {
	c.invalidated++
	for _, d := range dates {
		c.gens[slotKey(doctorID, d)]++
		delete(c.entries, slotKey(doctorID, d))
	}
	if len(dates) == 0 {
		c.gens[doctorID.String()]++
		c.entries = map[string][]Slot{}
	}
	return nil
}

// -- Fixture --

// Monday 2 November 2026; the clock sits a fortnight earlier.
const testMonday = "2026-11-02"

var testNow = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	clinic   *Clinic
	doctor   *Doctor
	rules    *mockRuleRepo
	excs     *mockExceptionRepo
	appts    *mockAppointmentRepo
	tx       *mockTransactor
	sessions *mockSessionHooks
	cache    *memorySlotCache
}

func newFixture() *fixture {
	clinic := &Clinic{ID: uuid.New(), Name: "Central", Timezone: "UTC", OpenTime: "09:00", CloseTime: "18:00"}
	doctor := &Doctor{ID: uuid.New(), ClinicID: clinic.ID, Name: "Dr. Rao"}
	f := &fixture{
		clinic:   clinic,
		doctor:   doctor,
		rules:    &mockRuleRepo{rules: map[uuid.UUID][]*WeeklyRule{}},
		excs:     &mockExceptionRepo{items: map[uuid.UUID]*ScheduleException{}},
		appts:    &mockAppointmentRepo{appts: map[uuid.UUID]*Appointment{}},
		tx:       &mockTransactor{},
		sessions: &mockSessionHooks{},
		cache:    &memorySlotCache{entries: map[string][]Slot{}, gens: map[string]int{}},
	}
	f.svc = NewService(
		&mockClinicRepo{clinics: map[uuid.UUID]*Clinic{clinic.ID: clinic}},
		&mockDoctorRepo{doctors: map[uuid.UUID]*Doctor{doctor.ID: doctor}},
		f.rules, f.excs, f.appts, f.tx, zerolog.Nop(),
	)
	f.svc.SetClock(func() time.Time { return testNow })
	f.svc.SetSessionHooks(f.sessions)
	f.svc.SetSlotCache(f.cache)
	return f
}

// staff is a front-desk member of the fixture clinic.
func (f *fixture) staff() auth.Actor {
	return auth.Actor{UserID: uuid.New().String(), Roles: []string{auth.RoleStaff}, ClinicID: f.clinic.ID.String()}
}

func (f *fixture) addRule(day int, start, end string, slot int) {
	f.rules.rules[f.doctor.ID] = append(f.rules.rules[f.doctor.ID], &WeeklyRule{
		ID: uuid.New(), DoctorID: f.doctor.ID, ClinicID: f.clinic.ID,
		DayOfWeek: day, StartTime: start, EndTime: end, SlotDuration: slot, Active: true,
	})
}

func (f *fixture) addAppointment(date, start string, duration int, status AppointmentStatus) *Appointment {
	a := &Appointment{
		DoctorID: f.doctor.ID, ClinicID: f.clinic.ID, PatientID: uuid.New(),
		Date: date, StartTime: start, DurationMinutes: duration, Status: status, Type: TypeInPerson,
	}
	_ = f.appts.Create(context.Background(), a)
	return a
}

func slotStarts(slots []Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.StartTime
	}
	return out
}
