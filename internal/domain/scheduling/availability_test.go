package scheduling

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medicore/clinic/pkg/apperr"
)

func strptr(s string) *string { return &s }

func rule(start, end string, slot int) *WeeklyRule {
	return &WeeklyRule{ID: uuid.New(), DayOfWeek: 1, StartTime: start, EndTime: end, SlotDuration: slot, Active: true}
}

func appt(start string, duration int, status AppointmentStatus) *Appointment {
	return &Appointment{ID: uuid.New(), StartTime: start, DurationMinutes: duration, Status: status}
}

func starts(ivs []Interval) []string {
	out := make([]string, len(ivs))
	for i, iv := range ivs {
		out[i] = FormatClock(iv.Start)
	}
	return out
}

func assertSortedDisjoint(t *testing.T, ivs []Interval) {
	t.Helper()
	for i := 1; i < len(ivs); i++ {
		if ivs[i].Start < ivs[i-1].End {
			t.Fatalf("slots %s and %s overlap or are out of order", ivs[i-1], ivs[i])
		}
	}
}

func TestBuildSlots(t *testing.T) {
	tests := []struct {
		name  string
		rules []*WeeklyRule
		ex    *ScheduleException
		appts []*Appointment
		want  []string
	}{
		{
			name:  "single morning rule",
			rules: []*WeeklyRule{rule("09:00", "12:00", 30)},
			want:  []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"},
		},
		{
			name:  "partial trailing slot dropped",
			rules: []*WeeklyRule{rule("09:00", "10:45", 30)},
			want:  []string{"09:00", "09:30", "10:00"},
		},
		{
			name:  "gap between rules acts as a break",
			rules: []*WeeklyRule{rule("14:00", "15:00", 30), rule("09:00", "10:00", 30)},
			want:  []string{"09:00", "09:30", "14:00", "14:30"},
		},
		{
			name:  "each rule keeps its own width",
			rules: []*WeeklyRule{rule("09:00", "10:00", 30), rule("10:00", "11:00", 20)},
			want:  []string{"09:00", "09:30", "10:00", "10:20", "10:40"},
		},
		{
			name:  "overlapping rules resolved by earlier start",
			rules: []*WeeklyRule{rule("11:00", "13:00", 20), rule("09:00", "12:00", 30)},
			want:  []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30", "12:00", "12:20", "12:40"},
		},
		{
			name:  "inactive rule ignored",
			rules: []*WeeklyRule{{StartTime: "09:00", EndTime: "12:00", SlotDuration: 30}},
			want:  []string{},
		},
		{
			name:  "unavailable clears the day",
			rules: []*WeeklyRule{rule("09:00", "12:00", 30)},
			ex:    &ScheduleException{Kind: ExceptionUnavailable, Active: true},
			want:  []string{},
		},
		{
			name:  "custom hours replace the rule",
			rules: []*WeeklyRule{rule("09:00", "17:00", 30)},
			ex:    &ScheduleException{Kind: ExceptionCustomHours, StartTime: strptr("13:00"), EndTime: strptr("15:00"), Active: true},
			want:  []string{"13:00", "13:30", "14:00", "14:30"},
		},
		{
			name:  "custom hours minus breaks",
			rules: []*WeeklyRule{rule("09:00", "17:00", 30)},
			ex: &ScheduleException{Kind: ExceptionCustomHours, StartTime: strptr("10:00"), EndTime: strptr("13:00"), Active: true,
				Breaks: []TimeRange{{StartTime: "11:00", EndTime: "12:00"}}},
			want: []string{"10:00", "10:30", "12:00", "12:30"},
		},
		{
			name:  "custom hours on a day without rules",
			rules: nil,
			ex:    &ScheduleException{Kind: ExceptionCustomHours, StartTime: strptr("10:00"), EndTime: strptr("11:00"), Active: true},
			want:  []string{"10:00", "10:30"},
		},
		{
			name:  "blocked hours subtract",
			rules: []*WeeklyRule{rule("09:00", "12:00", 30)},
			ex:    &ScheduleException{Kind: ExceptionBlocked, StartTime: strptr("10:00"), EndTime: strptr("11:00"), Active: true},
			want:  []string{"09:00", "09:30", "11:00", "11:30"},
		},
		{
			name:  "inactive exception ignored",
			rules: []*WeeklyRule{rule("09:00", "10:00", 30)},
			ex:    &ScheduleException{Kind: ExceptionUnavailable, Active: false},
			want:  []string{"09:00", "09:30"},
		},
		{
			name:  "occupied time subtracts, cancelled and no-show do not",
			rules: []*WeeklyRule{rule("09:00", "12:00", 30)},
			appts: []*Appointment{
				appt("09:30", 30, StatusScheduled),
				appt("10:00", 30, StatusCancelled),
				appt("10:30", 30, StatusCompleted),
				appt("11:00", 30, StatusNoShow),
				appt("11:30", 30, StatusInProgress),
			},
			want: []string{"09:00", "10:00", "11:00"},
		},
		{
			name:  "off-grid appointment restarts the grid after it",
			rules: []*WeeklyRule{rule("09:00", "11:00", 30)},
			appts: []*Appointment{appt("09:15", 30, StatusConfirmed)},
			want:  []string{"09:45", "10:15"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildSlots(tt.rules, tt.ex, tt.appts, 30)
			assertSortedDisjoint(t, got)
			if s := starts(got); !reflect.DeepEqual(s, tt.want) {
				t.Errorf("slots = %v, want %v", s, tt.want)
			}
		})
	}
}

func TestGetBookableSlots_CleanBookingFlow(t *testing.T) {
	f := newFixture()
	f.addRule(int(time.Monday), "09:00", "12:00", 30)
	ctx := context.Background()

	slots, err := f.svc.GetBookableSlots(ctx, f.doctor.ID, testMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"}
	if got := slotStarts(slots); !reflect.DeepEqual(got, want) {
		t.Fatalf("slots = %v, want %v", got, want)
	}
	if slots[0].EndTime != "09:30" || slots[0].Duration != 30 {
		t.Errorf("unexpected first slot %+v", slots[0])
	}
	if !slots[0].StartsAt.Equal(time.Date(2026, 11, 2, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("starts_at = %v", slots[0].StartsAt)
	}

	a := &Appointment{DoctorID: f.doctor.ID, PatientID: uuid.New(), Date: testMonday, StartTime: "09:30", DurationMinutes: 30}
	if err := f.svc.BookAppointment(ctx, a); err != nil {
		t.Fatalf("booking failed: %v", err)
	}

	slots, err = f.svc.GetBookableSlots(ctx, f.doctor.ID, testMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want = []string{"09:00", "10:00", "10:30", "11:00", "11:30"}
	if got := slotStarts(slots); !reflect.DeepEqual(got, want) {
		t.Errorf("after booking slots = %v, want %v", got, want)
	}
}

func TestGetBookableSlots_ExceptionOverride(t *testing.T) {
	f := newFixture()
	f.addRule(int(time.Monday), "09:00", "17:00", 30)
	err := f.svc.CreateException(context.Background(), f.staff(), &ScheduleException{
		DoctorID: f.doctor.ID, Date: testMonday, Kind: ExceptionCustomHours,
		StartTime: strptr("13:00"), EndTime: strptr("15:00"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	slots, err := f.svc.GetBookableSlots(context.Background(), f.doctor.ID, testMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"13:00", "13:30", "14:00", "14:30"}
	if got := slotStarts(slots); !reflect.DeepEqual(got, want) {
		t.Errorf("slots = %v, want %v", got, want)
	}
}

func TestGetBookableSlots_NoCoverage(t *testing.T) {
	f := newFixture()
	slots, err := f.svc.GetBookableSlots(context.Background(), f.doctor.ID, testMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slots == nil || len(slots) != 0 {
		t.Errorf("expected empty non-nil list, got %v", slots)
	}
}

func TestGetBookableSlots_InvalidDate(t *testing.T) {
	f := newFixture()
	_, err := f.svc.GetBookableSlots(context.Background(), f.doctor.ID, "02/11/2026")
	if !apperr.Is(err, apperr.KindInvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestGetBookableSlots_UnknownDoctor(t *testing.T) {
	f := newFixture()
	_, err := f.svc.GetBookableSlots(context.Background(), uuid.New(), testMonday)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestGetBookableSlots_TodayDropsStartedSlots(t *testing.T) {
	f := newFixture()
	f.addRule(int(time.Monday), "09:00", "12:00", 30)
	f.svc.SetClock(func() time.Time { return time.Date(2026, 11, 2, 10, 10, 0, 0, time.UTC) })

	slots, err := f.svc.GetBookableSlots(context.Background(), f.doctor.ID, testMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"10:30", "11:00", "11:30"}
	if got := slotStarts(slots); !reflect.DeepEqual(got, want) {
		t.Errorf("slots = %v, want %v", got, want)
	}
}

func TestGetBookableSlots_TodayUsesClinicZone(t *testing.T) {
	f := newFixture()
	f.clinic.Timezone = "Asia/Kolkata"
	f.addRule(int(time.Monday), "09:00", "12:00", 30)
	// 05:00 UTC is 10:30 in Kolkata.
	f.svc.SetClock(func() time.Time { return time.Date(2026, 11, 2, 5, 0, 0, 0, time.UTC) })

	slots, err := f.svc.GetBookableSlots(context.Background(), f.doctor.ID, testMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"10:30", "11:00", "11:30"}
	if got := slotStarts(slots); !reflect.DeepEqual(got, want) {
		t.Errorf("slots = %v, want %v", got, want)
	}
}

func TestGetBookableSlots_PastDateEmpty(t *testing.T) {
	f := newFixture()
	f.addRule(int(time.Monday), "09:00", "12:00", 30)
	slots, err := f.svc.GetBookableSlots(context.Background(), f.doctor.ID, "2026-10-12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("expected no slots for a past date, got %v", slotStarts(slots))
	}
}

func TestGetBookableSlots_ServedFromCache(t *testing.T) {
	f := newFixture()
	f.addRule(int(time.Monday), "09:00", "10:00", 30)
	ctx := context.Background()

	if _, err := f.svc.GetBookableSlots(ctx, f.doctor.ID, testMonday); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.cache.entries[slotKey(f.doctor.ID, testMonday)]; !ok {
		t.Fatal("expected computed slots to be cached")
	}

	// A rule change that bypasses the service is invisible until invalidation.
	f.rules.rules[f.doctor.ID] = nil
	slots, _ := f.svc.GetBookableSlots(ctx, f.doctor.ID, testMonday)
	if len(slots) != 2 {
		t.Errorf("expected cached slots, got %v", slotStarts(slots))
	}

	if _, err := f.svc.ReplaceRules(ctx, f.staff(), f.doctor.ID, 30, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	slots, _ = f.svc.GetBookableSlots(ctx, f.doctor.ID, testMonday)
	if len(slots) != 0 {
		t.Errorf("expected invalidated cache to recompute, got %v", slotStarts(slots))
	}
}

func TestGetAvailability_Bundle(t *testing.T) {
	f := newFixture()
	f.addRule(int(time.Monday), "09:00", "12:00", 30)
	f.addRule(int(time.Tuesday), "09:00", "12:00", 30)
	f.addAppointment(testMonday, "09:00", 30, StatusScheduled)
	f.addAppointment(testMonday, "10:00", 30, StatusCancelled)

	av, err := f.svc.GetAvailability(context.Background(), f.doctor.ID, testMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if av.DayOfWeek != int(time.Monday) {
		t.Errorf("day_of_week = %d", av.DayOfWeek)
	}
	if len(av.Rules) != 1 {
		t.Errorf("expected only Monday's rule, got %d", len(av.Rules))
	}
	if len(av.Appointments) != 1 {
		t.Errorf("expected cancelled appointment to be omitted, got %d", len(av.Appointments))
	}
	if len(av.Exceptions) != 0 {
		t.Errorf("expected no exceptions, got %d", len(av.Exceptions))
	}
}

func TestGetBookableSlots_BookingDuringComputeIsNotCached(t *testing.T) {
	f := newFixture()
	f.addRule(int(time.Monday), "09:00", "10:00", 30)
	ctx := context.Background()

	// The booking commits and invalidates after the read has loaded the
	// day but before it stores what it computed.
	f.appts.afterList = func() {
		a := &Appointment{DoctorID: f.doctor.ID, PatientID: uuid.New(), Date: testMonday, StartTime: "09:00", DurationMinutes: 30}
		if err := f.svc.BookAppointment(ctx, a); err != nil {
			t.Errorf("booking failed: %v", err)
		}
	}

	slots, err := f.svc.GetBookableSlots(ctx, f.doctor.ID, testMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := slotStarts(slots); !reflect.DeepEqual(got, []string{"09:00", "09:30"}) {
		t.Errorf("in-flight read = %v, want the pre-booking day", got)
	}
	if _, ok := f.cache.entries[slotKey(f.doctor.ID, testMonday)]; ok {
		t.Fatal("a list computed before the invalidation was cached")
	}

	slots, err = f.svc.GetBookableSlots(ctx, f.doctor.ID, testMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := slotStarts(slots); !reflect.DeepEqual(got, []string{"09:30"}) {
		t.Errorf("slots after booking = %v, want [09:30]", got)
	}
	if _, ok := f.cache.entries[slotKey(f.doctor.ID, testMonday)]; !ok {
		t.Error("expected the fresh list to be cached")
	}
}

func TestSlotsAndConflictsAgreeOnStatus(t *testing.T) {
	for _, st := range []AppointmentStatus{StatusScheduled, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow} {
		if st.BlocksSlots() != st.CanConflict() {
			t.Errorf("%s: BlocksSlots=%v CanConflict=%v", st, st.BlocksSlots(), st.CanConflict())
		}
	}

	// A completed visit keeps its slot and still conflicts with a booking.
	f := newFixture()
	f.addRule(int(time.Monday), "09:00", "10:00", 30)
	f.addAppointment(testMonday, "09:00", 30, StatusCompleted)
	ctx := context.Background()

	slots, err := f.svc.GetBookableSlots(ctx, f.doctor.ID, testMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := slotStarts(slots); !reflect.DeepEqual(got, []string{"09:30"}) {
		t.Errorf("slots = %v, want [09:30]", got)
	}
	report, err := f.svc.CheckConflicts(ctx, ConflictCheck{DoctorID: f.doctor.ID, Date: testMonday, StartTime: "09:00", Duration: 30})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Conflicts) != 1 {
		t.Errorf("expected the completed visit to conflict, got %d", len(report.Conflicts))
	}
}
