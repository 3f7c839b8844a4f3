package scheduling

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/medicore/clinic/pkg/apperr"
)

const dateLayout = "2006-01-02"

// span is a free interval together with the slot width that applies to it.
type span struct {
	Interval
	slot int
}

// workingSpans unions the day's rules. Where rules overlap, the earlier
// starting rule owns the shared time so the resulting spans never overlap.
func workingSpans(rules []*WeeklyRule) []span {
	sorted := make([]*WeeklyRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartTime < sorted[j].StartTime })

	var spans []span
	var claimed []Interval
	for _, r := range sorted {
		iv, err := ParseInterval(r.StartTime, r.EndTime)
		if err != nil || r.SlotDuration <= 0 {
			continue
		}
		for _, piece := range Subtract([]Interval{iv}, claimed) {
			spans = append(spans, span{Interval: piece, slot: r.SlotDuration})
		}
		claimed = Union(append(claimed, iv))
	}
	return spans
}

// applyException rewrites the working spans for a date override.
func applyException(spans []span, ex *ScheduleException, fallbackSlot int) []span {
	if ex == nil || !ex.Active {
		return spans
	}
	switch ex.Kind {
	case ExceptionUnavailable:
		return nil

	case ExceptionBlocked:
		blocked, err := exceptionInterval(ex)
		if err != nil {
			return spans
		}
		return subtractFromSpans(spans, []Interval{blocked})

	case ExceptionCustomHours:
		custom, err := exceptionInterval(ex)
		if err != nil {
			return spans
		}
		open := Subtract([]Interval{custom}, breakIntervals(ex.Breaks))

		// Custom hours keep the slot width of whichever rule covers them;
		// time outside every rule uses the first rule's width.
		if len(spans) > 0 {
			fallbackSlot = spans[0].slot
		}
		var out []span
		var covered []Interval
		for _, s := range spans {
			for _, piece := range Intersect(open, []Interval{s.Interval}) {
				out = append(out, span{Interval: piece, slot: s.slot})
			}
			covered = append(covered, s.Interval)
		}
		for _, piece := range Subtract(open, covered) {
			out = append(out, span{Interval: piece, slot: fallbackSlot})
		}
		sortSpans(out)
		return out
	}
	return spans
}

func exceptionInterval(ex *ScheduleException) (Interval, error) {
	var start, end string
	if ex.StartTime != nil {
		start = *ex.StartTime
	}
	if ex.EndTime != nil {
		end = *ex.EndTime
	}
	return ParseInterval(start, end)
}

func breakIntervals(breaks []TimeRange) []Interval {
	var out []Interval
	for _, b := range breaks {
		if iv, err := ParseInterval(b.StartTime, b.EndTime); err == nil {
			out = append(out, iv)
		}
	}
	return out
}

func subtractFromSpans(spans []span, cut []Interval) []span {
	var out []span
	for _, s := range spans {
		for _, piece := range Subtract([]Interval{s.Interval}, cut) {
			out = append(out, span{Interval: piece, slot: s.slot})
		}
	}
	sortSpans(out)
	return out
}

func sortSpans(spans []span) {
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
}

// busyIntervals collects appointments that hold their time, skipping
// exclude (the appointment being rescheduled).
func busyIntervals(appts []*Appointment, exclude *uuid.UUID, blocking func(AppointmentStatus) bool) []Interval {
	var out []Interval
	for _, a := range appts {
		if !blocking(a.Status) || (exclude != nil && a.ID == *exclude) {
			continue
		}
		if iv, err := a.Interval(); err == nil {
			out = append(out, iv)
		}
	}
	return out
}

// freeSpans is everything bookable on the day before it is cut into slots.
func freeSpans(rules []*WeeklyRule, ex *ScheduleException, appts []*Appointment, exclude *uuid.UUID, fallbackSlot int) []span {
	spans := applyException(workingSpans(rules), ex, fallbackSlot)
	return subtractFromSpans(spans, busyIntervals(appts, exclude, AppointmentStatus.BlocksSlots))
}

// partition cuts each span into fixed-width slots from its own start;
// trailing partial slots are dropped.
func partition(spans []span) []Interval {
	var out []Interval
	for _, s := range spans {
		for t := s.Start; t+s.slot <= s.End; t += s.slot {
			out = append(out, Interval{Start: t, End: t + s.slot})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// BuildSlots computes the bookable slots of one day from its rules, its
// active exception (may be nil) and its appointments.
func BuildSlots(rules []*WeeklyRule, ex *ScheduleException, appts []*Appointment, fallbackSlot int) []Interval {
	return partition(freeSpans(rules, ex, appts, nil, fallbackSlot))
}

// day is everything loaded for one (doctor, date).
type day struct {
	doctor       *Doctor
	clinic       *Clinic
	date         time.Time
	rules        []*WeeklyRule
	exception    *ScheduleException
	appointments []*Appointment
}

func parseDate(s string) (time.Time, error) {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, apperr.InvalidInput("invalid date %q: expected YYYY-MM-DD", s)
	}
	return d, nil
}

func (s *Service) loadDay(ctx context.Context, doctorID uuid.UUID, date string) (*day, error) {
	d, err := parseDate(date)
	if err != nil {
		return nil, err
	}
	doctor, err := s.doctors.GetByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	clinic, err := s.clinics.GetByID(ctx, doctor.ClinicID)
	if err != nil {
		return nil, err
	}
	// A calendar date's weekday does not depend on the zone it is read in.
	rules, err := s.rules.ListByDoctorDay(ctx, doctorID, int(d.Weekday()))
	if err != nil {
		return nil, err
	}
	ex, err := s.exceptions.ActiveForDate(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	appts, err := s.appointments.ListByDoctorDate(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	return &day{doctor: doctor, clinic: clinic, date: d, rules: rules, exception: ex, appointments: appts}, nil
}

// GetAvailability returns the rules, exception and live appointments that
// shape a doctor's date.
func (s *Service) GetAvailability(ctx context.Context, doctorID uuid.UUID, date string) (*Availability, error) {
	d, err := s.loadDay(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	out := &Availability{
		DoctorID:     doctorID,
		Date:         date,
		DayOfWeek:    int(d.date.Weekday()),
		Timezone:     d.clinic.Location().String(),
		Rules:        d.rules,
		Exceptions:   []*ScheduleException{},
		Appointments: []*Appointment{},
	}
	if d.exception != nil {
		out.Exceptions = append(out.Exceptions, d.exception)
	}
	for _, a := range d.appointments {
		if a.Status.CanConflict() {
			out.Appointments = append(out.Appointments, a)
		}
	}
	return out, nil
}

// GetBookableSlots returns the ordered, non-overlapping free slots of a
// doctor's date. A day without coverage yields an empty list.
func (s *Service) GetBookableSlots(ctx context.Context, doctorID uuid.UUID, date string) ([]Slot, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.GetBookableSlots")
	defer span.End()

	if _, err := parseDate(date); err != nil {
		return nil, err
	}

	slots, gen, hit, err := s.cache.Get(ctx, doctorID, date)
	if err != nil {
		s.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Str("date", date).Msg("slot cache read failed")
	}
	var loc *time.Location
	if !hit {
		d, err := s.loadDay(ctx, doctorID, date)
		if err != nil {
			return nil, err
		}
		loc = d.clinic.Location()
		slots = s.toSlots(d, BuildSlots(d.rules, d.exception, d.appointments, s.defaultSlot))
		if err := s.cache.Set(ctx, doctorID, date, gen, slots); err != nil {
			s.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Str("date", date).Msg("slot cache write failed")
		}
	} else {
		doctor, err := s.doctors.GetByID(ctx, doctorID)
		if err != nil {
			return nil, err
		}
		clinic, err := s.clinics.GetByID(ctx, doctor.ClinicID)
		if err != nil {
			return nil, err
		}
		loc = clinic.Location()
	}
	return s.dropPast(slots, date, loc), nil
}

func (s *Service) toSlots(d *day, ivs []Interval) []Slot {
	loc := d.clinic.Location()
	out := make([]Slot, 0, len(ivs))
	for _, iv := range ivs {
		startsAt := time.Date(d.date.Year(), d.date.Month(), d.date.Day(), iv.Start/60, iv.Start%60, 0, 0, loc)
		out = append(out, Slot{
			StartTime: FormatClock(iv.Start),
			EndTime:   FormatClock(iv.End),
			Duration:  iv.Len(),
			StartsAt:  startsAt.UTC(),
		})
	}
	return out
}

// dropPast removes slots that already started in the clinic's zone.
func (s *Service) dropPast(slots []Slot, date string, loc *time.Location) []Slot {
	now := s.now().In(loc)
	today := now.Format(dateLayout)
	switch {
	case date > today:
		return slots
	case date < today:
		return []Slot{}
	}
	cutoff := now.Hour()*60 + now.Minute()
	out := make([]Slot, 0, len(slots))
	for _, sl := range slots {
		if start, err := ParseClock(sl.StartTime); err == nil && start >= cutoff {
			out = append(out, sl)
		}
	}
	return out
}
