package scheduling

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/medicore/clinic/pkg/apperr"
)

const (
	MinAppointmentMinutes = 15
	MaxAppointmentMinutes = 240

	maxSuggestions   = 4
	suggestionOffset = 3
)

// FindConflicts lists the appointments overlapping req. Boundaries are
// exclusive, cancelled and no-show visits are ignored, and the result is
// ordered by start time.
func FindConflicts(appts []*Appointment, req Interval, exclude *uuid.UUID) []ConflictRecord {
	var hits []*Appointment
	for _, a := range appts {
		if !a.Status.CanConflict() || (exclude != nil && a.ID == *exclude) {
			continue
		}
		iv, err := a.Interval()
		if err != nil || !iv.Overlaps(req) {
			continue
		}
		hits = append(hits, a)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].StartTime < hits[j].StartTime })

	out := make([]ConflictRecord, 0, len(hits))
	for _, a := range hits {
		out = append(out, ConflictRecord{
			AppointmentID: a.ID,
			PatientID:     a.PatientID,
			Time:          a.StartTime,
			Duration:      a.DurationMinutes,
			EndTime:       a.EndTime(),
			Status:        a.Status,
		})
	}
	return out
}

// suggest proposes alternative start times for a request of length
// req.Len() that collided with conflicts. Earlier candidates step back by
// the request length from its start (never before open); later candidates
// step forward by the conflicting visit's length from that visit's start
// (never running past close). Each candidate snaps to the bookable slot that
// contains it and survives only if the whole request fits in free time.
func suggest(req Interval, conflicts []ConflictRecord, free []span, opens, closes int) []Suggestion {
	if len(conflicts) == 0 || req.Empty() {
		return []Suggestion{}
	}
	d := req.Len()

	var earlier, later []int
	for k := 1; k <= suggestionOffset; k++ {
		earlier = append(earlier, max(req.Start-k*d, opens))
	}
	first := conflicts[0]
	if cStart, err := ParseClock(first.Time); err == nil {
		c := first.Duration
		for k := 1; k <= suggestionOffset; k++ {
			later = append(later, min(cStart+k*c, closes-d))
		}
	}

	slots := partition(free)
	var freeIvs []Interval
	for _, s := range free {
		freeIvs = append(freeIvs, s.Interval)
	}
	freeIvs = Union(freeIvs)

	fits := func(start int) bool {
		want := Interval{Start: start, End: start + d}
		for _, iv := range freeIvs {
			if iv.Contains(want) {
				return true
			}
		}
		return false
	}
	snap := func(t int) (int, bool) {
		for _, sl := range slots {
			if sl.Start <= t && t < sl.End {
				return sl.Start, true
			}
		}
		return 0, false
	}

	out := make([]Suggestion, 0, maxSuggestions)
	seen := map[int]bool{}
	add := func(candidates []int, label string) {
		for _, t := range candidates {
			if len(out) == maxSuggestions {
				return
			}
			start, ok := snap(t)
			if !ok || seen[start] || !fits(start) {
				continue
			}
			seen[start] = true
			out = append(out, Suggestion{
				Time:  FormatClock(start),
				Label: fmt.Sprintf("%s - %s (%s)", FormatClock(start), FormatClock(start+d), label),
			})
		}
	}
	add(earlier, "earlier")
	add(later, "later")
	return out
}

func (s *Service) validateCheck(check ConflictCheck) (Interval, error) {
	if _, err := parseDate(check.Date); err != nil {
		return Interval{}, err
	}
	start, err := ParseClock(check.StartTime)
	if err != nil {
		return Interval{}, apperr.InvalidInput("%s", err.Error())
	}
	if check.Duration < MinAppointmentMinutes || check.Duration > MaxAppointmentMinutes {
		return Interval{}, apperr.InvalidInput("duration must be between %d and %d minutes", MinAppointmentMinutes, MaxAppointmentMinutes)
	}
	req := Interval{Start: start, End: start + check.Duration}
	if req.End > 24*60 {
		return Interval{}, apperr.InvalidInput("appointment may not cross midnight")
	}
	return req, nil
}

// DetectConflicts reports the live appointments that overlap the proposed
// visit.
func (s *Service) DetectConflicts(ctx context.Context, check ConflictCheck) ([]ConflictRecord, error) {
	req, err := s.validateCheck(check)
	if err != nil {
		return nil, err
	}
	if _, err := s.doctors.GetByID(ctx, check.DoctorID); err != nil {
		return nil, err
	}
	appts, err := s.appointments.ListByDoctorDate(ctx, check.DoctorID, check.Date)
	if err != nil {
		return nil, err
	}
	return FindConflicts(appts, req, check.ExcludeAppointmentID), nil
}

// SuggestAlternatives proposes up to four bookable start times near a
// conflicting request.
func (s *Service) SuggestAlternatives(ctx context.Context, check ConflictCheck, conflicts []ConflictRecord) ([]Suggestion, error) {
	req, err := s.validateCheck(check)
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return []Suggestion{}, nil
	}
	d, err := s.loadDay(ctx, check.DoctorID, check.Date)
	if err != nil {
		return nil, err
	}
	opens, closes := s.clinicHours(d.clinic)
	free := freeSpans(d.rules, d.exception, d.appointments, check.ExcludeAppointmentID, s.defaultSlot)
	return suggest(req, conflicts, free, opens, closes), nil
}

// CheckConflicts runs detection and, when anything collides, suggestion.
func (s *Service) CheckConflicts(ctx context.Context, check ConflictCheck) (*ConflictReport, error) {
	conflicts, err := s.DetectConflicts(ctx, check)
	if err != nil {
		return nil, err
	}
	suggestions, err := s.SuggestAlternatives(ctx, check, conflicts)
	if err != nil {
		return nil, err
	}
	return &ConflictReport{Conflicts: conflicts, Suggestions: suggestions}, nil
}

func (s *Service) clinicHours(c *Clinic) (int, int) {
	opens, err := ParseClock(c.OpenTime)
	if err != nil {
		opens = s.openMinutes
	}
	closes, err := ParseClock(c.CloseTime)
	if err != nil {
		closes = s.closeMinutes
	}
	return opens, closes
}
