package availability

import (
	"time"

	"github.com/varaamo/availability-engine/calendar"
	"github.com/varaamo/availability-engine/generic"
)

// =============================================================================
// FIRST RESERVABLE SEARCH
// =============================================================================

// FirstReservableResult is the answer of a first-reservable search.
//
//	IsClosed=true,  FirstReservableAt=nil  -> the unit has nothing reservable at all
//	IsClosed=false, FirstReservableAt=nil  -> open, but nothing matches the filters
//	IsClosed=false, FirstReservableAt=t    -> t is the earliest bookable start
//
// Stale is set when the opening hours behind the answer are missing or old.
type FirstReservableResult struct {
	IsClosed          bool
	FirstReservableAt *time.Time
	Stale             bool
}

// Reservable reports whether a start time was found.
func (r FirstReservableResult) Reservable() bool { return r.FirstReservableAt != nil }

// Search walks the calendar of one snapshot. It performs no I/O.
type Search struct {
	Calendar *calendar.Calendar

	// Horizon bounds open-ended searches, counted from now.
	Horizon time.Duration
}

// DefaultHorizon is used when Search.Horizon is zero.
const DefaultHorizon = 2 * 365 * 24 * time.Hour

func (s *Search) location() *time.Location { return s.Calendar.Location }

// Window returns the date part of the effective search window: the filter
// dates intersected with now, the horizon and the unit's days-before limits.
// The validity window is applied later by the calendar.
func (s *Search) Window(unit generic.UnitConstraints, f ReservableFilters, now time.Time) generic.TimeSpan {
	loc := s.location()
	today := generic.Today(now, loc)
	horizon := s.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizon
	}

	w := generic.TimeSpan{Start: now, End: now.Add(horizon)}
	if f.DateStart != nil {
		w.Start = later(w.Start, f.DateStart.Midnight(loc))
	}
	if f.DateEnd != nil {
		w.End = f.DateEnd.AddDays(1).Midnight(loc)
	}
	if unit.MinDaysBefore != nil && *unit.MinDaysBefore > 0 {
		w.Start = later(w.Start, today.AddDays(*unit.MinDaysBefore).Midnight(loc))
	}
	if unit.MaxDaysBefore != nil && *unit.MaxDaysBefore > 0 {
		w.End = earlier(w.End, today.AddDays(*unit.MaxDaysBefore+1).Midnight(loc))
	}
	return w
}

// EffectiveMinimumDuration returns max(filter minimum, unit minimum). ok is
// false when that exceeds the unit's maximum duration.
func EffectiveMinimumDuration(unit generic.UnitConstraints, f ReservableFilters) (time.Duration, bool) {
	d := f.MinimumDuration()
	if unit.MinDuration > d {
		d = unit.MinDuration
	}
	if unit.MaxDuration > 0 && d > unit.MaxDuration {
		return d, false
	}
	return d, true
}

// Run finds the first reservable start in the snapshot. found is false when
// the walk exhausted the window; the caller then decides between "closed" and
// "open but nothing found" with a lifetime lookup.
func (s *Search) Run(snap generic.Snapshot, unit generic.UnitConstraints, f ReservableFilters, minDuration time.Duration, index *OverlapIndex) (at time.Time, stale bool, found bool) {
	cal := s.Calendar.Compute(calendar.FromSnapshot(snap, unit.ValidityWindow()))
	if !index.Knows(unit.ResourceID) {
		// fail closed: without the hierarchy no candidate can be verified
		return time.Time{}, cal.Stale, false
	}

	for _, span := range cal.Spans {
		for _, piece := range s.timeClip(span, f) {
			if t, ok := s.walk(piece, unit, minDuration, index); ok {
				return t, cal.Stale, true
			}
		}
	}
	return time.Time{}, cal.Stale, false
}

// timeClip splits span into the per-day time windows of the filters.
func (s *Search) timeClip(span generic.TimeSpan, f ReservableFilters) []generic.TimeSpan {
	if !f.HasTimeWindow() {
		return []generic.TimeSpan{span}
	}
	loc := s.location()
	var pieces []generic.TimeSpan
	last := generic.DateOf(span.End.Add(-time.Nanosecond), loc)
	for d := generic.DateOf(span.Start, loc); !d.After(last); d = d.AddDays(1) {
		if piece, ok := span.Intersect(f.dayWindow(d, loc)); ok {
			pieces = append(pieces, piece)
		}
	}
	return pieces
}

// walk tries candidate starts on interval boundaries anchored at local
// midnight. After a conflict the walk jumps past the conflicting footprint.
func (s *Search) walk(piece generic.TimeSpan, unit generic.UnitConstraints, minDuration time.Duration, index *OverlapIndex) (time.Time, bool) {
	loc := s.location()
	interval := unit.Interval()

	for c := generic.CeilToInterval(piece.Start, interval, loc); !c.Add(minDuration).After(piece.End); {
		candidate := generic.TimeSpan{Start: c, End: c.Add(minDuration)}
		blocking, conflict := index.ConflictFor(candidate, unit, "")
		if !conflict {
			return c, true
		}

		next := c.Add(interval)
		if !unit.BlockWholeDay {
			next = later(next, blocking.Footprint().End.Add(unit.BufferBefore))
		}
		c = generic.CeilToInterval(next, interval, loc)
	}
	return time.Time{}, false
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
