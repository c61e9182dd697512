package availability

import (
	"fmt"
	"time"

	"github.com/varaamo/availability-engine/generic"
)

// DefaultMinimumDuration applies when the caller sets no minimum duration.
const DefaultMinimumDuration = 15 * time.Minute

// ReservableFilters narrow a first-reservable search. Every field is optional.
type ReservableFilters struct {
	DateStart *generic.Date
	DateEnd   *generic.Date

	// TimeStart/TimeEnd limit candidates to a wall-clock window on every day.
	TimeStart *generic.TimeOfDay
	TimeEnd   *generic.TimeOfDay

	MinimumDurationMinutes *int

	// ShowOnlyReservable drops units without a first reservable time from
	// multi-unit searches.
	ShowOnlyReservable bool
}

// Validate rejects malformed or contradictory filters before any data is
// fetched. The returned error is an *generic.InvalidFilterError naming the
// offending field.
func (f ReservableFilters) Validate(unit generic.UnitConstraints, now time.Time, loc *time.Location) error {
	if err := f.ValidateShared(now, loc); err != nil {
		return err
	}
	return f.ValidateFor(unit)
}

// ValidateShared checks the parts of the filters that do not depend on a
// unit: dates and the per-day time window.
func (f ReservableFilters) ValidateShared(now time.Time, loc *time.Location) error {
	today := generic.Today(now, loc)

	if f.DateStart != nil && f.DateStart.Before(today) {
		return invalid("reservable_date_start", "reservable_date_start must not be in the past")
	}
	if f.DateEnd != nil && f.DateEnd.Before(today) {
		return invalid("reservable_date_end", "reservable_date_end must not be in the past")
	}
	if f.DateStart != nil && f.DateEnd != nil && f.DateStart.After(*f.DateEnd) {
		return invalid("reservable_date_start", "reservable_date_start must be before or equal to reservable_date_end")
	}

	if f.TimeStart != nil && !f.TimeStart.Valid() {
		return invalid("reservable_time_start", "reservable_time_start is not a valid time of day")
	}
	if f.TimeEnd != nil && !f.TimeEnd.Valid() {
		return invalid("reservable_time_end", "reservable_time_end is not a valid time of day")
	}
	if f.TimeStart != nil && f.TimeEnd != nil && *f.TimeStart >= *f.TimeEnd {
		return invalid("reservable_time_start", "reservable_time_start must be before reservable_time_end")
	}
	return nil
}

// ValidateFor checks the filters against one unit's start interval.
func (f ReservableFilters) ValidateFor(unit generic.UnitConstraints) error {
	if f.MinimumDurationMinutes != nil {
		interval := unit.Interval()
		if time.Duration(*f.MinimumDurationMinutes)*time.Minute < interval {
			return invalid("reservable_minimum_duration_minutes",
				fmt.Sprintf("reservable_minimum_duration_minutes must be at least %d", int(interval/time.Minute)))
		}
	}
	return nil
}

// MinimumDuration returns the filter's minimum duration or the default.
func (f ReservableFilters) MinimumDuration() time.Duration {
	if f.MinimumDurationMinutes == nil {
		return DefaultMinimumDuration
	}
	return time.Duration(*f.MinimumDurationMinutes) * time.Minute
}

// HasTimeWindow reports whether a per-day time window applies.
func (f ReservableFilters) HasTimeWindow() bool {
	return f.TimeStart != nil || f.TimeEnd != nil
}

// dayWindow returns the per-day time window on date d.
func (f ReservableFilters) dayWindow(d generic.Date, loc *time.Location) generic.TimeSpan {
	start, end := generic.Midnight, generic.EndOfDay
	if f.TimeStart != nil {
		start = *f.TimeStart
	}
	if f.TimeEnd != nil {
		end = *f.TimeEnd
	}
	return generic.TimeSpan{Start: start.On(d, loc), End: end.On(d, loc)}
}

func invalid(field, message string) error {
	return &generic.InvalidFilterError{Field: field, Message: message}
}
