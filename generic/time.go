package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Civil date in the unit's local timezone
// =============================================================================

type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// Constructors
func NewDate(year int, month time.Month, day int) Date { return Date{Year: year, Month: month, Day: day} }

func DateOf(t time.Time, loc *time.Location) Date {
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses "2006-01-02".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t, time.UTC), nil
}

// Midnight returns the first instant of the date in loc.
func (d Date) Midnight(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// Comparison
func (d Date) Before(other Date) bool { return d.key() < other.key() }
func (d Date) After(other Date) bool  { return d.key() > other.key() }
func (d Date) IsZero() bool           { return d == Date{} }

func (d Date) key() int { return d.Year*10000 + int(d.Month)*100 + d.Day }

// Arithmetic
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC), time.UTC)
}

func (d Date) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}

func (d Date) String() string { return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day) }

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// DATE RANGE - Inclusive range of local dates
// =============================================================================

// DateRange is [Start, End] with both dates inclusive.
type DateRange struct {
	Start Date
	End   Date
}

// Span converts the range to [midnight(Start), midnight(End+1)) in loc.
func (r DateRange) Span(loc *time.Location) TimeSpan {
	return TimeSpan{Start: r.Start.Midnight(loc), End: r.End.AddDays(1).Midnight(loc)}
}

// Contains returns true if the date is within [Start, End].
func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// Days returns every date in the range.
func (r DateRange) Days() []Date {
	var days []Date
	for d := r.Start; !d.After(r.End); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

func (r DateRange) String() string {
	return "[" + r.Start.String() + ", " + r.End.String() + "]"
}

// =============================================================================
// TIME OF DAY - Minutes since local midnight
// =============================================================================

// TimeOfDay counts minutes since midnight. 1440 ("24:00") is the midnight that
// ends the day.
type TimeOfDay int

const (
	Midnight  TimeOfDay = 0
	EndOfDay  TimeOfDay = 24 * 60
	minPerDay           = 24 * 60
)

func NewTimeOfDay(hour, minute int) TimeOfDay { return TimeOfDay(hour*60 + minute) }

// ParseTimeOfDay parses "15:04" or "15:04:05". "24:00" is accepted as EndOfDay.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if s == "24:00" || s == "24:00:00" {
		return EndOfDay, nil
	}
	for _, layout := range []string{"15:04", time.TimeOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return NewTimeOfDay(t.Hour(), t.Minute()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

// ParseEndTimeOfDay parses the end of a range that starts at begin. "00:00"
// after a later begin is the midnight that ends the day, so ranges rendered
// by String parse back unchanged.
func ParseEndTimeOfDay(s string, begin TimeOfDay) (TimeOfDay, error) {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		return 0, err
	}
	return t.EndAfter(begin), nil
}

// EndAfter returns t as the end of a range starting at begin.
func (t TimeOfDay) EndAfter(begin TimeOfDay) TimeOfDay {
	if t == Midnight && begin > Midnight {
		return EndOfDay
	}
	return t
}

// TimeOfDayOf returns the local wall-clock time of t, truncated to minutes.
func TimeOfDayOf(t time.Time, loc *time.Location) TimeOfDay {
	local := t.In(loc)
	return NewTimeOfDay(local.Hour(), local.Minute())
}

func (t TimeOfDay) Valid() bool            { return t >= 0 && t <= EndOfDay }
func (t TimeOfDay) Hour() int              { return int(t) / 60 }
func (t TimeOfDay) Minute() int            { return int(t) % 60 }
func (t TimeOfDay) Duration() time.Duration { return time.Duration(t) * time.Minute }

// On returns the instant of this wall-clock time on date d in loc.
func (t TimeOfDay) On(d Date, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, t.Hour(), t.Minute(), 0, 0, loc)
}

// String renders "HH:MM"; EndOfDay renders as "00:00".
func (t TimeOfDay) String() string {
	v := int(t) % minPerDay
	return fmt.Sprintf("%02d:%02d", v/60, v%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// =============================================================================
// LOCAL DAY UTILITIES
// =============================================================================

// LocalMidnight returns the start of t's local day.
func LocalMidnight(t time.Time, loc *time.Location) time.Time {
	return DateOf(t, loc).Midnight(loc)
}

// CeilToInterval rounds t up to the next wall-clock multiple of interval
// counted from t's local midnight, so boundaries stay on the same clock
// times on days with a DST change. Instants already on a boundary are
// returned unchanged. A boundary that falls in a skipped hour is passed over
// if it would not lie after t.
func CeilToInterval(t time.Time, interval time.Duration, loc *time.Location) time.Time {
	if interval <= 0 {
		return t
	}
	local := t.In(loc)
	wall := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	if wall%interval == 0 {
		return t
	}
	y, m, d := local.Date()
	for k := wall/interval + 1; ; k++ {
		// time.Date normalizes the nanoseconds into wall-clock fields
		c := time.Date(y, m, d, 0, 0, 0, int(k*interval), loc)
		if c.After(t) {
			return c
		}
	}
}

// Today returns the local date of now.
func Today(now time.Time, loc *time.Location) Date { return DateOf(now, loc) }
