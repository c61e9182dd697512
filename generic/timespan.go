package generic

import (
	"sort"
	"time"
)

// =============================================================================
// TIME SPAN - Half-open interval [Start, End)
// =============================================================================

// TimeSpan is an immutable, timezone-aware interval. Start is inclusive, End
// exclusive, so spans that only touch do not overlap.
type TimeSpan struct {
	Start time.Time
	End   time.Time
}

var (
	minTime = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxTime = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
)

// Forever returns a span covering every instant the engine can represent.
func Forever() TimeSpan {
	return TimeSpan{Start: minTime, End: maxTime}
}

// NewTimeSpan returns a span and reports ErrInvalidSpan unless start < end.
func NewTimeSpan(start, end time.Time) (TimeSpan, error) {
	if !start.Before(end) {
		return TimeSpan{}, ErrInvalidSpan
	}
	return TimeSpan{Start: start, End: end}, nil
}

// Valid reports whether Start < End.
func (s TimeSpan) Valid() bool { return s.Start.Before(s.End) }

// Duration returns End - Start.
func (s TimeSpan) Duration() time.Duration { return s.End.Sub(s.Start) }

// Overlaps reports whether the two spans share at least one instant.
func (s TimeSpan) Overlaps(other TimeSpan) bool {
	return s.Start.Before(other.End) && other.Start.Before(s.End)
}

// Touches reports whether the spans overlap or share an endpoint.
func (s TimeSpan) Touches(other TimeSpan) bool {
	return !s.Start.After(other.End) && !other.Start.After(s.End)
}

// Contains reports whether t lies in [Start, End).
func (s TimeSpan) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// Covers reports whether other lies entirely inside s.
func (s TimeSpan) Covers(other TimeSpan) bool {
	return !other.Start.Before(s.Start) && !other.End.After(s.End)
}

// Intersect returns the common part of two spans. ok is false when they do
// not overlap.
func (s TimeSpan) Intersect(other TimeSpan) (TimeSpan, bool) {
	out := TimeSpan{Start: laterOf(s.Start, other.Start), End: earlierOf(s.End, other.End)}
	return out, out.Valid()
}

// Pad widens the span by before and after.
func (s TimeSpan) Pad(before, after time.Duration) TimeSpan {
	return TimeSpan{Start: s.Start.Add(-before), End: s.End.Add(after)}
}

// In returns the span with both ends expressed in loc.
func (s TimeSpan) In(loc *time.Location) TimeSpan {
	return TimeSpan{Start: s.Start.In(loc), End: s.End.In(loc)}
}

func (s TimeSpan) String() string {
	return "[" + s.Start.Format(time.RFC3339) + ", " + s.End.Format(time.RFC3339) + ")"
}

// =============================================================================
// SPAN LIST OPERATIONS
// =============================================================================

// Overlaps reports whether a and b share an instant. Touching spans do not.
func Overlaps(a, b TimeSpan) bool { return a.Overlaps(b) }

// Duration returns the length of a span.
func Duration(a TimeSpan) time.Duration { return a.Duration() }

// Merge sorts spans by start and folds overlapping or touching spans into one.
// The result is sorted, pairwise disjoint and never nil. Invalid spans are
// dropped.
func Merge(spans []TimeSpan) []TimeSpan {
	sorted := make([]TimeSpan, 0, len(spans))
	for _, s := range spans {
		if s.Valid() {
			sorted = append(sorted, s)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].End.Before(sorted[j].End)
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := make([]TimeSpan, 0, len(sorted))
	for _, s := range sorted {
		if n := len(merged); n > 0 && !s.Start.After(merged[n-1].End) {
			if s.End.After(merged[n-1].End) {
				merged[n-1].End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// Subtract returns the parts of base not covered by any hole. The result is
// merged.
func Subtract(base, holes []TimeSpan) []TimeSpan {
	result := Merge(base)
	for _, hole := range Merge(holes) {
		next := make([]TimeSpan, 0, len(result)+1)
		for _, s := range result {
			if !s.Overlaps(hole) {
				next = append(next, s)
				continue
			}
			if s.Start.Before(hole.Start) {
				next = append(next, TimeSpan{Start: s.Start, End: hole.Start})
			}
			if s.End.After(hole.End) {
				next = append(next, TimeSpan{Start: hole.End, End: s.End})
			}
		}
		result = next
	}
	return result
}

// Intersect returns the instants covered by both a and b, merged.
func Intersect(a, b []TimeSpan) []TimeSpan {
	left, right := Merge(a), Merge(b)
	out := make([]TimeSpan, 0)
	i, j := 0, 0
	for i < len(left) && j < len(right) {
		if in, ok := left[i].Intersect(right[j]); ok {
			out = append(out, in)
		}
		if left[i].End.Before(right[j].End) {
			i++
		} else {
			j++
		}
	}
	return out
}

// Clip intersects every span with window, dropping spans outside it.
func Clip(spans []TimeSpan, window TimeSpan) []TimeSpan {
	return Intersect(spans, []TimeSpan{window})
}

// TotalDuration sums the durations of the spans.
func TotalDuration(spans []TimeSpan) time.Duration {
	var total time.Duration
	for _, s := range spans {
		total += s.Duration()
	}
	return total
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlierOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
