/*
Package calendar turns raw opening hours into the reservable spans of a unit.

PURPOSE:
  Opening hours arrive from the opening-hours provider as arbitrary spans:
  several per day, overlapping, spanning midnight or multiple days. Before
  anything can be searched they are normalized into one merged sequence
  that already excludes the times a unit cannot be booked directly.

PIPELINE (Compute):
  raw spans intersecting the window
    -> Merge (touching spans join)
    -> ∩ reservation validity window (reservation_begins / reservation_ends)
    -> ∖ application-round blackouts affecting the resource
    -> clip to the queried window (output only; the raw data is untouched)

STALENESS:
  A resource whose opening hours were never fetched yields no spans and the
  Stale + NeverFetched flags. A resource fetched longer ago than StaleAfter
  keeps its spans and only raises Stale. Neither is an error: the caller
  decides whether to warn or re-fetch.

EXAMPLE:
  cal := &calendar.Calendar{Location: helsinki}
  res := cal.Compute(calendar.Input{
      ResourceID: "hall-1",
      Window:     generic.DateRange{Start: d1, End: d7}.Span(helsinki),
      Raw:        spans,
      Blackouts:  blackouts,
      AsOf:       now,
      LatestFetched: &fetchedAt,
  })
  if res.Closed() {
      // nothing reservable in the window
  }

SEE ALSO:
  - service.go: fetching wrapper over generic.CalendarSource
  - availability/search.go: walks the computed spans
*/
package calendar

import (
	"time"

	"github.com/varaamo/availability-engine/generic"
)

// =============================================================================
// INPUT / RESULT
// =============================================================================

// Input is everything Compute needs; it performs no I/O.
type Input struct {
	ResourceID generic.ResourceID
	Window     generic.TimeSpan

	// Validity is the unit's reservation begins/ends window. The zero value
	// means unrestricted.
	Validity generic.TimeSpan

	Raw           []generic.ReservableTimeSpan
	LatestFetched *time.Time
	AsOf          time.Time
	Blackouts     []generic.ApplicationRoundBlackout
}

// Result is the normalized calendar of one resource.
type Result struct {
	// Spans is sorted, disjoint and never nil.
	Spans []generic.TimeSpan

	Stale        bool
	NeverFetched bool
}

// Closed reports whether nothing is reservable in the window.
func (r Result) Closed() bool { return len(r.Spans) == 0 }

// =============================================================================
// CALENDAR
// =============================================================================

// Calendar computes reservable spans in a fixed timezone.
type Calendar struct {
	Location *time.Location

	// StaleAfter flags opening hours older than this at AsOf. Zero disables
	// the age check; never-fetched data is always stale.
	StaleAfter time.Duration
}

// New returns a calendar for loc.
func New(loc *time.Location, staleAfter time.Duration) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{Location: loc, StaleAfter: staleAfter}
}

// Compute normalizes the raw spans of in.ResourceID over in.Window.
func (c *Calendar) Compute(in Input) Result {
	res := Result{Spans: []generic.TimeSpan{}}

	if in.LatestFetched == nil {
		res.Stale = true
		res.NeverFetched = true
		return res
	}
	if c.StaleAfter > 0 && in.AsOf.Sub(*in.LatestFetched) > c.StaleAfter {
		res.Stale = true
	}

	raw := make([]generic.TimeSpan, 0, len(in.Raw))
	for _, r := range in.Raw {
		if r.ResourceID != "" && r.ResourceID != in.ResourceID {
			continue
		}
		if r.Overlaps(in.Window) {
			raw = append(raw, r.TimeSpan)
		}
	}
	spans := generic.Merge(raw)

	if in.Validity.Valid() {
		spans = generic.Clip(spans, in.Validity)
	}

	spans = generic.Subtract(spans, c.blackoutSpans(in.ResourceID, in.Blackouts))
	res.Spans = generic.Clip(spans, in.Window)
	return res
}

// Lifetime returns every reservable span of the resource from the given
// instant on, once blackouts are removed, ignoring the search window. Spans
// that have already passed do not count.
func (c *Calendar) Lifetime(resourceID generic.ResourceID, from time.Time, raw []generic.ReservableTimeSpan, blackouts []generic.ApplicationRoundBlackout) []generic.TimeSpan {
	spans := make([]generic.TimeSpan, 0, len(raw))
	for _, r := range raw {
		spans = append(spans, r.TimeSpan)
	}
	remaining := generic.TimeSpan{Start: from, End: generic.Forever().End}
	return generic.Clip(generic.Subtract(spans, c.blackoutSpans(resourceID, blackouts)), remaining)
}

func (c *Calendar) blackoutSpans(resourceID generic.ResourceID, blackouts []generic.ApplicationRoundBlackout) []generic.TimeSpan {
	var holes []generic.TimeSpan
	for _, b := range blackouts {
		if b.Affects(resourceID) {
			holes = append(holes, b.Span(c.Location))
		}
	}
	return holes
}

// FromSnapshot builds the Compute input for the snapshot's resource.
func FromSnapshot(snap generic.Snapshot, validity generic.TimeSpan) Input {
	return Input{
		ResourceID:    snap.ResourceID,
		Window:        snap.Window,
		Validity:      validity,
		Raw:           snap.Reservable,
		LatestFetched: snap.LatestFetched,
		AsOf:          snap.AsOf,
		Blackouts:     snap.Blackouts,
	}
}
