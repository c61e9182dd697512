package generic

import "time"

// =============================================================================
// SNAPSHOT - Data fetched for one computation
// =============================================================================

// Snapshot holds everything one availability computation reads, fetched once
// at AsOf. Computations over a snapshot are pure: the same snapshot always
// yields the same answer, and staleness is an explicit input rather than the
// state of some cache.
type Snapshot struct {
	AsOf       time.Time
	ResourceID ResourceID

	// Window is the span the data was fetched for.
	Window TimeSpan

	Reservable    []ReservableTimeSpan
	LatestFetched *time.Time
	Blackouts     []ApplicationRoundBlackout
	Reservations  []Reservation
	Hierarchy     SpaceHierarchy
}

// NeverFetched reports whether opening hours were never loaded for the resource.
func (s Snapshot) NeverFetched() bool { return s.LatestFetched == nil }

// Stale reports whether opening hours are missing, or older than maxAge at
// AsOf. maxAge <= 0 only flags missing data.
func (s Snapshot) Stale(maxAge time.Duration) bool {
	if s.LatestFetched == nil {
		return true
	}
	if maxAge <= 0 {
		return false
	}
	return s.AsOf.Sub(*s.LatestFetched) > maxAge
}

// Spans returns the raw reservable spans without the resource tag.
func (s Snapshot) Spans() []TimeSpan {
	out := make([]TimeSpan, 0, len(s.Reservable))
	for _, r := range s.Reservable {
		out = append(out, r.TimeSpan)
	}
	return out
}
