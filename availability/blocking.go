package availability

import (
	"time"

	"github.com/varaamo/availability-engine/generic"
)

// =============================================================================
// RESERVATION KINDS
// =============================================================================

// ReservationKind is the resolved buffer behaviour of a reservation type.
// It is looked up once when blocking spans are built so nothing downstream
// branches on the type string.
type ReservationKind struct {
	Type              generic.ReservationType
	IgnoresOwnBuffers bool
}

var kinds = map[generic.ReservationType]ReservationKind{
	generic.ReservationNormal:   {Type: generic.ReservationNormal},
	generic.ReservationBehalf:   {Type: generic.ReservationBehalf},
	generic.ReservationSeasonal: {Type: generic.ReservationSeasonal},
	generic.ReservationStaff:    {Type: generic.ReservationStaff, IgnoresOwnBuffers: true},
	generic.ReservationBlocked:  {Type: generic.ReservationBlocked, IgnoresOwnBuffers: true},
}

// KindOf resolves a reservation type. Unknown types keep their buffers.
func KindOf(t generic.ReservationType) ReservationKind {
	if k, ok := kinds[t]; ok {
		return k
	}
	return ReservationKind{Type: t}
}

// =============================================================================
// BLOCKING SPANS
// =============================================================================

// WholeDayBuffers returns the buffers that stretch span to the local
// midnights around it: before reaches back to the midnight starting the first
// day, after reaches forward to the midnight of the day after span.End.
func WholeDayBuffers(span generic.TimeSpan, loc *time.Location) (before, after time.Duration) {
	before = span.Start.Sub(generic.LocalMidnight(span.Start, loc))
	after = generic.LocalMidnight(span.End.In(loc).AddDate(0, 0, 1), loc).Sub(span.End)
	return before, after
}

// BuildBlockingTimeSpans turns reservations into blocking spans broadcast over
// the space hierarchy. Reservations in non-blocking states are dropped. A
// reservation on a unit missing from the hierarchy still blocks its own unit.
func BuildBlockingTimeSpans(reservations []generic.Reservation, h generic.SpaceHierarchy, loc *time.Location) []generic.BlockingTimeSpan {
	out := make([]generic.BlockingTimeSpan, 0, len(reservations))
	for _, r := range reservations {
		if !r.State.Blocks() || !r.Span().Valid() {
			continue
		}
		kind := KindOf(r.Type)

		before, after := r.BufferBefore, r.BufferAfter
		if r.BlockWholeDay {
			before, after = WholeDayBuffers(r.Span(), loc)
		}

		affected, ok := h.Related(r.ReservationUnitID)
		if !ok {
			affected = generic.ResourceSet(r.ReservationUnitID)
		}

		out = append(out, generic.BlockingTimeSpan{
			TimeSpan:            r.Span(),
			ReservationID:       r.ID,
			BufferBefore:        before,
			BufferAfter:         after,
			IsBlocking:          kind.IgnoresOwnBuffers,
			AffectedResourceIDs: affected,
		})
	}
	return out
}
