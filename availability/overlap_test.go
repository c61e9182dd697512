package availability_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/varaamo/availability-engine/availability"
	"github.com/varaamo/availability-engine/generic"
)

func index(reservations ...generic.Reservation) *availability.OverlapIndex {
	h := testHierarchy()
	return availability.NewOverlapIndex(availability.BuildBlockingTimeSpans(reservations, h, helsinki), h, helsinki)
}

// =============================================================================
// BUFFERS
// =============================================================================

func TestOverlap_ExistingBufferAfter(t *testing.T) {
	// GIVEN: 12:00-13:00 with a 30 minute cleanup buffer
	r := reservation("r1", hall, at(0, 12, 0), at(0, 13, 0))
	r.BufferAfter = 30 * time.Minute
	ix := index(r)

	// THEN: the buffer is part of the footprint
	assert.False(t, ix.IsAvailable(ts(at(0, 13, 0), at(0, 14, 0)), hall, 0, 0, ""))
	assert.True(t, ix.IsAvailable(ts(at(0, 13, 30), at(0, 14, 30)), hall, 0, 0, ""))
}

func TestOverlap_CandidateBuffers(t *testing.T) {
	ix := index(reservation("r1", hall, at(0, 14, 0), at(0, 15, 0)))

	candidate := ts(at(0, 13, 0), at(0, 14, 0))
	assert.True(t, ix.IsAvailable(candidate, hall, 0, 0, ""), "touching spans do not overlap")
	assert.False(t, ix.IsAvailable(candidate, hall, 0, 15*time.Minute, ""))

	after := ts(at(0, 15, 0), at(0, 16, 0))
	assert.True(t, ix.IsAvailable(after, hall, 0, 0, ""))
	assert.False(t, ix.IsAvailable(after, hall, 15*time.Minute, 0, ""))
}

func TestOverlap_StaffAndBlockedIgnoreOwnBuffers(t *testing.T) {
	for _, typ := range []generic.ReservationType{generic.ReservationStaff, generic.ReservationBlocked} {
		t.Run(string(typ), func(t *testing.T) {
			r := reservation("r1", hall, at(0, 12, 0), at(0, 13, 0))
			r.Type = typ
			r.BufferBefore = time.Hour
			r.BufferAfter = time.Hour
			ix := index(r)

			assert.True(t, ix.IsAvailable(ts(at(0, 13, 0), at(0, 14, 0)), hall, 0, 0, ""))
			assert.True(t, ix.IsAvailable(ts(at(0, 11, 0), at(0, 12, 0)), hall, 0, 0, ""))
			assert.False(t, ix.IsAvailable(ts(at(0, 12, 30), at(0, 13, 30)), hall, 0, 0, ""))
		})
	}
}

func TestOverlap_BehalfKeepsBuffers(t *testing.T) {
	r := reservation("r1", hall, at(0, 12, 0), at(0, 13, 0))
	r.Type = generic.ReservationBehalf
	r.BufferAfter = time.Hour
	ix := index(r)

	assert.False(t, ix.IsAvailable(ts(at(0, 13, 0), at(0, 14, 0)), hall, 0, 0, ""))
}

// =============================================================================
// SPACE HIERARCHY
// =============================================================================

func TestOverlap_BroadcastOverHierarchy(t *testing.T) {
	// GIVEN: half of the hall is booked
	ix := index(reservation("r1", part, at(0, 12, 0), at(0, 13, 0)))
	candidate := ts(at(0, 12, 0), at(0, 13, 0))

	// THEN: the whole hall is unavailable, the sauna is not
	assert.False(t, ix.IsAvailable(candidate, hall, 0, 0, ""))
	assert.False(t, ix.IsAvailable(candidate, part, 0, 0, ""))
	assert.True(t, ix.IsAvailable(candidate, other, 0, 0, ""))
}

func TestOverlap_UnknownUnitIsNeverAvailable(t *testing.T) {
	ix := index()
	assert.False(t, ix.IsAvailable(ts(at(0, 12, 0), at(0, 13, 0)), "unknown", 0, 0, ""))
	assert.False(t, ix.Knows("unknown"))
}

func TestOverlap_ExcludeAndStates(t *testing.T) {
	cancelled := reservation("cancelled", hall, at(0, 12, 0), at(0, 13, 0))
	cancelled.State = generic.StateCancelled
	denied := reservation("denied", hall, at(0, 12, 0), at(0, 13, 0))
	denied.State = generic.StateDenied
	moving := reservation("moving", hall, at(0, 12, 0), at(0, 13, 0))

	ix := index(cancelled, denied, moving)
	candidate := ts(at(0, 12, 30), at(0, 13, 30))

	assert.Equal(t, 1, ix.Len(), "non-blocking states are dropped")
	assert.False(t, ix.IsAvailable(candidate, hall, 0, 0, ""))
	assert.True(t, ix.IsAvailable(candidate, hall, 0, 0, "moving"))
}

func TestOverlap_ConflictReturnsBlockingSpan(t *testing.T) {
	r := reservation("r1", hall, at(0, 12, 0), at(0, 13, 0))
	r.BufferAfter = 15 * time.Minute
	ix := index(r)

	b, conflict := ix.Conflict(ts(at(0, 12, 30), at(0, 13, 30)), hall, 0, 0, "")

	assert.True(t, conflict)
	assert.Equal(t, generic.ReservationID("r1"), b.ReservationID)
	assert.True(t, b.Footprint().End.Equal(at(0, 13, 15)))
}

// =============================================================================
// WHOLE DAY
// =============================================================================

func TestWholeDayBuffers(t *testing.T) {
	before, after := availability.WholeDayBuffers(ts(at(0, 10, 0), at(0, 11, 0)), helsinki)
	assert.Equal(t, 10*time.Hour, before)
	assert.Equal(t, 13*time.Hour, after)

	// ending exactly at midnight still reaches to the following midnight
	_, after = availability.WholeDayBuffers(ts(at(0, 22, 0), at(1, 0, 0)), helsinki)
	assert.Equal(t, 24*time.Hour, after)
}

func TestOverlap_WholeDayReservationBlocksTheDay(t *testing.T) {
	r := reservation("r1", hall, at(0, 10, 0), at(0, 11, 0))
	r.BlockWholeDay = true
	ix := index(r)

	assert.False(t, ix.IsAvailable(ts(at(0, 20, 0), at(0, 21, 0)), hall, 0, 0, ""))
	assert.True(t, ix.IsAvailable(ts(at(1, 0, 0), at(1, 1, 0)), hall, 0, 0, ""))
}

func TestOverlap_WholeDayUnitCandidate(t *testing.T) {
	// GIVEN: a short reservation in the evening before
	h := testHierarchy()
	spans := availability.BuildBlockingTimeSpans([]generic.Reservation{
		reservation("r1", hall, at(0, 20, 0), at(0, 21, 0)),
	}, h, helsinki)

	unit := hourUnit(hall)
	unit.BlockWholeDay = true
	ix := availability.NewOverlapIndex(spans, h, helsinki)

	// THEN: a whole-day unit cannot be booked that day at all
	assert.False(t, ix.IsAvailableFor(ts(at(0, 8, 0), at(0, 9, 0)), unit, ""))
	assert.True(t, ix.IsAvailableFor(ts(at(1, 8, 0), at(1, 9, 0)), unit, ""))

	// the same index still answers normally for ordinary units
	assert.True(t, ix.IsAvailableFor(ts(at(0, 8, 0), at(0, 9, 0)), hourUnit(hall), ""))
}

func TestKindOf(t *testing.T) {
	assert.True(t, availability.KindOf(generic.ReservationStaff).IgnoresOwnBuffers)
	assert.True(t, availability.KindOf(generic.ReservationBlocked).IgnoresOwnBuffers)
	assert.False(t, availability.KindOf(generic.ReservationNormal).IgnoresOwnBuffers)
	assert.False(t, availability.KindOf("SOMETHING_NEW").IgnoresOwnBuffers)
}
