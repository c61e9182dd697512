package allocation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varaamo/availability-engine/allocation"
	"github.com/varaamo/availability-engine/generic"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	fieldA = generic.ResourceID("field-a")
	fieldB = generic.ResourceID("field-b")
	halfA  = generic.ResourceID("field-a-half")
)

func hierarchy() generic.SpaceHierarchy {
	return generic.NewSpaceHierarchy(map[generic.ResourceID][]generic.ResourceID{
		fieldA: {halfA},
		halfA:  {fieldA},
		fieldB: nil,
	})
}

func tod(hh, mm int) generic.TimeOfDay { return generic.NewTimeOfDay(hh, mm) }

func monday(begin, end generic.TimeOfDay) allocation.SuitableTimeRange {
	return allocation.SuitableTimeRange{DayOfWeek: allocation.Monday, Begin: begin, End: end, Priority: allocation.PriorityPrimary}
}

// section wants one 2h slot per week on A, then B.
func section(id string) allocation.Section {
	return allocation.Section{
		ID:                         allocation.SectionID(id),
		RoundID:                    "spring",
		Status:                     allocation.StatusInAllocation,
		SuitableTimeRanges:         []allocation.SuitableTimeRange{monday(tod(10, 0), tod(14, 0))},
		AppliedReservationsPerWeek: 1,
		MinDuration:                2 * time.Hour,
		MaxDuration:                2 * time.Hour,
		Options: []allocation.ReservationUnitOption{
			{ID: allocation.OptionID(id + "-b"), ReservationUnitID: fieldB, PreferredOrder: 2},
			{ID: allocation.OptionID(id + "-a"), ReservationUnitID: fieldA, PreferredOrder: 1},
		},
	}
}

func taken(unit generic.ResourceID, day allocation.DayOfWeek, begin, end generic.TimeOfDay) allocation.AllocatedTimeSlot {
	return allocation.AllocatedTimeSlot{
		SectionID:         "someone-else",
		ReservationUnitID: unit,
		DayOfWeek:         day,
		Begin:             begin,
		End:               end,
	}
}

// =============================================================================
// PREFERENCES AND OVERLAP
// =============================================================================

func TestAllocate_FirstPreferenceWhenFree(t *testing.T) {
	a := allocation.NewAllocator(hierarchy(), nil)

	slots, rejection := a.Allocate(section("s1"), nil)

	require.Nil(t, rejection)
	require.Len(t, slots, 1)
	assert.Equal(t, fieldA, slots[0].ReservationUnitID)
	assert.Equal(t, tod(10, 0), slots[0].Begin)
	assert.Equal(t, tod(12, 0), slots[0].End)
}

func TestAllocate_UsesFreePartOfPreferredUnit(t *testing.T) {
	// GIVEN: A is taken Monday 11-12 by another applicant
	a := allocation.NewAllocator(hierarchy(), nil)
	existing := []allocation.AllocatedTimeSlot{taken(fieldA, allocation.Monday, tod(11, 0), tod(12, 0))}

	// WHEN
	slots, rejection := a.Allocate(section("s1"), existing)

	// THEN: 10-11 is too short, 12-14 on A fits
	require.Nil(t, rejection)
	require.Len(t, slots, 1)
	assert.Equal(t, fieldA, slots[0].ReservationUnitID)
	assert.Equal(t, tod(12, 0), slots[0].Begin)
	assert.Equal(t, tod(14, 0), slots[0].End)
}

func TestAllocate_FallsBackToSecondPreference(t *testing.T) {
	// GIVEN: A is taken Monday 11-12 and three hours are needed
	a := allocation.NewAllocator(hierarchy(), nil)
	s := section("s1")
	s.MinDuration = 3 * time.Hour
	s.MaxDuration = 3 * time.Hour
	existing := []allocation.AllocatedTimeSlot{taken(fieldA, allocation.Monday, tod(11, 0), tod(12, 0))}

	// WHEN
	slots, rejection := a.Allocate(s, existing)

	// THEN
	require.Nil(t, rejection)
	require.Len(t, slots, 1)
	assert.Equal(t, fieldB, slots[0].ReservationUnitID)
	assert.Equal(t, allocation.OptionID("s1-b"), slots[0].OptionID)
	assert.Equal(t, tod(10, 0), slots[0].Begin)
	assert.Equal(t, tod(13, 0), slots[0].End)
}

func TestAllocate_OverlapThroughHierarchy(t *testing.T) {
	// GIVEN: half of A is taken all Monday, B too
	a := allocation.NewAllocator(hierarchy(), nil)
	existing := []allocation.AllocatedTimeSlot{
		taken(halfA, allocation.Monday, tod(8, 0), tod(20, 0)),
		taken(fieldB, allocation.Monday, tod(8, 0), tod(20, 0)),
	}

	slots, rejection := a.Allocate(section("s1"), existing)

	assert.Empty(t, slots)
	require.NotNil(t, rejection)
	assert.Equal(t, allocation.ReasonOverlapping, rejection.Reason)
}

func TestAllocate_UnknownUnitFailsClosed(t *testing.T) {
	a := allocation.NewAllocator(generic.NewSpaceHierarchy(nil), nil)

	slots, rejection := a.Allocate(section("s1"), nil)

	assert.Empty(t, slots)
	require.NotNil(t, rejection)
	assert.Equal(t, allocation.ReasonOverlapping, rejection.Reason)
}

func TestAllocate_MaxDurationClipsSlot(t *testing.T) {
	a := allocation.NewAllocator(hierarchy(), nil)
	s := section("s1")
	s.MinDuration = time.Hour
	s.MaxDuration = 90 * time.Minute

	slots, rejection := a.Allocate(s, nil)

	require.Nil(t, rejection)
	require.Len(t, slots, 1)
	assert.Equal(t, 90*time.Minute, slots[0].Duration())
}

// =============================================================================
// WEEKLY RULES
// =============================================================================

func TestAllocate_OneSlotPerDay(t *testing.T) {
	// GIVEN: two slots wanted but only Monday is suitable
	a := allocation.NewAllocator(hierarchy(), nil)
	s := section("s1")
	s.AppliedReservationsPerWeek = 2
	s.SuitableTimeRanges = []allocation.SuitableTimeRange{monday(tod(8, 0), tod(20, 0))}

	slots, rejection := a.Allocate(s, nil)

	// THEN: one slot, the second is rejected for the weekday
	require.Len(t, slots, 1)
	require.NotNil(t, rejection)
	assert.Equal(t, allocation.ReasonDayNotSuitable, rejection.Reason)
}

func TestAllocate_SeveralDays(t *testing.T) {
	a := allocation.NewAllocator(hierarchy(), nil)
	s := section("s1")
	s.AppliedReservationsPerWeek = 2
	s.SuitableTimeRanges = []allocation.SuitableTimeRange{
		{DayOfWeek: allocation.Wednesday, Begin: tod(17, 0), End: tod(21, 0)},
		monday(tod(10, 0), tod(14, 0)),
	}

	slots, rejection := a.Allocate(s, nil)

	require.Nil(t, rejection)
	require.Len(t, slots, 2)
	assert.Equal(t, allocation.Monday, slots[0].DayOfWeek)
	assert.Equal(t, allocation.Wednesday, slots[1].DayOfWeek)
}

func TestAllocate_PerWeekExceeded(t *testing.T) {
	a := allocation.NewAllocator(hierarchy(), nil)
	s := section("s1")
	existing := []allocation.AllocatedTimeSlot{{SectionID: s.ID, ReservationUnitID: fieldA, DayOfWeek: allocation.Friday, Begin: tod(10, 0), End: tod(12, 0)}}

	slots, rejection := a.Allocate(s, existing)

	assert.Empty(t, slots)
	require.NotNil(t, rejection)
	assert.Equal(t, allocation.ReasonPerWeekExceeded, rejection.Reason)
}

func TestAllocate_DurationRules(t *testing.T) {
	a := allocation.NewAllocator(hierarchy(), nil)

	tooLong := section("s1")
	tooLong.MinDuration = 3 * time.Hour
	_, rejection := a.Allocate(tooLong, nil)
	require.NotNil(t, rejection)
	assert.Equal(t, allocation.ReasonDurationTooLong, rejection.Reason)

	tooShort := section("s2")
	tooShort.SuitableTimeRanges = []allocation.SuitableTimeRange{monday(tod(10, 0), tod(11, 0))}
	_, rejection = a.Allocate(tooShort, nil)
	require.NotNil(t, rejection)
	assert.Equal(t, allocation.ReasonDurationTooShort, rejection.Reason)
}

func TestAllocate_LockedAndRejectedOptions(t *testing.T) {
	a := allocation.NewAllocator(hierarchy(), nil)

	s := section("s1")
	for i := range s.Options {
		s.Options[i].Locked = true
	}
	_, rejection := a.Allocate(s, nil)
	require.NotNil(t, rejection)
	assert.Equal(t, allocation.ReasonOptionLocked, rejection.Reason)

	s = section("s2")
	s.Options[0].Locked = true
	s.Options[1].Rejected = true
	_, rejection = a.Allocate(s, nil)
	require.NotNil(t, rejection)
	assert.Equal(t, allocation.ReasonOptionRejected, rejection.Reason)

	// a locked first choice still leaves the second one usable
	s = section("s3")
	s.Options[1].Locked = true // field-a
	slots, rejection := a.Allocate(s, nil)
	require.Nil(t, rejection)
	assert.Equal(t, fieldB, slots[0].ReservationUnitID)
}

func TestHasOverlappingAllocations(t *testing.T) {
	a := allocation.NewAllocator(hierarchy(), nil)
	existing := []allocation.AllocatedTimeSlot{taken(fieldA, allocation.Monday, tod(11, 0), tod(12, 0))}

	assert.True(t, a.HasOverlappingAllocations(halfA, allocation.Monday, tod(11, 30), tod(12, 30), existing))
	assert.False(t, a.HasOverlappingAllocations(halfA, allocation.Tuesday, tod(11, 30), tod(12, 30), existing))
	assert.False(t, a.HasOverlappingAllocations(fieldA, allocation.Monday, tod(12, 0), tod(13, 0), existing))
	assert.False(t, a.HasOverlappingAllocations(fieldB, allocation.Monday, tod(11, 0), tod(12, 0), existing))
	assert.True(t, a.HasOverlappingAllocations("unknown", allocation.Monday, tod(11, 0), tod(12, 0), nil))
}

// =============================================================================
// TYPES
// =============================================================================

func TestApplicationStatusTransitions(t *testing.T) {
	assert.True(t, allocation.StatusDraft.CanTransitionTo(allocation.StatusReceived))
	assert.True(t, allocation.StatusReceived.CanTransitionTo(allocation.StatusInAllocation))
	assert.True(t, allocation.StatusInAllocation.CanTransitionTo(allocation.StatusHandled))
	assert.False(t, allocation.StatusHandled.CanTransitionTo(allocation.StatusDraft))
	assert.False(t, allocation.StatusInAllocation.CanTransitionTo(allocation.StatusCancelled))
	assert.True(t, allocation.StatusResultsSent.Terminal())
	assert.True(t, allocation.StatusCancelled.Terminal())
	assert.False(t, allocation.StatusDraft.Terminal())
}

func TestDayOfWeek(t *testing.T) {
	assert.Equal(t, allocation.Monday, allocation.DayOfWeekOf(time.Monday))
	assert.Equal(t, allocation.Sunday, allocation.DayOfWeekOf(time.Sunday))

	var d allocation.DayOfWeek
	require.NoError(t, d.UnmarshalText([]byte("thursday")))
	assert.Equal(t, allocation.Thursday, d)
	assert.Error(t, d.UnmarshalText([]byte("someday")))
	assert.Equal(t, "THURSDAY", d.String())
}
