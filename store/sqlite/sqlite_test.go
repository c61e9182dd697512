package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varaamo/availability-engine/allocation"
	"github.com/varaamo/availability-engine/availability"
	"github.com/varaamo/availability-engine/generic"
	"github.com/varaamo/availability-engine/store/sqlite"
)

var helsinki = mustLoad("Europe/Helsinki")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func at(day, hh, mm int) time.Time {
	return time.Date(2023, time.May, 20+day, hh, mm, 0, 0, helsinki)
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// UNITS AND OPENING HOURS
// =============================================================================

func TestUnit_SaveAndLoad(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	minDays := 2
	begins := at(0, 12, 0)

	unit := generic.UnitConstraints{
		ResourceID:        "hall",
		StartInterval:     30 * time.Minute,
		MinDuration:       time.Hour,
		MaxDuration:       3 * time.Hour,
		MinDaysBefore:     &minDays,
		ReservationBegins: &begins,
		BufferAfter:       15 * time.Minute,
		BlockWholeDay:     true,
	}
	require.NoError(t, store.SaveUnit(ctx, unit))

	got, err := store.UnitConstraints(ctx, "hall")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, got.StartInterval)
	assert.Equal(t, 3*time.Hour, got.MaxDuration)
	require.NotNil(t, got.MinDaysBefore)
	assert.Equal(t, 2, *got.MinDaysBefore)
	assert.Nil(t, got.MaxDaysBefore)
	require.NotNil(t, got.ReservationBegins)
	assert.True(t, got.ReservationBegins.Equal(begins))
	assert.Nil(t, got.ReservationEnds)
	assert.Equal(t, 15*time.Minute, got.BufferAfter)
	assert.True(t, got.BlockWholeDay)

	_, err = store.UnitConstraints(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrResourceNotFound)
}

func TestOpeningHours_ReplaceAndQuery(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	fetched, err := store.LatestFetched(ctx, "hall")
	require.NoError(t, err)
	assert.Nil(t, fetched, "never fetched")

	first := []generic.TimeSpan{{Start: at(0, 8, 0), End: at(0, 12, 0)}}
	require.NoError(t, store.SaveOpeningHours(ctx, "hall", at(-1, 6, 0), first))

	second := []generic.TimeSpan{
		{Start: at(1, 8, 0), End: at(1, 12, 0)},
		{Start: at(0, 15, 0), End: at(0, 19, 0)},
	}
	require.NoError(t, store.SaveOpeningHours(ctx, "hall", at(0, 6, 0), second))

	spans, err := store.ReservableTimeSpans(ctx, "hall", generic.TimeSpan{Start: at(0, 0, 0), End: at(1, 9, 0)})
	require.NoError(t, err)
	require.Len(t, spans, 2, "the first fetch was replaced")
	assert.True(t, spans[0].Start.Equal(at(0, 15, 0)))
	assert.True(t, spans[1].Start.Equal(at(1, 8, 0)))
	assert.Equal(t, generic.ResourceID("hall"), spans[0].ResourceID)

	fetched, err = store.LatestFetched(ctx, "hall")
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.True(t, fetched.Equal(at(0, 6, 0)))
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func TestReservations_BufferedWindow(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveReservation(ctx, generic.Reservation{
		ID: "r1", ReservationUnitID: "hall",
		Begin: at(0, 10, 0), End: at(0, 11, 0), BufferAfter: time.Hour,
		Type: generic.ReservationNormal, State: generic.StateConfirmed,
	}))
	require.NoError(t, store.SaveReservation(ctx, generic.Reservation{
		ID: "r2", ReservationUnitID: "sauna",
		Begin: at(0, 10, 0), End: at(0, 11, 0),
		Type: generic.ReservationNormal, State: generic.StateConfirmed,
	}))

	// only the buffer reaches into the window
	got, err := store.Reservations(ctx, []generic.ResourceID{"hall", "part"}, generic.TimeSpan{Start: at(0, 11, 30), End: at(0, 13, 0)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, generic.ReservationID("r1"), got[0].ID)
	assert.Equal(t, time.Hour, got[0].BufferAfter)

	got, err = store.Reservations(ctx, []generic.ResourceID{"hall"}, generic.TimeSpan{Start: at(0, 12, 0), End: at(0, 13, 0)})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInsertReservation_GuardRunsInsideTransaction(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	window := generic.TimeSpan{Start: at(0, 0, 0), End: at(1, 0, 0)}
	free := func(current []generic.Reservation) bool { return len(current) == 0 }

	first := generic.Reservation{ID: "r1", ReservationUnitID: "hall", Begin: at(0, 10, 0), End: at(0, 11, 0),
		Type: generic.ReservationNormal, State: generic.StateCreated}
	require.NoError(t, store.InsertReservation(ctx, first, generic.ReservationGuard{
		Units: []generic.ResourceID{"hall"}, Window: window, Check: free,
	}))

	second := first
	second.ID = "r2"
	err := store.InsertReservation(ctx, second, generic.ReservationGuard{
		Units: []generic.ResourceID{"hall"}, Window: window, Check: free,
	})
	assert.ErrorIs(t, err, generic.ErrConcurrencyConflict)

	// duplicate ids are a conflict as well
	err = store.InsertReservation(ctx, first, generic.ReservationGuard{})
	assert.ErrorIs(t, err, generic.ErrConcurrencyConflict)

	all, err := store.Reservations(ctx, []generic.ResourceID{"hall"}, window)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// =============================================================================
// ROUNDS AND HIERARCHY
// =============================================================================

func TestBlackouts_FollowRoundStatus(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveRound(ctx, generic.ApplicationRound{
		ID:     "spring",
		Name:   "Spring",
		Status: generic.RoundUpcoming,
		ReservationPeriod: generic.DateRange{
			Start: generic.NewDate(2023, time.May, 21),
			End:   generic.NewDate(2023, time.May, 31),
		},
		ResourceIDs: []generic.ResourceID{"hall", "field"},
	}))
	window := generic.TimeSpan{Start: at(0, 0, 0), End: at(3, 0, 0)}

	got, err := store.Blackouts(ctx, "hall", window)
	require.NoError(t, err)
	assert.Empty(t, got, "upcoming rounds do not block")

	require.NoError(t, store.SetRoundStatus(ctx, "spring", generic.RoundOpen))
	got, err = store.Blackouts(ctx, "hall", window)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Affects("field"))
	assert.Equal(t, generic.NewDate(2023, time.May, 21), got[0].BeginDate)

	got, err = store.Blackouts(ctx, "hall", generic.Forever())
	require.NoError(t, err)
	assert.Len(t, got, 1, "unbounded windows still match")

	got, err = store.Blackouts(ctx, "sauna", window)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = store.Blackouts(ctx, "hall", generic.TimeSpan{Start: at(20, 0, 0), End: at(21, 0, 0)})
	require.NoError(t, err)
	assert.Empty(t, got, "after the period")

	assert.ErrorIs(t, store.SetRoundStatus(ctx, "autumn", generic.RoundOpen), generic.ErrRoundNotFound)
}

func TestSpaceHierarchy_RoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	building := generic.SpaceID("building")
	spaces := []generic.Space{
		{ID: building},
		{ID: "hall", ParentID: &building},
		{ID: "gym"},
	}
	require.NoError(t, store.SaveSpaceTree(ctx, spaces, map[generic.ResourceID][]generic.SpaceID{
		"whole":     {building},
		"hall-unit": {"hall"},
		"gym-unit":  {"gym"},
	}))

	require.NoError(t, store.SaveUnit(ctx, generic.UnitConstraints{ResourceID: "sauna-unit"}))

	gotSpaces, unitSpaces, err := store.SpaceTree(ctx)
	require.NoError(t, err)
	require.NoError(t, store.ReplaceSpaceHierarchy(ctx, generic.BuildSpaceHierarchy(gotSpaces, unitSpaces)))

	h, err := store.SpaceHierarchy(ctx)
	require.NoError(t, err)
	assert.Equal(t, []generic.ResourceID{"hall-unit", "whole"}, h.RelatedIDs("whole"))
	assert.Equal(t, []generic.ResourceID{"gym-unit"}, h.RelatedIDs("gym-unit"))
	assert.Equal(t, []generic.ResourceID{"sauna-unit"}, h.RelatedIDs("sauna-unit"), "units without a space relate to themselves")
	assert.False(t, h.Known("pool-unit"))
}

// =============================================================================
// ALLOCATION
// =============================================================================

func testSection(id string) allocation.Section {
	return allocation.Section{
		ID:            allocation.SectionID(id),
		ApplicationID: "app-1",
		RoundID:       "spring",
		Status:        allocation.StatusInAllocation,
		SubmittedAt:   time.Date(2023, time.November, 1, 0, 0, 0, 0, time.UTC),
		SuitableTimeRanges: []allocation.SuitableTimeRange{
			{DayOfWeek: allocation.Wednesday, Begin: generic.NewTimeOfDay(17, 0), End: generic.EndOfDay},
			{DayOfWeek: allocation.Monday, Begin: generic.NewTimeOfDay(10, 0), End: generic.NewTimeOfDay(14, 0)},
		},
		Options: []allocation.ReservationUnitOption{
			{ID: allocation.OptionID(id + "-b"), ReservationUnitID: "field-b", PreferredOrder: 2},
			{ID: allocation.OptionID(id + "-a"), ReservationUnitID: "field-a", PreferredOrder: 1, Locked: true},
		},
		AppliedReservationsPerWeek: 2,
		MinDuration:                time.Hour,
		MaxDuration:                2 * time.Hour,
	}
}

func TestSection_SaveAndLoad(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveSection(ctx, testSection("s2")))
	require.NoError(t, store.SaveSection(ctx, testSection("s1")))

	got, err := store.Section(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, allocation.StatusInAllocation, got.Status)
	assert.Equal(t, 2*time.Hour, got.MaxDuration)
	require.Len(t, got.SuitableTimeRanges, 2)
	assert.Equal(t, allocation.Monday, got.SuitableTimeRanges[0].DayOfWeek)
	assert.Equal(t, generic.EndOfDay, got.SuitableTimeRanges[1].End)
	assert.Equal(t, allocation.PriorityPrimary, got.SuitableTimeRanges[1].Priority)
	require.Len(t, got.Options, 2)
	assert.Equal(t, allocation.OptionID("s1-a"), got.Options[0].ID, "ordered by preference")
	assert.True(t, got.Options[0].Locked)

	all, err := store.Sections(ctx, "spring")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, allocation.SectionID("s1"), all[0].ID)

	_, err = store.Section(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrSectionNotFound)
}

func TestSaveAllocations_OneSlotPerSectionAndDay(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveSection(ctx, testSection("s1")))

	slot := allocation.AllocatedTimeSlot{
		ID: "slot-1", SectionID: "s1", OptionID: "s1-b", ReservationUnitID: "field-b",
		DayOfWeek: allocation.Monday, Begin: generic.NewTimeOfDay(10, 0), End: generic.NewTimeOfDay(12, 0),
		RunID: "run-1",
	}
	require.NoError(t, store.SaveAllocations(ctx, "spring", []allocation.AllocatedTimeSlot{slot}))

	// a batch with a valid Wednesday slot and a second Monday slot fails whole
	wednesday := slot
	wednesday.ID, wednesday.DayOfWeek = "slot-2", allocation.Wednesday
	monday := slot
	monday.ID, monday.Begin, monday.End = "slot-3", generic.NewTimeOfDay(12, 0), generic.NewTimeOfDay(14, 0)
	err := store.SaveAllocations(ctx, "spring", []allocation.AllocatedTimeSlot{wednesday, monday})
	assert.ErrorIs(t, err, generic.ErrConcurrencyConflict)

	saved, err := store.AllocatedSlots(ctx, "spring")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, slot, saved[0])

	others, err := store.AllocatedSlots(ctx, "autumn")
	require.NoError(t, err)
	assert.Empty(t, others)
}

// =============================================================================
// WITH THE ENGINE
// =============================================================================

func TestEngine_FirstReservableAndReserve(t *testing.T) {
	// GIVEN: a hall open 15-19 and its half already booked 15-16
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceSpaceHierarchy(ctx, generic.NewSpaceHierarchy(map[generic.ResourceID][]generic.ResourceID{
		"hall":      {"hall-half"},
		"hall-half": {"hall"},
	})))
	require.NoError(t, store.SaveOpeningHours(ctx, "hall", at(0, 6, 0), []generic.TimeSpan{{Start: at(0, 15, 0), End: at(0, 19, 0)}}))
	require.NoError(t, store.SaveReservation(ctx, generic.Reservation{
		ID: "existing", ReservationUnitID: "hall-half", Begin: at(0, 15, 0), End: at(0, 16, 0),
		Type: generic.ReservationNormal, State: generic.StateConfirmed,
	}))
	unit := generic.UnitConstraints{ResourceID: "hall", StartInterval: 15 * time.Minute, MinDuration: time.Hour}

	engine := availability.NewEngine(
		generic.Sources{Calendar: store, Reservations: store, Blackouts: store, Hierarchy: store, Units: store},
		store,
		availability.Options{Location: helsinki},
	)
	now := at(0, 8, 0)

	// WHEN
	result, err := engine.FirstReservable(ctx, unit, availability.ReservableFilters{}, now)

	// THEN
	require.NoError(t, err)
	require.NotNil(t, result.FirstReservableAt)
	assert.True(t, result.FirstReservableAt.Equal(at(0, 16, 0)))

	_, err = engine.Reserve(ctx, unit, availability.ReservationDraft{Begin: at(0, 15, 30), End: at(0, 16, 30)}, now)
	assert.ErrorIs(t, err, generic.ErrNotAvailable)

	res, err := engine.Reserve(ctx, unit, availability.ReservationDraft{Begin: at(0, 16, 0), End: at(0, 17, 0)}, now)
	require.NoError(t, err)

	stored, err := store.Reservations(ctx, []generic.ResourceID{"hall"}, generic.TimeSpan{Start: at(0, 0, 0), End: at(1, 0, 0)})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, res.ID, stored[0].ID)
}

func TestEngine_ClosedByOpenRound(t *testing.T) {
	// GIVEN: a hall whose only opening hours fall inside an open round
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceSpaceHierarchy(ctx, generic.NewSpaceHierarchy(map[generic.ResourceID][]generic.ResourceID{
		"hall": nil,
	})))
	require.NoError(t, store.SaveOpeningHours(ctx, "hall", at(0, 6, 0), []generic.TimeSpan{{Start: at(1, 8, 0), End: at(1, 20, 0)}}))
	require.NoError(t, store.SaveRound(ctx, generic.ApplicationRound{
		ID:     "summer",
		Name:   "Summer",
		Status: generic.RoundOpen,
		ReservationPeriod: generic.DateRange{
			Start: generic.NewDate(2023, time.May, 1),
			End:   generic.NewDate(2023, time.June, 30),
		},
		ResourceIDs: []generic.ResourceID{"hall"},
	}))
	unit := generic.UnitConstraints{ResourceID: "hall", StartInterval: 15 * time.Minute, MinDuration: time.Hour}
	engine := availability.NewEngine(
		generic.Sources{Calendar: store, Reservations: store, Blackouts: store, Hierarchy: store, Units: store},
		store,
		availability.Options{Location: helsinki},
	)

	// WHEN
	result, err := engine.FirstReservable(ctx, unit, availability.ReservableFilters{}, at(0, 8, 0))

	// THEN
	require.NoError(t, err)
	assert.True(t, result.IsClosed)
	assert.Nil(t, result.FirstReservableAt)
}

func TestEngine_IsAvailableOnWholeDayUnit(t *testing.T) {
	// GIVEN: a stored whole-day hall and a morning booking on its half
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceSpaceHierarchy(ctx, generic.NewSpaceHierarchy(map[generic.ResourceID][]generic.ResourceID{
		"hall":      {"hall-half"},
		"hall-half": {"hall"},
	})))
	require.NoError(t, store.SaveUnit(ctx, generic.UnitConstraints{
		ResourceID: "hall", StartInterval: 15 * time.Minute, MinDuration: time.Hour, BlockWholeDay: true,
	}))
	require.NoError(t, store.SaveReservation(ctx, generic.Reservation{
		ID: "morning", ReservationUnitID: "hall-half", Begin: at(1, 9, 0), End: at(1, 10, 0),
		Type: generic.ReservationNormal, State: generic.StateConfirmed,
	}))
	engine := availability.NewEngine(
		generic.Sources{Calendar: store, Reservations: store, Blackouts: store, Hierarchy: store, Units: store},
		store,
		availability.Options{Location: helsinki},
	)

	// WHEN / THEN: the afternoon of the same day is taken
	ok, err := engine.IsAvailable(ctx, generic.TimeSpan{Start: at(1, 14, 0), End: at(1, 15, 0)}, "hall", 0, 0, "")
	require.NoError(t, err)
	assert.False(t, ok)
}
