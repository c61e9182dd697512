package availability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/varaamo/availability-engine/availability"
	"github.com/varaamo/availability-engine/generic"
	"github.com/varaamo/availability-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var helsinki = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Helsinki")
	if err != nil {
		panic(err)
	}
	return loc
}()

const (
	hall  = generic.ResourceID("hall")      // whole gym
	part  = generic.ResourceID("hall-half") // half of the gym, shares space with hall
	other = generic.ResourceID("sauna")     // unrelated unit
)

// at returns 2023-05-20 hh:mm in Helsinki, shifted by day days.
func at(day, hh, mm int) time.Time {
	return time.Date(2023, time.May, 20+day, hh, mm, 0, 0, helsinki)
}

func ts(start, end time.Time) generic.TimeSpan {
	return generic.TimeSpan{Start: start, End: end}
}

// morning is "now" for most tests: the first test day, before opening.
var morning = at(0, 8, 0)

func testHierarchy() generic.SpaceHierarchy {
	return generic.NewSpaceHierarchy(map[generic.ResourceID][]generic.ResourceID{
		hall:  {part},
		part:  {hall},
		other: nil,
	})
}

func hourUnit(id generic.ResourceID) generic.UnitConstraints {
	return generic.UnitConstraints{
		ResourceID:    id,
		StartInterval: 15 * time.Minute,
		MinDuration:   time.Hour,
	}
}

func reservation(id string, unit generic.ResourceID, begin, end time.Time) generic.Reservation {
	return generic.Reservation{
		ID:                generic.ReservationID(id),
		ReservationUnitID: unit,
		Begin:             begin,
		End:               end,
		Type:              generic.ReservationNormal,
		State:             generic.StateConfirmed,
	}
}

type fixture struct {
	mem    *store.Memory
	engine *availability.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.ReplaceSpaceHierarchy(context.Background(), testHierarchy()))

	sources := generic.Sources{Calendar: mem, Reservations: mem, Blackouts: mem, Hierarchy: mem, Units: mem}
	engine := availability.NewEngine(sources, mem, availability.Options{
		Location:     helsinki,
		FetchTimeout: time.Second,
	})
	return &fixture{mem: mem, engine: engine}
}

func (f *fixture) open(unit generic.ResourceID, spans ...generic.TimeSpan) {
	f.mem.PutOpeningHours(unit, morning.Add(-time.Hour), spans...)
}

func intPtr(n int) *int { return &n }

func datePtr(d generic.Date) *generic.Date { return &d }

func todPtr(hh, mm int) *generic.TimeOfDay {
	t := generic.NewTimeOfDay(hh, mm)
	return &t
}
