package factory

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varaamo/availability-engine/allocation"
	"github.com/varaamo/availability-engine/generic"
)

func TestParseUnit(t *testing.T) {
	f := New()

	unit, err := f.ParseUnit([]byte(`{
		"id": "hall-1",
		"reservation_start_interval_minutes": 30,
		"min_reservation_duration_minutes": 60,
		"max_reservation_duration_minutes": 180,
		"reservations_min_days_before": 1,
		"reservation_begins": "2024-01-01T00:00:00+02:00",
		"buffer_time_after_minutes": 15,
		"reservation_block_whole_day": true
	}`))

	require.NoError(t, err)
	assert.Equal(t, generic.ResourceID("hall-1"), unit.ResourceID)
	assert.Equal(t, 30*time.Minute, unit.StartInterval)
	assert.Equal(t, 3*time.Hour, unit.MaxDuration)
	require.NotNil(t, unit.MinDaysBefore)
	assert.Equal(t, 1, *unit.MinDaysBefore)
	assert.Nil(t, unit.MaxDaysBefore)
	require.NotNil(t, unit.ReservationBegins)
	assert.Equal(t, 15*time.Minute, unit.BufferAfter)
	assert.True(t, unit.BlockWholeDay)

	// round trip through the JSON form
	back, err := f.FromUnitJSON(UnitToJSON(unit))
	require.NoError(t, err)
	assert.Equal(t, unit, back)
}

func TestParseUnit_Invalid(t *testing.T) {
	f := New()

	tests := []struct {
		name     string
		json     string
		sentinel error
		want     string
	}{
		{"missing id", `{"min_reservation_duration_minutes": 60}`, generic.ErrInvalidConstraints, "UnitJSON.ID: required"},
		{"odd interval", `{"id": "u", "reservation_start_interval_minutes": 25}`, generic.ErrInvalidConstraints, "oneof"},
		{"negative buffer", `{"id": "u", "buffer_time_before_minutes": -5}`, generic.ErrInvalidConstraints, "gte=0"},
		{"min above max", `{"id": "u", "min_reservation_duration_minutes": 120, "max_reservation_duration_minutes": 60}`, generic.ErrInvalidConstraints, "min_duration"},
		{"not json", `{`, generic.ErrInvalidInput, "invalid input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseUnit([]byte(tt.json))
			require.Error(t, err)
			assert.True(t, generic.IsClientError(err), "got %v", err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseSection(t *testing.T) {
	f := New()

	section, err := f.ParseSection([]byte(`{
		"id": "sec-1",
		"application_id": "app-1",
		"round_id": "spring",
		"status": "IN_ALLOCATION",
		"submitted_at": "2023-11-01T10:00:00Z",
		"applied_reservations_per_week": 2,
		"reservation_min_duration_minutes": 60,
		"reservation_max_duration_minutes": 120,
		"suitable_time_ranges": [
			{"day_of_week": "monday", "begin_time": "10:00", "end_time": "14:00"},
			{"day_of_week": "FRIDAY", "begin_time": "20:00", "end_time": "24:00", "priority": "SECONDARY"}
		],
		"reservation_unit_options": [
			{"id": "opt-1", "reservation_unit_id": "field-a", "preferred_order": 1}
		]
	}`))

	require.NoError(t, err)
	assert.Equal(t, allocation.StatusInAllocation, section.Status)
	assert.Equal(t, 2*time.Hour, section.MaxDuration)
	require.Len(t, section.SuitableTimeRanges, 2)
	assert.Equal(t, allocation.Monday, section.SuitableTimeRanges[0].DayOfWeek)
	assert.Equal(t, allocation.PriorityPrimary, section.SuitableTimeRanges[0].Priority)
	assert.Equal(t, generic.EndOfDay, section.SuitableTimeRanges[1].End)
	assert.Equal(t, allocation.PrioritySecondary, section.SuitableTimeRanges[1].Priority)
	require.Len(t, section.Options, 1)
	assert.Equal(t, generic.ResourceID("field-a"), section.Options[0].ReservationUnitID)
}

func TestParseSection_EndAtMidnight(t *testing.T) {
	f := New()

	section, err := f.ParseSection([]byte(`{
		"id": "late", "application_id": "a", "round_id": "r", "status": "RECEIVED",
		"applied_reservations_per_week": 1, "reservation_min_duration_minutes": 60,
		"reservation_max_duration_minutes": 120,
		"suitable_time_ranges": [{"day_of_week": "SATURDAY", "begin_time": "20:00", "end_time": "00:00"}],
		"reservation_unit_options": [{"id": "o", "reservation_unit_id": "u", "preferred_order": 1}]
	}`))

	require.NoError(t, err)
	require.Len(t, section.SuitableTimeRanges, 1)
	r := section.SuitableTimeRanges[0]
	assert.Equal(t, generic.NewTimeOfDay(20, 0), r.Begin)
	assert.Equal(t, generic.EndOfDay, r.End)

	// rendered ranges parse back to the same values
	again, err := generic.ParseEndTimeOfDay(r.End.String(), r.Begin)
	require.NoError(t, err)
	assert.Equal(t, r.End, again)
}

func TestParseSection_Invalid(t *testing.T) {
	f := New()
	base := `"id": "s", "application_id": "a", "round_id": "r", "status": "RECEIVED",
		"applied_reservations_per_week": 1, "reservation_min_duration_minutes": 60,
		"reservation_max_duration_minutes": 60,
		"reservation_unit_options": [{"id": "o", "reservation_unit_id": "u", "preferred_order": 1}]`

	tests := []struct {
		name string
		json string
		want string
	}{
		{"no ranges", `{` + base + `}`, "SuitableTimeRanges: required"},
		{"bad day", `{` + base + `, "suitable_time_ranges": [{"day_of_week": "someday", "begin_time": "10:00", "end_time": "12:00"}]}`, "day_of_week"},
		{"reversed range", `{` + base + `, "suitable_time_ranges": [{"day_of_week": "MONDAY", "begin_time": "12:00", "end_time": "10:00"}]}`, "begin_time must be before end_time"},
		{"bad priority", `{` + base + `, "suitable_time_ranges": [{"day_of_week": "MONDAY", "begin_time": "10:00", "end_time": "12:00", "priority": "URGENT"}]}`, "oneof"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseSection([]byte(tt.json))
			require.Error(t, err)
			assert.ErrorIs(t, err, generic.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseRound(t *testing.T) {
	f := New()

	round, err := f.ParseRound([]byte(`{
		"id": "spring",
		"name": "Spring season",
		"status": "OPEN",
		"reservation_period_begin": "2024-01-08",
		"reservation_period_end": "2024-05-31",
		"reservation_unit_ids": ["field-a", "field-b"]
	}`))
	require.NoError(t, err)
	assert.Equal(t, generic.RoundOpen, round.Status)
	assert.Equal(t, generic.NewDate(2024, time.May, 31), round.ReservationPeriod.End)
	assert.Len(t, round.ResourceIDs, 2)

	_, err = f.ParseRound([]byte(`{"id": "x", "name": "x", "status": "CLOSED",
		"reservation_period_begin": "2024-01-08", "reservation_period_end": "2024-05-31", "reservation_unit_ids": ["a"]}`))
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = f.ParseRound([]byte(`{"id": "x", "name": "x", "status": "OPEN",
		"reservation_period_begin": "2024-06-01", "reservation_period_end": "2024-05-31", "reservation_unit_ids": ["a"]}`))
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestParseReservation(t *testing.T) {
	f := New()

	unit, draft, err := f.ParseReservation([]byte(`{
		"reservation_unit_id": "hall-1",
		"begin": "2024-03-01T15:00:00+02:00",
		"end": "2024-03-01T16:00:00+02:00"
	}`))
	require.NoError(t, err)
	assert.Equal(t, generic.ResourceID("hall-1"), unit)
	assert.Equal(t, generic.ReservationNormal, draft.Type)
	assert.Equal(t, time.Hour, draft.End.Sub(draft.Begin))

	_, _, err = f.ParseReservation([]byte(`{
		"reservation_unit_id": "hall-1",
		"begin": "2024-03-01T16:00:00+02:00",
		"end": "2024-03-01T15:00:00+02:00"
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gtfield=Begin")
}

func TestParseSpaceTree(t *testing.T) {
	f := New()

	spaces, unitSpaces, err := f.ParseSpaceTree([]byte(`{
		"spaces": [{"id": "building"}, {"id": "hall", "parent_id": "building"}],
		"unit_spaces": {"whole": ["building"], "half": ["hall"]}
	}`))
	require.NoError(t, err)
	require.Len(t, spaces, 2)
	require.NotNil(t, spaces[1].ParentID)
	assert.Equal(t, generic.SpaceID("building"), *spaces[1].ParentID)

	h := generic.BuildSpaceHierarchy(spaces, unitSpaces)
	assert.Equal(t, []generic.ResourceID{"half", "whole"}, h.RelatedIDs("whole"))

	_, _, err = f.ParseSpaceTree([]byte(`{"spaces": [{"id": "hall", "parent_id": "nowhere"}], "unit_spaces": {}}`))
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestParseFilters(t *testing.T) {
	q := url.Values{}
	q.Set("reservable_date_start", "2024-03-01")
	q.Set("reservable_time_start", "10:00")
	q.Set("reservable_time_end", "24:00")
	q.Set("reservable_minimum_duration_minutes", "90")
	q.Set("show_only_reservable", "true")

	f, err := ParseFilters(q)
	require.NoError(t, err)
	require.NotNil(t, f.DateStart)
	assert.Equal(t, generic.NewDate(2024, time.March, 1), *f.DateStart)
	assert.Nil(t, f.DateEnd)
	assert.Equal(t, generic.NewTimeOfDay(10, 0), *f.TimeStart)
	assert.Equal(t, generic.EndOfDay, *f.TimeEnd)
	assert.Equal(t, 90, *f.MinimumDurationMinutes)
	assert.True(t, f.ShowOnlyReservable)

	late, err := ParseFilters(url.Values{"reservable_time_start": {"18:00"}, "reservable_time_end": {"00:00"}})
	require.NoError(t, err)
	assert.Equal(t, generic.EndOfDay, *late.TimeEnd)

	_, err = ParseFilters(url.Values{"reservable_date_end": {"tomorrow"}})
	var fe *generic.InvalidFilterError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "reservable_date_end", fe.Field)
	assert.ErrorIs(t, err, generic.ErrInvalidFilter)
}
