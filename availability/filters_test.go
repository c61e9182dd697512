package availability_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varaamo/availability-engine/availability"
	"github.com/varaamo/availability-engine/generic"
)

func TestFilters_Validate(t *testing.T) {
	today := generic.Today(morning, helsinki)
	unit := hourUnit(hall)
	unit.StartInterval = 30 * time.Minute

	tests := []struct {
		name    string
		filters availability.ReservableFilters
		field   string
		message string
	}{
		{
			name:    "date start in the past",
			filters: availability.ReservableFilters{DateStart: datePtr(today.AddDays(-1))},
			field:   "reservable_date_start",
			message: "reservable_date_start must not be in the past",
		},
		{
			name:    "date end in the past",
			filters: availability.ReservableFilters{DateEnd: datePtr(today.AddDays(-1))},
			field:   "reservable_date_end",
			message: "reservable_date_end must not be in the past",
		},
		{
			name: "date start after end",
			filters: availability.ReservableFilters{
				DateStart: datePtr(today.AddDays(3)),
				DateEnd:   datePtr(today.AddDays(2)),
			},
			field: "reservable_date_start",
		},
		{
			name:    "time start equals end",
			filters: availability.ReservableFilters{TimeStart: todPtr(10, 0), TimeEnd: todPtr(10, 0)},
			field:   "reservable_time_start",
			message: "reservable_time_start must be before reservable_time_end",
		},
		{
			name:    "minimum below start interval",
			filters: availability.ReservableFilters{MinimumDurationMinutes: intPtr(15)},
			field:   "reservable_minimum_duration_minutes",
			message: "reservable_minimum_duration_minutes must be at least 30",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filters.Validate(unit, morning, helsinki)
			require.Error(t, err)

			var fe *generic.InvalidFilterError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.field, fe.Field)
			if tt.message != "" {
				assert.Equal(t, tt.message, fe.Message)
			}
			assert.True(t, generic.IsClientError(err))
		})
	}
}

func TestFilters_ValidPass(t *testing.T) {
	today := generic.Today(morning, helsinki)
	f := availability.ReservableFilters{
		DateStart:              datePtr(today),
		DateEnd:                datePtr(today),
		TimeStart:              todPtr(0, 0),
		TimeEnd:                todPtr(24, 0),
		MinimumDurationMinutes: intPtr(15),
	}
	assert.NoError(t, f.Validate(hourUnit(hall), morning, helsinki))
}

func TestFilters_Defaults(t *testing.T) {
	var f availability.ReservableFilters
	assert.Equal(t, availability.DefaultMinimumDuration, f.MinimumDuration())
	assert.False(t, f.HasTimeWindow())

	f.TimeEnd = todPtr(12, 0)
	assert.True(t, f.HasTimeWindow())
}

func TestEffectiveMinimumDuration(t *testing.T) {
	unit := hourUnit(hall)
	unit.MaxDuration = 2 * time.Hour

	d, ok := availability.EffectiveMinimumDuration(unit, availability.ReservableFilters{})
	assert.True(t, ok)
	assert.Equal(t, time.Hour, d, "unit minimum wins over the default")

	d, ok = availability.EffectiveMinimumDuration(unit, availability.ReservableFilters{MinimumDurationMinutes: intPtr(90)})
	assert.True(t, ok)
	assert.Equal(t, 90*time.Minute, d)

	_, ok = availability.EffectiveMinimumDuration(unit, availability.ReservableFilters{MinimumDurationMinutes: intPtr(180)})
	assert.False(t, ok)
}
