package availability_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varaamo/availability-engine/availability"
	"github.com/varaamo/availability-engine/generic"
	"github.com/varaamo/availability-engine/generic/store"
)

// =============================================================================
// BEGIN RULES
// =============================================================================

func TestCheckBegin(t *testing.T) {
	tests := []struct {
		name    string
		begin   time.Time
		typ     generic.ReservationType
		now     time.Time
		wantErr bool
	}{
		{"customer in the future", at(0, 10, 0), generic.ReservationNormal, at(0, 9, 0), false},
		{"customer in the past", at(0, 8, 0), generic.ReservationNormal, at(0, 9, 0), true},
		{"staff earlier today", at(0, 1, 0), generic.ReservationStaff, at(0, 9, 0), false},
		{"staff yesterday after the first hour", at(-1, 22, 0), generic.ReservationStaff, at(0, 1, 30), true},
		{"staff yesterday within the first hour", at(-1, 22, 0), generic.ReservationStaff, at(0, 0, 30), false},
		{"behalf counts as staff", at(0, 1, 0), generic.ReservationBehalf, at(0, 9, 0), false},
		{"blocked counts as staff", at(-1, 23, 0), generic.ReservationBlocked, at(0, 0, 59), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := availability.CheckBegin(tt.begin, tt.typ, tt.now, helsinki)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// =============================================================================
// RESERVE
// =============================================================================

func TestReserve_CustomerHappyPath(t *testing.T) {
	// GIVEN
	f := newFixture(t)
	f.open(hall, ts(at(0, 15, 0), at(0, 19, 0)))
	ctx := context.Background()

	// WHEN
	res, err := f.engine.Reserve(ctx, hourUnit(hall), availability.ReservationDraft{
		Begin: at(0, 15, 0),
		End:   at(0, 16, 0),
	}, morning)

	// THEN
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, generic.StateCreated, res.State)
	assert.Equal(t, generic.ReservationNormal, res.Type)

	// the half hall is now blocked too
	ok, err := f.engine.IsAvailable(ctx, ts(at(0, 15, 30), at(0, 16, 30)), part, 0, 0, "")
	require.NoError(t, err)
	assert.False(t, ok)

	next, err := f.engine.FirstReservable(ctx, hourUnit(hall), availability.ReservableFilters{}, morning)
	require.NoError(t, err)
	assert.True(t, next.FirstReservableAt.Equal(at(0, 16, 0)))
}

func TestReserve_Rejections(t *testing.T) {
	unit := hourUnit(hall)
	unit.MaxDuration = 2 * time.Hour

	tests := []struct {
		name  string
		draft availability.ReservationDraft
		now   time.Time
	}{
		{"overlaps existing", availability.ReservationDraft{Begin: at(0, 17, 30), End: at(0, 18, 30)}, morning},
		{"outside opening hours", availability.ReservationDraft{Begin: at(0, 18, 30), End: at(0, 19, 30)}, morning},
		{"in the past", availability.ReservationDraft{Begin: at(0, 15, 0), End: at(0, 16, 0)}, at(0, 15, 30)},
		{"below minimum", availability.ReservationDraft{Begin: at(0, 15, 0), End: at(0, 15, 30)}, morning},
		{"above maximum", availability.ReservationDraft{Begin: at(0, 15, 0), End: at(0, 17, 15)}, morning},
		{"off interval", availability.ReservationDraft{Begin: at(0, 15, 5), End: at(0, 16, 5)}, morning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.open(hall, ts(at(0, 15, 0), at(0, 19, 0)))
			f.mem.PutReservation(reservation("existing", part, at(0, 18, 0), at(0, 19, 0)))

			_, err := f.engine.Reserve(context.Background(), unit, tt.draft, tt.now)

			require.Error(t, err)
			assert.True(t, errors.Is(err, generic.ErrNotAvailable), "got %v", err)
			var be *generic.BookingError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, hall, be.ResourceID)
		})
	}
}

func TestReserve_StaffSkipsOpeningHours(t *testing.T) {
	f := newFixture(t)
	f.open(hall, ts(at(0, 15, 0), at(0, 19, 0)))

	res, err := f.engine.Reserve(context.Background(), hourUnit(hall), availability.ReservationDraft{
		Begin: at(0, 7, 0),
		End:   at(0, 7, 20),
		Type:  generic.ReservationStaff,
	}, morning)

	require.NoError(t, err)
	assert.Equal(t, generic.StateConfirmed, res.State)
}

func TestReserve_StaffNeverOverlaps(t *testing.T) {
	f := newFixture(t)
	f.mem.PutReservation(reservation("existing", hall, at(0, 10, 0), at(0, 11, 0)))

	_, err := f.engine.Reserve(context.Background(), hourUnit(part), availability.ReservationDraft{
		Begin: at(0, 10, 30),
		End:   at(0, 11, 30),
		Type:  generic.ReservationBlocked,
	}, morning)

	assert.ErrorIs(t, err, generic.ErrNotAvailable)
}

func TestReserve_UnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Reserve(context.Background(), hourUnit(hall), availability.ReservationDraft{
		Begin: at(0, 15, 0),
		End:   at(0, 16, 0),
		Type:  "VIP",
	}, morning)
	assert.ErrorIs(t, err, generic.ErrInvalidConstraints)
}

func TestReserve_WithoutStore(t *testing.T) {
	f := newFixture(t)
	engine := availability.NewEngine(
		generic.Sources{Calendar: f.mem, Reservations: f.mem, Blackouts: f.mem, Hierarchy: f.mem, Units: f.mem},
		nil,
		availability.Options{Location: helsinki},
	)
	_, err := engine.Reserve(context.Background(), hourUnit(hall), availability.ReservationDraft{
		Begin: at(0, 15, 0),
		End:   at(0, 16, 0),
	}, morning)
	assert.ErrorIs(t, err, availability.ErrNoReservationStore)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

// racingStore commits a competing reservation between the snapshot and the
// write, the way a second request would.
type racingStore struct {
	*store.Memory
	competitor generic.Reservation
}

func (s *racingStore) InsertReservation(ctx context.Context, r generic.Reservation, guard generic.ReservationGuard) error {
	s.Memory.PutReservation(s.competitor)
	return s.Memory.InsertReservation(ctx, r, guard)
}

func TestReserve_LosesRaceAtCommit(t *testing.T) {
	// GIVEN: the snapshot sees a free hall, but the other half is booked
	// before our write commits
	f := newFixture(t)
	f.open(hall, ts(at(0, 15, 0), at(0, 19, 0)))
	racing := &racingStore{
		Memory:     f.mem,
		competitor: reservation("competitor", part, at(0, 15, 30), at(0, 16, 30)),
	}
	engine := availability.NewEngine(
		generic.Sources{Calendar: f.mem, Reservations: f.mem, Blackouts: f.mem, Hierarchy: f.mem, Units: f.mem},
		racing,
		availability.Options{Location: helsinki},
	)

	// WHEN
	_, err := engine.Reserve(context.Background(), hourUnit(hall), availability.ReservationDraft{
		Begin: at(0, 15, 0),
		End:   at(0, 16, 0),
	}, morning)

	// THEN
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrConcurrencyConflict)
	assert.Equal(t, "overlapping reservations were created at the same time", err.Error())
	assert.True(t, generic.IsRetryable(err))
}

func TestReserve_ParallelRequestsBookOnce(t *testing.T) {
	f := newFixture(t)
	f.open(hall, ts(at(0, 15, 0), at(0, 19, 0)))
	f.open(part, ts(at(0, 15, 0), at(0, 19, 0)))

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		unit := hall
		if i%2 == 1 {
			unit = part
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Reserve(context.Background(), hourUnit(unit), availability.ReservationDraft{
				Begin: at(0, 15, 0),
				End:   at(0, 16, 0),
			}, morning)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !generic.IsConflict(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded, "exactly one reservation may win the slot")
}
