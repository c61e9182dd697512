package availability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/varaamo/availability-engine/calendar"
	"github.com/varaamo/availability-engine/generic"
)

// ErrNoReservationStore is returned by Reserve on an engine built without one.
var ErrNoReservationStore = errors.New("engine has no reservation store")

// ReservationDraft is a reservation about to be created.
type ReservationDraft struct {
	Begin time.Time
	End   time.Time
	Type  generic.ReservationType

	// Exclude is set when an existing reservation is being moved.
	Exclude generic.ReservationID
}

// =============================================================================
// BEGIN RULES
// =============================================================================

// CheckBegin enforces when a reservation may start relative to now.
//
// Customers cannot begin in the past. Staff-made reservations may begin at
// any time today; during the first hour of the local day they may also begin
// yesterday, so that late evening events can still be recorded after midnight.
func CheckBegin(begin time.Time, t generic.ReservationType, now time.Time, loc *time.Location) error {
	if !t.CreatedByStaff() {
		if begin.Before(now) {
			return errors.New("reservation begin is in the past")
		}
		return nil
	}

	earliest := generic.LocalMidnight(now, loc)
	if now.Sub(earliest) < time.Hour {
		earliest = generic.Today(now, loc).AddDays(-1).Midnight(loc)
	}
	if begin.Before(earliest) {
		return errors.New("staff reservation begin is too far in the past")
	}
	return nil
}

// checkConstraints validates a customer reservation against unit rules.
func checkConstraints(span generic.TimeSpan, unit generic.UnitConstraints, now time.Time, loc *time.Location) string {
	d := span.Duration()
	if unit.MinDuration > 0 && d < unit.MinDuration {
		return "duration is below the unit minimum"
	}
	if unit.MaxDuration > 0 && d > unit.MaxDuration {
		return "duration exceeds the unit maximum"
	}
	if !generic.CeilToInterval(span.Start, unit.Interval(), loc).Equal(span.Start) {
		return "begin does not match the unit start interval"
	}
	if !unit.ValidityWindow().Covers(span) {
		return "outside the unit's reservation period"
	}
	today := generic.Today(now, loc)
	begin := generic.DateOf(span.Start, loc)
	if unit.MinDaysBefore != nil && begin.Before(today.AddDays(*unit.MinDaysBefore)) {
		return "begins too soon"
	}
	if unit.MaxDaysBefore != nil && *unit.MaxDaysBefore > 0 && begin.After(today.AddDays(*unit.MaxDaysBefore)) {
		return "begins too far in the future"
	}
	return ""
}

// =============================================================================
// RESERVE
// =============================================================================

// Reserve creates a reservation on the unit. Customer reservations must fit
// the unit constraints and lie inside reservable opening hours; staff
// reservations skip those checks but never overlap. The overlap check runs
// twice: once on a snapshot (cheap rejection) and again inside the store's
// write transaction. Losing the race returns generic.ErrConcurrencyConflict.
func (e *Engine) Reserve(ctx context.Context, unit generic.UnitConstraints, draft ReservationDraft, now time.Time) (res generic.Reservation, err error) {
	ctx, span := e.tracer.Start(ctx, "availability.Reserve", trace.WithAttributes(
		attribute.String("unit.id", string(unit.ResourceID)),
		attribute.String("reservation.type", string(draft.Type)),
	))
	defer endSpan(span, &err)

	if e.store == nil {
		return generic.Reservation{}, ErrNoReservationStore
	}
	slot, err := generic.NewTimeSpan(draft.Begin, draft.End)
	if err != nil {
		return generic.Reservation{}, err
	}
	if draft.Type == "" {
		draft.Type = generic.ReservationNormal
	}
	if !draft.Type.Valid() {
		return generic.Reservation{}, &generic.ConstraintError{Field: "type", Message: "unknown reservation type " + string(draft.Type)}
	}

	loc := e.Location()
	reject := func(reason string) error {
		return &generic.BookingError{ResourceID: unit.ResourceID, Span: slot, Reason: reason}
	}

	if err := CheckBegin(slot.Start, draft.Type, now, loc); err != nil {
		return generic.Reservation{}, reject(err.Error())
	}

	window := slot.Pad(unit.BufferBefore, unit.BufferAfter)
	snap, err := e.Snapshot(ctx, unit.ResourceID, window, now)
	if err != nil {
		return generic.Reservation{}, err
	}

	if !draft.Type.CreatedByStaff() {
		if reason := checkConstraints(slot, unit, now, loc); reason != "" {
			return generic.Reservation{}, reject(reason)
		}
		cal := e.calendar.Compute(calendar.FromSnapshot(snap, unit.ValidityWindow()))
		if !coveredBy(cal.Spans, slot) {
			return generic.Reservation{}, reject("not inside reservable opening hours")
		}
	}

	index := e.indexFor(snap, unit)
	if !index.Knows(unit.ResourceID) {
		return generic.Reservation{}, reject("unit is missing from the space hierarchy")
	}
	if !index.IsAvailableFor(slot, unit, draft.Exclude) {
		return generic.Reservation{}, reject("overlaps an existing reservation")
	}

	res = generic.Reservation{
		ID:                generic.ReservationID(uuid.NewString()),
		ReservationUnitID: unit.ResourceID,
		Begin:             slot.Start,
		End:               slot.End,
		BufferBefore:      unit.BufferBefore,
		BufferAfter:       unit.BufferAfter,
		Type:              draft.Type,
		State:             generic.StateCreated,
		BlockWholeDay:     unit.BlockWholeDay,
	}
	if draft.Type.CreatedByStaff() {
		res.State = generic.StateConfirmed
	}

	guard := generic.ReservationGuard{
		Units:  relatedUnits(snap.Hierarchy, unit.ResourceID),
		Window: window.Pad(reservationMargin, reservationMargin),
		Check: func(current []generic.Reservation) bool {
			fresh := NewOverlapIndex(BuildBlockingTimeSpans(current, snap.Hierarchy, loc), snap.Hierarchy, loc)
			return fresh.IsAvailableFor(slot, unit, draft.Exclude)
		},
	}
	if err := e.store.InsertReservation(ctx, res, guard); err != nil {
		if errors.Is(err, generic.ErrConcurrencyConflict) {
			e.logger.Warn("reservation lost a concurrent booking race",
				zap.String("resource_id", string(unit.ResourceID)),
				zap.Time("begin", slot.Start),
			)
		}
		return generic.Reservation{}, err
	}

	e.logger.Info("reservation created",
		zap.String("reservation_id", string(res.ID)),
		zap.String("resource_id", string(unit.ResourceID)),
		zap.Time("begin", res.Begin),
		zap.Time("end", res.End),
	)
	return res, nil
}

func coveredBy(spans []generic.TimeSpan, slot generic.TimeSpan) bool {
	for _, s := range spans {
		if s.Covers(slot) {
			return true
		}
	}
	return false
}

func relatedUnits(h generic.SpaceHierarchy, unitID generic.ResourceID) []generic.ResourceID {
	if h.Known(unitID) {
		return h.RelatedIDs(unitID)
	}
	return []generic.ResourceID{unitID}
}
