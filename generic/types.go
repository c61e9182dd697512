/*
Package generic provides the core model of the availability engine.

PURPOSE:
  This package contains the data types and interval primitives shared by the
  calendar, availability and allocation packages. Nothing in here knows how
  data is fetched or stored; sources are described as interfaces in store.go
  and implemented in generic/store (memory) and store/sqlite.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: ResourceID, ReservationID, RoundID, SectionID, ...
  - Reservation: an existing booking row as the surrounding application sees it
  - ReservationType / ReservationState: what kind of booking, and whether it blocks
  - UnitConstraints: per reservation unit booking rules
  - ReservableTimeSpan: opening hours of a resource
  - BlockingTimeSpan: footprint of a reservation on every related unit

DESIGN PRINCIPLES:
  1. Immutability: spans and reservations are values, never mutated in place
  2. Explicit inputs: "now", location and data snapshots are always passed in
  3. Type Safety: distinct ID types keep units, rounds and sections apart

SEE ALSO:
  - timespan.go: TimeSpan and interval arithmetic
  - time.go: local day and time-of-day helpers
  - hierarchy.go: space hierarchy closure table
*/
package generic

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ResourceID identifies a reservation unit (room, hall, equipment).
type ResourceID string

// ReservationID identifies an existing reservation.
type ReservationID string

// RoundID identifies a seasonal application round.
type RoundID string

// SpaceID identifies a physical space in the space tree.
type SpaceID string

// =============================================================================
// RESERVATIONS
// =============================================================================

// ReservationType is the kind of booking stored by the surrounding application.
type ReservationType string

const (
	ReservationNormal   ReservationType = "NORMAL"
	ReservationBehalf   ReservationType = "BEHALF"
	ReservationStaff    ReservationType = "STAFF"
	ReservationBlocked  ReservationType = "BLOCKED"
	ReservationSeasonal ReservationType = "SEASONAL"
)

// Valid reports whether the type is one of the known reservation types.
func (t ReservationType) Valid() bool {
	switch t {
	case ReservationNormal, ReservationBehalf, ReservationStaff, ReservationBlocked, ReservationSeasonal:
		return true
	}
	return false
}

// CreatedByStaff reports whether reservations of this type are made by staff users.
func (t ReservationType) CreatedByStaff() bool {
	return t == ReservationStaff || t == ReservationBehalf || t == ReservationBlocked
}

// ReservationState is the lifecycle state of a reservation.
type ReservationState string

const (
	StateCreated           ReservationState = "CREATED"
	StateConfirmed         ReservationState = "CONFIRMED"
	StateRequiresHandling  ReservationState = "REQUIRES_HANDLING"
	StateWaitingForPayment ReservationState = "WAITING_FOR_PAYMENT"
	StateDenied            ReservationState = "DENIED"
	StateCancelled         ReservationState = "CANCELLED"
)

// Blocks reports whether a reservation in this state occupies its time.
func (s ReservationState) Blocks() bool {
	switch s {
	case StateCreated, StateConfirmed, StateRequiresHandling, StateWaitingForPayment:
		return true
	}
	return false
}

// Reservation is an existing booking of a reservation unit.
type Reservation struct {
	ID                ReservationID
	ReservationUnitID ResourceID
	Begin             time.Time
	End               time.Time
	BufferBefore      time.Duration
	BufferAfter       time.Duration
	Type              ReservationType
	State             ReservationState

	// BlockWholeDay is copied from the unit when the reservation is read, so
	// that the footprint can be computed without loading unit constraints.
	BlockWholeDay bool
}

// Span returns the reserved interval without buffers.
func (r Reservation) Span() TimeSpan {
	return TimeSpan{Start: r.Begin, End: r.End}
}

// =============================================================================
// OPENING HOURS AND BLOCKING SPANS
// =============================================================================

// ReservableTimeSpan is one stretch of opening hours for a resource, as
// delivered by the opening-hours provider. It may span midnight or several days.
type ReservableTimeSpan struct {
	ResourceID ResourceID
	TimeSpan
}

// BlockingTimeSpan is the footprint of a reservation, broadcast to every unit
// that shares physical space with the reserved unit.
type BlockingTimeSpan struct {
	TimeSpan
	ReservationID ReservationID
	BufferBefore  time.Duration
	BufferAfter   time.Duration

	// IsBlocking spans occupy exactly their own time; their buffers are ignored.
	IsBlocking bool

	AffectedResourceIDs map[ResourceID]struct{}
}

// Affects reports whether the span must be considered when booking unit.
func (b BlockingTimeSpan) Affects(unit ResourceID) bool {
	_, ok := b.AffectedResourceIDs[unit]
	return ok
}

// Footprint returns the span expanded by its own buffers, or the raw span for
// blocking reservations.
func (b BlockingTimeSpan) Footprint() TimeSpan {
	if b.IsBlocking {
		return b.TimeSpan
	}
	return b.TimeSpan.Pad(b.BufferBefore, b.BufferAfter)
}

// =============================================================================
// UNIT CONSTRAINTS
// =============================================================================

// UnitConstraints is the booking configuration of a single reservation unit.
// Zero durations and nil pointers mean "not set".
type UnitConstraints struct {
	ResourceID ResourceID

	StartInterval time.Duration
	MinDuration   time.Duration
	MaxDuration   time.Duration

	MinDaysBefore *int
	MaxDaysBefore *int

	// ReservationBegins/Ends bound the instants at which the unit can be reserved.
	ReservationBegins *time.Time
	ReservationEnds   *time.Time

	BufferBefore  time.Duration
	BufferAfter   time.Duration
	BlockWholeDay bool
}

// DefaultStartInterval is used when a unit has no start interval configured.
const DefaultStartInterval = 15 * time.Minute

// Interval returns the start interval, falling back to DefaultStartInterval.
func (u UnitConstraints) Interval() time.Duration {
	if u.StartInterval <= 0 {
		return DefaultStartInterval
	}
	return u.StartInterval
}

// ValidityWindow returns the reservation begins/ends window. Missing ends are
// open, expressed with Forever bounds.
func (u UnitConstraints) ValidityWindow() TimeSpan {
	w := Forever()
	if u.ReservationBegins != nil {
		w.Start = *u.ReservationBegins
	}
	if u.ReservationEnds != nil {
		w.End = *u.ReservationEnds
	}
	return w
}

// Validate checks the invariants of the constraints themselves.
func (u UnitConstraints) Validate() error {
	if u.StartInterval < 0 || u.MinDuration < 0 || u.MaxDuration < 0 {
		return &ConstraintError{Field: "duration", Message: "durations must not be negative"}
	}
	if u.MinDuration > 0 && u.MaxDuration > 0 && u.MinDuration > u.MaxDuration {
		return &ConstraintError{Field: "min_duration", Message: "min_duration must not exceed max_duration"}
	}
	if u.MinDaysBefore != nil && u.MaxDaysBefore != nil && *u.MinDaysBefore > *u.MaxDaysBefore {
		return &ConstraintError{Field: "min_days_before", Message: "min_days_before must not exceed max_days_before"}
	}
	if u.ReservationBegins != nil && u.ReservationEnds != nil && !u.ReservationBegins.Before(*u.ReservationEnds) {
		return &ConstraintError{Field: "reservation_begins", Message: "reservation_begins must be before reservation_ends"}
	}
	return nil
}

// =============================================================================
// BLACKOUTS
// =============================================================================

// RoundStatus is the lifecycle state of a seasonal application round.
type RoundStatus string

const (
	RoundUpcoming     RoundStatus = "UPCOMING"
	RoundOpen         RoundStatus = "OPEN"
	RoundInAllocation RoundStatus = "IN_ALLOCATION"
	RoundHandled      RoundStatus = "HANDLED"
	RoundResultsSent  RoundStatus = "RESULTS_SENT"
)

// BlocksDirectBooking reports whether units of a round in this status are
// closed for direct booking during the round's reservation period.
func (s RoundStatus) BlocksDirectBooking() bool {
	return s == RoundOpen || s == RoundInAllocation || s == RoundHandled
}

// ApplicationRound is a seasonal application round. Its units cannot be
// booked directly during ReservationPeriod while the status blocks it.
type ApplicationRound struct {
	ID                RoundID
	Name              string
	Status            RoundStatus
	ReservationPeriod DateRange
	ResourceIDs       []ResourceID
}

// Blackout returns the blackout the round currently imposes, if any.
func (r ApplicationRound) Blackout() (ApplicationRoundBlackout, bool) {
	if !r.Status.BlocksDirectBooking() {
		return ApplicationRoundBlackout{}, false
	}
	return ApplicationRoundBlackout{
		RoundID:             r.ID,
		BeginDate:           r.ReservationPeriod.Start,
		EndDate:             r.ReservationPeriod.End,
		AffectedResourceIDs: ResourceSet(r.ResourceIDs...),
	}, true
}

// ApplicationRoundBlackout disables direct booking of the affected resources
// between BeginDate and EndDate, both inclusive local dates.
type ApplicationRoundBlackout struct {
	RoundID             RoundID
	BeginDate           Date
	EndDate             Date
	AffectedResourceIDs map[ResourceID]struct{}
}

// Affects reports whether the blackout closes the given resource.
func (b ApplicationRoundBlackout) Affects(id ResourceID) bool {
	_, ok := b.AffectedResourceIDs[id]
	return ok
}

// Span returns the blackout as a half-open span from local midnight of
// BeginDate to local midnight after EndDate.
func (b ApplicationRoundBlackout) Span(loc *time.Location) TimeSpan {
	return DateRange{Start: b.BeginDate, End: b.EndDate}.Span(loc)
}

// ResourceSet builds a set from a list of ids.
func ResourceSet(ids ...ResourceID) map[ResourceID]struct{} {
	set := make(map[ResourceID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
