/*
Package allocation places seasonal applications onto weekly time slots.

PURPOSE:
  During an application round applicants describe, per application section,
  when they could use a space (suitable time ranges) and which reservation
  units they would like, in order of preference. The allocator turns that
  into concrete weekly slots that never overlap on a shared space.

KEY CONCEPTS:
  - Section (AllocationRequest): one applicant need, e.g. "2 x 90 min per week"
  - SuitableTimeRange: a weekday + time window the applicant could use
  - ReservationUnitOption: a preferred unit, ordered by PreferredOrder
  - AllocatedTimeSlot: the output, a weekday + time window on one option
  - RejectionReason: why a section (or part of it) could not be placed

APPLICATION LIFECYCLE (owned by the surrounding application):

	DRAFT -> RECEIVED -> IN_ALLOCATION -> HANDLED -> RESULTS_SENT
	  |         |
	  +---------+--> EXPIRED / CANCELLED

  Only sections whose application is IN_ALLOCATION are allocated.

SEE ALSO:
  - allocator.go: the placement algorithm
  - service.go: round-level runs and persistence
  - generic/hierarchy.go: which units share space
*/
package allocation

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/varaamo/availability-engine/generic"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	ApplicationID string
	SectionID     string
	OptionID      string
	SlotID        string
)

// =============================================================================
// APPLICATION STATUS
// =============================================================================

type ApplicationStatus string

const (
	StatusDraft        ApplicationStatus = "DRAFT"
	StatusReceived     ApplicationStatus = "RECEIVED"
	StatusInAllocation ApplicationStatus = "IN_ALLOCATION"
	StatusHandled      ApplicationStatus = "HANDLED"
	StatusResultsSent  ApplicationStatus = "RESULTS_SENT"
	StatusExpired      ApplicationStatus = "EXPIRED"
	StatusCancelled    ApplicationStatus = "CANCELLED"
)

var transitions = map[ApplicationStatus][]ApplicationStatus{
	StatusDraft:        {StatusReceived, StatusExpired, StatusCancelled},
	StatusReceived:     {StatusInAllocation, StatusExpired, StatusCancelled},
	StatusInAllocation: {StatusHandled},
	StatusHandled:      {StatusResultsSent},
}

// CanTransitionTo reports whether the lifecycle allows moving to next.
func (s ApplicationStatus) CanTransitionTo(next ApplicationStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s ApplicationStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// =============================================================================
// DAY OF WEEK
// =============================================================================

// DayOfWeek counts from Monday = 0, matching how rounds are presented.
type DayOfWeek int

const (
	Monday DayOfWeek = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var dayNames = [...]string{"MONDAY", "TUESDAY", "WEDNESDAY", "THURSDAY", "FRIDAY", "SATURDAY", "SUNDAY"}

func (d DayOfWeek) Valid() bool { return d >= Monday && d <= Sunday }

func (d DayOfWeek) String() string {
	if !d.Valid() {
		return fmt.Sprintf("DayOfWeek(%d)", int(d))
	}
	return dayNames[d]
}

func (d DayOfWeek) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DayOfWeek) UnmarshalText(b []byte) error {
	name := strings.ToUpper(string(b))
	for i, n := range dayNames {
		if n == name {
			*d = DayOfWeek(i)
			return nil
		}
	}
	return fmt.Errorf("invalid day of week %q", string(b))
}

// DayOfWeekOf converts a time.Weekday.
func DayOfWeekOf(wd time.Weekday) DayOfWeek {
	return DayOfWeek((int(wd) + 6) % 7)
}

// =============================================================================
// REQUEST
// =============================================================================

type Priority string

const (
	PriorityPrimary   Priority = "PRIMARY"
	PrioritySecondary Priority = "SECONDARY"
)

// SuitableTimeRange is a weekly window the applicant could use. End may be
// generic.EndOfDay for ranges that run until midnight.
type SuitableTimeRange struct {
	DayOfWeek DayOfWeek
	Begin     generic.TimeOfDay
	End       generic.TimeOfDay
	Priority  Priority
}

func (r SuitableTimeRange) Duration() time.Duration { return (r.End - r.Begin).Duration() }

// ReservationUnitOption is one unit the applicant would accept.
type ReservationUnitOption struct {
	ID                OptionID
	ReservationUnitID generic.ResourceID
	PreferredOrder    int
	Locked            bool
	Rejected          bool
}

// Section is one application section: the unit of allocation.
type Section struct {
	ID            SectionID
	ApplicationID ApplicationID
	RoundID       generic.RoundID
	ApplicantID   string
	Status        ApplicationStatus
	SubmittedAt   time.Time

	SuitableTimeRanges []SuitableTimeRange
	Options            []ReservationUnitOption

	AppliedReservationsPerWeek int
	MinDuration                time.Duration
	MaxDuration                time.Duration
}

// AllocationRequest is the name the booking system uses for a section
// submitted to allocation.
type AllocationRequest = Section

// Option looks up an option of the section.
func (s Section) Option(id OptionID) (ReservationUnitOption, bool) {
	for _, o := range s.Options {
		if o.ID == id {
			return o, true
		}
	}
	return ReservationUnitOption{}, false
}

// =============================================================================
// RESULT
// =============================================================================

// AllocatedTimeSlot is a weekly slot given to a section on one option.
type AllocatedTimeSlot struct {
	ID                SlotID
	SectionID         SectionID
	OptionID          OptionID
	ReservationUnitID generic.ResourceID
	DayOfWeek         DayOfWeek
	Begin             generic.TimeOfDay
	End               generic.TimeOfDay
	RunID             string
}

func (s AllocatedTimeSlot) Duration() time.Duration { return (s.End - s.Begin).Duration() }

// RejectionReason explains why a slot could not be allocated.
type RejectionReason string

const (
	ReasonOptionLocked     RejectionReason = "OPTION_LOCKED"
	ReasonOptionRejected   RejectionReason = "OPTION_REJECTED"
	ReasonOverlapping      RejectionReason = "OVERLAPPING_ALLOCATIONS"
	ReasonDayNotSuitable   RejectionReason = "DAY_OF_WEEK_NOT_SUITABLE"
	ReasonDurationTooShort RejectionReason = "DURATION_TOO_SHORT"
	ReasonDurationTooLong  RejectionReason = "DURATION_TOO_LONG"
	ReasonPerWeekExceeded  RejectionReason = "APPLIED_RESERVATIONS_PER_WEEK_EXCEEDED"
)

// Rejection is a per-section allocation failure. It is reported, not raised,
// but implements error so manual allocation can return it directly.
type Rejection struct {
	SectionID SectionID
	Reason    RejectionReason
	Detail    string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("section %s: %s", r.SectionID, r.Reason)
	}
	return fmt.Sprintf("section %s: %s: %s", r.SectionID, r.Reason, r.Detail)
}

// RunResult is the outcome of allocating a whole round.
type RunResult struct {
	RunID     string
	RoundID   generic.RoundID
	Allocated []AllocatedTimeSlot
	Rejected  []Rejection

	// AllocatedHours is the weekly total of the slots allocated in this run.
	AllocatedHours decimal.Decimal

	StartedAt   time.Time
	CompletedAt time.Time
}
