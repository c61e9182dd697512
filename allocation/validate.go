package allocation

import (
	"errors"
	"fmt"

	"github.com/varaamo/availability-engine/generic"
)

// ErrOptionNotFound is returned when a manual allocation names an option the
// section does not have.
var ErrOptionNotFound = errors.New("reservation unit option not found in section")

// ManualSlot is a slot placed by a handler instead of the allocator. An End
// of midnight after a later Begin ends the day.
type ManualSlot struct {
	OptionID  OptionID
	DayOfWeek DayOfWeek
	Begin     generic.TimeOfDay
	End       generic.TimeOfDay
}

// Validate checks a hand-placed slot against the same rules the allocator
// follows and returns the first rule it breaks, or nil. Checks run in this
// order:
//
//  1. option locked / rejected
//  2. one slot per day for the section
//  3. weekly count already reached
//  4. slot inside a suitable range of that weekday
//  5. duration within [MinDuration, MaxDuration]
//  6. no overlap on the option's space hierarchy
func (a *Allocator) Validate(section Section, slot ManualSlot, existing []AllocatedTimeSlot) (*Rejection, error) {
	opt, ok := section.Option(slot.OptionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOptionNotFound, slot.OptionID)
	}
	slot.End = slot.End.EndAfter(slot.Begin)
	if !slot.DayOfWeek.Valid() || !slot.Begin.Valid() || !slot.End.Valid() || slot.Begin >= slot.End {
		return nil, fmt.Errorf("%w: slot %s %s-%s", generic.ErrInvalidSpan, slot.DayOfWeek, slot.Begin, slot.End)
	}

	reject := func(reason RejectionReason, detail string) (*Rejection, error) {
		return &Rejection{SectionID: section.ID, Reason: reason, Detail: detail}, nil
	}

	if opt.Locked {
		return reject(ReasonOptionLocked, string(opt.ID))
	}
	if opt.Rejected {
		return reject(ReasonOptionRejected, string(opt.ID))
	}

	count := 0
	for _, s := range existing {
		if s.SectionID != section.ID {
			continue
		}
		count++
		if s.DayOfWeek == slot.DayOfWeek {
			return reject(ReasonDayNotSuitable, "section already has a slot on "+slot.DayOfWeek.String())
		}
	}
	if count >= section.AppliedReservationsPerWeek {
		return reject(ReasonPerWeekExceeded, fmt.Sprintf("%d slots already allocated", count))
	}

	candidate := weekSpan(slot.DayOfWeek, slot.Begin, slot.End)
	inside := false
	for _, r := range section.SuitableTimeRanges {
		if r.DayOfWeek == slot.DayOfWeek && weekSpan(r.DayOfWeek, r.Begin, r.End).Covers(candidate) {
			inside = true
			break
		}
	}
	if !inside {
		return reject(ReasonDayNotSuitable, "slot is not inside a suitable time range")
	}

	duration := candidate.Duration()
	if section.MinDuration > 0 && duration < section.MinDuration {
		return reject(ReasonDurationTooShort, duration.String())
	}
	if section.MaxDuration > 0 && duration > section.MaxDuration {
		return reject(ReasonDurationTooLong, duration.String())
	}

	if a.HasOverlappingAllocations(opt.ReservationUnitID, slot.DayOfWeek, slot.Begin, slot.End, existing) {
		return reject(ReasonOverlapping, string(opt.ReservationUnitID))
	}
	return nil, nil
}
