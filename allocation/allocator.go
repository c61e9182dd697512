package allocation

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/varaamo/availability-engine/generic"
)

// =============================================================================
// WEEKLY SPANS - Reuse the TimeSpan primitives for weekday/time-of-day slots
// =============================================================================

// referenceMonday anchors weekly slots onto real instants so that Merge and
// Subtract can be used on them. Any Monday in a zone without DST works.
var referenceMonday = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func weekSpan(day DayOfWeek, begin, end generic.TimeOfDay) generic.TimeSpan {
	midnight := referenceMonday.AddDate(0, 0, int(day))
	return generic.TimeSpan{Start: midnight.Add(begin.Duration()), End: midnight.Add(end.Duration())}
}

func timeOfDayIn(day DayOfWeek, t time.Time) generic.TimeOfDay {
	midnight := referenceMonday.AddDate(0, 0, int(day))
	return generic.TimeOfDay(t.Sub(midnight) / time.Minute)
}

// =============================================================================
// ALLOCATOR
// =============================================================================

// Allocator places sections onto weekly slots. It is pure: existing
// allocations are passed in and new ones returned.
//
// Search order for one slot, like a priority-ordered distribution:
//
//	options by PreferredOrder (lower first, locked/rejected skipped)
//	  suitable ranges by weekday, then begin time
//	    free parts of the range on the option's space hierarchy
//
// The first free part of at least MinDuration wins and is clipped to
// MaxDuration.
type Allocator struct {
	Hierarchy generic.SpaceHierarchy
	Logger    *zap.Logger
}

// NewAllocator returns an allocator over the given hierarchy.
func NewAllocator(h generic.SpaceHierarchy, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{Hierarchy: h, Logger: logger}
}

// reasonRank orders rejection reasons by how far the search got, so that the
// reported reason is the most specific one seen.
var reasonRank = map[RejectionReason]int{
	ReasonOptionLocked:     1,
	ReasonOptionRejected:   2,
	ReasonDayNotSuitable:   3,
	ReasonDurationTooShort: 4,
	ReasonOverlapping:      5,
}

func furthest(current, next RejectionReason) RejectionReason {
	if reasonRank[next] > reasonRank[current] {
		return next
	}
	return current
}

// Allocate places up to the section's remaining weekly slots. existing holds
// every allocation of the round so far, including earlier ones of this section.
// The returned rejection is non-nil when fewer slots than requested were placed.
func (a *Allocator) Allocate(section Section, existing []AllocatedTimeSlot) ([]AllocatedTimeSlot, *Rejection) {
	if section.MinDuration > 0 && section.MaxDuration > 0 && section.MinDuration > section.MaxDuration {
		return nil, &Rejection{SectionID: section.ID, Reason: ReasonDurationTooLong,
			Detail: "minimum duration exceeds maximum duration"}
	}

	daysUsed := make(map[DayOfWeek]bool)
	already := 0
	for _, slot := range existing {
		if slot.SectionID == section.ID {
			already++
			daysUsed[slot.DayOfWeek] = true
		}
	}
	remaining := section.AppliedReservationsPerWeek - already
	if remaining <= 0 {
		return nil, &Rejection{SectionID: section.ID, Reason: ReasonPerWeekExceeded,
			Detail: fmt.Sprintf("%d of %d weekly slots already allocated", already, section.AppliedReservationsPerWeek)}
	}

	options := orderedOptions(section.Options)
	ranges := orderedRanges(section.SuitableTimeRanges)
	pool := append([]AllocatedTimeSlot(nil), existing...)

	var placed []AllocatedTimeSlot
	for n := 0; n < remaining; n++ {
		slot, reason := a.placeOne(section, options, ranges, daysUsed, pool)
		if slot == nil {
			a.Logger.Debug("section not fully allocated",
				zap.String("section_id", string(section.ID)),
				zap.Int("placed", len(placed)),
				zap.Int("requested", remaining),
				zap.String("reason", string(reason)),
			)
			return placed, &Rejection{SectionID: section.ID, Reason: reason,
				Detail: fmt.Sprintf("allocated %d of %d weekly slots", len(placed), remaining)}
		}
		placed = append(placed, *slot)
		pool = append(pool, *slot)
		daysUsed[slot.DayOfWeek] = true
	}
	return placed, nil
}

func (a *Allocator) placeOne(section Section, options []ReservationUnitOption, ranges []SuitableTimeRange, daysUsed map[DayOfWeek]bool, pool []AllocatedTimeSlot) (*AllocatedTimeSlot, RejectionReason) {
	if len(options) == 0 {
		return nil, ReasonOptionRejected
	}
	best := RejectionReason("")

	for _, opt := range options {
		if opt.Locked {
			best = furthest(best, ReasonOptionLocked)
			continue
		}
		if opt.Rejected {
			best = furthest(best, ReasonOptionRejected)
			continue
		}
		related, known := a.Hierarchy.Related(opt.ReservationUnitID)
		if !known {
			// Unknown hierarchy: a conflict cannot be ruled out.
			best = furthest(best, ReasonOverlapping)
			continue
		}

		for _, r := range ranges {
			if daysUsed[r.DayOfWeek] {
				best = furthest(best, ReasonDayNotSuitable)
				continue
			}
			if r.Duration() < section.MinDuration || r.Duration() <= 0 {
				best = furthest(best, ReasonDurationTooShort)
				continue
			}

			free := generic.Subtract(
				[]generic.TimeSpan{weekSpan(r.DayOfWeek, r.Begin, r.End)},
				busyOn(pool, related, r.DayOfWeek),
			)
			for _, f := range free {
				if f.Duration() < section.MinDuration {
					continue
				}
				if section.MaxDuration > 0 && f.Duration() > section.MaxDuration {
					f.End = f.Start.Add(section.MaxDuration)
				}
				return &AllocatedTimeSlot{
					SectionID:         section.ID,
					OptionID:          opt.ID,
					ReservationUnitID: opt.ReservationUnitID,
					DayOfWeek:         r.DayOfWeek,
					Begin:             timeOfDayIn(r.DayOfWeek, f.Start),
					End:               timeOfDayIn(r.DayOfWeek, f.End),
				}, ""
			}
			best = furthest(best, ReasonOverlapping)
		}
	}

	if best == "" {
		// no suitable ranges at all
		return nil, ReasonDayNotSuitable
	}
	return nil, best
}

// busyOn returns the merged allocations on any unit of related on day.
func busyOn(pool []AllocatedTimeSlot, related map[generic.ResourceID]struct{}, day DayOfWeek) []generic.TimeSpan {
	var busy []generic.TimeSpan
	for _, slot := range pool {
		if slot.DayOfWeek != day {
			continue
		}
		if _, ok := related[slot.ReservationUnitID]; ok {
			busy = append(busy, weekSpan(slot.DayOfWeek, slot.Begin, slot.End))
		}
	}
	return generic.Merge(busy)
}

// HasOverlappingAllocations reports whether a slot on unit would intersect an
// existing allocation anywhere in the unit's space hierarchy on the same
// weekday. Unknown units always report an overlap.
func (a *Allocator) HasOverlappingAllocations(unit generic.ResourceID, day DayOfWeek, begin, end generic.TimeOfDay, existing []AllocatedTimeSlot) bool {
	related, known := a.Hierarchy.Related(unit)
	if !known {
		return true
	}
	candidate := weekSpan(day, begin, end)
	for _, busy := range busyOn(existing, related, day) {
		if busy.Overlaps(candidate) {
			return true
		}
	}
	return false
}

// =============================================================================
// ORDERING
// =============================================================================

func orderedOptions(options []ReservationUnitOption) []ReservationUnitOption {
	out := append([]ReservationUnitOption(nil), options...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PreferredOrder < out[j].PreferredOrder
	})
	return out
}

func orderedRanges(ranges []SuitableTimeRange) []SuitableTimeRange {
	out := append([]SuitableTimeRange(nil), ranges...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].Begin < out[j].Begin
	})
	return out
}
