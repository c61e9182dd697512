package availability

import (
	"sort"
	"time"

	"github.com/varaamo/availability-engine/generic"
)

// =============================================================================
// OVERLAP INDEX
// =============================================================================

// OverlapIndex answers "is this slot free?" for the blocking spans of one
// snapshot. It never performs I/O; its answer is advisory until the
// reservation is committed through a ReservationStore guard.
type OverlapIndex struct {
	spans     []generic.BlockingTimeSpan
	hierarchy generic.SpaceHierarchy
	location  *time.Location
	wholeDay  map[generic.ResourceID]bool
}

// IndexOption configures an OverlapIndex.
type IndexOption func(*OverlapIndex)

// WithWholeDayUnits marks units whose bookings block the whole day.
func WithWholeDayUnits(ids ...generic.ResourceID) IndexOption {
	return func(ix *OverlapIndex) {
		for _, id := range ids {
			ix.wholeDay[id] = true
		}
	}
}

// NewOverlapIndex indexes blocking spans by footprint start.
func NewOverlapIndex(spans []generic.BlockingTimeSpan, h generic.SpaceHierarchy, loc *time.Location, opts ...IndexOption) *OverlapIndex {
	if loc == nil {
		loc = time.UTC
	}
	sorted := append([]generic.BlockingTimeSpan(nil), spans...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Footprint().Start.Before(sorted[j].Footprint().Start)
	})
	ix := &OverlapIndex{
		spans:     sorted,
		hierarchy: h,
		location:  loc,
		wholeDay:  make(map[generic.ResourceID]bool),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// IsAvailable reports whether candidate, padded by the given buffers, is free
// on unitID. exclude names a reservation to ignore (the one being modified).
// Units not in the space hierarchy are never available.
func (ix *OverlapIndex) IsAvailable(candidate generic.TimeSpan, unitID generic.ResourceID, bufferBefore, bufferAfter time.Duration, exclude generic.ReservationID) bool {
	_, conflict := ix.Conflict(candidate, unitID, bufferBefore, bufferAfter, exclude)
	return !conflict
}

// IsAvailableFor is IsAvailable with the unit's own buffers and whole-day rule.
func (ix *OverlapIndex) IsAvailableFor(candidate generic.TimeSpan, unit generic.UnitConstraints, exclude generic.ReservationID) bool {
	_, conflict := ix.ConflictFor(candidate, unit, exclude)
	return !conflict
}

// ConflictFor is Conflict with the unit's own buffers and whole-day rule.
func (ix *OverlapIndex) ConflictFor(candidate generic.TimeSpan, unit generic.UnitConstraints, exclude generic.ReservationID) (generic.BlockingTimeSpan, bool) {
	wholeDay := unit.BlockWholeDay || ix.wholeDay[unit.ResourceID]
	return ix.conflict(candidate, unit.ResourceID, unit.BufferBefore, unit.BufferAfter, wholeDay, exclude)
}

// Conflict returns the first blocking span colliding with the padded
// candidate. For units that block the whole day the caller's buffers are
// replaced by buffers reaching the surrounding local midnights. An unknown
// hierarchy is reported as a conflict with the zero span.
func (ix *OverlapIndex) Conflict(candidate generic.TimeSpan, unitID generic.ResourceID, bufferBefore, bufferAfter time.Duration, exclude generic.ReservationID) (generic.BlockingTimeSpan, bool) {
	return ix.conflict(candidate, unitID, bufferBefore, bufferAfter, ix.wholeDay[unitID], exclude)
}

func (ix *OverlapIndex) conflict(candidate generic.TimeSpan, unitID generic.ResourceID, bufferBefore, bufferAfter time.Duration, wholeDay bool, exclude generic.ReservationID) (generic.BlockingTimeSpan, bool) {
	if !ix.hierarchy.Known(unitID) {
		return generic.BlockingTimeSpan{}, true
	}
	if wholeDay {
		bufferBefore, bufferAfter = WholeDayBuffers(candidate, ix.location)
	}
	padded := candidate.Pad(bufferBefore, bufferAfter)

	for _, b := range ix.spans {
		footprint := b.Footprint()
		if !footprint.Start.Before(padded.End) {
			break // sorted by footprint start; nothing later can overlap
		}
		if exclude != "" && b.ReservationID == exclude {
			continue
		}
		if !b.Affects(unitID) {
			continue
		}
		if footprint.Overlaps(padded) {
			return b, true
		}
	}
	return generic.BlockingTimeSpan{}, false
}

// Knows reports whether the space hierarchy has an entry for the unit.
func (ix *OverlapIndex) Knows(unitID generic.ResourceID) bool { return ix.hierarchy.Known(unitID) }

// Len returns the number of indexed spans.
func (ix *OverlapIndex) Len() int { return len(ix.spans) }
