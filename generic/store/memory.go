// Package store provides in-memory implementations of the engine's sources.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/varaamo/availability-engine/allocation"
	"github.com/varaamo/availability-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements every source interface plus the allocation store. All
// reads return copies; the write paths take the same mutex as the reads so a
// guard always sees every committed reservation.
type Memory struct {
	mu sync.RWMutex

	units        map[generic.ResourceID]generic.UnitConstraints
	spans        map[generic.ResourceID][]generic.ReservableTimeSpan
	fetched      map[generic.ResourceID]time.Time
	reservations map[generic.ReservationID]generic.Reservation
	rounds       map[generic.RoundID]generic.ApplicationRound
	sections     map[allocation.SectionID]allocation.Section
	slots        []allocation.AllocatedTimeSlot

	spaces     []generic.Space
	unitSpaces map[generic.ResourceID][]generic.SpaceID
	hierarchy  generic.SpaceHierarchy
}

func NewMemory() *Memory {
	return &Memory{
		units:        make(map[generic.ResourceID]generic.UnitConstraints),
		spans:        make(map[generic.ResourceID][]generic.ReservableTimeSpan),
		fetched:      make(map[generic.ResourceID]time.Time),
		reservations: make(map[generic.ReservationID]generic.Reservation),
		rounds:       make(map[generic.RoundID]generic.ApplicationRound),
		sections:     make(map[allocation.SectionID]allocation.Section),
		unitSpaces:   make(map[generic.ResourceID][]generic.SpaceID),
		hierarchy:    generic.NewSpaceHierarchy(nil),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

// PutUnit stores unit constraints.
func (m *Memory) PutUnit(u generic.UnitConstraints) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ResourceID] = u
}

// PutOpeningHours replaces the reservable spans of a resource and records the
// fetch time.
func (m *Memory) PutOpeningHours(resourceID generic.ResourceID, fetchedAt time.Time, spans ...generic.TimeSpan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]generic.ReservableTimeSpan, 0, len(spans))
	for _, s := range spans {
		rows = append(rows, generic.ReservableTimeSpan{ResourceID: resourceID, TimeSpan: s})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Start.Before(rows[j].Start) })
	m.spans[resourceID] = rows
	m.fetched[resourceID] = fetchedAt
}

// PutReservation stores a reservation without any overlap check.
func (m *Memory) PutReservation(r generic.Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[r.ID] = r
}

// PutRound stores an application round.
func (m *Memory) PutRound(r generic.ApplicationRound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds[r.ID] = r
}

// PutSection stores an application section.
func (m *Memory) PutSection(s allocation.Section) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sections[s.ID] = s
}

// PutSpaceTree stores the space tree used by the hierarchy refresher.
func (m *Memory) PutSpaceTree(spaces []generic.Space, unitSpaces map[generic.ResourceID][]generic.SpaceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces = append([]generic.Space(nil), spaces...)
	m.unitSpaces = make(map[generic.ResourceID][]generic.SpaceID, len(unitSpaces))
	for k, v := range unitSpaces {
		m.unitSpaces[k] = append([]generic.SpaceID(nil), v...)
	}
}

// =============================================================================
// READ SOURCES
// =============================================================================

func (m *Memory) UnitConstraints(_ context.Context, id generic.ResourceID) (generic.UnitConstraints, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return generic.UnitConstraints{}, generic.ErrResourceNotFound
	}
	return u, nil
}

func (m *Memory) ReservableTimeSpans(_ context.Context, id generic.ResourceID, within generic.TimeSpan) ([]generic.ReservableTimeSpan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.ReservableTimeSpan
	for _, s := range m.spans[id] {
		if s.Overlaps(within) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) LatestFetched(_ context.Context, id generic.ResourceID) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.fetched[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) Reservations(_ context.Context, units []generic.ResourceID, within generic.TimeSpan) ([]generic.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reservationsLocked(units, within), nil
}

func (m *Memory) reservationsLocked(units []generic.ResourceID, within generic.TimeSpan) []generic.Reservation {
	wanted := generic.ResourceSet(units...)
	var out []generic.Reservation
	for _, r := range m.reservations {
		if _, ok := wanted[r.ReservationUnitID]; !ok {
			continue
		}
		if r.Span().Pad(r.BufferBefore, r.BufferAfter).Overlaps(within) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Begin.Before(out[j].Begin) })
	return out
}

func (m *Memory) Blackouts(_ context.Context, id generic.ResourceID, within generic.TimeSpan) ([]generic.ApplicationRoundBlackout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.ApplicationRoundBlackout
	for _, round := range m.rounds {
		b, active := round.Blackout()
		if !active || !b.Affects(id) {
			continue
		}
		// dates are local; a day of slack on each side covers any offset
		loose := generic.DateRange{Start: b.BeginDate.AddDays(-1), End: b.EndDate.AddDays(1)}.Span(time.UTC)
		if loose.Overlaps(within) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundID < out[j].RoundID })
	return out, nil
}

func (m *Memory) SpaceHierarchy(_ context.Context) (generic.SpaceHierarchy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hierarchy, nil
}

// =============================================================================
// WRITES
// =============================================================================

// InsertReservation runs the guard and the insert under the write lock.
func (m *Memory) InsertReservation(_ context.Context, r generic.Reservation, guard generic.ReservationGuard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if guard.Check != nil && !guard.Check(m.reservationsLocked(guard.Units, guard.Window)) {
		return generic.ErrConcurrencyConflict
	}
	m.reservations[r.ID] = r
	return nil
}

func (m *Memory) SpaceTree(_ context.Context) ([]generic.Space, map[generic.ResourceID][]generic.SpaceID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	unitSpaces := make(map[generic.ResourceID][]generic.SpaceID, len(m.unitSpaces))
	for k, v := range m.unitSpaces {
		unitSpaces[k] = append([]generic.SpaceID(nil), v...)
	}
	for id := range m.units {
		if _, ok := unitSpaces[id]; !ok {
			unitSpaces[id] = nil
		}
	}
	return append([]generic.Space(nil), m.spaces...), unitSpaces, nil
}

func (m *Memory) ReplaceSpaceHierarchy(_ context.Context, h generic.SpaceHierarchy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hierarchy = h
	return nil
}

// =============================================================================
// ALLOCATION STORE
// =============================================================================

func (m *Memory) Round(_ context.Context, id generic.RoundID) (generic.ApplicationRound, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rounds[id]
	if !ok {
		return generic.ApplicationRound{}, generic.ErrRoundNotFound
	}
	return r, nil
}

func (m *Memory) Sections(_ context.Context, roundID generic.RoundID) ([]allocation.Section, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []allocation.Section
	for _, s := range m.sections {
		if s.RoundID == roundID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Section(_ context.Context, id allocation.SectionID) (allocation.Section, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sections[id]
	if !ok {
		return allocation.Section{}, generic.ErrSectionNotFound
	}
	return s, nil
}

func (m *Memory) AllocatedSlots(_ context.Context, roundID generic.RoundID) ([]allocation.AllocatedTimeSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []allocation.AllocatedTimeSlot
	for _, slot := range m.slots {
		if s, ok := m.sections[slot.SectionID]; ok && s.RoundID == roundID {
			out = append(out, slot)
		}
	}
	return out, nil
}

// SaveAllocations enforces one slot per section and weekday, all or nothing.
func (m *Memory) SaveAllocations(_ context.Context, _ generic.RoundID, slots []allocation.AllocatedTimeSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	type dayKey struct {
		section allocation.SectionID
		day     allocation.DayOfWeek
	}
	taken := make(map[dayKey]bool, len(m.slots)+len(slots))
	for _, s := range m.slots {
		taken[dayKey{s.SectionID, s.DayOfWeek}] = true
	}
	for _, s := range slots {
		k := dayKey{s.SectionID, s.DayOfWeek}
		if taken[k] {
			return generic.ErrConcurrencyConflict
		}
		taken[k] = true
	}
	m.slots = append(m.slots, slots...)
	return nil
}

// Reset clears every table.
func (m *Memory) Reset() {
	fresh := NewMemory()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units, m.spans, m.fetched = fresh.units, fresh.spans, fresh.fetched
	m.reservations, m.rounds, m.sections, m.slots = fresh.reservations, fresh.rounds, fresh.sections, nil
	m.spaces, m.unitSpaces, m.hierarchy = nil, fresh.unitSpaces, fresh.hierarchy
}
