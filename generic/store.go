/*
store.go - Data source interfaces consumed by the engine

PURPOSE:
  Defines the interface between the engine and the systems that own the data.
  The engine never resolves data through globals; every computation receives
  its sources through a constructor, fetches a Snapshot, and works on that.

KEY INTERFACES:
  CalendarSource:    Opening hours (reservable time spans) per resource
  ReservationSource: Existing reservations of a set of units
  BlackoutSource:    Application-round blackouts affecting a resource
  HierarchySource:   Space hierarchy closure table
  UnitSource:        Per-unit booking constraints
  ReservationStore:  Reservation insert guarded by a re-check at commit time
  SpaceStore:        Space tree input + closure table output for the refresher

READ-ONLY CONTRACT:
  Sources are read-only from the engine's point of view. The only write is
  ReservationStore.InsertReservation, and it must run the guard inside the
  same transaction (or lock) as the insert:

    1. load current reservations of guard.Units overlapping guard.Window
    2. call guard.Check(current)
    3. false -> return ErrConcurrencyConflict, nothing written
    4. true  -> insert, commit

  Two callers that both saw "available" before committing can therefore never
  both succeed.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (BEGIN IMMEDIATE write transactions)
  - generic/store/memory.go: In-memory for tests and demos

SEE ALSO:
  - snapshot.go: what the engine fetches from these sources
  - availability/engine.go: fetches snapshots, runs the commit guard
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// READ SOURCES
// =============================================================================

// CalendarSource provides opening hours.
type CalendarSource interface {
	// ReservableTimeSpans returns spans of the resource intersecting within,
	// unclipped, ordered by start.
	ReservableTimeSpans(ctx context.Context, resourceID ResourceID, within TimeSpan) ([]ReservableTimeSpan, error)

	// LatestFetched returns when opening hours were last fetched for the
	// resource, or nil if they never were.
	LatestFetched(ctx context.Context, resourceID ResourceID) (*time.Time, error)
}

// ReservationSource provides existing reservations.
type ReservationSource interface {
	// Reservations returns reservations of any of the units whose buffered
	// span may intersect within. Non-blocking states may be included; the
	// engine filters them.
	Reservations(ctx context.Context, units []ResourceID, within TimeSpan) ([]Reservation, error)
}

// BlackoutSource provides application-round blackouts.
type BlackoutSource interface {
	// Blackouts returns active blackouts affecting the resource and
	// intersecting within.
	Blackouts(ctx context.Context, resourceID ResourceID, within TimeSpan) ([]ApplicationRoundBlackout, error)
}

// HierarchySource provides the precomputed space hierarchy.
type HierarchySource interface {
	SpaceHierarchy(ctx context.Context) (SpaceHierarchy, error)
}

// UnitSource provides per-unit constraints.
type UnitSource interface {
	// UnitConstraints returns ErrResourceNotFound for unknown units.
	UnitConstraints(ctx context.Context, resourceID ResourceID) (UnitConstraints, error)
}

// Sources bundles every read capability the availability engine needs.
// Blackouts and Units are optional.
type Sources struct {
	Calendar     CalendarSource
	Reservations ReservationSource
	Blackouts    BlackoutSource
	Hierarchy    HierarchySource
	Units        UnitSource
}

// =============================================================================
// WRITES
// =============================================================================

// ReservationGuard is re-evaluated by the store at commit time.
type ReservationGuard struct {
	Units  []ResourceID
	Window TimeSpan
	Check  func(current []Reservation) bool
}

// ReservationStore inserts reservations with a commit-time re-check.
type ReservationStore interface {
	ReservationSource

	// InsertReservation persists r if guard.Check accepts the reservations
	// visible inside the write transaction. Returns ErrConcurrencyConflict
	// when it does not.
	InsertReservation(ctx context.Context, r Reservation, guard ReservationGuard) error
}

// SpaceStore is used by the hierarchy refresher.
type SpaceStore interface {
	HierarchySource

	// SpaceTree returns every space and the spaces each unit occupies. Known
	// units without a placement are present with no spaces.
	SpaceTree(ctx context.Context) ([]Space, map[ResourceID][]SpaceID, error)

	// ReplaceSpaceHierarchy atomically swaps the closure table.
	ReplaceSpaceHierarchy(ctx context.Context, h SpaceHierarchy) error
}
