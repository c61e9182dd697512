/*
Package availability answers booking questions for reservation units.

PURPOSE:
  Given a unit's opening hours, existing reservations on every unit that
  shares space with it, application-round blackouts and the unit's own
  constraints, this package decides:

    - FirstReservable: the earliest instant the unit can be booked
    - IsAvailable:     whether one candidate slot is free
    - Reserve:         create a reservation, re-checked at commit time

FLOW (FirstReservable):
  1. Validate filters                 -> InvalidFilterError, no I/O
  2. Effective minimum duration       -> open/null if above max_duration
  3. Fetch Snapshot (bounded timeout) -> UpstreamUnavailableError
       hierarchy -> reservations of related units
       opening hours + latest fetch date
       blackouts
  4. Calendar: merge, validity window, minus blackouts
  5. Walk candidates at start_interval, check OverlapIndex
  6. Nothing found -> lookup from now on decides closed vs open/null

CONSISTENCY:
  Every answer is computed from one Snapshot and is advisory. Only Reserve
  writes, and it re-validates inside the store's write transaction; a lost
  race surfaces as generic.ErrConcurrencyConflict which callers must handle.

SEE ALSO:
  - search.go:   candidate walk
  - overlap.go:  OverlapIndex
  - blocking.go: reservation -> BlockingTimeSpan
  - reserve.go:  Reserve and the staff begin rule
*/
package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/varaamo/availability-engine/calendar"
	"github.com/varaamo/availability-engine/generic"
)

// reservationMargin widens reservation fetches so that reservations whose
// buffers reach into the window are included.
const reservationMargin = 48 * time.Hour

// Options configures an Engine.
type Options struct {
	Location      *time.Location
	FetchTimeout  time.Duration
	SearchHorizon time.Duration
	StaleAfter    time.Duration
	Logger        *zap.Logger
}

// Engine wires the data sources to the pure computations of this package.
type Engine struct {
	sources generic.Sources
	store   generic.ReservationStore

	calendar *calendar.Calendar
	search   *Search

	fetchTimeout time.Duration
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewEngine returns an engine over sources. store may be nil when Reserve is
// not used.
func NewEngine(sources generic.Sources, store generic.ReservationStore, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cal := calendar.New(opts.Location, opts.StaleAfter)
	return &Engine{
		sources:      sources,
		store:        store,
		calendar:     cal,
		search:       &Search{Calendar: cal, Horizon: opts.SearchHorizon},
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger,
		tracer:       otel.Tracer("github.com/varaamo/availability-engine/availability"),
	}
}

// Location returns the timezone the engine computes local days in.
func (e *Engine) Location() *time.Location { return e.calendar.Location }

// =============================================================================
// FIRST RESERVABLE
// =============================================================================

// FirstReservable finds the earliest bookable start of the unit.
func (e *Engine) FirstReservable(ctx context.Context, unit generic.UnitConstraints, filters ReservableFilters, now time.Time) (result FirstReservableResult, err error) {
	ctx, span := e.tracer.Start(ctx, "availability.FirstReservable", trace.WithAttributes(
		attribute.String("unit.id", string(unit.ResourceID)),
	))
	defer endSpan(span, &err)

	if err := unit.Validate(); err != nil {
		return FirstReservableResult{}, err
	}
	if err := filters.Validate(unit, now, e.Location()); err != nil {
		return FirstReservableResult{}, err
	}

	minDuration, ok := EffectiveMinimumDuration(unit, filters)
	if !ok {
		return FirstReservableResult{IsClosed: false}, nil
	}

	window := e.search.Window(unit, filters, now)
	if !window.Valid() {
		return e.openOrClosed(ctx, unit, now, false)
	}

	snap, err := e.Snapshot(ctx, unit.ResourceID, window, now)
	if err != nil {
		return FirstReservableResult{}, err
	}
	index := e.indexFor(snap, unit)

	at, stale, found := e.search.Run(snap, unit, filters, minDuration, index)
	if stale {
		e.logger.Warn("first reservable computed from stale opening hours",
			zap.String("resource_id", string(unit.ResourceID)),
			zap.Bool("never_fetched", snap.NeverFetched()),
		)
	}
	if found {
		span.SetAttributes(attribute.String("first_reservable_at", at.Format(time.RFC3339)))
		return FirstReservableResult{FirstReservableAt: &at, Stale: stale}, nil
	}
	return e.openOrClosed(ctx, unit, now, stale)
}

// openOrClosed decides between "closed" and "open, nothing found" by checking
// whether the unit has any reservable span from now on outside blackouts.
func (e *Engine) openOrClosed(ctx context.Context, unit generic.UnitConstraints, now time.Time, stale bool) (FirstReservableResult, error) {
	ctx, cancel := e.withFetchTimeout(ctx)
	defer cancel()

	forever := generic.TimeSpan{Start: now, End: generic.Forever().End}
	raw, err := e.sources.Calendar.ReservableTimeSpans(ctx, unit.ResourceID, forever)
	if err != nil {
		return FirstReservableResult{}, upstream("calendar", err)
	}
	var blackouts []generic.ApplicationRoundBlackout
	if e.sources.Blackouts != nil {
		blackouts, err = e.sources.Blackouts.Blackouts(ctx, unit.ResourceID, forever)
		if err != nil {
			return FirstReservableResult{}, upstream("blackouts", err)
		}
	}

	lifetime := e.calendar.Lifetime(unit.ResourceID, now, raw, blackouts)
	return FirstReservableResult{IsClosed: len(lifetime) == 0, Stale: stale}, nil
}

// UnitResult pairs a unit with its search result. Err is set instead of
// Result when the filters or constraints do not fit this unit.
type UnitResult struct {
	ResourceID generic.ResourceID
	Result     FirstReservableResult
	Err        error
}

// FirstReservableMany runs FirstReservable for several units in parallel and
// returns the results in the order of units. Filters that are invalid for
// every unit fail the whole call; a filter or constraint that only one unit
// rejects is reported on that unit's result. With filters.ShowOnlyReservable,
// units without a start time are dropped. Any other failure cancels the
// remaining searches and is returned.
func (e *Engine) FirstReservableMany(ctx context.Context, units []generic.UnitConstraints, filters ReservableFilters, now time.Time) ([]UnitResult, error) {
	if err := filters.ValidateShared(now, e.Location()); err != nil {
		return nil, err
	}

	results := make([]UnitResult, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, unit := range units {
		g.Go(func() error {
			res, err := e.FirstReservable(gctx, unit, filters, now)
			results[i] = UnitResult{ResourceID: unit.ResourceID, Result: res}
			if err == nil {
				return nil
			}
			if isUnitError(err) {
				results[i].Err = err
				return nil
			}
			return fmt.Errorf("unit %s: %w", unit.ResourceID, err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for _, r := range results {
		if filters.ShowOnlyReservable && (r.Err != nil || !r.Result.Reservable()) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// isUnitError reports errors caused by one unit's constraints rather than
// by the sources.
func isUnitError(err error) bool {
	return errors.Is(err, generic.ErrInvalidFilter) || errors.Is(err, generic.ErrInvalidConstraints)
}

// =============================================================================
// IS AVAILABLE
// =============================================================================

// IsAvailable reports whether candidate, padded by the buffers, collides with
// no reservation in the unit's space hierarchy. When the unit is known to
// the unit source and blocks whole days, the caller's buffers are replaced by
// buffers reaching the surrounding local midnights. The answer is advisory.
func (e *Engine) IsAvailable(ctx context.Context, candidate generic.TimeSpan, unitID generic.ResourceID, bufferBefore, bufferAfter time.Duration, exclude generic.ReservationID) (ok bool, err error) {
	ctx, span := e.tracer.Start(ctx, "availability.IsAvailable", trace.WithAttributes(
		attribute.String("unit.id", string(unitID)),
	))
	defer endSpan(span, &err)

	if !candidate.Valid() {
		return false, generic.ErrInvalidSpan
	}
	wholeDay, err := e.blocksWholeDay(ctx, unitID)
	if err != nil {
		return false, err
	}
	var opts []IndexOption
	if wholeDay {
		opts = append(opts, WithWholeDayUnits(unitID))
		bufferBefore, bufferAfter = WholeDayBuffers(candidate, e.Location())
	}
	index, err := e.reservationIndex(ctx, unitID, candidate.Pad(bufferBefore, bufferAfter), opts...)
	if err != nil {
		return false, err
	}
	return index.IsAvailable(candidate, unitID, bufferBefore, bufferAfter, exclude), nil
}

// IsAvailableFor checks candidate with the unit's own buffers and whole-day rule.
func (e *Engine) IsAvailableFor(ctx context.Context, candidate generic.TimeSpan, unit generic.UnitConstraints, exclude generic.ReservationID) (bool, error) {
	if !candidate.Valid() {
		return false, generic.ErrInvalidSpan
	}
	before, after := unit.BufferBefore, unit.BufferAfter
	if unit.BlockWholeDay {
		before, after = WholeDayBuffers(candidate, e.Location())
	}
	index, err := e.reservationIndex(ctx, unit.ResourceID, candidate.Pad(before, after))
	if err != nil {
		return false, err
	}
	return index.IsAvailableFor(candidate, unit, exclude), nil
}

// blocksWholeDay looks the unit up in the unit source. Units the source does
// not know are left to the hierarchy check.
func (e *Engine) blocksWholeDay(ctx context.Context, unitID generic.ResourceID) (bool, error) {
	if e.sources.Units == nil {
		return false, nil
	}
	ctx, cancel := e.withFetchTimeout(ctx)
	defer cancel()

	unit, err := e.sources.Units.UnitConstraints(ctx, unitID)
	if generic.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, upstream("units", err)
	}
	return unit.BlockWholeDay, nil
}

func (e *Engine) reservationIndex(ctx context.Context, unitID generic.ResourceID, window generic.TimeSpan, opts ...IndexOption) (*OverlapIndex, error) {
	ctx, cancel := e.withFetchTimeout(ctx)
	defer cancel()

	hierarchy, reservations, err := e.fetchReservations(ctx, unitID, window)
	if err != nil {
		return nil, err
	}
	return NewOverlapIndex(BuildBlockingTimeSpans(reservations, hierarchy, e.Location()), hierarchy, e.Location(), opts...), nil
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot fetches everything a computation over window needs, in parallel and
// bounded by the fetch timeout. Any failure aborts the whole fetch.
func (e *Engine) Snapshot(ctx context.Context, resourceID generic.ResourceID, window generic.TimeSpan, asOf time.Time) (generic.Snapshot, error) {
	ctx, cancel := e.withFetchTimeout(ctx)
	defer cancel()

	snap := generic.Snapshot{AsOf: asOf, ResourceID: resourceID, Window: window}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h, reservations, err := e.fetchReservations(gctx, resourceID, window)
		if err != nil {
			return err
		}
		snap.Hierarchy, snap.Reservations = h, reservations
		return nil
	})
	g.Go(func() error {
		fetched, err := e.sources.Calendar.LatestFetched(gctx, resourceID)
		if err != nil {
			return upstream("calendar", err)
		}
		spans, err := e.sources.Calendar.ReservableTimeSpans(gctx, resourceID, window)
		if err != nil {
			return upstream("calendar", err)
		}
		snap.LatestFetched, snap.Reservable = fetched, spans
		return nil
	})
	if e.sources.Blackouts != nil {
		g.Go(func() error {
			blackouts, err := e.sources.Blackouts.Blackouts(gctx, resourceID, window)
			if err != nil {
				return upstream("blackouts", err)
			}
			snap.Blackouts = blackouts
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.logger.Error("snapshot fetch failed",
			zap.String("resource_id", string(resourceID)),
			zap.Error(err),
		)
		return generic.Snapshot{}, err
	}
	return snap, nil
}

func (e *Engine) fetchReservations(ctx context.Context, unitID generic.ResourceID, window generic.TimeSpan) (generic.SpaceHierarchy, []generic.Reservation, error) {
	hierarchy, err := e.sources.Hierarchy.SpaceHierarchy(ctx)
	if err != nil {
		return generic.SpaceHierarchy{}, nil, upstream("hierarchy", err)
	}

	units := []generic.ResourceID{unitID}
	if hierarchy.Known(unitID) {
		units = hierarchy.RelatedIDs(unitID)
	} else {
		e.logger.Warn("unit missing from space hierarchy, treating as unavailable",
			zap.String("resource_id", string(unitID)),
		)
	}

	reservations, err := e.sources.Reservations.Reservations(ctx, units, window.Pad(reservationMargin, reservationMargin))
	if err != nil {
		return generic.SpaceHierarchy{}, nil, upstream("reservations", err)
	}
	return hierarchy, reservations, nil
}

func (e *Engine) indexFor(snap generic.Snapshot, unit generic.UnitConstraints) *OverlapIndex {
	var opts []IndexOption
	if unit.BlockWholeDay {
		opts = append(opts, WithWholeDayUnits(unit.ResourceID))
	}
	return NewOverlapIndex(BuildBlockingTimeSpans(snap.Reservations, snap.Hierarchy, e.Location()), snap.Hierarchy, e.Location(), opts...)
}

func (e *Engine) withFetchTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.fetchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.fetchTimeout)
}

// upstream wraps a source failure. Errors that already carry a class are
// passed through so callers can still match them.
func upstream(source string, err error) error {
	var ue *generic.UpstreamUnavailableError
	if errors.As(err, &ue) || generic.IsNotFound(err) {
		return err
	}
	return &generic.UpstreamUnavailableError{Source: source, Err: err}
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
