/*
handlers.go - HTTP API handlers for the availability and allocation engine

PURPOSE:
  Exposes the availability engine, reservation creation and the seasonal
  allocator via REST API. Handles HTTP request/response and JSON
  serialization, and delegates to the domain packages.

ENDPOINTS:
  Units:
    GET    /api/units                                List units
    PUT    /api/units/{unitID}                       Create or replace unit constraints
    PUT    /api/units/{unitID}/opening-hours         Store a fetch of opening hours
    GET    /api/units/{unitID}/calendar              Reservable spans over a date range
    GET    /api/units/{unitID}/first-reservable      First reservable start time
    POST   /api/units/{unitID}/availability          Is a span free?
    GET    /api/first-reservable?unit=a&unit=b       Search several units at once

  Reservations:
    POST   /api/reservations                         Create (409 when taken)

  Allocation:
    PUT    /api/rounds/{roundID}                     Create or replace a round
    PUT    /api/rounds/{roundID}/status              Move a round through its lifecycle
    POST   /api/rounds/{roundID}/allocate            Run allocation
    GET    /api/rounds/{roundID}/allocations         Allocated slots
    PUT    /api/sections/{sectionID}                 Create or replace a section
    POST   /api/sections/{sectionID}/allocations     Save a hand-placed slot
    POST   /api/sections/{sectionID}/allocations/validate

  Admin:
    PUT    /api/admin/spaces                         Replace the space tree
    POST   /api/admin/hierarchy/refresh              Rebuild the space hierarchy now

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: SQLite persistence, also every data source of the engine
  - Engine: first-reservable search, availability and reservations
  - Allocation: round and manual allocation
  - Factory: JSON validation and conversion

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid filter, payload or constraints
  - 404: Unit, round or section not found
  - 409: Slot not available, concurrent booking, allocation rule broken
  - 503: A data source timed out or failed
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/varaamo/availability-engine/allocation"
	"github.com/varaamo/availability-engine/availability"
	"github.com/varaamo/availability-engine/calendar"
	"github.com/varaamo/availability-engine/factory"
	"github.com/varaamo/availability-engine/generic"
	"github.com/varaamo/availability-engine/store/sqlite"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Engine     *availability.Engine
	Calendar   *calendar.Service
	Allocation *allocation.Service
	Factory    *factory.Factory
	Refresher  *HierarchyRefresher
	Metrics    *Metrics
	Logger     *zap.Logger

	// Now is injectable for tests and scenarios.
	Now func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engine, allocator and refresher over store.
func NewHandler(store *sqlite.Store, opts availability.Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	metrics := NewMetrics()
	refresher := NewHierarchyRefresher(store, opts.Logger.Named("hierarchy"))
	refresher.Metrics = metrics

	return &Handler{
		Store: store,
		Engine: availability.NewEngine(
			generic.Sources{Calendar: store, Reservations: store, Blackouts: store, Hierarchy: store, Units: store},
			store,
			opts,
		),
		Calendar:   calendar.NewService(store, calendar.New(opts.Location, opts.StaleAfter), opts.Logger.Named("calendar"), opts.FetchTimeout),
		Allocation: allocation.NewService(store, opts.Logger.Named("allocation")),
		Factory:    factory.New(),
		Refresher:  refresher,
		Metrics:    metrics,
		Logger:     opts.Logger,
		Now:        time.Now,
	}
}

func (h *Handler) location() *time.Location { return h.Engine.Location() }

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// UNIT HANDLERS
// =============================================================================

// ListUnits returns all units.
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.Store.ListUnits(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list units", err)
		return
	}
	dtos := make([]factory.UnitJSON, len(units))
	for i, u := range units {
		dtos[i] = factory.UnitToJSON(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PutUnit creates or replaces a unit. The id in the path wins.
func (h *Handler) PutUnit(w http.ResponseWriter, r *http.Request) {
	var uj factory.UnitJSON
	if !h.decode(w, r, &uj) {
		return
	}
	uj.ID = chi.URLParam(r, "unitID")
	unit, err := h.Factory.FromUnitJSON(uj)
	if err != nil {
		writeDomainError(w, "Invalid unit", err)
		return
	}
	if err := h.Store.SaveUnit(r.Context(), unit); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save unit", err)
		return
	}
	writeJSON(w, http.StatusOK, factory.UnitToJSON(unit))
}

// PutOpeningHours replaces the opening hours of a unit.
func (h *Handler) PutOpeningHours(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	fetchedAt, spans, err := h.Factory.ParseOpeningHours(body)
	if err != nil {
		writeDomainError(w, "Invalid opening hours", err)
		return
	}
	id := generic.ResourceID(chi.URLParam(r, "unitID"))
	if err := h.Store.SaveOpeningHours(r.Context(), id, fetchedAt, spans); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save opening hours", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservation_unit_id": id, "spans": len(spans)})
}

// GetCalendar returns the reservable spans of a unit between date_start and
// date_end (inclusive local dates), after blackouts.
func (h *Handler) GetCalendar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	unit, ok := h.unit(w, r)
	if !ok {
		return
	}

	today := generic.Today(h.Now(), h.location())
	rng := generic.DateRange{Start: today, End: today.AddDays(6)}
	if v := r.URL.Query().Get("date_start"); v != "" {
		d, err := generic.ParseDate(v)
		if err != nil {
			writeDomainError(w, "Invalid date_start", &generic.InvalidFilterError{Field: "date_start", Message: "date_start must be a date (YYYY-MM-DD)"})
			return
		}
		rng.Start = d
		rng.End = d.AddDays(6)
	}
	if v := r.URL.Query().Get("date_end"); v != "" {
		d, err := generic.ParseDate(v)
		if err != nil || d.Before(rng.Start) {
			writeDomainError(w, "Invalid date_end", &generic.InvalidFilterError{Field: "date_end", Message: "date_end must be a date on or after date_start"})
			return
		}
		rng.End = d
	}

	window := rng.Span(h.location())
	blackouts, err := h.Store.Blackouts(ctx, unit.ResourceID, window)
	if err != nil {
		writeDomainError(w, "Failed to load blackouts", &generic.UpstreamUnavailableError{Source: "blackouts", Err: err})
		return
	}
	res, err := h.Calendar.ComputeWithin(ctx, unit.ResourceID, window, unit.ValidityWindow(), blackouts)
	if err != nil {
		writeDomainError(w, "Failed to compute calendar", err)
		return
	}
	writeJSON(w, http.StatusOK, CalendarDTO{
		ReservationUnitID: string(unit.ResourceID),
		DateStart:         rng.Start.String(),
		DateEnd:           rng.End.String(),
		Spans:             toSpanDTOs(res.Spans, h.location()),
		Stale:             res.Stale,
		NeverFetched:      res.NeverFetched,
	})
}

// =============================================================================
// AVAILABILITY HANDLERS
// =============================================================================

// FirstReservable returns the earliest reservable start of one unit.
func (h *Handler) FirstReservable(w http.ResponseWriter, r *http.Request) {
	unit, ok := h.unit(w, r)
	if !ok {
		return
	}
	filters, err := factory.ParseFilters(r.URL.Query())
	if err != nil {
		writeDomainError(w, "Invalid filter", err)
		return
	}

	res, err := h.Engine.FirstReservable(r.Context(), unit, filters, h.Now())
	if err != nil {
		writeDomainError(w, "Failed to find first reservable time", err)
		return
	}
	h.recordSearch(res)
	writeJSON(w, http.StatusOK, toFirstReservableDTO(unit.ResourceID, res, h.location()))
}

// FirstReservableMany searches every unit given as a repeated "unit" query
// parameter. Unknown units are a 404.
func (h *Handler) FirstReservableMany(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids := r.URL.Query()["unit"]
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "At least one unit is required", nil)
		return
	}
	filters, err := factory.ParseFilters(r.URL.Query())
	if err != nil {
		writeDomainError(w, "Invalid filter", err)
		return
	}

	units := make([]generic.UnitConstraints, 0, len(ids))
	for _, id := range ids {
		unit, err := h.Store.UnitConstraints(ctx, generic.ResourceID(id))
		if err != nil {
			writeDomainError(w, "Unit not found", err)
			return
		}
		units = append(units, unit)
	}

	results, err := h.Engine.FirstReservableMany(ctx, units, filters, h.Now())
	if err != nil {
		writeDomainError(w, "Failed to find first reservable times", err)
		return
	}
	dto := FirstReservableManyDTO{Results: make([]FirstReservableDTO, len(results))}
	for i, res := range results {
		if res.Err != nil {
			h.Metrics.searchOutcome("invalid")
			dto.Results[i] = toUnitErrorDTO(res.ResourceID, res.Err)
			continue
		}
		h.recordSearch(res.Result)
		dto.Results[i] = toFirstReservableDTO(res.ResourceID, res.Result, h.location())
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) recordSearch(res availability.FirstReservableResult) {
	switch {
	case res.Stale:
		h.Metrics.searchOutcome("stale")
	case res.IsClosed:
		h.Metrics.searchOutcome("closed")
	case res.Reservable():
		h.Metrics.searchOutcome("reservable")
	default:
		h.Metrics.searchOutcome("open")
	}
}

// CheckAvailability answers whether a span is free on a unit, with the
// given buffers around it.
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req AvailabilityRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		writeDomainError(w, "Invalid request", err)
		return
	}
	id := generic.ResourceID(chi.URLParam(r, "unitID"))

	ok, err := h.Engine.IsAvailable(r.Context(),
		generic.TimeSpan{Start: req.Begin, End: req.End},
		id,
		time.Duration(req.BufferBeforeMinutes)*time.Minute,
		time.Duration(req.BufferAfterMinutes)*time.Minute,
		generic.ReservationID(req.ExcludeReservationID),
	)
	if err != nil {
		writeDomainError(w, "Failed to check availability", err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityDTO{ReservationUnitID: string(id), Available: ok})
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// CreateReservation books a span. The overlap check is repeated inside the
// write transaction, so two concurrent requests cannot both succeed.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	unitID, draft, err := h.Factory.ParseReservation(body)
	if err != nil {
		writeDomainError(w, "Invalid reservation", err)
		return
	}
	unit, err := h.Store.UnitConstraints(ctx, unitID)
	if err != nil {
		writeDomainError(w, "Unit not found", err)
		return
	}

	res, err := h.Engine.Reserve(ctx, unit, draft, h.Now())
	switch {
	case err == nil:
		h.Metrics.reservationOutcome("created")
	case errors.Is(err, generic.ErrConcurrencyConflict):
		h.Metrics.reservationOutcome("conflict")
	case errors.Is(err, generic.ErrNotAvailable):
		h.Metrics.reservationOutcome("unavailable")
	default:
		h.Metrics.reservationOutcome("error")
	}
	if err != nil {
		writeDomainError(w, "Failed to create reservation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(res, h.location()))
}

// =============================================================================
// ROUND HANDLERS
// =============================================================================

// PutRound creates or replaces an application round.
func (h *Handler) PutRound(w http.ResponseWriter, r *http.Request) {
	var rj factory.RoundJSON
	if !h.decode(w, r, &rj) {
		return
	}
	rj.ID = chi.URLParam(r, "roundID")
	round, err := h.Factory.FromRoundJSON(rj)
	if err != nil {
		writeDomainError(w, "Invalid round", err)
		return
	}
	if err := h.Store.SaveRound(r.Context(), round); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save round", err)
		return
	}
	writeJSON(w, http.StatusOK, rj)
}

// SetRoundStatus changes the status of a round, which also changes the
// blackout it imposes on direct booking.
func (h *Handler) SetRoundStatus(w http.ResponseWriter, r *http.Request) {
	var req RoundStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		writeDomainError(w, "Invalid status", err)
		return
	}
	id := generic.RoundID(chi.URLParam(r, "roundID"))
	if err := h.Store.SetRoundStatus(r.Context(), id, generic.RoundStatus(req.Status)); err != nil {
		writeDomainError(w, "Failed to update round", err)
		return
	}
	h.Logger.Info("round status changed", zap.String("round_id", string(id)), zap.String("status", req.Status))
	writeJSON(w, http.StatusOK, map[string]string{"round_id": string(id), "status": req.Status})
}

// AllocateRound runs the allocator over a round.
func (h *Handler) AllocateRound(w http.ResponseWriter, r *http.Request) {
	id := generic.RoundID(chi.URLParam(r, "roundID"))
	result, err := h.Allocation.Allocate(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to allocate round", err)
		return
	}
	h.Metrics.allocationRun(len(result.Allocated), len(result.Rejected))
	writeJSON(w, http.StatusOK, toRunResultDTO(result, h.location()))
}

// ListAllocations returns every slot allocated in a round.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := generic.RoundID(chi.URLParam(r, "roundID"))
	if _, err := h.Store.Round(ctx, id); err != nil {
		writeDomainError(w, "Round not found", err)
		return
	}
	slots, err := h.Store.AllocatedSlots(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list allocations", err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTOs(slots))
}

// =============================================================================
// SECTION HANDLERS
// =============================================================================

// PutSection creates or replaces an application section.
func (h *Handler) PutSection(w http.ResponseWriter, r *http.Request) {
	var sj factory.SectionJSON
	if !h.decode(w, r, &sj) {
		return
	}
	sj.ID = chi.URLParam(r, "sectionID")
	section, err := h.Factory.FromSectionJSON(sj)
	if err != nil {
		writeDomainError(w, "Invalid section", err)
		return
	}
	if _, err := h.Store.Round(r.Context(), section.RoundID); err != nil {
		writeDomainError(w, "Round not found", err)
		return
	}
	if err := h.Store.SaveSection(r.Context(), section); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save section", err)
		return
	}
	writeJSON(w, http.StatusOK, sj)
}

// ValidateManualSlot reports the first rule a hand-placed slot breaks.
// Nothing is saved.
func (h *Handler) ValidateManualSlot(w http.ResponseWriter, r *http.Request) {
	slot, ok := h.manualSlot(w, r)
	if !ok {
		return
	}
	rejection, err := h.Allocation.ValidateManual(r.Context(), allocation.SectionID(chi.URLParam(r, "sectionID")), slot)
	if err != nil {
		writeDomainError(w, "Failed to validate slot", err)
		return
	}
	if rejection != nil {
		writeJSON(w, http.StatusOK, ValidationDTO{Valid: false, Reason: string(rejection.Reason), Detail: rejection.Detail})
		return
	}
	writeJSON(w, http.StatusOK, ValidationDTO{Valid: true})
}

// AllocateManualSlot saves a hand-placed slot when it passes validation.
func (h *Handler) AllocateManualSlot(w http.ResponseWriter, r *http.Request) {
	slot, ok := h.manualSlot(w, r)
	if !ok {
		return
	}
	saved, err := h.Allocation.AllocateManual(r.Context(), allocation.SectionID(chi.URLParam(r, "sectionID")), slot)
	if err != nil {
		writeDomainError(w, "Failed to allocate slot", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotDTO(saved))
}

func (h *Handler) manualSlot(w http.ResponseWriter, r *http.Request) (allocation.ManualSlot, bool) {
	var req ManualSlotRequest
	if !h.decode(w, r, &req) {
		return allocation.ManualSlot{}, false
	}
	if err := h.Factory.Validate(req); err != nil {
		writeDomainError(w, "Invalid slot", err)
		return allocation.ManualSlot{}, false
	}
	var day allocation.DayOfWeek
	if err := day.UnmarshalText([]byte(req.DayOfWeek)); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid day_of_week", err)
		return allocation.ManualSlot{}, false
	}
	begin, err := generic.ParseTimeOfDay(req.BeginTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid begin_time", err)
		return allocation.ManualSlot{}, false
	}
	end, err := generic.ParseEndTimeOfDay(req.EndTime, begin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_time", err)
		return allocation.ManualSlot{}, false
	}
	return allocation.ManualSlot{OptionID: allocation.OptionID(req.OptionID), DayOfWeek: day, Begin: begin, End: end}, true
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// PutSpaceTree replaces the space tree and rebuilds the hierarchy from it.
func (h *Handler) PutSpaceTree(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	spaces, unitSpaces, err := h.Factory.ParseSpaceTree(body)
	if err != nil {
		writeDomainError(w, "Invalid space tree", err)
		return
	}
	if err := h.Store.SaveSpaceTree(r.Context(), spaces, unitSpaces); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save space tree", err)
		return
	}
	h.refresh(r.Context(), w)
}

// RefreshHierarchy rebuilds the space hierarchy now.
func (h *Handler) RefreshHierarchy(w http.ResponseWriter, r *http.Request) {
	h.refresh(r.Context(), w)
}

func (h *Handler) refresh(ctx context.Context, w http.ResponseWriter) {
	stats, err := h.Refresher.Refresh(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to rebuild space hierarchy", err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshDTO{Spaces: stats.Spaces, Units: stats.Units, DurationMs: stats.Duration.Milliseconds()})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) unit(w http.ResponseWriter, r *http.Request) (generic.UnitConstraints, bool) {
	unit, err := h.Store.UnitConstraints(r.Context(), generic.ResourceID(chi.URLParam(r, "unitID")))
	if err != nil {
		writeDomainError(w, "Unit not found", err)
		return generic.UnitConstraints{}, false
	}
	return unit, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return nil, false
	}
	return body, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps an engine error to its HTTP status.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var (
		filterErr *generic.InvalidFilterError
		rejection *allocation.Rejection
	)
	switch {
	case errors.As(err, &filterErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Details: filterErr.Message, Field: filterErr.Field})
	case errors.As(err, &rejection):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Details: rejection.Detail, Field: string(rejection.Reason)})
	case generic.IsClientError(err), errors.Is(err, allocation.ErrOptionNotFound):
		writeError(w, http.StatusBadRequest, message, err)
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case generic.IsConflict(err), errors.Is(err, allocation.ErrRoundNotInAllocation):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, generic.ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
