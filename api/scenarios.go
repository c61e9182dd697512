/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates units, opening hours,
	reservations, space trees, rounds and sections that demonstrate one
	behavior of the engine.

AVAILABLE SCENARIOS:

	open-hall:           One hall, open daily, an early booking tomorrow
	shared-space:        A hall split in two halves; booking a half blocks the hall
	buffers:             Buffer times around an existing booking
	round-blackout:      An open application round closes a field for direct booking
	stale-hours:         Opening hours that were fetched too long ago
	seasonal-allocation: Three sections competing for two courts

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create units via factory JSON types
 3. Store opening hours relative to today, so scenarios never go out of date
 4. Add spaces, reservations, rounds and sections as needed
 5. Rebuild the space hierarchy

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "shared-space"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to scenarioLoader

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/factory.go: JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/varaamo/availability-engine/factory"
	"github.com/varaamo/availability-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "open-hall",
		Name:        "Open Hall",
		Description: "Hall open 08:00-20:00 every day, booked 08:00-10:00 tomorrow",
		Category:    "availability",
		Try:         "GET /api/units/hall/first-reservable?reservable_date_start=<tomorrow>",
	},
	{
		ID:          "shared-space",
		Name:        "Shared Space",
		Description: "Main hall contains two halves; a booking on one half blocks the whole hall",
		Category:    "availability",
		Try:         "GET /api/first-reservable?unit=main-hall&unit=hall-north&unit=hall-south",
	},
	{
		ID:          "buffers",
		Name:        "Buffer Times",
		Description: "Sauna with 30 minute buffers on both sides of every booking",
		Category:    "availability",
		Try:         "POST /api/units/sauna/availability",
	},
	{
		ID:          "round-blackout",
		Name:        "Round Blackout",
		Description: "An open seasonal round closes the field for direct booking for four weeks",
		Category:    "availability",
		Try:         "GET /api/units/field/calendar",
	},
	{
		ID:          "stale-hours",
		Name:        "Stale Opening Hours",
		Description: "Opening hours last fetched three days ago are reported as stale",
		Category:    "availability",
		Try:         "GET /api/units/pool/first-reservable",
	},
	{
		ID:          "seasonal-allocation",
		Name:        "Seasonal Allocation",
		Description: "Three clubs apply for two courts in one gym; courts share the gym floor",
		Category:    "allocation",
		Try:         "POST /api/rounds/autumn/allocate",
	},
}

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		writeDomainError(w, "Invalid request", err)
		return
	}
	load := h.scenarioLoader(req.ScenarioID)
	if load == nil {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q does not exist", req.ScenarioID))
		return
	}

	ctx := r.Context()
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	if _, err := h.Refresher.Refresh(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to rebuild space hierarchy", err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": req.ScenarioID})
}

func (h *Handler) scenarioLoader(id string) func(context.Context) error {
	switch id {
	case "open-hall":
		return h.loadOpenHallScenario
	case "shared-space":
		return h.loadSharedSpaceScenario
	case "buffers":
		return h.loadBuffersScenario
	case "round-blackout":
		return h.loadRoundBlackoutScenario
	case "stale-hours":
		return h.loadStaleHoursScenario
	case "seasonal-allocation":
		return h.loadSeasonalAllocationScenario
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadOpenHallScenario(ctx context.Context) error {
	if err := h.createUnit(ctx, factory.UnitJSON{
		ID:                   "hall",
		StartIntervalMinutes: 60,
		MinDurationMinutes:   60,
		MaxDurationMinutes:   180,
	}); err != nil {
		return err
	}
	if err := h.openDaily(ctx, "hall", 28, 8, 20, h.Now()); err != nil {
		return err
	}
	tomorrow := h.today().AddDays(1)
	return h.book(ctx, "res-hall-1", "hall", tomorrow, 8, 10, generic.ReservationNormal)
}

// Main hall is the whole floor; the two halves are its children. Units on
// any of them block each other through the shared floor.
func (h *Handler) loadSharedSpaceScenario(ctx context.Context) error {
	for _, id := range []string{"main-hall", "hall-north", "hall-south"} {
		if err := h.createUnit(ctx, factory.UnitJSON{ID: id, StartIntervalMinutes: 30, MinDurationMinutes: 60}); err != nil {
			return err
		}
		if err := h.openDaily(ctx, generic.ResourceID(id), 28, 16, 21, h.Now()); err != nil {
			return err
		}
	}

	floor := generic.SpaceID("main-floor")
	spaces := []generic.Space{
		{ID: floor},
		{ID: "north-half", ParentID: &floor},
		{ID: "south-half", ParentID: &floor},
	}
	unitSpaces := map[generic.ResourceID][]generic.SpaceID{
		"main-hall":  {"main-floor"},
		"hall-north": {"north-half"},
		"hall-south": {"south-half"},
	}
	if err := h.Store.SaveSpaceTree(ctx, spaces, unitSpaces); err != nil {
		return err
	}

	tomorrow := h.today().AddDays(1)
	return h.book(ctx, "res-north-1", "hall-north", tomorrow, 16, 18, generic.ReservationNormal)
}

func (h *Handler) loadBuffersScenario(ctx context.Context) error {
	if err := h.createUnit(ctx, factory.UnitJSON{
		ID:                   "sauna",
		StartIntervalMinutes: 30,
		MinDurationMinutes:   60,
		BufferBeforeMinutes:  30,
		BufferAfterMinutes:   30,
	}); err != nil {
		return err
	}
	if err := h.openDaily(ctx, "sauna", 28, 12, 22, h.Now()); err != nil {
		return err
	}
	tomorrow := h.today().AddDays(1)
	if err := h.book(ctx, "res-sauna-1", "sauna", tomorrow, 17, 19, generic.ReservationNormal); err != nil {
		return err
	}
	// Staff bookings ignore their own buffers.
	return h.book(ctx, "res-sauna-staff", "sauna", tomorrow.AddDays(1), 12, 13, generic.ReservationStaff)
}

func (h *Handler) loadRoundBlackoutScenario(ctx context.Context) error {
	if err := h.createUnit(ctx, factory.UnitJSON{ID: "field", StartIntervalMinutes: 60, MinDurationMinutes: 60}); err != nil {
		return err
	}
	if err := h.openDaily(ctx, "field", 56, 7, 22, h.Now()); err != nil {
		return err
	}
	start := h.today().AddDays(7)
	return h.createRound(ctx, factory.RoundJSON{
		ID:                     "spring",
		Name:                   "Spring season",
		Status:                 string(generic.RoundOpen),
		ReservationPeriodBegin: start.String(),
		ReservationPeriodEnd:   start.AddDays(27).String(),
		ReservationUnitIDs:     []string{"field"},
	})
}

func (h *Handler) loadStaleHoursScenario(ctx context.Context) error {
	if err := h.createUnit(ctx, factory.UnitJSON{ID: "pool", StartIntervalMinutes: 60}); err != nil {
		return err
	}
	return h.openDaily(ctx, "pool", 28, 6, 21, h.Now().Add(-72*time.Hour))
}

// Two courts share the gym floor with the whole-gym unit. Sections that
// want the same evening compete in submission order.
func (h *Handler) loadSeasonalAllocationScenario(ctx context.Context) error {
	for _, id := range []string{"gym", "court-1", "court-2"} {
		if err := h.createUnit(ctx, factory.UnitJSON{ID: id, StartIntervalMinutes: 30}); err != nil {
			return err
		}
		if err := h.openDaily(ctx, generic.ResourceID(id), 28, 15, 22, h.Now()); err != nil {
			return err
		}
	}
	floor := generic.SpaceID("gym-floor")
	if err := h.Store.SaveSpaceTree(ctx,
		[]generic.Space{{ID: floor}, {ID: "court-1-area", ParentID: &floor}, {ID: "court-2-area", ParentID: &floor}},
		map[generic.ResourceID][]generic.SpaceID{
			"gym":     {"gym-floor"},
			"court-1": {"court-1-area"},
			"court-2": {"court-2-area"},
		},
	); err != nil {
		return err
	}

	start := h.today().AddDays(30)
	if err := h.createRound(ctx, factory.RoundJSON{
		ID:                     "autumn",
		Name:                   "Autumn season",
		Status:                 string(generic.RoundInAllocation),
		ReservationPeriodBegin: start.String(),
		ReservationPeriodEnd:   start.AddDays(90).String(),
		ReservationUnitIDs:     []string{"gym", "court-1", "court-2"},
	}); err != nil {
		return err
	}

	submitted := h.Now().Add(-14 * 24 * time.Hour).UTC()
	sections := []factory.SectionJSON{
		{
			ID: "basketball-juniors", ApplicationID: "app-1", RoundID: "autumn", ApplicantID: "hoops-club",
			Status: "IN_ALLOCATION", SubmittedAt: submitted,
			AppliedReservationsPerWeek: 2, MinDurationMinutes: 90, MaxDurationMinutes: 90,
			SuitableTimeRanges: []factory.TimeRangeJSON{
				{DayOfWeek: "MONDAY", BeginTime: "17:00", EndTime: "20:00", Priority: "PRIMARY"},
				{DayOfWeek: "WEDNESDAY", BeginTime: "17:00", EndTime: "20:00", Priority: "PRIMARY"},
			},
			Options: []factory.OptionJSON{
				{ID: "opt-hoops-1", ReservationUnitID: "court-1", PreferredOrder: 1},
				{ID: "opt-hoops-2", ReservationUnitID: "court-2", PreferredOrder: 2},
			},
		},
		{
			ID: "floorball-adults", ApplicationID: "app-2", RoundID: "autumn", ApplicantID: "floorball-club",
			Status: "IN_ALLOCATION", SubmittedAt: submitted.Add(time.Hour),
			AppliedReservationsPerWeek: 1, MinDurationMinutes: 120, MaxDurationMinutes: 120,
			SuitableTimeRanges: []factory.TimeRangeJSON{
				{DayOfWeek: "MONDAY", BeginTime: "18:00", EndTime: "21:00", Priority: "PRIMARY"},
			},
			Options: []factory.OptionJSON{
				{ID: "opt-floorball-1", ReservationUnitID: "gym", PreferredOrder: 1},
			},
		},
		{
			ID: "volleyball-seniors", ApplicationID: "app-3", RoundID: "autumn", ApplicantID: "volley-club",
			Status: "IN_ALLOCATION", SubmittedAt: submitted.Add(2 * time.Hour),
			AppliedReservationsPerWeek: 1, MinDurationMinutes: 60, MaxDurationMinutes: 120,
			SuitableTimeRanges: []factory.TimeRangeJSON{
				{DayOfWeek: "MONDAY", BeginTime: "17:00", EndTime: "19:00", Priority: "PRIMARY"},
			},
			Options: []factory.OptionJSON{
				{ID: "opt-volley-1", ReservationUnitID: "court-1", PreferredOrder: 1},
				{ID: "opt-volley-2", ReservationUnitID: "court-2", PreferredOrder: 2},
			},
		},
	}
	for _, sj := range sections {
		sec, err := h.Factory.FromSectionJSON(sj)
		if err != nil {
			return fmt.Errorf("section %s: %w", sj.ID, err)
		}
		if err := h.Store.SaveSection(ctx, sec); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) today() generic.Date { return generic.Today(h.Now(), h.location()) }

func (h *Handler) createUnit(ctx context.Context, uj factory.UnitJSON) error {
	unit, err := h.Factory.FromUnitJSON(uj)
	if err != nil {
		return fmt.Errorf("unit %s: %w", uj.ID, err)
	}
	return h.Store.SaveUnit(ctx, unit)
}

func (h *Handler) createRound(ctx context.Context, rj factory.RoundJSON) error {
	round, err := h.Factory.FromRoundJSON(rj)
	if err != nil {
		return fmt.Errorf("round %s: %w", rj.ID, err)
	}
	return h.Store.SaveRound(ctx, round)
}

// openDaily stores opening hours from openHour to closeHour on each of the
// next days, starting today.
func (h *Handler) openDaily(ctx context.Context, id generic.ResourceID, days, openHour, closeHour int, fetchedAt time.Time) error {
	loc := h.location()
	today := h.today()
	spans := make([]generic.TimeSpan, 0, days)
	for i := 0; i < days; i++ {
		d := today.AddDays(i)
		spans = append(spans, generic.TimeSpan{
			Start: generic.NewTimeOfDay(openHour, 0).On(d, loc),
			End:   generic.NewTimeOfDay(closeHour, 0).On(d, loc),
		})
	}
	return h.Store.SaveOpeningHours(ctx, id, fetchedAt, spans)
}

// book stores a confirmed reservation with the unit's buffers, skipping the
// availability check.
func (h *Handler) book(ctx context.Context, id generic.ReservationID, unitID generic.ResourceID, day generic.Date, fromHour, toHour int, typ generic.ReservationType) error {
	unit, err := h.Store.UnitConstraints(ctx, unitID)
	if err != nil {
		return err
	}
	loc := h.location()
	return h.Store.SaveReservation(ctx, generic.Reservation{
		ID:                id,
		ReservationUnitID: unitID,
		Begin:             generic.NewTimeOfDay(fromHour, 0).On(day, loc),
		End:               generic.NewTimeOfDay(toHour, 0).On(day, loc),
		BufferBefore:      unit.BufferBefore,
		BufferAfter:       unit.BufferAfter,
		Type:              typ,
		State:             generic.StateConfirmed,
	})
}
