/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Availability:
    FirstReservableDTO, AvailabilityRequest, AvailabilityDTO, CalendarDTO

  Reservations:
    ReservationDTO (requests are factory.ReservationJSON)

  Allocation:
    SlotDTO, RejectionDTO, RunResultDTO, ManualSlotRequest, ValidationDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

TIMES:
  Instants are RFC 3339 in the engine's time zone. Times of day are HH:MM.
  An end of 00:00 (or 24:00) after a later begin is the end of the day.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/factory.go: JSON input types for units, rounds and sections
*/
package api

import (
	"errors"
	"time"

	"github.com/varaamo/availability-engine/allocation"
	"github.com/varaamo/availability-engine/availability"
	"github.com/varaamo/availability-engine/generic"
)

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// =============================================================================
// AVAILABILITY
// =============================================================================

// FirstReservableDTO is the result of a first-reservable search.
type FirstReservableDTO struct {
	ReservationUnitID       string  `json:"reservation_unit_id"`
	IsClosed                bool    `json:"is_closed"`
	FirstReservableDatetime *string        `json:"first_reservable_datetime"`
	Stale                   bool           `json:"stale,omitempty"`
	Error                   *ErrorResponse `json:"error,omitempty"`
}

// FirstReservableManyDTO wraps a multi-unit search.
type FirstReservableManyDTO struct {
	Results []FirstReservableDTO `json:"results"`
}

// AvailabilityRequest asks whether a span is free on a unit.
type AvailabilityRequest struct {
	Begin                time.Time `json:"begin" validate:"required"`
	End                  time.Time `json:"end" validate:"required,gtfield=Begin"`
	BufferBeforeMinutes  int       `json:"buffer_before_minutes" validate:"gte=0"`
	BufferAfterMinutes   int       `json:"buffer_after_minutes" validate:"gte=0"`
	ExcludeReservationID string    `json:"exclude_reservation_id,omitempty"`
}

type AvailabilityDTO struct {
	ReservationUnitID string `json:"reservation_unit_id"`
	Available         bool   `json:"available"`
}

// SpanDTO is a half-open interval.
type SpanDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// CalendarDTO is the reservable calendar of a unit over a date range.
type CalendarDTO struct {
	ReservationUnitID string    `json:"reservation_unit_id"`
	DateStart         string    `json:"date_start"`
	DateEnd           string    `json:"date_end"`
	Spans             []SpanDTO `json:"spans"`
	Stale             bool      `json:"stale,omitempty"`
	NeverFetched      bool      `json:"never_fetched,omitempty"`
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type ReservationDTO struct {
	ID                  string `json:"id"`
	ReservationUnitID   string `json:"reservation_unit_id"`
	Begin               string `json:"begin"`
	End                 string `json:"end"`
	BufferBeforeMinutes int    `json:"buffer_before_minutes"`
	BufferAfterMinutes  int    `json:"buffer_after_minutes"`
	Type                string `json:"type"`
	State               string `json:"state"`
}

// =============================================================================
// ALLOCATION
// =============================================================================

type SlotDTO struct {
	ID                string `json:"id"`
	SectionID         string `json:"section_id"`
	OptionID          string `json:"option_id"`
	ReservationUnitID string `json:"reservation_unit_id"`
	DayOfWeek         string `json:"day_of_week"`
	BeginTime         string `json:"begin_time"`
	EndTime           string `json:"end_time"`
	RunID             string `json:"run_id,omitempty"`
}

type RejectionDTO struct {
	SectionID string `json:"section_id"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}

// RunResultDTO summarizes one allocation run.
type RunResultDTO struct {
	RunID          string         `json:"run_id"`
	RoundID        string         `json:"round_id"`
	Allocated      []SlotDTO      `json:"allocated"`
	Rejected       []RejectionDTO `json:"rejected"`
	AllocatedHours string         `json:"allocated_hours"`
	StartedAt      string         `json:"started_at"`
	CompletedAt    string         `json:"completed_at"`
}

// ManualSlotRequest is a hand-placed slot to validate or save.
type ManualSlotRequest struct {
	OptionID  string `json:"option_id" validate:"required"`
	DayOfWeek string `json:"day_of_week" validate:"required"`
	BeginTime string `json:"begin_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
}

// ValidationDTO answers a manual slot validation.
type ValidationDTO struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type RoundStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=UPCOMING OPEN IN_ALLOCATION HANDLED RESULTS_SENT"`
}

// =============================================================================
// SCENARIOS AND ADMIN
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`

	// Try is the request that shows the scenario's point once loaded.
	Try string `json:"try,omitempty"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type RefreshDTO struct {
	Spaces     int   `json:"spaces"`
	Units      int   `json:"units"`
	DurationMs int64 `json:"duration_ms"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.RFC3339)
}

func toFirstReservableDTO(id generic.ResourceID, res availability.FirstReservableResult, loc *time.Location) FirstReservableDTO {
	dto := FirstReservableDTO{
		ReservationUnitID: string(id),
		IsClosed:          res.IsClosed,
		Stale:             res.Stale,
	}
	if res.FirstReservableAt != nil {
		s := formatTime(*res.FirstReservableAt, loc)
		dto.FirstReservableDatetime = &s
	}
	return dto
}

// toUnitErrorDTO reports a search that did not run for one unit of a
// multi-unit request.
func toUnitErrorDTO(id generic.ResourceID, err error) FirstReservableDTO {
	e := &ErrorResponse{Error: "Invalid filter for unit", Details: err.Error()}
	var filterErr *generic.InvalidFilterError
	if errors.As(err, &filterErr) {
		e.Details, e.Field = filterErr.Message, filterErr.Field
	}
	return FirstReservableDTO{ReservationUnitID: string(id), Error: e}
}

func toReservationDTO(r generic.Reservation, loc *time.Location) ReservationDTO {
	return ReservationDTO{
		ID:                  string(r.ID),
		ReservationUnitID:   string(r.ReservationUnitID),
		Begin:               formatTime(r.Begin, loc),
		End:                 formatTime(r.End, loc),
		BufferBeforeMinutes: int(r.BufferBefore / time.Minute),
		BufferAfterMinutes:  int(r.BufferAfter / time.Minute),
		Type:                string(r.Type),
		State:               string(r.State),
	}
}

func toSlotDTO(s allocation.AllocatedTimeSlot) SlotDTO {
	return SlotDTO{
		ID:                string(s.ID),
		SectionID:         string(s.SectionID),
		OptionID:          string(s.OptionID),
		ReservationUnitID: string(s.ReservationUnitID),
		DayOfWeek:         s.DayOfWeek.String(),
		BeginTime:         s.Begin.String(),
		EndTime:           s.End.String(),
		RunID:             s.RunID,
	}
}

func toSlotDTOs(slots []allocation.AllocatedTimeSlot) []SlotDTO {
	out := make([]SlotDTO, len(slots))
	for i, s := range slots {
		out[i] = toSlotDTO(s)
	}
	return out
}

func toRunResultDTO(r allocation.RunResult, loc *time.Location) RunResultDTO {
	rejected := make([]RejectionDTO, len(r.Rejected))
	for i, rej := range r.Rejected {
		rejected[i] = RejectionDTO{SectionID: string(rej.SectionID), Reason: string(rej.Reason), Detail: rej.Detail}
	}
	return RunResultDTO{
		RunID:          r.RunID,
		RoundID:        string(r.RoundID),
		Allocated:      toSlotDTOs(r.Allocated),
		Rejected:       rejected,
		AllocatedHours: r.AllocatedHours.StringFixed(2),
		StartedAt:      formatTime(r.StartedAt, loc),
		CompletedAt:    formatTime(r.CompletedAt, loc),
	}
}

func toSpanDTOs(spans []generic.TimeSpan, loc *time.Location) []SpanDTO {
	out := make([]SpanDTO, len(spans))
	for i, s := range spans {
		out[i] = SpanDTO{Start: formatTime(s.Start, loc), End: formatTime(s.End, loc)}
	}
	return out
}
