/*
Package factory provides JSON to Go conversion for engine inputs.

PURPOSE:
  Converts JSON definitions of reservation units, opening hours, application
  rounds, sections, reservations and space trees into the generic and
  allocation types. Admin tools and the demo scenarios describe data in JSON;
  the factory validates it and creates the proper Go structs.

VALIDATION:
  Struct tags are checked with go-playground/validator. A failing payload
  returns an error wrapping generic.ErrInvalidInput (or
  generic.ErrInvalidConstraints for units) that names the offending fields.

JSON SCHEMA (unit):
  {
    "id": "hall-1",
    "reservation_start_interval_minutes": 30,
    "min_reservation_duration_minutes": 60,
    "max_reservation_duration_minutes": 180,
    "reservations_min_days_before": 1,
    "reservations_max_days_before": 90,
    "reservation_begins": "2024-01-01T00:00:00+02:00",
    "buffer_time_before_minutes": 15,
    "buffer_time_after_minutes": 15,
    "reservation_block_whole_day": false
  }

JSON SCHEMA (section):
  {
    "id": "sec-1",
    "application_id": "app-1",
    "round_id": "spring-2024",
    "status": "IN_ALLOCATION",
    "submitted_at": "2023-11-01T10:00:00Z",
    "applied_reservations_per_week": 2,
    "reservation_min_duration_minutes": 60,
    "reservation_max_duration_minutes": 120,
    "suitable_time_ranges": [
      {"day_of_week": "MONDAY", "begin_time": "10:00", "end_time": "14:00"}
    ],
    "reservation_unit_options": [
      {"id": "opt-1", "reservation_unit_id": "field-a", "preferred_order": 1}
    ]
  }

USAGE:
  f := factory.New()
  unit, err := f.ParseUnit(body)
  section, err := f.ParseSection(body)

SEE ALSO:
  - generic/types.go: UnitConstraints, ApplicationRound
  - allocation/types.go: Section
  - api/scenarios.go: scenario data built from these types
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/varaamo/availability-engine/allocation"
	"github.com/varaamo/availability-engine/availability"
	"github.com/varaamo/availability-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// UnitJSON is the JSON representation of a reservation unit's constraints.
type UnitJSON struct {
	ID                       string     `json:"id" validate:"required"`
	StartIntervalMinutes     int        `json:"reservation_start_interval_minutes,omitempty" validate:"omitempty,oneof=15 30 60 90 120 180 240 300 360 420 480 540 600 660 720"`
	MinDurationMinutes       int        `json:"min_reservation_duration_minutes,omitempty" validate:"gte=0"`
	MaxDurationMinutes       int        `json:"max_reservation_duration_minutes,omitempty" validate:"gte=0"`
	MinDaysBefore            *int       `json:"reservations_min_days_before,omitempty" validate:"omitempty,gte=0"`
	MaxDaysBefore            *int       `json:"reservations_max_days_before,omitempty" validate:"omitempty,gte=0"`
	ReservationBegins        *time.Time `json:"reservation_begins,omitempty"`
	ReservationEnds          *time.Time `json:"reservation_ends,omitempty"`
	BufferBeforeMinutes      int        `json:"buffer_time_before_minutes,omitempty" validate:"gte=0"`
	BufferAfterMinutes       int        `json:"buffer_time_after_minutes,omitempty" validate:"gte=0"`
	ReservationBlockWholeDay bool       `json:"reservation_block_whole_day,omitempty"`
}

// SpanJSON is a half-open interval [start, end).
type SpanJSON struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required,gtfield=Start"`
}

// OpeningHoursJSON is one fetch of a resource's opening hours.
type OpeningHoursJSON struct {
	FetchedAt time.Time  `json:"fetched_at" validate:"required"`
	Spans     []SpanJSON `json:"spans" validate:"dive"`
}

// RoundJSON is the JSON representation of an application round.
type RoundJSON struct {
	ID                     string   `json:"id" validate:"required"`
	Name                   string   `json:"name" validate:"required"`
	Status                 string   `json:"status" validate:"required,oneof=UPCOMING OPEN IN_ALLOCATION HANDLED RESULTS_SENT"`
	ReservationPeriodBegin string   `json:"reservation_period_begin" validate:"required,datetime=2006-01-02"`
	ReservationPeriodEnd   string   `json:"reservation_period_end" validate:"required,datetime=2006-01-02"`
	ReservationUnitIDs     []string `json:"reservation_unit_ids" validate:"required,min=1,dive,required"`
}

// TimeRangeJSON is a weekly suitable time range.
type TimeRangeJSON struct {
	DayOfWeek string `json:"day_of_week" validate:"required"`
	BeginTime string `json:"begin_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
	Priority  string `json:"priority,omitempty" validate:"omitempty,oneof=PRIMARY SECONDARY"`
}

// OptionJSON is one reservation unit an applicant accepts.
type OptionJSON struct {
	ID                string `json:"id" validate:"required"`
	ReservationUnitID string `json:"reservation_unit_id" validate:"required"`
	PreferredOrder    int    `json:"preferred_order" validate:"gte=0"`
	Locked            bool   `json:"locked,omitempty"`
	Rejected          bool   `json:"rejected,omitempty"`
}

// SectionJSON is the JSON representation of an application section.
type SectionJSON struct {
	ID                         string          `json:"id" validate:"required"`
	ApplicationID              string          `json:"application_id" validate:"required"`
	RoundID                    string          `json:"round_id" validate:"required"`
	ApplicantID                string          `json:"applicant_id,omitempty"`
	Status                     string          `json:"status" validate:"required,oneof=DRAFT RECEIVED IN_ALLOCATION HANDLED RESULTS_SENT EXPIRED CANCELLED"`
	SubmittedAt                time.Time       `json:"submitted_at"`
	AppliedReservationsPerWeek int             `json:"applied_reservations_per_week" validate:"required,min=1,max=7"`
	MinDurationMinutes         int             `json:"reservation_min_duration_minutes" validate:"required,gt=0"`
	MaxDurationMinutes         int             `json:"reservation_max_duration_minutes" validate:"required,gt=0"`
	SuitableTimeRanges         []TimeRangeJSON `json:"suitable_time_ranges" validate:"required,min=1,dive"`
	Options                    []OptionJSON    `json:"reservation_unit_options" validate:"required,min=1,dive"`
}

// ReservationJSON is a request to create a reservation.
type ReservationJSON struct {
	ReservationUnitID string    `json:"reservation_unit_id" validate:"required"`
	Begin             time.Time `json:"begin" validate:"required"`
	End               time.Time `json:"end" validate:"required,gtfield=Begin"`
	Type              string    `json:"type,omitempty" validate:"omitempty,oneof=NORMAL BEHALF STAFF BLOCKED SEASONAL"`
}

// SpaceJSON is a node of the space tree.
type SpaceJSON struct {
	ID       string  `json:"id" validate:"required"`
	ParentID *string `json:"parent_id,omitempty"`
}

// SpaceTreeJSON is the full space tree with unit placements.
type SpaceTreeJSON struct {
	Spaces     []SpaceJSON         `json:"spaces" validate:"dive"`
	UnitSpaces map[string][]string `json:"unit_spaces" validate:"required"`
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts JSON inputs to Go structs.
type Factory struct {
	validate *validator.Validate
}

// New creates a new factory.
func New() *Factory {
	return &Factory{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ParseUnit parses and validates a unit definition.
func (f *Factory) ParseUnit(data []byte) (generic.UnitConstraints, error) {
	var uj UnitJSON
	if err := decode(data, &uj); err != nil {
		return generic.UnitConstraints{}, err
	}
	return f.FromUnitJSON(uj)
}

// FromUnitJSON converts a UnitJSON. Struct and cross-field rules both apply.
func (f *Factory) FromUnitJSON(uj UnitJSON) (generic.UnitConstraints, error) {
	if err := f.validate.Struct(uj); err != nil {
		return generic.UnitConstraints{}, fmt.Errorf("%w: %s", generic.ErrInvalidConstraints, describe(err))
	}
	unit := generic.UnitConstraints{
		ResourceID:        generic.ResourceID(uj.ID),
		StartInterval:     minutes(uj.StartIntervalMinutes),
		MinDuration:       minutes(uj.MinDurationMinutes),
		MaxDuration:       minutes(uj.MaxDurationMinutes),
		MinDaysBefore:     uj.MinDaysBefore,
		MaxDaysBefore:     uj.MaxDaysBefore,
		ReservationBegins: uj.ReservationBegins,
		ReservationEnds:   uj.ReservationEnds,
		BufferBefore:      minutes(uj.BufferBeforeMinutes),
		BufferAfter:       minutes(uj.BufferAfterMinutes),
		BlockWholeDay:     uj.ReservationBlockWholeDay,
	}
	if err := unit.Validate(); err != nil {
		return generic.UnitConstraints{}, err
	}
	return unit, nil
}

// UnitToJSON converts unit constraints back to JSON form.
func UnitToJSON(u generic.UnitConstraints) UnitJSON {
	return UnitJSON{
		ID:                       string(u.ResourceID),
		StartIntervalMinutes:     int(u.StartInterval / time.Minute),
		MinDurationMinutes:       int(u.MinDuration / time.Minute),
		MaxDurationMinutes:       int(u.MaxDuration / time.Minute),
		MinDaysBefore:            u.MinDaysBefore,
		MaxDaysBefore:            u.MaxDaysBefore,
		ReservationBegins:        u.ReservationBegins,
		ReservationEnds:          u.ReservationEnds,
		BufferBeforeMinutes:      int(u.BufferBefore / time.Minute),
		BufferAfterMinutes:       int(u.BufferAfter / time.Minute),
		ReservationBlockWholeDay: u.BlockWholeDay,
	}
}

// ParseOpeningHours parses one opening-hours fetch.
func (f *Factory) ParseOpeningHours(data []byte) (time.Time, []generic.TimeSpan, error) {
	var oj OpeningHoursJSON
	if err := decode(data, &oj); err != nil {
		return time.Time{}, nil, err
	}
	if err := f.Validate(oj); err != nil {
		return time.Time{}, nil, err
	}
	spans := make([]generic.TimeSpan, len(oj.Spans))
	for i, s := range oj.Spans {
		spans[i] = generic.TimeSpan{Start: s.Start, End: s.End}
	}
	return oj.FetchedAt, spans, nil
}

// ParseRound parses an application round.
func (f *Factory) ParseRound(data []byte) (generic.ApplicationRound, error) {
	var rj RoundJSON
	if err := decode(data, &rj); err != nil {
		return generic.ApplicationRound{}, err
	}
	return f.FromRoundJSON(rj)
}

// FromRoundJSON converts a RoundJSON.
func (f *Factory) FromRoundJSON(rj RoundJSON) (generic.ApplicationRound, error) {
	if err := f.Validate(rj); err != nil {
		return generic.ApplicationRound{}, err
	}
	begin, err := generic.ParseDate(rj.ReservationPeriodBegin)
	if err != nil {
		return generic.ApplicationRound{}, invalid("reservation_period_begin", err.Error())
	}
	end, err := generic.ParseDate(rj.ReservationPeriodEnd)
	if err != nil {
		return generic.ApplicationRound{}, invalid("reservation_period_end", err.Error())
	}
	if end.Before(begin) {
		return generic.ApplicationRound{}, invalid("reservation_period_end", "must not be before reservation_period_begin")
	}

	ids := make([]generic.ResourceID, len(rj.ReservationUnitIDs))
	for i, id := range rj.ReservationUnitIDs {
		ids[i] = generic.ResourceID(id)
	}
	return generic.ApplicationRound{
		ID:                generic.RoundID(rj.ID),
		Name:              rj.Name,
		Status:            generic.RoundStatus(rj.Status),
		ReservationPeriod: generic.DateRange{Start: begin, End: end},
		ResourceIDs:       ids,
	}, nil
}

// ParseSection parses an application section.
func (f *Factory) ParseSection(data []byte) (allocation.Section, error) {
	var sj SectionJSON
	if err := decode(data, &sj); err != nil {
		return allocation.Section{}, err
	}
	return f.FromSectionJSON(sj)
}

// FromSectionJSON converts a SectionJSON. Time ranges must lie within one
// day; an end of "00:00" or "24:00" reaches midnight.
func (f *Factory) FromSectionJSON(sj SectionJSON) (allocation.Section, error) {
	if err := f.Validate(sj); err != nil {
		return allocation.Section{}, err
	}

	ranges := make([]allocation.SuitableTimeRange, 0, len(sj.SuitableTimeRanges))
	for i, rj := range sj.SuitableTimeRanges {
		field := fmt.Sprintf("suitable_time_ranges[%d]", i)
		var day allocation.DayOfWeek
		if err := day.UnmarshalText([]byte(rj.DayOfWeek)); err != nil {
			return allocation.Section{}, invalid(field+".day_of_week", err.Error())
		}
		begin, err := generic.ParseTimeOfDay(rj.BeginTime)
		if err != nil {
			return allocation.Section{}, invalid(field+".begin_time", err.Error())
		}
		end, err := generic.ParseEndTimeOfDay(rj.EndTime, begin)
		if err != nil {
			return allocation.Section{}, invalid(field+".end_time", err.Error())
		}
		if begin >= end {
			return allocation.Section{}, invalid(field, "begin_time must be before end_time")
		}
		priority := allocation.Priority(rj.Priority)
		if priority == "" {
			priority = allocation.PriorityPrimary
		}
		ranges = append(ranges, allocation.SuitableTimeRange{DayOfWeek: day, Begin: begin, End: end, Priority: priority})
	}

	options := make([]allocation.ReservationUnitOption, len(sj.Options))
	for i, oj := range sj.Options {
		options[i] = allocation.ReservationUnitOption{
			ID:                allocation.OptionID(oj.ID),
			ReservationUnitID: generic.ResourceID(oj.ReservationUnitID),
			PreferredOrder:    oj.PreferredOrder,
			Locked:            oj.Locked,
			Rejected:          oj.Rejected,
		}
	}

	return allocation.Section{
		ID:                         allocation.SectionID(sj.ID),
		ApplicationID:              allocation.ApplicationID(sj.ApplicationID),
		RoundID:                    generic.RoundID(sj.RoundID),
		ApplicantID:                sj.ApplicantID,
		Status:                     allocation.ApplicationStatus(sj.Status),
		SubmittedAt:                sj.SubmittedAt,
		SuitableTimeRanges:         ranges,
		Options:                    options,
		AppliedReservationsPerWeek: sj.AppliedReservationsPerWeek,
		MinDuration:                minutes(sj.MinDurationMinutes),
		MaxDuration:                minutes(sj.MaxDurationMinutes),
	}, nil
}

// ParseReservation parses a reservation request. The type defaults to NORMAL.
func (f *Factory) ParseReservation(data []byte) (generic.ResourceID, availability.ReservationDraft, error) {
	var rj ReservationJSON
	if err := decode(data, &rj); err != nil {
		return "", availability.ReservationDraft{}, err
	}
	if err := f.Validate(rj); err != nil {
		return "", availability.ReservationDraft{}, err
	}
	typ := generic.ReservationType(rj.Type)
	if typ == "" {
		typ = generic.ReservationNormal
	}
	return generic.ResourceID(rj.ReservationUnitID), availability.ReservationDraft{
		Begin: rj.Begin,
		End:   rj.End,
		Type:  typ,
	}, nil
}

// ParseSpaceTree parses the space tree. Parents must be part of the tree.
func (f *Factory) ParseSpaceTree(data []byte) ([]generic.Space, map[generic.ResourceID][]generic.SpaceID, error) {
	var tj SpaceTreeJSON
	if err := decode(data, &tj); err != nil {
		return nil, nil, err
	}
	if err := f.Validate(tj); err != nil {
		return nil, nil, err
	}

	known := make(map[string]bool, len(tj.Spaces))
	for _, s := range tj.Spaces {
		known[s.ID] = true
	}
	spaces := make([]generic.Space, len(tj.Spaces))
	for i, s := range tj.Spaces {
		spaces[i] = generic.Space{ID: generic.SpaceID(s.ID)}
		if s.ParentID != nil {
			if !known[*s.ParentID] {
				return nil, nil, invalid("spaces", fmt.Sprintf("space %s has unknown parent %s", s.ID, *s.ParentID))
			}
			parent := generic.SpaceID(*s.ParentID)
			spaces[i].ParentID = &parent
		}
	}

	unitSpaces := make(map[generic.ResourceID][]generic.SpaceID, len(tj.UnitSpaces))
	for unit, ids := range tj.UnitSpaces {
		for _, id := range ids {
			if !known[id] {
				return nil, nil, invalid("unit_spaces", fmt.Sprintf("unit %s is in unknown space %s", unit, id))
			}
			unitSpaces[generic.ResourceID(unit)] = append(unitSpaces[generic.ResourceID(unit)], generic.SpaceID(id))
		}
	}
	return spaces, unitSpaces, nil
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

// ParseFilters reads first-reservable filters from query parameters. Only
// syntax is checked here; ReservableFilters.Validate checks the values
// against the unit and the clock.
func ParseFilters(q url.Values) (availability.ReservableFilters, error) {
	var f availability.ReservableFilters

	if v := q.Get("reservable_date_start"); v != "" {
		d, err := generic.ParseDate(v)
		if err != nil {
			return f, filterError("reservable_date_start", "reservable_date_start must be a date (YYYY-MM-DD)")
		}
		f.DateStart = &d
	}
	if v := q.Get("reservable_date_end"); v != "" {
		d, err := generic.ParseDate(v)
		if err != nil {
			return f, filterError("reservable_date_end", "reservable_date_end must be a date (YYYY-MM-DD)")
		}
		f.DateEnd = &d
	}
	if v := q.Get("reservable_time_start"); v != "" {
		t, err := generic.ParseTimeOfDay(v)
		if err != nil {
			return f, filterError("reservable_time_start", "reservable_time_start must be a time (HH:MM)")
		}
		f.TimeStart = &t
	}
	if v := q.Get("reservable_time_end"); v != "" {
		begin := generic.Midnight
		if f.TimeStart != nil {
			begin = *f.TimeStart
		}
		t, err := generic.ParseEndTimeOfDay(v, begin)
		if err != nil {
			return f, filterError("reservable_time_end", "reservable_time_end must be a time (HH:MM)")
		}
		f.TimeEnd = &t
	}
	if v := q.Get("reservable_minimum_duration_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, filterError("reservable_minimum_duration_minutes", "reservable_minimum_duration_minutes must be a non-negative integer")
		}
		f.MinimumDurationMinutes = &n
	}
	if v := q.Get("show_only_reservable"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, filterError("show_only_reservable", "show_only_reservable must be a boolean")
		}
		f.ShowOnlyReservable = b
	}
	return f, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", generic.ErrInvalidInput, err)
	}
	return nil
}

// Validate checks the validate tags of any struct. Failures wrap
// generic.ErrInvalidInput.
func (f *Factory) Validate(v any) error {
	if err := f.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", generic.ErrInvalidInput, describe(err))
	}
	return nil
}

// describe flattens validator errors into "Field: tag" pairs, sorted.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func invalid(field, msg string) error {
	return fmt.Errorf("%w: %s: %s", generic.ErrInvalidInput, field, msg)
}

func filterError(field, msg string) error {
	return &generic.InvalidFilterError{Field: field, Message: msg}
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
