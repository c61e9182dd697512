package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/varaamo/availability-engine/generic"
)

// ErrRoundNotInAllocation is returned when a round is run outside its
// IN_ALLOCATION phase.
var ErrRoundNotInAllocation = errors.New("application round is not in allocation")

// =============================================================================
// STORE
// =============================================================================

// Store is the persistence the allocation service needs.
type Store interface {
	generic.HierarchySource

	Round(ctx context.Context, id generic.RoundID) (generic.ApplicationRound, error)
	Sections(ctx context.Context, roundID generic.RoundID) ([]Section, error)
	Section(ctx context.Context, id SectionID) (Section, error)

	// AllocatedSlots returns every slot already allocated in the round.
	AllocatedSlots(ctx context.Context, roundID generic.RoundID) ([]AllocatedTimeSlot, error)

	// SaveAllocations persists slots atomically. A slot colliding with one
	// committed concurrently (same section and weekday) fails the whole
	// batch with generic.ErrConcurrencyConflict.
	SaveAllocations(ctx context.Context, roundID generic.RoundID, slots []AllocatedTimeSlot) error
}

// =============================================================================
// SERVICE
// =============================================================================

// Service runs allocation for whole rounds and validates manual slots.
type Service struct {
	Store  Store
	Logger *zap.Logger
	Tracer trace.Tracer
	Now    func() time.Time
}

// NewService wires an allocation service. A nil logger disables logging.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:  store,
		Logger: logger,
		Tracer: otel.Tracer("github.com/varaamo/availability-engine/allocation"),
		Now:    time.Now,
	}
}

// Allocate runs the allocator over every IN_ALLOCATION section of the round.
// Sections are processed first come, first served (SubmittedAt, then ID).
// A section that cannot be placed is reported in Rejected; the rest of the
// round still gets its allocations.
func (s *Service) Allocate(ctx context.Context, roundID generic.RoundID) (result RunResult, err error) {
	ctx, span := s.Tracer.Start(ctx, "allocation.Allocate", trace.WithAttributes(
		attribute.String("round.id", string(roundID)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	round, err := s.Store.Round(ctx, roundID)
	if err != nil {
		return RunResult{}, err
	}
	if round.Status != generic.RoundInAllocation {
		return RunResult{}, fmt.Errorf("%w: round %s is %s", ErrRoundNotInAllocation, roundID, round.Status)
	}

	sections, err := s.Store.Sections(ctx, roundID)
	if err != nil {
		return RunResult{}, err
	}
	existing, err := s.Store.AllocatedSlots(ctx, roundID)
	if err != nil {
		return RunResult{}, err
	}
	hierarchy, err := s.Store.SpaceHierarchy(ctx)
	if err != nil {
		return RunResult{}, &generic.UpstreamUnavailableError{Source: "hierarchy", Err: err}
	}

	result = RunResult{
		RunID:          uuid.NewString(),
		RoundID:        roundID,
		Allocated:      []AllocatedTimeSlot{},
		Rejected:       []Rejection{},
		AllocatedHours: decimal.Zero,
		StartedAt:      s.Now(),
	}

	sort.SliceStable(sections, func(i, j int) bool {
		if !sections[i].SubmittedAt.Equal(sections[j].SubmittedAt) {
			return sections[i].SubmittedAt.Before(sections[j].SubmittedAt)
		}
		return sections[i].ID < sections[j].ID
	})

	allocator := NewAllocator(hierarchy, s.Logger)
	pool := append([]AllocatedTimeSlot(nil), existing...)

	for _, section := range sections {
		if section.Status != StatusInAllocation {
			continue
		}
		slots, rejection := allocator.Allocate(section, pool)
		for i := range slots {
			slots[i].ID = SlotID(uuid.NewString())
			slots[i].RunID = result.RunID
			result.AllocatedHours = result.AllocatedHours.Add(hours(slots[i].Duration()))
		}
		pool = append(pool, slots...)
		result.Allocated = append(result.Allocated, slots...)
		if rejection != nil {
			result.Rejected = append(result.Rejected, *rejection)
			s.Logger.Info("allocation rejected",
				zap.String("round_id", string(roundID)),
				zap.String("section_id", string(section.ID)),
				zap.String("reason", string(rejection.Reason)),
			)
		}
	}

	if len(result.Allocated) > 0 {
		if err := s.Store.SaveAllocations(ctx, roundID, result.Allocated); err != nil {
			return RunResult{}, fmt.Errorf("failed to save allocations: %w", err)
		}
	}
	result.CompletedAt = s.Now()

	span.SetAttributes(
		attribute.Int("allocation.allocated", len(result.Allocated)),
		attribute.Int("allocation.rejected", len(result.Rejected)),
	)
	s.Logger.Info("allocation run completed",
		zap.String("round_id", string(roundID)),
		zap.String("run_id", result.RunID),
		zap.Int("allocated", len(result.Allocated)),
		zap.Int("rejected", len(result.Rejected)),
		zap.String("allocated_hours", result.AllocatedHours.StringFixed(2)),
	)
	return result, nil
}

// AllocateManual validates a hand-placed slot and saves it when every rule
// passes. The rejection is returned as an error of type *Rejection.
func (s *Service) AllocateManual(ctx context.Context, sectionID SectionID, slot ManualSlot) (AllocatedTimeSlot, error) {
	ctx, span := s.Tracer.Start(ctx, "allocation.AllocateManual", trace.WithAttributes(
		attribute.String("section.id", string(sectionID)),
	))
	defer span.End()

	section, err := s.Store.Section(ctx, sectionID)
	if err != nil {
		return AllocatedTimeSlot{}, err
	}
	if section.Status != StatusInAllocation {
		return AllocatedTimeSlot{}, fmt.Errorf("%w: section %s application is %s", ErrRoundNotInAllocation, sectionID, section.Status)
	}
	existing, err := s.Store.AllocatedSlots(ctx, section.RoundID)
	if err != nil {
		return AllocatedTimeSlot{}, err
	}
	hierarchy, err := s.Store.SpaceHierarchy(ctx)
	if err != nil {
		return AllocatedTimeSlot{}, &generic.UpstreamUnavailableError{Source: "hierarchy", Err: err}
	}

	rejection, err := NewAllocator(hierarchy, s.Logger).Validate(section, slot, existing)
	if err != nil {
		return AllocatedTimeSlot{}, err
	}
	if rejection != nil {
		return AllocatedTimeSlot{}, rejection
	}

	opt, _ := section.Option(slot.OptionID)
	allocated := AllocatedTimeSlot{
		ID:                SlotID(uuid.NewString()),
		SectionID:         section.ID,
		OptionID:          opt.ID,
		ReservationUnitID: opt.ReservationUnitID,
		DayOfWeek:         slot.DayOfWeek,
		Begin:             slot.Begin,
		End:               slot.End.EndAfter(slot.Begin),
		RunID:             "manual",
	}
	if err := s.Store.SaveAllocations(ctx, section.RoundID, []AllocatedTimeSlot{allocated}); err != nil {
		return AllocatedTimeSlot{}, err
	}
	return allocated, nil
}

// ValidateManual checks a slot without saving it.
func (s *Service) ValidateManual(ctx context.Context, sectionID SectionID, slot ManualSlot) (*Rejection, error) {
	section, err := s.Store.Section(ctx, sectionID)
	if err != nil {
		return nil, err
	}
	existing, err := s.Store.AllocatedSlots(ctx, section.RoundID)
	if err != nil {
		return nil, err
	}
	hierarchy, err := s.Store.SpaceHierarchy(ctx)
	if err != nil {
		return nil, &generic.UpstreamUnavailableError{Source: "hierarchy", Err: err}
	}
	return NewAllocator(hierarchy, s.Logger).Validate(section, slot, existing)
}

func hours(d time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(d / time.Minute)).Div(decimal.NewFromInt(60))
}
