package calendar

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/varaamo/availability-engine/generic"
)

// Service fetches opening hours from a CalendarSource and computes the
// calendar of a resource over a date range.
type Service struct {
	Source   generic.CalendarSource
	Calendar *Calendar
	Logger   *zap.Logger

	// Timeout bounds each fetch. Zero means the caller's context only.
	Timeout time.Duration

	// Now is injectable for tests.
	Now func() time.Time
}

// NewService wires a calendar service. A nil logger disables logging.
func NewService(source generic.CalendarSource, cal *Calendar, logger *zap.Logger, timeout time.Duration) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Source: source, Calendar: cal, Logger: logger, Timeout: timeout, Now: time.Now}
}

// Compute returns the merged, blackout-filtered reservable spans of the
// resource over rng. Source failures are returned as UpstreamUnavailableError.
func (s *Service) Compute(ctx context.Context, resourceID generic.ResourceID, rng generic.DateRange, blackouts []generic.ApplicationRoundBlackout) (Result, error) {
	return s.ComputeWithin(ctx, resourceID, rng.Span(s.Calendar.Location), generic.TimeSpan{}, blackouts)
}

// ComputeWithin is Compute over an arbitrary window, restricted further by the
// unit's validity window.
func (s *Service) ComputeWithin(ctx context.Context, resourceID generic.ResourceID, window, validity generic.TimeSpan, blackouts []generic.ApplicationRoundBlackout) (Result, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	fetched, err := s.Source.LatestFetched(ctx, resourceID)
	if err != nil {
		return Result{}, &generic.UpstreamUnavailableError{Source: "calendar", Err: err}
	}
	raw, err := s.Source.ReservableTimeSpans(ctx, resourceID, window)
	if err != nil {
		return Result{}, &generic.UpstreamUnavailableError{Source: "calendar", Err: err}
	}

	res := s.Calendar.Compute(Input{
		ResourceID:    resourceID,
		Window:        window,
		Validity:      validity,
		Raw:           raw,
		LatestFetched: fetched,
		AsOf:          s.Now(),
		Blackouts:     blackouts,
	})
	if res.Stale {
		s.Logger.Warn("opening hours are stale",
			zap.String("resource_id", string(resourceID)),
			zap.Bool("never_fetched", res.NeverFetched),
		)
	}
	return res, nil
}
