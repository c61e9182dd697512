/*
scheduler.go - Background space hierarchy refresher

PURPOSE:
  Keeps the precomputed space hierarchy (closure table) in step with the
  space tree. Availability checks only ever read the closure table; the tree
  is walked here, out of band.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Rebuilds immediately on start, then on every tick
  - Each rebuild reads the tree, computes the closure in memory and swaps
    the stored hierarchy in one transaction
  - A failed rebuild keeps the previous hierarchy; it is logged and retried
    on the next tick

CONFIGURATION:
  - Interval: How often to rebuild (scheduler.hierarchy_refresh_interval)
  - Enabled:  Whether the refresher runs at all

USAGE:
  refresher := NewHierarchyRefresher(store, logger)
  refresher.Start()
  // ... later
  refresher.Stop()

SEE ALSO:
  - handlers.go: RefreshHierarchy endpoint (manual rebuild)
  - generic/hierarchy.go: BuildSpaceHierarchy
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/varaamo/availability-engine/generic"
)

// HierarchyRefresher rebuilds the space hierarchy on a ticker.
type HierarchyRefresher struct {
	Store    generic.SpaceStore
	Logger   *zap.Logger
	Metrics  *Metrics
	Interval time.Duration
	Enabled  bool

	// Timeout bounds a single rebuild.
	Timeout time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	// serializes rebuilds from the ticker and the admin endpoint
	refreshMu sync.Mutex
}

// NewHierarchyRefresher creates a refresher with a ten minute interval.
func NewHierarchyRefresher(store generic.SpaceStore, logger *zap.Logger) *HierarchyRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HierarchyRefresher{
		Store:    store,
		Logger:   logger,
		Interval: 10 * time.Minute,
		Enabled:  true,
		Timeout:  time.Minute,
	}
}

// Start begins the refresher.
func (hr *HierarchyRefresher) Start() {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	if !hr.Enabled {
		hr.Logger.Info("hierarchy refresher disabled, not starting")
		return
	}
	if hr.ticker != nil {
		return
	}

	hr.ticker = time.NewTicker(hr.Interval)
	hr.stop = make(chan struct{})
	hr.wg.Add(1)

	go hr.run(hr.ticker, hr.stop)

	hr.Logger.Info("hierarchy refresher started", zap.Duration("interval", hr.Interval))
}

// Stop stops the refresher and waits for a running rebuild to finish.
func (hr *HierarchyRefresher) Stop() {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	if hr.ticker != nil {
		hr.ticker.Stop()
		close(hr.stop)
		hr.wg.Wait()
		hr.ticker = nil
		hr.Logger.Info("hierarchy refresher stopped")
	}
}

func (hr *HierarchyRefresher) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer hr.wg.Done()

	hr.tick()
	for {
		select {
		case <-ticker.C:
			hr.tick()
		case <-stop:
			return
		}
	}
}

func (hr *HierarchyRefresher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), hr.Timeout)
	defer cancel()
	if _, err := hr.Refresh(ctx); err != nil {
		hr.Logger.Error("hierarchy refresh failed, keeping previous hierarchy", zap.Error(err))
	}
}

// RefreshStats describes one rebuild.
type RefreshStats struct {
	Spaces   int
	Units    int
	Duration time.Duration
}

// Refresh rebuilds the hierarchy now.
func (hr *HierarchyRefresher) Refresh(ctx context.Context) (stats RefreshStats, err error) {
	hr.refreshMu.Lock()
	defer hr.refreshMu.Unlock()

	if hr.Metrics != nil {
		defer func() { hr.Metrics.refreshOutcome(err) }()
	}
	start := time.Now()

	spaces, unitSpaces, err := hr.Store.SpaceTree(ctx)
	if err != nil {
		return RefreshStats{}, fmt.Errorf("failed to read space tree: %w", err)
	}
	h := generic.BuildSpaceHierarchy(spaces, unitSpaces)
	if err := hr.Store.ReplaceSpaceHierarchy(ctx, h); err != nil {
		return RefreshStats{}, fmt.Errorf("failed to store space hierarchy: %w", err)
	}

	stats = RefreshStats{Spaces: len(spaces), Units: len(h.Units()), Duration: time.Since(start)}
	hr.Logger.Info("space hierarchy rebuilt",
		zap.Int("spaces", stats.Spaces),
		zap.Int("units", stats.Units),
		zap.Duration("took", stats.Duration),
	)
	return stats, nil
}
