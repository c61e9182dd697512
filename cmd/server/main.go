/*
main.go - Application entry point

PURPOSE:
  Command line for the Varaamo availability and allocation engine. Runs the
  HTTP server and offers one-off commands against the same database.

COMMANDS:
  serve              Run the HTTP API with the hierarchy refresher
  allocate           Run allocation for one application round
  first-reservable   Print the first reservable time of one or more units
  refresh-hierarchy  Rebuild the space hierarchy once
  version            Print build information

GLOBAL FLAGS:
  --config     TOML config file (default: none, built-in defaults)
  --db         SQLite database path, overrides database.path
               Use ":memory:" for an in-memory database
  --log-level  Overrides log.level (debug, info, warn, error)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the hierarchy refresher
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  # Run with a config file
  ./varaamo-engine serve --config=config.toml

  # Run in memory on another port
  ./varaamo-engine serve --db=":memory:" --port=3000

  # Allocate a round from the command line
  ./varaamo-engine allocate --round=autumn

  # Search two units from tomorrow on
  ./varaamo-engine first-reservable --unit=hall --unit=gym --date-start=2024-05-21

SEE ALSO:
  - config/config.go: Configuration file format
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/varaamo/availability-engine/api"
	"github.com/varaamo/availability-engine/availability"
	"github.com/varaamo/availability-engine/config"
	"github.com/varaamo/availability-engine/factory"
	"github.com/varaamo/availability-engine/generic"
	"github.com/varaamo/availability-engine/store/sqlite"
)

var (
	Version   = "dev"
	CommitSHA = "none"
)

type globalFlags struct {
	configPath string
	dbPath     string
	logLevel   string
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func NewRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "varaamo-engine",
		Short:         "Availability and seasonal allocation engine for reservable spaces",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "TOML config file")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "SQLite database path (overrides database.path)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (overrides log.level)")

	root.AddCommand(newServeCmd(&g))
	root.AddCommand(newAllocateCmd(&g))
	root.AddCommand(newFirstReservableCmd(&g))
	root.AddCommand(newRefreshCmd(&g))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "varaamo-engine %s (%s)\n", Version, CommitSHA)
		},
	})
	return root
}

// =============================================================================
// SHARED SETUP
// =============================================================================

// app is everything a command needs, built from config and flags.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	store   *sqlite.Store
	handler *api.Handler
}

func setup(g *globalFlags) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dbPath != "" {
		cfg.Database.Path = g.dbPath
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	handler := api.NewHandler(store, availability.Options{
		Location:      cfg.Location(),
		FetchTimeout:  cfg.Engine.FetchTimeout.Duration,
		SearchHorizon: cfg.SearchHorizon(),
		StaleAfter:    cfg.Engine.StaleAfter.Duration,
		Logger:        logger,
	})
	handler.Refresher.Interval = cfg.Scheduler.HierarchyRefreshInterval.Duration

	return &app{cfg: cfg, logger: logger, store: store, handler: handler}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		port      int
		noRefresh bool
		noMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the hierarchy refresher",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g)
			if err != nil {
				return err
			}
			defer a.close()

			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if noMetrics {
				a.cfg.Metrics.Enabled = false
			}
			a.handler.Refresher.Enabled = !noRefresh

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, a)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP server port (overrides server.port)")
	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "do not run the background hierarchy refresher")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "do not serve Prometheus metrics")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	router := api.NewRouter(a.handler, api.RouterOptions{
		RequestTimeout: a.cfg.Server.RequestTimeout.Duration,
		MetricsPath:    a.cfg.Metrics.Path,
		DisableMetrics: !a.cfg.Metrics.Enabled,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a.handler.Refresher.Start()
	defer a.handler.Refresher.Stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			zap.Int("port", a.cfg.Server.Port),
			zap.String("db", a.cfg.Database.Path),
			zap.String("timezone", a.cfg.Engine.Timezone),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

// =============================================================================
// ONE-OFF COMMANDS
// =============================================================================

func newAllocateCmd(g *globalFlags) *cobra.Command {
	var roundID string

	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Run allocation for an application round and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if _, err := a.handler.Refresher.Refresh(ctx); err != nil {
				return err
			}
			result, err := a.handler.Allocation.Allocate(ctx, generic.RoundID(roundID))
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"run_id":          result.RunID,
				"allocated":       len(result.Allocated),
				"rejected":        result.Rejected,
				"allocated_hours": result.AllocatedHours.StringFixed(2),
			})
		},
	}
	cmd.Flags().StringVar(&roundID, "round", "", "application round id")
	_ = cmd.MarkFlagRequired("round")
	return cmd
}

func newFirstReservableCmd(g *globalFlags) *cobra.Command {
	var (
		units       []string
		dateStart   string
		dateEnd     string
		timeStart   string
		timeEnd     string
		minDuration int
		onlyOpen    bool
	)

	cmd := &cobra.Command{
		Use:   "first-reservable",
		Short: "Print the first reservable start time of units",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			// Same syntax as the HTTP query parameters.
			q := url.Values{}
			set := func(key, v string) {
				if v != "" {
					q.Set(key, v)
				}
			}
			set("reservable_date_start", dateStart)
			set("reservable_date_end", dateEnd)
			set("reservable_time_start", timeStart)
			set("reservable_time_end", timeEnd)
			if cmd.Flags().Changed("min-duration") {
				q.Set("reservable_minimum_duration_minutes", strconv.Itoa(minDuration))
			}
			if onlyOpen {
				q.Set("show_only_reservable", "true")
			}
			filters, err := factory.ParseFilters(q)
			if err != nil {
				return err
			}

			constraints := make([]generic.UnitConstraints, 0, len(units))
			for _, id := range units {
				u, err := a.store.UnitConstraints(ctx, generic.ResourceID(id))
				if err != nil {
					return err
				}
				constraints = append(constraints, u)
			}

			results, err := a.handler.Engine.FirstReservableMany(ctx, constraints, filters, time.Now())
			if err != nil {
				return err
			}
			loc := a.handler.Engine.Location()
			out := make([]map[string]any, len(results))
			for i, r := range results {
				row := map[string]any{
					"reservation_unit_id": r.ResourceID,
					"is_closed":           r.Result.IsClosed,
					"stale":               r.Result.Stale,
				}
				if r.Result.FirstReservableAt != nil {
					row["first_reservable_datetime"] = r.Result.FirstReservableAt.In(loc).Format(time.RFC3339)
				}
				out[i] = row
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringSliceVar(&units, "unit", nil, "reservation unit id (repeatable)")
	cmd.Flags().StringVar(&dateStart, "date-start", "", "first local date to search (YYYY-MM-DD)")
	cmd.Flags().StringVar(&dateEnd, "date-end", "", "last local date to search (YYYY-MM-DD)")
	cmd.Flags().StringVar(&timeStart, "time-start", "", "earliest local time of day (HH:MM)")
	cmd.Flags().StringVar(&timeEnd, "time-end", "", "latest local time of day (HH:MM)")
	cmd.Flags().IntVar(&minDuration, "min-duration", 0, "minimum duration in minutes")
	cmd.Flags().BoolVar(&onlyOpen, "only-reservable", false, "omit units without a reservable time")
	_ = cmd.MarkFlagRequired("unit")
	return cmd
}

func newRefreshCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-hierarchy",
		Short: "Rebuild the space hierarchy from the space tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.handler.Refresher.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"spaces":      stats.Spaces,
				"units":       stats.Units,
				"duration_ms": stats.Duration.Milliseconds(),
			})
		},
	}
}
