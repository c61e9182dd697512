/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every source the availability engine and the allocator read,
  plus the two write paths that must be safe under concurrency: creating a
  reservation and saving allocated slots.

INTERFACES IMPLEMENTED:
  generic.CalendarSource:    Opening hours and their latest fetch time
  generic.ReservationStore:  Reservations with a commit-time overlap guard
  generic.BlackoutSource:    Application round blackouts
  generic.SpaceStore:        Space tree and the precomputed hierarchy
  generic.UnitSource:        Reservation unit constraints
  allocation.Store:          Rounds, sections and allocated slots

KEY TABLES:
  reservation_units:      Booking constraints per unit
  opening_hours_sync:     When opening hours were last fetched per unit
  reservable_time_spans:  Opening hours as delivered by the provider
  reservations:           Existing bookings (times as unix seconds)
  application_rounds:     Seasonal rounds, application_round_units links units
  spaces, unit_spaces:    The physical space tree
  space_hierarchy:        Closure table: unit -> related unit
  application_sections:   Allocation requests, with suitable_time_ranges and
                          unit_options as children
  allocated_time_slots:   Allocator output, UNIQUE(section_id, day_of_week)

CONCURRENCY:
  Transactions are opened with _txlock=immediate, so a write transaction
  holds SQLite's write lock from its first statement. InsertReservation reads
  the related reservations and runs the guard inside that transaction; two
  requests racing for the same slot are serialized and the loser sees the
  winner's row. Unique violations on allocated_time_slots are reported as
  generic.ErrConcurrencyConflict.

QUERIES:
  Built with squirrel. Instants are stored as unix seconds so range
  predicates compare integers; local dates are stored as YYYY-MM-DD text.

USAGE:
  store, err := sqlite.New("./data/varaamo.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"

	"github.com/varaamo/availability-engine/allocation"
	"github.com/varaamo/availability-engine/generic"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reservation_units (
		id TEXT PRIMARY KEY,
		start_interval_s INTEGER NOT NULL DEFAULT 0,
		min_duration_s INTEGER NOT NULL DEFAULT 0,
		max_duration_s INTEGER NOT NULL DEFAULT 0,
		min_days_before INTEGER,
		max_days_before INTEGER,
		reservation_begins INTEGER,
		reservation_ends INTEGER,
		buffer_before_s INTEGER NOT NULL DEFAULT 0,
		buffer_after_s INTEGER NOT NULL DEFAULT 0,
		block_whole_day BOOLEAN NOT NULL DEFAULT FALSE
	);

	-- Opening hours
	CREATE TABLE IF NOT EXISTS opening_hours_sync (
		resource_id TEXT PRIMARY KEY,
		latest_fetched_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reservable_time_spans (
		resource_id TEXT NOT NULL,
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reservable_resource_start
		ON reservable_time_spans(resource_id, start_at);

	-- Reservations
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		reservation_unit_id TEXT NOT NULL,
		begin_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		buffer_before_s INTEGER NOT NULL DEFAULT 0,
		buffer_after_s INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		block_whole_day BOOLEAN NOT NULL DEFAULT FALSE,
		created_at INTEGER NOT NULL
	);

	-- Hot path: reservations of related units in a window
	CREATE INDEX IF NOT EXISTS idx_reservations_unit_begin
		ON reservations(reservation_unit_id, begin_at);

	-- Application rounds
	CREATE TABLE IF NOT EXISTS application_rounds (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		period_begin TEXT NOT NULL,
		period_end TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS application_round_units (
		round_id TEXT NOT NULL REFERENCES application_rounds(id) ON DELETE CASCADE,
		resource_id TEXT NOT NULL,
		PRIMARY KEY (round_id, resource_id)
	);

	CREATE INDEX IF NOT EXISTS idx_round_units_resource
		ON application_round_units(resource_id);

	-- Space tree and closure table
	CREATE TABLE IF NOT EXISTS spaces (
		id TEXT PRIMARY KEY,
		parent_id TEXT
	);

	CREATE TABLE IF NOT EXISTS unit_spaces (
		resource_id TEXT NOT NULL,
		space_id TEXT NOT NULL,
		PRIMARY KEY (resource_id, space_id)
	);

	CREATE TABLE IF NOT EXISTS space_hierarchy (
		resource_id TEXT NOT NULL,
		related_id TEXT NOT NULL,
		PRIMARY KEY (resource_id, related_id)
	);

	-- Allocation
	CREATE TABLE IF NOT EXISTS application_sections (
		id TEXT PRIMARY KEY,
		application_id TEXT NOT NULL,
		round_id TEXT NOT NULL,
		applicant_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		submitted_at INTEGER NOT NULL,
		applied_per_week INTEGER NOT NULL,
		min_duration_s INTEGER NOT NULL DEFAULT 0,
		max_duration_s INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sections_round
		ON application_sections(round_id);

	CREATE TABLE IF NOT EXISTS suitable_time_ranges (
		section_id TEXT NOT NULL REFERENCES application_sections(id) ON DELETE CASCADE,
		day_of_week INTEGER NOT NULL,
		begin_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		priority TEXT NOT NULL DEFAULT 'PRIMARY'
	);

	CREATE TABLE IF NOT EXISTS unit_options (
		id TEXT PRIMARY KEY,
		section_id TEXT NOT NULL REFERENCES application_sections(id) ON DELETE CASCADE,
		reservation_unit_id TEXT NOT NULL,
		preferred_order INTEGER NOT NULL,
		locked BOOLEAN NOT NULL DEFAULT FALSE,
		rejected BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS allocated_time_slots (
		id TEXT PRIMARY KEY,
		section_id TEXT NOT NULL,
		option_id TEXT NOT NULL,
		reservation_unit_id TEXT NOT NULL,
		day_of_week INTEGER NOT NULL,
		begin_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- CRITICAL: one slot per section and weekday, enforced at commit
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_section_day
		ON allocated_time_slots(section_id, day_of_week);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset clears every table. Used by the demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{
			"allocated_time_slots", "unit_options", "suitable_time_ranges", "application_sections",
			"space_hierarchy", "unit_spaces", "spaces",
			"application_round_units", "application_rounds",
			"reservations", "reservable_time_spans", "opening_hours_sync", "reservation_units",
		} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// =============================================================================
// RESERVATION UNITS (generic.UnitSource)
// =============================================================================

var unitColumns = []string{
	"id", "start_interval_s", "min_duration_s", "max_duration_s",
	"min_days_before", "max_days_before", "reservation_begins", "reservation_ends",
	"buffer_before_s", "buffer_after_s", "block_whole_day",
}

// SaveUnit inserts or replaces a unit's constraints.
func (s *Store) SaveUnit(ctx context.Context, u generic.UnitConstraints) error {
	query, args, err := builder.Insert("reservation_units").
		Options("OR REPLACE").
		Columns(unitColumns...).
		Values(
			u.ResourceID,
			seconds(u.StartInterval),
			seconds(u.MinDuration),
			seconds(u.MaxDuration),
			nullInt(u.MinDaysBefore),
			nullInt(u.MaxDaysBefore),
			nullUnix(u.ReservationBegins),
			nullUnix(u.ReservationEnds),
			seconds(u.BufferBefore),
			seconds(u.BufferAfter),
			u.BlockWholeDay,
		).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build unit insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save unit: %w", err)
	}
	return nil
}

func (s *Store) UnitConstraints(ctx context.Context, id generic.ResourceID) (generic.UnitConstraints, error) {
	units, err := s.queryUnits(ctx, builder.Select(unitColumns...).From("reservation_units").Where(sq.Eq{"id": id}))
	if err != nil {
		return generic.UnitConstraints{}, err
	}
	if len(units) == 0 {
		return generic.UnitConstraints{}, generic.ErrResourceNotFound
	}
	return units[0], nil
}

// ListUnits returns every unit ordered by id.
func (s *Store) ListUnits(ctx context.Context) ([]generic.UnitConstraints, error) {
	return s.queryUnits(ctx, builder.Select(unitColumns...).From("reservation_units").OrderBy("id"))
}

func (s *Store) queryUnits(ctx context.Context, q sq.SelectBuilder) ([]generic.UnitConstraints, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build unit query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()

	var units []generic.UnitConstraints
	for rows.Next() {
		var (
			u                                      generic.UnitConstraints
			interval, minD, maxD, before, after    int64
			minDays, maxDays, beginsUnix, endsUnix sql.NullInt64
		)
		if err := rows.Scan(&u.ResourceID, &interval, &minD, &maxD, &minDays, &maxDays,
			&beginsUnix, &endsUnix, &before, &after, &u.BlockWholeDay); err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		u.StartInterval = duration(interval)
		u.MinDuration = duration(minD)
		u.MaxDuration = duration(maxD)
		u.BufferBefore = duration(before)
		u.BufferAfter = duration(after)
		u.MinDaysBefore = intFromNull(minDays)
		u.MaxDaysBefore = intFromNull(maxDays)
		u.ReservationBegins = timeFromNull(beginsUnix)
		u.ReservationEnds = timeFromNull(endsUnix)
		units = append(units, u)
	}
	return units, rows.Err()
}

// =============================================================================
// OPENING HOURS (generic.CalendarSource)
// =============================================================================

// SaveOpeningHours replaces the reservable spans of a resource and records
// the fetch time, atomically.
func (s *Store) SaveOpeningHours(ctx context.Context, resourceID generic.ResourceID, fetchedAt time.Time, spans []generic.TimeSpan) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM reservable_time_spans WHERE resource_id = ?", resourceID); err != nil {
			return fmt.Errorf("failed to clear opening hours: %w", err)
		}
		if len(spans) > 0 {
			insert := builder.Insert("reservable_time_spans").Columns("resource_id", "start_at", "end_at")
			for _, span := range spans {
				insert = insert.Values(resourceID, span.Start.Unix(), span.End.Unix())
			}
			query, args, err := insert.ToSql()
			if err != nil {
				return fmt.Errorf("failed to build opening hours insert: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to save opening hours: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO opening_hours_sync (resource_id, latest_fetched_at) VALUES (?, ?)",
			resourceID, fetchedAt.Unix())
		return err
	})
}

func (s *Store) ReservableTimeSpans(ctx context.Context, id generic.ResourceID, within generic.TimeSpan) ([]generic.ReservableTimeSpan, error) {
	query, args, err := builder.Select("start_at", "end_at").
		From("reservable_time_spans").
		Where(sq.Eq{"resource_id": id}).
		Where(sq.Lt{"start_at": within.End.Unix()}).
		Where(sq.Gt{"end_at": within.Start.Unix()}).
		OrderBy("start_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build opening hours query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query opening hours: %w", err)
	}
	defer rows.Close()

	var out []generic.ReservableTimeSpan
	for rows.Next() {
		var start, end int64
		if err := rows.Scan(&start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan opening hours: %w", err)
		}
		out = append(out, generic.ReservableTimeSpan{
			ResourceID: id,
			TimeSpan:   generic.TimeSpan{Start: fromUnix(start), End: fromUnix(end)},
		})
	}
	return out, rows.Err()
}

func (s *Store) LatestFetched(ctx context.Context, id generic.ResourceID) (*time.Time, error) {
	var fetched int64
	err := s.db.QueryRowContext(ctx,
		"SELECT latest_fetched_at FROM opening_hours_sync WHERE resource_id = ?", id).Scan(&fetched)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest fetch: %w", err)
	}
	t := fromUnix(fetched)
	return &t, nil
}

// =============================================================================
// RESERVATIONS (generic.ReservationStore)
// =============================================================================

var reservationColumns = []string{
	"id", "reservation_unit_id", "begin_at", "end_at", "buffer_before_s", "buffer_after_s",
	"type", "state", "block_whole_day",
}

func (s *Store) Reservations(ctx context.Context, units []generic.ResourceID, within generic.TimeSpan) ([]generic.Reservation, error) {
	return queryReservations(ctx, s.db, units, within)
}

func queryReservations(ctx context.Context, q queryer, units []generic.ResourceID, within generic.TimeSpan) ([]generic.Reservation, error) {
	if len(units) == 0 {
		return nil, nil
	}
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = string(u)
	}

	query, args, err := builder.Select(reservationColumns...).
		From("reservations").
		Where(sq.Eq{"reservation_unit_id": ids}).
		Where(sq.Expr("begin_at - buffer_before_s < ?", within.End.Unix())).
		Where(sq.Expr("end_at + buffer_after_s > ?", within.Start.Unix())).
		OrderBy("begin_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build reservation query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []generic.Reservation
	for rows.Next() {
		var (
			r                         generic.Reservation
			begin, end, before, after int64
		)
		if err := rows.Scan(&r.ID, &r.ReservationUnitID, &begin, &end, &before, &after,
			&r.Type, &r.State, &r.BlockWholeDay); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		r.Begin, r.End = fromUnix(begin), fromUnix(end)
		r.BufferBefore, r.BufferAfter = duration(before), duration(after)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveReservation stores a reservation without any overlap check. Used for
// imports and demo data.
func (s *Store) SaveReservation(ctx context.Context, r generic.Reservation) error {
	return insertReservation(ctx, s.db, r, "OR REPLACE")
}

// InsertReservation re-runs the guard inside an immediate transaction and
// inserts r only when it still passes.
func (s *Store) InsertReservation(ctx context.Context, r generic.Reservation, guard generic.ReservationGuard) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if guard.Check != nil {
			current, err := queryReservations(ctx, tx, guard.Units, guard.Window)
			if err != nil {
				return err
			}
			if !guard.Check(current) {
				return generic.ErrConcurrencyConflict
			}
		}
		return insertReservation(ctx, tx, r, "")
	})
}

func insertReservation(ctx context.Context, q queryer, r generic.Reservation, option string) error {
	insert := builder.Insert("reservations")
	if option != "" {
		insert = insert.Options(option)
	}
	query, args, err := insert.
		Columns(append(reservationColumns, "created_at")...).
		Values(
			r.ID, r.ReservationUnitID, r.Begin.Unix(), r.End.Unix(),
			seconds(r.BufferBefore), seconds(r.BufferAfter),
			r.Type, r.State, r.BlockWholeDay, time.Now().Unix(),
		).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build reservation insert: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrConcurrencyConflict
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

// =============================================================================
// APPLICATION ROUNDS (generic.BlackoutSource)
// =============================================================================

// SaveRound inserts or replaces a round and its units.
func (s *Store) SaveRound(ctx context.Context, r generic.ApplicationRound) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := builder.Insert("application_rounds").
			Options("OR REPLACE").
			Columns("id", "name", "status", "period_begin", "period_end").
			Values(r.ID, r.Name, r.Status, r.ReservationPeriod.Start.String(), r.ReservationPeriod.End.String()).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build round insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to save round: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM application_round_units WHERE round_id = ?", r.ID); err != nil {
			return fmt.Errorf("failed to clear round units: %w", err)
		}
		for _, id := range r.ResourceIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO application_round_units (round_id, resource_id) VALUES (?, ?)", r.ID, id); err != nil {
				return fmt.Errorf("failed to save round unit: %w", err)
			}
		}
		return nil
	})
}

// SetRoundStatus moves a round through its lifecycle. The blackout it
// imposes follows the status on the next read.
func (s *Store) SetRoundStatus(ctx context.Context, id generic.RoundID, status generic.RoundStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE application_rounds SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update round status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrRoundNotFound
	}
	return nil
}

func (s *Store) Round(ctx context.Context, id generic.RoundID) (generic.ApplicationRound, error) {
	var (
		r          generic.ApplicationRound
		begin, end string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, status, period_begin, period_end FROM application_rounds WHERE id = ?", id).
		Scan(&r.ID, &r.Name, &r.Status, &begin, &end)
	if err == sql.ErrNoRows {
		return generic.ApplicationRound{}, generic.ErrRoundNotFound
	}
	if err != nil {
		return generic.ApplicationRound{}, fmt.Errorf("failed to query round: %w", err)
	}
	if r.ReservationPeriod.Start, err = generic.ParseDate(begin); err != nil {
		return generic.ApplicationRound{}, err
	}
	if r.ReservationPeriod.End, err = generic.ParseDate(end); err != nil {
		return generic.ApplicationRound{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT resource_id FROM application_round_units WHERE round_id = ? ORDER BY resource_id", id)
	if err != nil {
		return generic.ApplicationRound{}, fmt.Errorf("failed to query round units: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var unit generic.ResourceID
		if err := rows.Scan(&unit); err != nil {
			return generic.ApplicationRound{}, fmt.Errorf("failed to scan round unit: %w", err)
		}
		r.ResourceIDs = append(r.ResourceIDs, unit)
	}
	return r, rows.Err()
}

func (s *Store) Blackouts(ctx context.Context, id generic.ResourceID, within generic.TimeSpan) ([]generic.ApplicationRoundBlackout, error) {
	// dates are local; a day of slack on each side covers any offset
	from := dateColumn(generic.DateOf(within.Start, time.UTC).AddDays(-1))
	to := dateColumn(generic.DateOf(within.End, time.UTC).AddDays(1))

	query, args, err := builder.Select("r.id").
		From("application_rounds r").
		Join("application_round_units u ON u.round_id = r.id").
		Where(sq.Eq{"u.resource_id": id}).
		Where(sq.Eq{"r.status": []string{
			string(generic.RoundOpen), string(generic.RoundInAllocation), string(generic.RoundHandled),
		}}).
		Where(sq.LtOrEq{"r.period_begin": to}).
		Where(sq.GtOrEq{"r.period_end": from}).
		OrderBy("r.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build blackout query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blackouts: %w", err)
	}
	var ids []generic.RoundID
	for rows.Next() {
		var rid generic.RoundID
		if err := rows.Scan(&rid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan blackout: %w", err)
		}
		ids = append(ids, rid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []generic.ApplicationRoundBlackout
	for _, rid := range ids {
		round, err := s.Round(ctx, rid)
		if err != nil {
			return nil, err
		}
		if b, active := round.Blackout(); active {
			out = append(out, b)
		}
	}
	return out, nil
}

// =============================================================================
// SPACE HIERARCHY (generic.SpaceStore)
// =============================================================================

// SaveSpaceTree replaces the space tree and unit placements.
func (s *Store) SaveSpaceTree(ctx context.Context, spaces []generic.Space, unitSpaces map[generic.ResourceID][]generic.SpaceID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"spaces", "unit_spaces"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		for _, sp := range spaces {
			var parent sql.NullString
			if sp.ParentID != nil {
				parent = sql.NullString{String: string(*sp.ParentID), Valid: true}
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO spaces (id, parent_id) VALUES (?, ?)", sp.ID, parent); err != nil {
				return fmt.Errorf("failed to save space: %w", err)
			}
		}
		for unit, ids := range unitSpaces {
			for _, id := range ids {
				if _, err := tx.ExecContext(ctx,
					"INSERT OR IGNORE INTO unit_spaces (resource_id, space_id) VALUES (?, ?)", unit, id); err != nil {
					return fmt.Errorf("failed to save unit space: %w", err)
				}
			}
		}
		return nil
	})
}

func (s *Store) SpaceTree(ctx context.Context) ([]generic.Space, map[generic.ResourceID][]generic.SpaceID, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, parent_id FROM spaces ORDER BY id")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query spaces: %w", err)
	}
	var spaces []generic.Space
	for rows.Next() {
		var (
			sp     generic.Space
			parent sql.NullString
		)
		if err := rows.Scan(&sp.ID, &parent); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan space: %w", err)
		}
		if parent.Valid {
			p := generic.SpaceID(parent.String)
			sp.ParentID = &p
		}
		spaces = append(spaces, sp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	// Units without a placement still get an entry, so they end up related
	// only to themselves instead of unknown.
	rows, err = s.db.QueryContext(ctx, `
		SELECT resource_id, space_id FROM unit_spaces
		UNION ALL
		SELECT id, NULL FROM reservation_units
		WHERE id NOT IN (SELECT resource_id FROM unit_spaces)
		ORDER BY 1, 2`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query unit spaces: %w", err)
	}
	defer rows.Close()
	unitSpaces := make(map[generic.ResourceID][]generic.SpaceID)
	for rows.Next() {
		var (
			unit generic.ResourceID
			id   sql.NullString
		)
		if err := rows.Scan(&unit, &id); err != nil {
			return nil, nil, fmt.Errorf("failed to scan unit space: %w", err)
		}
		if !id.Valid {
			unitSpaces[unit] = nil
			continue
		}
		unitSpaces[unit] = append(unitSpaces[unit], generic.SpaceID(id.String))
	}
	return spaces, unitSpaces, rows.Err()
}

func (s *Store) SpaceHierarchy(ctx context.Context) (generic.SpaceHierarchy, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT resource_id, related_id FROM space_hierarchy")
	if err != nil {
		return generic.SpaceHierarchy{}, fmt.Errorf("failed to query space hierarchy: %w", err)
	}
	defer rows.Close()

	closure := make(map[generic.ResourceID][]generic.ResourceID)
	for rows.Next() {
		var unit, related generic.ResourceID
		if err := rows.Scan(&unit, &related); err != nil {
			return generic.SpaceHierarchy{}, fmt.Errorf("failed to scan space hierarchy: %w", err)
		}
		closure[unit] = append(closure[unit], related)
	}
	if err := rows.Err(); err != nil {
		return generic.SpaceHierarchy{}, err
	}
	return generic.NewSpaceHierarchy(closure), nil
}

// ReplaceSpaceHierarchy swaps the closure table in one transaction, so
// readers see either the old or the new hierarchy.
func (s *Store) ReplaceSpaceHierarchy(ctx context.Context, h generic.SpaceHierarchy) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM space_hierarchy"); err != nil {
			return fmt.Errorf("failed to clear space hierarchy: %w", err)
		}
		for unit, related := range h.Closure() {
			for _, other := range related {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO space_hierarchy (resource_id, related_id) VALUES (?, ?)", unit, other); err != nil {
					return fmt.Errorf("failed to save space hierarchy: %w", err)
				}
			}
		}
		return nil
	})
}

// =============================================================================
// ALLOCATION (allocation.Store)
// =============================================================================

// SaveSection inserts or replaces a section with its ranges and options.
func (s *Store) SaveSection(ctx context.Context, sec allocation.Section) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := builder.Insert("application_sections").
			Options("OR REPLACE").
			Columns("id", "application_id", "round_id", "applicant_id", "status", "submitted_at",
				"applied_per_week", "min_duration_s", "max_duration_s").
			Values(sec.ID, sec.ApplicationID, sec.RoundID, sec.ApplicantID, sec.Status, sec.SubmittedAt.Unix(),
				sec.AppliedReservationsPerWeek, seconds(sec.MinDuration), seconds(sec.MaxDuration)).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build section insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to save section: %w", err)
		}

		for _, table := range []string{"suitable_time_ranges", "unit_options"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE section_id = ?", sec.ID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		for _, r := range sec.SuitableTimeRanges {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO suitable_time_ranges (section_id, day_of_week, begin_minute, end_minute, priority) VALUES (?, ?, ?, ?, ?)",
				sec.ID, int(r.DayOfWeek), int(r.Begin), int(r.End), priorityOrDefault(r.Priority)); err != nil {
				return fmt.Errorf("failed to save suitable time range: %w", err)
			}
		}
		for _, o := range sec.Options {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO unit_options (id, section_id, reservation_unit_id, preferred_order, locked, rejected) VALUES (?, ?, ?, ?, ?, ?)",
				o.ID, sec.ID, o.ReservationUnitID, o.PreferredOrder, o.Locked, o.Rejected); err != nil {
				return fmt.Errorf("failed to save unit option: %w", err)
			}
		}
		return nil
	})
}

var sectionColumns = []string{
	"id", "application_id", "round_id", "applicant_id", "status", "submitted_at",
	"applied_per_week", "min_duration_s", "max_duration_s",
}

func (s *Store) Sections(ctx context.Context, roundID generic.RoundID) ([]allocation.Section, error) {
	return s.querySections(ctx, builder.Select(sectionColumns...).From("application_sections").
		Where(sq.Eq{"round_id": roundID}).OrderBy("id"))
}

func (s *Store) Section(ctx context.Context, id allocation.SectionID) (allocation.Section, error) {
	sections, err := s.querySections(ctx, builder.Select(sectionColumns...).From("application_sections").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return allocation.Section{}, err
	}
	if len(sections) == 0 {
		return allocation.Section{}, generic.ErrSectionNotFound
	}
	return sections[0], nil
}

func (s *Store) querySections(ctx context.Context, q sq.SelectBuilder) ([]allocation.Section, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build section query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sections: %w", err)
	}
	var sections []allocation.Section
	for rows.Next() {
		var (
			sec                   allocation.Section
			submitted, minD, maxD int64
		)
		if err := rows.Scan(&sec.ID, &sec.ApplicationID, &sec.RoundID, &sec.ApplicantID, &sec.Status,
			&submitted, &sec.AppliedReservationsPerWeek, &minD, &maxD); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		sec.SubmittedAt = fromUnix(submitted)
		sec.MinDuration, sec.MaxDuration = duration(minD), duration(maxD)
		sections = append(sections, sec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sections {
		if err := s.loadSectionChildren(ctx, &sections[i]); err != nil {
			return nil, err
		}
	}
	return sections, nil
}

func (s *Store) loadSectionChildren(ctx context.Context, sec *allocation.Section) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT day_of_week, begin_minute, end_minute, priority FROM suitable_time_ranges WHERE section_id = ? ORDER BY day_of_week, begin_minute",
		sec.ID)
	if err != nil {
		return fmt.Errorf("failed to query suitable time ranges: %w", err)
	}
	for rows.Next() {
		var (
			r         allocation.SuitableTimeRange
			day, b, e int
		)
		if err := rows.Scan(&day, &b, &e, &r.Priority); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan suitable time range: %w", err)
		}
		r.DayOfWeek, r.Begin, r.End = allocation.DayOfWeek(day), generic.TimeOfDay(b), generic.TimeOfDay(e)
		sec.SuitableTimeRanges = append(sec.SuitableTimeRanges, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx,
		"SELECT id, reservation_unit_id, preferred_order, locked, rejected FROM unit_options WHERE section_id = ? ORDER BY preferred_order, id",
		sec.ID)
	if err != nil {
		return fmt.Errorf("failed to query unit options: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o allocation.ReservationUnitOption
		if err := rows.Scan(&o.ID, &o.ReservationUnitID, &o.PreferredOrder, &o.Locked, &o.Rejected); err != nil {
			return fmt.Errorf("failed to scan unit option: %w", err)
		}
		sec.Options = append(sec.Options, o)
	}
	return rows.Err()
}

func (s *Store) AllocatedSlots(ctx context.Context, roundID generic.RoundID) ([]allocation.AllocatedTimeSlot, error) {
	query, args, err := builder.Select(
		"a.id", "a.section_id", "a.option_id", "a.reservation_unit_id",
		"a.day_of_week", "a.begin_minute", "a.end_minute", "a.run_id",
	).
		From("allocated_time_slots a").
		Join("application_sections s ON s.id = a.section_id").
		Where(sq.Eq{"s.round_id": roundID}).
		OrderBy("a.created_at", "a.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build slot query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocated slots: %w", err)
	}
	defer rows.Close()

	var out []allocation.AllocatedTimeSlot
	for rows.Next() {
		var (
			slot      allocation.AllocatedTimeSlot
			day, b, e int
		)
		if err := rows.Scan(&slot.ID, &slot.SectionID, &slot.OptionID, &slot.ReservationUnitID,
			&day, &b, &e, &slot.RunID); err != nil {
			return nil, fmt.Errorf("failed to scan allocated slot: %w", err)
		}
		slot.DayOfWeek, slot.Begin, slot.End = allocation.DayOfWeek(day), generic.TimeOfDay(b), generic.TimeOfDay(e)
		out = append(out, slot)
	}
	return out, rows.Err()
}

// SaveAllocations inserts all slots or none. A second slot for the same
// section and weekday fails the batch with generic.ErrConcurrencyConflict.
func (s *Store) SaveAllocations(ctx context.Context, _ generic.RoundID, slots []allocation.AllocatedTimeSlot) error {
	if len(slots) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		insert := builder.Insert("allocated_time_slots").
			Columns("id", "section_id", "option_id", "reservation_unit_id",
				"day_of_week", "begin_minute", "end_minute", "run_id", "created_at")
		for _, slot := range slots {
			insert = insert.Values(slot.ID, slot.SectionID, slot.OptionID, slot.ReservationUnitID,
				int(slot.DayOfWeek), int(slot.Begin), int(slot.End), slot.RunID, now)
		}
		query, args, err := insert.ToSql()
		if err != nil {
			return fmt.Errorf("failed to build slot insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueConstraintError(err) {
				return generic.ErrConcurrencyConflict
			}
			return fmt.Errorf("failed to save allocations: %w", err)
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func seconds(d time.Duration) int64 { return int64(d / time.Second) }

func duration(s int64) time.Duration { return time.Duration(s) * time.Second }

func fromUnix(s int64) time.Time { return time.Unix(s, 0).UTC() }

// dateColumn renders d for comparison with a TEXT date column. Dates are
// compared as strings, so years are clamped to four digits.
func dateColumn(d generic.Date) string {
	switch {
	case d.Year < 1:
		return "0001-01-01"
	case d.Year > 9999:
		return "9999-12-31"
	}
	return d.String()
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func priorityOrDefault(p allocation.Priority) allocation.Priority {
	if p == "" {
		return allocation.PriorityPrimary
	}
	return p
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
