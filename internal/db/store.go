package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"gtfs-reconciler/internal/gtfs"
	"gtfs-reconciler/internal/segments"
)

//go:embed schema.sql
var schemaSQL string

const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one row of reconcile_runs.
type Run struct {
	ID          string
	ServiceDate gtfs.ServiceDate
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      string
	Files       int
	FailedFiles int
	Reports     int
	Visits      int
	Segments    int
	Error       string
}

// Store persists reconciled days. Writing a day replaces whatever an
// earlier run wrote for it.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

func NewStore(db *sql.DB, driver string, logger *slog.Logger) *Store {
	return &Store{db: db, driver: driver, logger: logger}
}

func (s *Store) q(query string) string { return rebind(s.driver, query) }

// Migrate creates the result tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.Debug("schema ensured", "driver", s.driver)
	return nil
}

// WriteDay replaces the visits and segments of run.ServiceDate and records
// the run, all in one transaction.
func (s *Store) WriteDay(ctx context.Context, run Run, visits []gtfs.ReconciledStopVisit, segs []segments.Segment) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	date := run.ServiceDate.String()
	for _, table := range []string{"reconciled_stop_visits", "stop_segments"} {
		if _, err = tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE service_date = $1`), date); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err = s.insertVisits(ctx, tx, run.ID, date, visits); err != nil {
		return err
	}
	if err = s.insertSegments(ctx, tx, run.ID, date, segs); err != nil {
		return err
	}
	if err = s.insertRun(ctx, tx, run); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("day written", "date", date, "run_id", run.ID, "visits", len(visits), "segments", len(segs))
	return nil
}

// RecordRun stores a run row on its own, for runs that wrote no data.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := s.insertRun(ctx, tx, run); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) insertVisits(ctx context.Context, tx *sql.Tx, runID, date string, visits []gtfs.ReconciledStopVisit) error {
	stmt, err := tx.PrepareContext(ctx, s.q(`
INSERT INTO reconciled_stop_visits (
  service_date, trip_id, stop_sequence, route_id, shape_id, stop_id, vehicle_id,
  occupancy_status, arrival_offset, departure_offset, offset_sec, scheduled_arrival,
  observations, run_id
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`))
	if err != nil {
		return fmt.Errorf("prepare visits: %w", err)
	}
	defer stmt.Close()
	for _, v := range visits {
		if _, err := stmt.ExecContext(ctx,
			date, v.TripID, v.StopSequence, v.RouteID, v.ShapeID, v.StopID, v.VehicleID,
			v.OccupancyStatus, v.ArrivalOffset, v.DepartureOffset, v.Offset, v.ArrivalInstant,
			v.Observations, runID,
		); err != nil {
			return fmt.Errorf("insert visit trip=%s seq=%d: %w", v.TripID, v.StopSequence, err)
		}
	}
	return nil
}

func (s *Store) insertSegments(ctx context.Context, tx *sql.Tx, runID, date string, segs []segments.Segment) error {
	stmt, err := tx.PrepareContext(ctx, s.q(`
INSERT INTO stop_segments (
  service_date, trip_id, from_sequence, to_sequence, route_id, shape_id,
  from_stop_id, to_stop_id, offset_difference, occupancy_status, scheduled_arrival, run_id
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`))
	if err != nil {
		return fmt.Errorf("prepare segments: %w", err)
	}
	defer stmt.Close()
	for _, g := range segs {
		if _, err := stmt.ExecContext(ctx,
			date, g.TripID, g.FromSequence, g.ToSequence, g.RouteID, g.ShapeID,
			g.FromStopID, g.ToStopID, g.OffsetDifference, g.OccupancyStatus, g.ArrivalInstant, runID,
		); err != nil {
			return fmt.Errorf("insert segment trip=%s seq=%d: %w", g.TripID, g.ToSequence, err)
		}
	}
	return nil
}

func (s *Store) insertRun(ctx context.Context, tx *sql.Tx, run Run) error {
	_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO reconcile_runs (
  run_id, service_date, started_at, finished_at, status,
  files, failed_files, reports, visits, segments, error
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`),
		run.ID, run.ServiceDate.String(), run.StartedAt.Unix(), run.FinishedAt.Unix(), run.Status,
		run.Files, run.FailedFiles, run.Reports, run.Visits, run.Segments, run.Error,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// Visits returns the stored visits of a day in (trip_id, stop_sequence)
// order, trip IDs compared with gtfs.CompareIDs.
func (s *Store) Visits(ctx context.Context, date gtfs.ServiceDate) ([]gtfs.ReconciledStopVisit, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT trip_id, stop_sequence, route_id, shape_id, stop_id, vehicle_id, occupancy_status,
       arrival_offset, departure_offset, offset_sec, scheduled_arrival, observations
FROM reconciled_stop_visits
WHERE service_date = $1
ORDER BY trip_id, stop_sequence`), date.String())
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()

	var out []gtfs.ReconciledStopVisit
	for rows.Next() {
		v := gtfs.ReconciledStopVisit{ServiceDate: date}
		if err := rows.Scan(&v.TripID, &v.StopSequence, &v.RouteID, &v.ShapeID, &v.StopID, &v.VehicleID,
			&v.OccupancyStatus, &v.ArrivalOffset, &v.DepartureOffset, &v.Offset, &v.ArrivalInstant, &v.Observations); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// trip_id is text in the table, so "10" sorts before "9" there.
	slices.SortStableFunc(out, func(a, b gtfs.ReconciledStopVisit) int {
		if c := gtfs.CompareIDs(a.TripID, b.TripID); c != 0 {
			return c
		}
		return a.StopSequence - b.StopSequence
	})
	return out, nil
}

// CountSegments returns how many segments are stored for a day.
func (s *Store) CountSegments(ctx context.Context, date gtfs.ServiceDate) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM stop_segments WHERE service_date = $1`), date.String()).Scan(&n)
	return n, err
}

// LastRun returns the most recently finished run of a day.
func (s *Store) LastRun(ctx context.Context, date gtfs.ServiceDate) (*Run, error) {
	run := &Run{ServiceDate: date}
	var started, finished int64
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT run_id, started_at, finished_at, status, files, failed_files, reports, visits, segments, error
FROM reconcile_runs
WHERE service_date = $1
ORDER BY finished_at DESC, started_at DESC
LIMIT 1`), date.String()).Scan(&run.ID, &started, &finished, &run.Status,
		&run.Files, &run.FailedFiles, &run.Reports, &run.Visits, &run.Segments, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last run: %w", err)
	}
	run.StartedAt = time.Unix(started, 0)
	run.FinishedAt = time.Unix(finished, 0)
	return run, nil
}
