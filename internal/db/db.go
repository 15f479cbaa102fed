package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"gtfs-reconciler/internal/gtfs"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// One writer at a time.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(time.Hour)
		return db, nil
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $n placeholders to ?n for SQLite.
func rebind(driver, q string) string {
	if driver != DriverSQLite {
		return q
	}
	return placeholder.ReplaceAllString(q, "?$1")
}

// ScheduleSource reads the stop rows of a service day from a Postgres
// database populated by a GTFS importer.
type ScheduleSource struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewScheduleSource(db *sql.DB, logger *slog.Logger) *ScheduleSource {
	return &ScheduleSource{db: db, logger: logger}
}

// StopTimes returns the stop_times rows of every trip whose service runs on
// date, in (trip_id, stop_sequence) order.
func (s *ScheduleSource) StopTimes(ctx context.Context, date gtfs.ServiceDate) ([]gtfs.StopTimeRow, error) {
	serviceIDs, err := fetchActiveServiceIDs(ctx, s.db, date)
	if err != nil {
		return nil, err
	}
	if len(serviceIDs) == 0 {
		s.logger.Warn("no active services", "date", date.String())
		return nil, nil
	}

	q := `
SELECT t.trip_id, t.route_id, COALESCE(t.shape_id, ''),
       st.stop_id, st.stop_sequence, COALESCE(st.arrival_time::text, '')
FROM trips t
JOIN stop_times st ON st.trip_id = t.trip_id
WHERE t.service_id = ANY($1)
ORDER BY t.trip_id, st.stop_sequence`
	rows, err := s.db.QueryContext(ctx, q, serviceIDs)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	var out []gtfs.StopTimeRow
	for rows.Next() {
		var r gtfs.StopTimeRow
		if err := rows.Scan(&r.TripID, &r.RouteID, &r.ShapeID, &r.StopID, &r.StopSequence, &r.ArrivalTime); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.logger.Info("schedule loaded", "date", date.String(), "services", len(serviceIDs), "rows", len(out))
	return out, nil
}

func fetchActiveServiceIDs(ctx context.Context, db *sql.DB, date gtfs.ServiceDate) ([]string, error) {
	// calendar has booleans (0/1). calendar_dates has exception_type (1 add, 2 remove)
	q := `
WITH base AS (
  SELECT service_id
  FROM calendar
  WHERE start_date <= $1::date AND end_date >= $1::date
    AND (
      ($2 = 0 AND (sunday::text IN ('1','t','true','available'))) OR
      ($2 = 1 AND (monday::text IN ('1','t','true','available'))) OR
      ($2 = 2 AND (tuesday::text IN ('1','t','true','available'))) OR
      ($2 = 3 AND (wednesday::text IN ('1','t','true','available'))) OR
      ($2 = 4 AND (thursday::text IN ('1','t','true','available'))) OR
      ($2 = 5 AND (friday::text IN ('1','t','true','available'))) OR
      ($2 = 6 AND (saturday::text IN ('1','t','true','available')))
    )
), add_exc AS (
  SELECT service_id FROM calendar_dates WHERE date = $1::date AND (exception_type::text IN ('1','added'))
), rm_exc AS (
  SELECT service_id FROM calendar_dates WHERE date = $1::date AND (exception_type::text IN ('2','removed'))
)
SELECT DISTINCT service_id FROM (
  SELECT service_id FROM base
  UNION
  SELECT service_id FROM add_exc
) merged
WHERE service_id NOT IN (SELECT service_id FROM rm_exc)
ORDER BY service_id`

	rows, err := db.QueryContext(ctx, q, date.String(), int(date.Weekday()))
	if err != nil {
		return nil, fmt.Errorf("query active services: %w", err)
	}
	defer rows.Close()
	var svc []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		svc = append(svc, s)
	}
	return svc, rows.Err()
}
