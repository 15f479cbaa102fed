package schedule

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"gtfs-reconciler/internal/gtfs"
)

var (
	ErrFieldCount = errors.New("expected HH:MM:SS")
	ErrNotNumeric = errors.New("non-numeric time field")
	ErrOutOfRange = errors.New("time field out of range")
)

// ParseError reports a schedule row whose arrival time could not be
// normalised. The row is dropped; the batch continues.
type ParseError struct {
	TripID string
	StopID string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("trip %s stop %s: arrival_time %q: %v", e.TripID, e.StopID, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DuplicateVisit reports a second schedule row for a (trip, stop_sequence)
// pair that already has an arrival instant.
type DuplicateVisit struct {
	TripID       string
	StopSequence int
}

func (e *DuplicateVisit) Error() string {
	return fmt.Sprintf("trip %s stop_sequence %d: duplicate schedule row dropped", e.TripID, e.StopSequence)
}

// ParseClock parses a GTFS time of day. Hours may exceed 23 for trips that
// run past midnight.
func ParseClock(s string) (h, m, sec int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, 0, 0, ErrFieldCount
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, ErrNotNumeric
		}
		vals[i] = v
	}
	h, m, sec = vals[0], vals[1], vals[2]
	if h < 0 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, 0, 0, ErrOutOfRange
	}
	return h, m, sec, nil
}

// ToInstant converts a time of day on the given service date into an
// absolute UNIX timestamp in loc. Every 24 hours past midnight moves the
// date forward one calendar day.
func ToInstant(clock string, date gtfs.ServiceDate, loc *time.Location) (int64, error) {
	h, m, s, err := ParseClock(clock)
	if err != nil {
		return 0, err
	}
	days := h / 24
	t := time.Date(date.Year, date.Month, date.Day+days, h%24, m, s, 0, loc)
	return t.Unix(), nil
}

// Normalize turns raw stop rows into scheduled visits with absolute arrival
// instants, sorted by (trip_id, stop_sequence). Rows that fail to parse, and
// repeated (trip_id, stop_sequence) pairs, are dropped and reported. Rows
// with an empty arrival time are untimed stops and are dropped silently.
func Normalize(rows []gtfs.StopTimeRow, date gtfs.ServiceDate, loc *time.Location) ([]gtfs.ScheduledStopVisit, []error) {
	var warnings []error
	visits := make([]gtfs.ScheduledStopVisit, 0, len(rows))
	for _, r := range rows {
		if strings.TrimSpace(r.ArrivalTime) == "" {
			continue
		}
		instant, err := ToInstant(r.ArrivalTime, date, loc)
		if err != nil {
			warnings = append(warnings, &ParseError{TripID: r.TripID, StopID: r.StopID, Value: r.ArrivalTime, Err: err})
			continue
		}
		visits = append(visits, gtfs.ScheduledStopVisit{
			TripID:         r.TripID,
			RouteID:        r.RouteID,
			ShapeID:        r.ShapeID,
			StopID:         r.StopID,
			StopSequence:   r.StopSequence,
			ArrivalTime:    r.ArrivalTime,
			ArrivalInstant: instant,
		})
	}

	slices.SortStableFunc(visits, func(a, b gtfs.ScheduledStopVisit) int {
		if c := gtfs.CompareIDs(a.TripID, b.TripID); c != 0 {
			return c
		}
		return a.StopSequence - b.StopSequence
	})

	out := visits[:0]
	for _, v := range visits {
		if n := len(out); n > 0 && v.TripID == out[n-1].TripID && v.StopSequence == out[n-1].StopSequence {
			warnings = append(warnings, &DuplicateVisit{TripID: v.TripID, StopSequence: v.StopSequence})
			continue
		}
		out = append(out, v)
	}
	return out, warnings
}
