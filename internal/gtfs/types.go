package gtfs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UnknownOccupancy is reported when a position carries no occupancy field.
const UnknownOccupancy = "Unknown"

type VehicleStatus int

const (
	StatusUnknown VehicleStatus = iota
	StatusIncomingAt
	StatusStoppedAt
	StatusInTransitTo
)

func (s VehicleStatus) String() string {
	switch s {
	case StatusIncomingAt:
		return "INCOMING_AT"
	case StatusStoppedAt:
		return "STOPPED_AT"
	case StatusInTransitTo:
		return "IN_TRANSIT_TO"
	default:
		return "UNKNOWN"
	}
}

// ParseVehicleStatus maps the GTFS-realtime enum name to a VehicleStatus.
func ParseVehicleStatus(s string) VehicleStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INCOMING_AT":
		return StatusIncomingAt
	case "STOPPED_AT":
		return StatusStoppedAt
	case "IN_TRANSIT_TO":
		return StatusInTransitTo
	default:
		return StatusUnknown
	}
}

// StopTimeRow is a raw schedule row before its arrival time is normalised.
type StopTimeRow struct {
	TripID       string
	RouteID      string
	ShapeID      string
	StopID       string
	StopSequence int
	ArrivalTime  string // HH:MM:SS, hours may exceed 23
}

type ScheduledStopVisit struct {
	TripID         string
	RouteID        string
	ShapeID        string
	StopID         string
	StopSequence   int
	ArrivalTime    string
	ArrivalInstant int64 // UNIX seconds
}

type VehiclePositionReport struct {
	TripID            string
	RouteID           string
	VehicleID         string
	StopSequence      int
	Status            VehicleStatus
	PositionTimestamp int64 // vehicle-reported, UNIX seconds
	FetchTimestamp    int64 // snapshot capture time, UNIX seconds
	OccupancyStatus   string
}

type ReconciledStopVisit struct {
	ServiceDate     ServiceDate
	TripID          string
	RouteID         string
	ShapeID         string
	StopID          string
	StopSequence    int
	VehicleID       string
	OccupancyStatus string
	ArrivalOffset   int64   // seconds, positive = late
	DepartureOffset int64   // seconds, positive = late
	Offset          float64 // mean of arrival and departure offsets
	ArrivalInstant  int64
	Observations    int // rows that contributed to the visit
}

// VisitKey identifies one scheduled stop visit within a service day.
type VisitKey struct {
	TripID       string
	StopSequence int
}

// ServiceDate is the operating calendar day a schedule belongs to,
// independent of wall-clock midnight.
type ServiceDate struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseServiceDate parses a YYYYMMDD date.
func ParseServiceDate(s string) (ServiceDate, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("20060102", s)
	if err != nil {
		return ServiceDate{}, fmt.Errorf("invalid service date %q: %w", s, err)
	}
	return ServiceDateOf(t), nil
}

// ServiceDateOf returns the calendar date of t in t's location.
func ServiceDateOf(t time.Time) ServiceDate {
	y, m, d := t.Date()
	return ServiceDate{Year: y, Month: m, Day: d}
}

// AddDays returns the date n calendar days later.
func (d ServiceDate) AddDays(n int) ServiceDate {
	return ServiceDateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

// Midnight returns 00:00:00 of the date in loc.
func (d ServiceDate) Midnight(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d ServiceDate) Weekday() time.Weekday {
	return d.Midnight(time.UTC).Weekday()
}

func (d ServiceDate) IsZero() bool { return d.Year == 0 }

// Compact formats the date as YYYYMMDD (GTFS calendar format).
func (d ServiceDate) Compact() string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, int(d.Month), d.Day)
}

// String formats the date as YYYY-MM-DD.
func (d ServiceDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Path formats the date as YYYY/MM/DD, the partition layout of snapshot storage.
func (d ServiceDate) Path() string {
	return fmt.Sprintf("%04d/%02d/%02d", d.Year, int(d.Month), d.Day)
}

// CompareIDs orders identifiers numerically when both are integers and
// lexically otherwise. Feeds use integer trip IDs but the type is a string.
func CompareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return strings.Compare(a, b)
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	return strings.Compare(a, b)
}
