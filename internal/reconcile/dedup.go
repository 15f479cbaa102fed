package reconcile

import (
	"slices"

	"gtfs-reconciler/internal/gtfs"
	"gtfs-reconciler/internal/schedule"
)

// Observation is a position report joined to the scheduled visit it refers to.
type Observation struct {
	gtfs.VehiclePositionReport
	Visit gtfs.ScheduledStopVisit

	Offset    int64 // seconds, valid when HasOffset
	HasOffset bool
}

func byTripFetch(a, b gtfs.VehiclePositionReport) int {
	if c := gtfs.CompareIDs(a.TripID, b.TripID); c != 0 {
		return c
	}
	return byFetch(a, b)
}

func byVehicleFetch(a, b gtfs.VehiclePositionReport) int {
	if c := gtfs.CompareIDs(a.VehicleID, b.VehicleID); c != 0 {
		return c
	}
	if c := cmpInt64(a.FetchTimestamp, b.FetchTimestamp); c != 0 {
		return c
	}
	if c := gtfs.CompareIDs(a.TripID, b.TripID); c != 0 {
		return c
	}
	if c := cmpInt64(a.PositionTimestamp, b.PositionTimestamp); c != 0 {
		return c
	}
	return a.StopSequence - b.StopSequence
}

// byFetch orders two reports of the same trip by capture time, falling back
// to the vehicle's own clock and then the stop sequence.
func byFetch(a, b gtfs.VehiclePositionReport) int {
	if c := cmpInt64(a.FetchTimestamp, b.FetchTimestamp); c != 0 {
		return c
	}
	if c := cmpInt64(a.PositionTimestamp, b.PositionTimestamp); c != 0 {
		return c
	}
	if c := a.StopSequence - b.StopSequence; c != 0 {
		return c
	}
	return gtfs.CompareIDs(a.VehicleID, b.VehicleID)
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Deduplicate reduces each trip's report stream to the rows that carry
// timing information: the first IN_TRANSIT_TO report after the stop
// sequence changes, and every STOPPED_AT report. The first report of a trip
// always counts as a change. The result is ordered by (trip_id, fetch time).
func Deduplicate(reports []gtfs.VehiclePositionReport) []gtfs.VehiclePositionReport {
	sorted := slices.Clone(reports)
	slices.SortStableFunc(sorted, byTripFetch)

	out := make([]gtfs.VehiclePositionReport, 0, len(sorted)/4)
	for i, r := range sorted {
		changed := i == 0 ||
			sorted[i-1].TripID != r.TripID ||
			sorted[i-1].StopSequence != r.StopSequence
		switch {
		case r.Status == gtfs.StatusStoppedAt:
			out = append(out, r)
		case changed && r.Status == gtfs.StatusInTransitTo:
			out = append(out, r)
		}
	}
	return out
}

// FilterDayBoundary joins reports to the schedule on (trip_id,
// stop_sequence). Reports without a scheduled visit are dropped, as are
// reports captured more than tolerance seconds away from the scheduled
// arrival: those belong to the same trip_id on an adjacent service day.
func FilterDayBoundary(reports []gtfs.VehiclePositionReport, idx *schedule.Index, tolerance int64) []Observation {
	out := make([]Observation, 0, len(reports))
	for _, r := range reports {
		visit, ok := idx.Lookup(r.TripID, r.StopSequence)
		if !ok {
			continue
		}
		if abs(r.FetchTimestamp-visit.ArrivalInstant) > tolerance {
			continue
		}
		out = append(out, Observation{VehiclePositionReport: r, Visit: visit})
	}
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
