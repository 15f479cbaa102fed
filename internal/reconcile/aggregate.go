package reconcile

import (
	"slices"

	"gtfs-reconciler/internal/gtfs"
)

// Aggregate collapses the observations of each (trip_id, stop_sequence)
// into one visit. The earliest observation in fetch order gives the arrival
// offset and the latest the departure offset; a single observation gives
// both. Offset is their mean, kept as a float so half seconds survive.
// Occupancy is the first reading that is not Unknown.
func Aggregate(obs []Observation) []gtfs.ReconciledStopVisit {
	sorted := slices.Clone(obs)
	slices.SortStableFunc(sorted, func(a, b Observation) int {
		if c := gtfs.CompareIDs(a.TripID, b.TripID); c != 0 {
			return c
		}
		if c := a.StopSequence - b.StopSequence; c != 0 {
			return c
		}
		return byFetch(a.VehiclePositionReport, b.VehiclePositionReport)
	})

	var visits []gtfs.ReconciledStopVisit
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) &&
			sorted[end].TripID == sorted[start].TripID &&
			sorted[end].StopSequence == sorted[start].StopSequence {
			end++
		}
		visits = append(visits, collapse(sorted[start:end]))
		start = end
	}
	return visits
}

func collapse(group []Observation) gtfs.ReconciledStopVisit {
	first, last := group[0], group[len(group)-1]
	v := gtfs.ReconciledStopVisit{
		TripID:          first.TripID,
		RouteID:         first.RouteID,
		ShapeID:         first.Visit.ShapeID,
		StopID:          first.Visit.StopID,
		StopSequence:    first.StopSequence,
		VehicleID:       first.VehicleID,
		OccupancyStatus: gtfs.UnknownOccupancy,
		ArrivalOffset:   first.Offset,
		DepartureOffset: last.Offset,
		Offset:          float64(first.Offset+last.Offset) / 2,
		ArrivalInstant:  first.Visit.ArrivalInstant,
		Observations:    len(group),
	}
	if v.RouteID == "" {
		v.RouteID = first.Visit.RouteID
	}
	for _, o := range group {
		if o.OccupancyStatus != "" && o.OccupancyStatus != gtfs.UnknownOccupancy {
			v.OccupancyStatus = o.OccupancyStatus
			break
		}
	}
	return v
}
