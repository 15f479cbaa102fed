package reconcile

import (
	"slices"

	"gtfs-reconciler/internal/gtfs"
	"gtfs-reconciler/internal/schedule"
)

// ComputeOffsets assigns each observation its offset from the scheduled
// arrival. Offsets carried in are discarded. Rules run in order and a later
// rule only fills offsets an earlier rule left empty:
//
//  1. STOPPED_AT: the report's own position timestamp.
//  2. IN_TRANSIT_TO: the position timestamp of the next report of the same
//     trip, in fetch order. Nothing when the trip has no later report.
//  3. Last scheduled stop of the trip, not STOPPED_AT: the position
//     timestamp of the next report of the same vehicle, in fetch order,
//     whatever trip it is serving by then.
//
// The input order does not matter; both orderings are established here.
// The result is ordered by (trip_id, fetch time).
func ComputeOffsets(obs []Observation, idx *schedule.Index) []Observation {
	out := slices.Clone(obs)
	for i := range out {
		out[i].Offset, out[i].HasOffset = 0, false
	}
	slices.SortStableFunc(out, func(a, b Observation) int {
		return byTripFetch(a.VehiclePositionReport, b.VehiclePositionReport)
	})

	for i := range out {
		o := &out[i]
		if o.Status == gtfs.StatusStoppedAt {
			o.setOffset(o.PositionTimestamp)
		}
	}

	for i := range out {
		o := &out[i]
		if o.HasOffset || o.Status != gtfs.StatusInTransitTo {
			continue
		}
		if i+1 < len(out) && out[i+1].TripID == o.TripID {
			o.setOffset(out[i+1].PositionTimestamp)
		}
	}

	byVehicle := make([]int, len(out))
	for i := range byVehicle {
		byVehicle[i] = i
	}
	slices.SortStableFunc(byVehicle, func(a, b int) int {
		return byVehicleFetch(out[a].VehiclePositionReport, out[b].VehiclePositionReport)
	})
	for k, i := range byVehicle {
		o := &out[i]
		if o.HasOffset || o.Status == gtfs.StatusStoppedAt || o.VehicleID == "" {
			continue
		}
		if !idx.IsLastStop(o.TripID, o.StopSequence) || k+1 >= len(byVehicle) {
			continue
		}
		next := out[byVehicle[k+1]]
		if next.VehicleID == o.VehicleID {
			o.setOffset(next.PositionTimestamp)
		}
	}
	return out
}

func (o *Observation) setOffset(at int64) {
	o.Offset = at - o.Visit.ArrivalInstant
	o.HasOffset = true
}

// ApplyTolerance drops observations without an offset and those whose
// offset magnitude exceeds tolerance seconds. The boundary is inclusive.
// Larger offsets come from skipped stops or shadow vehicles rather than
// genuine lateness.
func ApplyTolerance(obs []Observation, tolerance int64) []Observation {
	out := make([]Observation, 0, len(obs))
	for _, o := range obs {
		if o.HasOffset && abs(o.Offset) <= tolerance {
			out = append(out, o)
		}
	}
	return out
}
