// Package segments derives stop-to-stop delay changes from reconciled visits.
package segments

import (
	"slices"

	"gtfs-reconciler/internal/gtfs"
)

// Segment is the delay gained (positive) or recovered (negative) between
// two consecutive observed stops of one trip.
type Segment struct {
	ServiceDate      gtfs.ServiceDate
	TripID           string
	RouteID          string
	ShapeID          string
	FromStopID       string
	ToStopID         string
	FromSequence     int
	ToSequence       int
	OffsetDifference int64 // seconds, truncated toward zero
	OccupancyStatus  string
	ArrivalInstant   int64 // scheduled arrival at ToStopID
}

// Compute pairs each visit with the previous observed visit of the same
// trip. Stops without an observation are skipped over, so a segment may
// span several scheduled stops. No segment crosses a trip boundary.
func Compute(visits []gtfs.ReconciledStopVisit) []Segment {
	sorted := slices.Clone(visits)
	slices.SortStableFunc(sorted, func(a, b gtfs.ReconciledStopVisit) int {
		if c := gtfs.CompareIDs(a.TripID, b.TripID); c != 0 {
			return c
		}
		if c := a.StopSequence - b.StopSequence; c != 0 {
			return c
		}
		switch {
		case a.ArrivalInstant < b.ArrivalInstant:
			return -1
		case a.ArrivalInstant > b.ArrivalInstant:
			return 1
		}
		return 0
	})

	var out []Segment
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.TripID != cur.TripID {
			continue
		}
		out = append(out, Segment{
			ServiceDate:      cur.ServiceDate,
			TripID:           cur.TripID,
			RouteID:          cur.RouteID,
			ShapeID:          cur.ShapeID,
			FromStopID:       prev.StopID,
			ToStopID:         cur.StopID,
			FromSequence:     prev.StopSequence,
			ToSequence:       cur.StopSequence,
			OffsetDifference: int64(cur.Offset - prev.Offset),
			OccupancyStatus:  cur.OccupancyStatus,
			ArrivalInstant:   cur.ArrivalInstant,
		})
	}
	return out
}
