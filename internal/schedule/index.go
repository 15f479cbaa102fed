package schedule

import "gtfs-reconciler/internal/gtfs"

// Index looks up scheduled visits by (trip_id, stop_sequence).
type Index struct {
	visits   map[gtfs.VisitKey]gtfs.ScheduledStopVisit
	lastStop map[string]int // trip_id -> highest scheduled stop_sequence
}

func NewIndex(visits []gtfs.ScheduledStopVisit) *Index {
	idx := &Index{
		visits:   make(map[gtfs.VisitKey]gtfs.ScheduledStopVisit, len(visits)),
		lastStop: make(map[string]int),
	}
	for _, v := range visits {
		k := gtfs.VisitKey{TripID: v.TripID, StopSequence: v.StopSequence}
		if _, ok := idx.visits[k]; ok {
			continue
		}
		idx.visits[k] = v
		if last, ok := idx.lastStop[v.TripID]; !ok || v.StopSequence > last {
			idx.lastStop[v.TripID] = v.StopSequence
		}
	}
	return idx
}

func (idx *Index) Lookup(tripID string, stopSequence int) (gtfs.ScheduledStopVisit, bool) {
	v, ok := idx.visits[gtfs.VisitKey{TripID: tripID, StopSequence: stopSequence}]
	return v, ok
}

// IsLastStop reports whether stopSequence is the final scheduled stop of the trip.
func (idx *Index) IsLastStop(tripID string, stopSequence int) bool {
	last, ok := idx.lastStop[tripID]
	return ok && last == stopSequence
}

func (idx *Index) Len() int { return len(idx.visits) }

func (idx *Index) Trips() int { return len(idx.lastStop) }
