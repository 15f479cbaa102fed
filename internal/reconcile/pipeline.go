package reconcile

import (
	"errors"
	"time"

	"gtfs-reconciler/internal/gtfs"
	"gtfs-reconciler/internal/schedule"
)

var (
	ErrEmptySchedule = errors.New("reconcile: schedule is empty")
	ErrNoPositions   = errors.New("reconcile: no vehicle positions")
)

const (
	DefaultDayBoundaryTolerance = 2 * time.Hour
	DefaultOffsetTolerance      = 30 * time.Minute
)

type Options struct {
	ServiceDate gtfs.ServiceDate
	// DayBoundaryTolerance bounds |fetch time - scheduled arrival| when
	// separating a trip from its namesake on the adjacent day.
	DayBoundaryTolerance time.Duration
	// OffsetTolerance bounds the final |offset|.
	OffsetTolerance time.Duration
}

func (o Options) withDefaults() Options {
	if o.DayBoundaryTolerance <= 0 {
		o.DayBoundaryTolerance = DefaultDayBoundaryTolerance
	}
	if o.OffsetTolerance <= 0 {
		o.OffsetTolerance = DefaultOffsetTolerance
	}
	return o
}

// Stats counts the rows surviving each stage of a run.
type Stats struct {
	ScheduledVisits int
	Reports         int
	Deduplicated    int
	Matched         int
	WithOffset      int
	WithinTolerance int
	Visits          int
}

type Result struct {
	Visits []gtfs.ReconciledStopVisit
	Stats  Stats
}

// Run reconciles one service day. schedule must already be normalised for
// opts.ServiceDate; reports should cover that day and the next so trips
// running past midnight are complete. Run is pure: the same inputs always
// produce the same visits.
func Run(visits []gtfs.ScheduledStopVisit, reports []gtfs.VehiclePositionReport, opts Options) (*Result, error) {
	if len(visits) == 0 {
		return nil, ErrEmptySchedule
	}
	if len(reports) == 0 {
		return nil, ErrNoPositions
	}
	opts = opts.withDefaults()
	idx := schedule.NewIndex(visits)

	res := &Result{}
	res.Stats.ScheduledVisits = idx.Len()
	res.Stats.Reports = len(reports)

	deduped := Deduplicate(reports)
	res.Stats.Deduplicated = len(deduped)

	obs := FilterDayBoundary(deduped, idx, int64(opts.DayBoundaryTolerance/time.Second))
	res.Stats.Matched = len(obs)

	obs = ComputeOffsets(obs, idx)
	for _, o := range obs {
		if o.HasOffset {
			res.Stats.WithOffset++
		}
	}

	obs = ApplyTolerance(obs, int64(opts.OffsetTolerance/time.Second))
	res.Stats.WithinTolerance = len(obs)

	res.Visits = Aggregate(obs)
	for i := range res.Visits {
		res.Visits[i].ServiceDate = opts.ServiceDate
	}
	res.Stats.Visits = len(res.Visits)
	return res, nil
}
