// Package job runs the reconciliation of one service day end to end.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gtfs-reconciler/internal/db"
	"gtfs-reconciler/internal/gtfs"
	mmetrics "gtfs-reconciler/internal/metrics"
	"gtfs-reconciler/internal/publisher"
	"gtfs-reconciler/internal/reconcile"
	"gtfs-reconciler/internal/schedule"
	"gtfs-reconciler/internal/segments"
	"gtfs-reconciler/internal/snapshot"
)

type SnapshotLoader interface {
	Load(ctx context.Context, days ...gtfs.ServiceDate) ([]gtfs.VehiclePositionReport, snapshot.LoadStats, error)
}

type Sink interface {
	WriteDay(ctx context.Context, run db.Run, visits []gtfs.ReconciledStopVisit, segs []segments.Segment) error
	RecordRun(ctx context.Context, run db.Run) error
}

type Publisher interface {
	PublishRun(s publisher.RunSummary) error
}

type Options struct {
	Location             *time.Location
	DayBoundaryTolerance time.Duration
	OffsetTolerance      time.Duration
	// DryRun reconciles without writing to the sink.
	DryRun bool
}

// Summary describes a finished run, successful or not.
type Summary struct {
	RunID          string
	ServiceDate    gtfs.ServiceDate
	Status         string
	Err            error
	ScheduleRows   int
	ScheduleIssues int
	Load           snapshot.LoadStats
	Stats          reconcile.Stats
	Segments       int
	MeanOffset     float64
	StartedAt      time.Time
	Duration       time.Duration
	DryRun         bool
}

type Runner struct {
	schedule  schedule.Source
	snapshots SnapshotLoader
	sink      Sink      // nil disables writing
	pub       Publisher // nil disables publishing
	metrics   *mmetrics.Collector
	opts      Options
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewRunner(src schedule.Source, snaps SnapshotLoader, sink Sink, pub Publisher, m *mmetrics.Collector, opts Options, logger *slog.Logger) *Runner {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Runner{
		schedule:  src,
		snapshots: snaps,
		sink:      sink,
		pub:       pub,
		metrics:   m,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Run reconciles date. Snapshots of the following calendar day are loaded
// too, since trips of date may run past midnight. A returned error means
// nothing was written for the day; the summary is still filled in.
func (r *Runner) Run(ctx context.Context, date gtfs.ServiceDate) (*Summary, error) {
	sum := &Summary{
		RunID:       r.newID(),
		ServiceDate: date,
		StartedAt:   r.now(),
		DryRun:      r.opts.DryRun,
	}
	log := r.logger.With("run_id", sum.RunID, "date", date.String())
	log.Info("run started", "dry_run", r.opts.DryRun)

	visits, segs, err := r.reconcile(ctx, date, sum, log)
	if err == nil && !r.opts.DryRun && r.sink != nil {
		err = r.sink.WriteDay(ctx, r.runRecord(sum, db.RunSucceeded), visits, segs)
		if err != nil {
			err = fmt.Errorf("write results: %w", err)
		}
	}

	sum.Duration = r.now().Sub(sum.StartedAt)
	if err != nil {
		sum.Status, sum.Err = db.RunFailed, err
		log.Error("run failed", "err", err)
		if !r.opts.DryRun && r.sink != nil {
			// Use a fresh context so a cancelled run is still recorded.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if rerr := r.sink.RecordRun(rctx, r.runRecord(sum, db.RunFailed)); rerr != nil {
				log.Warn("record failed run", "err", rerr)
			}
			cancel()
		}
	} else {
		sum.Status = db.RunSucceeded
		log.Info("run finished",
			"visits", sum.Stats.Visits, "segments", sum.Segments,
			"mean_offset_sec", sum.MeanOffset, "duration", sum.Duration)
	}

	r.observe(sum)
	r.publish(sum, log)
	return sum, err
}

func (r *Runner) reconcile(ctx context.Context, date gtfs.ServiceDate, sum *Summary, log *slog.Logger) ([]gtfs.ReconciledStopVisit, []segments.Segment, error) {
	rows, err := r.schedule.StopTimes(ctx, date)
	if err != nil {
		return nil, nil, fmt.Errorf("load schedule: %w", err)
	}
	sum.ScheduleRows = len(rows)

	visits, issues := schedule.Normalize(rows, date, r.opts.Location)
	sum.ScheduleIssues = len(issues)
	for _, issue := range issues {
		log.Debug("schedule row dropped", "err", issue)
	}
	if len(issues) > 0 {
		log.Warn("schedule rows dropped", "count", len(issues))
	}

	reports, load, err := r.snapshots.Load(ctx, date, date.AddDays(1))
	if err != nil {
		return nil, nil, fmt.Errorf("load snapshots: %w", err)
	}
	sum.Load = load
	// Reports of the next day only complete trips that cross midnight; they
	// cannot stand in for the service day itself.
	if load.ReportsOn(date) == 0 {
		return nil, nil, fmt.Errorf("%w captured on %s", reconcile.ErrNoPositions, date)
	}

	res, err := reconcile.Run(visits, reports, reconcile.Options{
		ServiceDate:          date,
		DayBoundaryTolerance: r.opts.DayBoundaryTolerance,
		OffsetTolerance:      r.opts.OffsetTolerance,
	})
	if err != nil {
		return nil, nil, err
	}
	sum.Stats = res.Stats
	sum.MeanOffset = meanOffset(res.Visits)

	segs := segments.Compute(res.Visits)
	sum.Segments = len(segs)
	return res.Visits, segs, nil
}

func (r *Runner) runRecord(sum *Summary, status string) db.Run {
	run := db.Run{
		ID:          sum.RunID,
		ServiceDate: sum.ServiceDate,
		StartedAt:   sum.StartedAt,
		FinishedAt:  r.now(),
		Status:      status,
		Files:       sum.Load.Files,
		FailedFiles: sum.Load.Failed,
		Reports:     sum.Load.Reports,
		Visits:      sum.Stats.Visits,
		Segments:    sum.Segments,
	}
	if sum.Err != nil {
		run.Error = sum.Err.Error()
	}
	return run
}

func (r *Runner) observe(sum *Summary) {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveStages(map[string]int{
		"scheduled":        sum.Stats.ScheduledVisits,
		"reports":          sum.Stats.Reports,
		"deduplicated":     sum.Stats.Deduplicated,
		"matched":          sum.Stats.Matched,
		"with_offset":      sum.Stats.WithOffset,
		"within_tolerance": sum.Stats.WithinTolerance,
		"visits":           sum.Stats.Visits,
	})
	if sum.Status == db.RunSucceeded && !sum.DryRun {
		r.metrics.VisitsWritten.Add(float64(sum.Stats.Visits))
		r.metrics.Segments.Add(float64(sum.Segments))
	}
	r.metrics.ObserveRun(sum.Status, sum.Duration, sum.StartedAt.Add(sum.Duration))
}

// publish announces the run. A publish failure does not fail the run.
func (r *Runner) publish(sum *Summary, log *slog.Logger) {
	if r.pub == nil {
		return
	}
	msg := publisher.RunSummary{
		RunID:        sum.RunID,
		ServiceDate:  sum.ServiceDate.String(),
		Status:       sum.Status,
		Files:        sum.Load.Files,
		FailedFiles:  sum.Load.Failed,
		Reports:      sum.Load.Reports,
		Visits:       sum.Stats.Visits,
		Segments:     sum.Segments,
		MeanOffset:   sum.MeanOffset,
		DryRun:       sum.DryRun,
		FinishedAt:   sum.StartedAt.Add(sum.Duration).UTC(),
		DurationSecs: sum.Duration.Seconds(),
	}
	if sum.Err != nil {
		msg.Error = sum.Err.Error()
	}
	if err := r.pub.PublishRun(msg); err != nil {
		log.Warn("publish run summary", "err", err)
	}
}

func meanOffset(visits []gtfs.ReconciledStopVisit) float64 {
	if len(visits) == 0 {
		return 0
	}
	var sum float64
	for _, v := range visits {
		sum += v.Offset
	}
	return sum / float64(len(visits))
}
