package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"gtfs-reconciler/internal/gtfs"
)

// Metrics receives per-file outcomes. A nil Metrics is ignored.
type Metrics interface {
	SnapshotLoaded(reports int)
	SnapshotFailed()
}

type Options struct {
	Format         Format
	Workers        int
	Retries        int
	InitialBackoff time.Duration
}

type LoadStats struct {
	Files   int
	Failed  int
	Reports int
	Skipped int // entities without trip or stop sequence
	// Days holds the reports decoded per requested capture day.
	Days map[gtfs.ServiceDate]int
}

// ReportsOn returns the number of reports captured on day.
func (s LoadStats) ReportsOn(day gtfs.ServiceDate) int { return s.Days[day] }

type Loader struct {
	src     Source
	opts    Options
	logger  *slog.Logger
	metrics Metrics
}

func NewLoader(src Source, opts Options, logger *slog.Logger, m Metrics) *Loader {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	return &Loader{src: src, opts: opts, logger: logger, metrics: m}
}

type fileJob struct {
	key string
	day gtfs.ServiceDate
}

type fileResult struct {
	reports []gtfs.VehiclePositionReport
	skipped int
	ok      bool
}

// Load reads every snapshot captured on the given days. Files are fetched
// concurrently by a bounded pool; a file that still fails after its retries
// is logged and left out. Reports come back in (day, key) order so a run is
// reproducible regardless of completion order. Only listing failures and
// context cancellation are returned as errors.
func (l *Loader) Load(ctx context.Context, days ...gtfs.ServiceDate) ([]gtfs.VehiclePositionReport, LoadStats, error) {
	var jobs []fileJob
	for _, day := range days {
		keys, err := l.src.List(ctx, day)
		if err != nil {
			return nil, LoadStats{}, fmt.Errorf("list snapshots for %s: %w", day, err)
		}
		for _, k := range keys {
			jobs = append(jobs, fileJob{key: k, day: day})
		}
	}

	results := make([]fileResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			reports, skipped, err := l.loadFile(gctx, job)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				l.logger.Warn("skipping snapshot", "key", job.key, "err", err)
				if l.metrics != nil {
					l.metrics.SnapshotFailed()
				}
				return nil
			}
			results[i] = fileResult{reports: reports, skipped: skipped, ok: true}
			if l.metrics != nil {
				l.metrics.SnapshotLoaded(len(reports))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, LoadStats{}, err
	}

	stats := LoadStats{Files: len(jobs), Days: make(map[gtfs.ServiceDate]int, len(days))}
	for _, day := range days {
		stats.Days[day] = 0
	}
	var out []gtfs.VehiclePositionReport
	for i, r := range results {
		if !r.ok {
			stats.Failed++
			continue
		}
		stats.Skipped += r.skipped
		stats.Days[jobs[i].day] += len(r.reports)
		out = append(out, r.reports...)
	}
	stats.Reports = len(out)
	l.logger.Info("snapshots loaded",
		"files", stats.Files, "failed", stats.Failed,
		"reports", stats.Reports, "skipped_entities", stats.Skipped)
	return out, stats, nil
}

type decoded struct {
	reports []gtfs.VehiclePositionReport
	skipped int
}

func (l *Loader) loadFile(ctx context.Context, job fileJob) ([]gtfs.VehiclePositionReport, int, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = l.opts.InitialBackoff
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(l.opts.Retries)), ctx)

	d, err := backoff.RetryNotifyWithData(func() (decoded, error) {
		return l.readFile(ctx, job)
	}, b, func(err error, wait time.Duration) {
		l.logger.Debug("retrying snapshot", "key", job.key, "wait", wait, "err", err)
	})
	return d.reports, d.skipped, err
}

func (l *Loader) readFile(ctx context.Context, job fileJob) (decoded, error) {
	rc, err := l.src.Open(ctx, job.key)
	if errors.Is(err, fs.ErrNotExist) {
		return decoded{}, backoff.Permanent(err)
	}
	if err != nil {
		return decoded{}, err
	}
	defer rc.Close()

	fm, err := DecodeFeed(rc, l.opts.Format.resolve(job.key, job.day))
	if err != nil {
		return decoded{}, err
	}
	fetch, _ := FetchTimeFromName(job.key)
	reports, skipped, err := Reports(fm, fetch)
	if err != nil {
		return decoded{}, backoff.Permanent(err)
	}
	for _, e := range skipped {
		l.logger.Debug("entity dropped, no trip or stop sequence",
			"key", job.key, "entity_id", e.EntityID, "vehicle_id", e.VehicleID, "trip_id", e.TripID)
	}
	return decoded{reports: reports, skipped: len(skipped)}, nil
}
