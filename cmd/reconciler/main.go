package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	_ "time/tzdata"

	"gtfs-reconciler/internal/config"
	"gtfs-reconciler/internal/db"
	"gtfs-reconciler/internal/job"
	"gtfs-reconciler/internal/metrics"
	"gtfs-reconciler/internal/publisher"
	"gtfs-reconciler/internal/schedule"
	"gtfs-reconciler/internal/snapshot"
)

func main() {
	app := &cli.App{
		Name:  "gtfs-reconciler",
		Usage: "reconcile a day of GTFS-realtime vehicle positions against the static schedule",
		Commands: []*cli.Command{
			{
				Name:  "reconcile",
				Usage: "reconcile one service day and store the stop visits",
				Flags:  reconcileFlags(),
				Action: reconcileAction,
			},
			{
				Name:   "migrate",
				Usage:  "create the result tables",
				Action: migrateAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func reconcileFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "date", Usage: "service date as YYYYMMDD (default: yesterday)"},
		&cli.StringFlag{Name: "tz", Usage: "agency time zone"},
		&cli.StringFlag{Name: "snapshots", Usage: "root of the YYYY/MM/DD snapshot tree"},
		&cli.StringFlag{Name: "gtfs-dir", Usage: "directory holding the GTFS static files"},
		&cli.DurationFlag{Name: "day-tolerance", Usage: "max distance between capture time and scheduled arrival"},
		&cli.DurationFlag{Name: "offset-tolerance", Usage: "max absolute offset kept"},
		&cli.IntFlag{Name: "workers", Usage: "concurrent snapshot reads"},
		&cli.BoolFlag{Name: "dry-run", Usage: "reconcile without writing results"},
	}
}

// loadConfig reads file and environment settings, applies the command's
// flags on top, then validates the result.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Read()
	if err != nil {
		return nil, err
	}
	if v := c.String("date"); v != "" {
		cfg.ServiceDate = v
	}
	if v := c.String("tz"); v != "" {
		cfg.TZ = v
	}
	if v := c.String("snapshots"); v != "" {
		cfg.SnapshotDir = v
	}
	if v := c.String("gtfs-dir"); v != "" {
		cfg.GTFSDir = v
	}
	if v := c.Duration("day-tolerance"); v > 0 {
		cfg.DayBoundaryToleranceSec = int(v / time.Second)
	}
	if v := c.Duration("offset-tolerance"); v > 0 {
		cfg.OffsetToleranceSec = int(v / time.Second)
	}
	if v := c.Int("workers"); v > 0 {
		cfg.FetchWorkers = v
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

func reconcileAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err == nil {
		err = cfg.ValidateReconcile()
	}
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := newLogger(cfg)
	dryRun := c.Bool("dry-run")

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	date, err := cfg.ResolveServiceDate(time.Now())
	if err != nil {
		return err
	}

	mcol := metrics.NewCollector()
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	src, closeSrc, err := openSchedule(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSrc()

	var sink job.Sink
	if !dryRun {
		store, conn, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		sink = store
	}

	var pub job.Publisher
	if cfg.NATSURL != "" {
		p, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, logger, mcol)
		if err != nil {
			logger.Warn("nats unavailable, run summary will not be published", "err", err)
		} else {
			defer p.Close()
			pub = p
		}
	}

	format, err := snapshot.ParseFormat(cfg.SnapshotFormat)
	if err != nil {
		return err
	}
	loader := snapshot.NewLoader(snapshot.NewDirSource(cfg.SnapshotDir), snapshot.Options{
		Format:  format,
		Workers: cfg.FetchWorkers,
		Retries: cfg.FetchRetries,
	}, logger, mcol)

	runner := job.NewRunner(src, loader, sink, pub, mcol, job.Options{
		Location:             cfg.Location,
		DayBoundaryTolerance: cfg.DayBoundaryTolerance(),
		OffsetTolerance:      cfg.OffsetTolerance(),
		DryRun:               dryRun,
	}, logger)

	sum, runErr := runner.Run(ctx, date)
	printSummary(os.Stdout, sum)

	if cfg.PushgatewayURL != "" {
		if err := mcol.Push(cfg.PushgatewayURL, "gtfs_reconciler"); err != nil {
			logger.Warn("push metrics", "url", cfg.PushgatewayURL, "err", err)
		}
	}
	return runErr
}

func migrateAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := newLogger(cfg)
	_, conn, err := openStore(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("result tables ready", "driver", cfg.SinkDriver)
	return nil
}

func openSchedule(ctx context.Context, cfg *config.Config, logger *slog.Logger) (schedule.Source, func(), error) {
	switch cfg.ScheduleSource {
	case "gtfs-dir":
		return schedule.NewGTFSDir(cfg.GTFSDir, logger), func() {}, nil
	case "postgres":
		dsn, err := db.ResolveScheduleDSN(ctx, cfg.DatabaseURL, cfg.City, logger)
		if err != nil {
			return nil, nil, err
		}
		conn, err := db.Open(db.DriverPostgres, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("db open (schedule) error: %w", err)
		}
		if err := db.Ping(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("db ping (schedule) error: %w", err)
		}
		return db.NewScheduleSource(conn, logger), func() { conn.Close() }, nil
	}
	return nil, nil, errors.New("unknown schedule source " + cfg.ScheduleSource)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*db.Store, *sql.DB, error) {
	dsn := cfg.SinkDSN
	if cfg.SinkDriver == db.DriverSQLite {
		dsn = db.SQLiteDSN(dsn)
	}
	conn, err := db.Open(cfg.SinkDriver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db open (sink) error: %w", err)
	}
	if err := db.Ping(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("db ping (sink) error: %w", err)
	}
	store := db.NewStore(conn, cfg.SinkDriver, logger)
	if err := store.Migrate(ctx); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return store, conn, nil
}
