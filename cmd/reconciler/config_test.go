package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"gtfs-reconciler/internal/config"
)

var configEnv = []string{
	"RECONCILER_CONFIG", "SERVICE_DATE", "TZ", "SNAPSHOT_DIR", "SNAPSHOT_FORMAT",
	"SCHEDULE_SOURCE", "GTFS_DIR", "SINK_DRIVER", "SINK_DSN", "NATS_URL", "NATS_SUBJECT",
	"METRICS_ADDR", "PUSHGATEWAY_URL", "LOG_LEVEL", "CITY", "CITY_NAME",
	"DAY_BOUNDARY_TOLERANCE_SEC", "OFFSET_TOLERANCE_SEC", "FETCH_WORKERS", "FETCH_RETRIES",
	"DATABASE_URL", "PG_DSN", "PGHOST", "PGPORT", "PGUSER", "PGPASSWORD", "PGDATABASE", "PGSSLMODE",
}

// runReconcileConfig parses args as the reconcile command would and returns
// the validated configuration.
func runReconcileConfig(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	for _, k := range configEnv {
		t.Setenv(k, "")
	}
	var cfg *config.Config
	app := &cli.App{
		Commands: []*cli.Command{{
			Name:  "reconcile",
			Flags: reconcileFlags(),
			Action: func(c *cli.Context) error {
				var err error
				cfg, err = loadConfig(c)
				if err != nil {
					return err
				}
				return cfg.ValidateReconcile()
			},
		}},
	}
	err := app.Run(append([]string{"gtfs-reconciler", "reconcile"}, args...))
	return cfg, err
}

func TestReconcileConfiguredByFlagsAlone(t *testing.T) {
	cfg, err := runReconcileConfig(t,
		"--snapshots", "/data/vp",
		"--gtfs-dir", "/data/gtfs",
		"--date", "20231201",
		"--tz", "America/Toronto",
		"--offset-tolerance", "15m",
		"--workers", "8",
	)
	require.NoError(t, err)
	assert.Equal(t, "/data/vp", cfg.SnapshotDir)
	assert.Equal(t, "/data/gtfs", cfg.GTFSDir)
	assert.Equal(t, "America/Toronto", cfg.Location.String())
	assert.Equal(t, 15*time.Minute, cfg.OffsetTolerance())
	assert.Equal(t, 2*time.Hour, cfg.DayBoundaryTolerance())
	assert.Equal(t, 8, cfg.FetchWorkers)

	d, err := cfg.ResolveServiceDate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, "2023-12-01", d.String())
}

func TestReconcileRequiresSnapshotsFlagOrEnv(t *testing.T) {
	_, err := runReconcileConfig(t, "--gtfs-dir", "/data/gtfs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SnapshotDir")
}

func TestFlagsValidatedAfterOverride(t *testing.T) {
	_, err := runReconcileConfig(t, "--snapshots", "/data/vp", "--gtfs-dir", "/data/gtfs", "--tz", "Mars/Olympus")
	assert.ErrorContains(t, err, "invalid TZ")
}
