package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "time/tzdata"

	"gtfs-reconciler/internal/gtfs"
)

var envKeys = []string{
	"RECONCILER_CONFIG", "SERVICE_DATE", "TZ", "SNAPSHOT_DIR", "SNAPSHOT_FORMAT",
	"SCHEDULE_SOURCE", "GTFS_DIR", "SINK_DRIVER", "SINK_DSN", "NATS_URL", "NATS_SUBJECT",
	"METRICS_ADDR", "PUSHGATEWAY_URL", "LOG_LEVEL", "CITY", "CITY_NAME",
	"DAY_BOUNDARY_TOLERANCE_SEC", "OFFSET_TOLERANCE_SEC", "FETCH_WORKERS", "FETCH_RETRIES",
	"DATABASE_URL", "PG_DSN", "PGHOST", "PGPORT", "PGUSER", "PGPASSWORD", "PGDATABASE", "PGSSLMODE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	t.Setenv("SNAPSHOT_DIR", "/data/vp")
	t.Setenv("GTFS_DIR", "/data/gtfs")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "America/Montreal", cfg.Location.String())
	assert.Equal(t, 2*time.Hour, cfg.DayBoundaryTolerance())
	assert.Equal(t, 30*time.Minute, cfg.OffsetTolerance())
	assert.Equal(t, 4, cfg.FetchWorkers)
	assert.Equal(t, 3, cfg.FetchRetries)
	assert.Equal(t, "auto", cfg.SnapshotFormat)
	assert.Equal(t, "gtfs-dir", cfg.ScheduleSource)
	assert.Equal(t, "sqlite", cfg.SinkDriver)
	assert.Equal(t, "reconciler.db", cfg.SinkDSN)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "reconciler.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
tz: America/Toronto
offset_tolerance_sec: 900
fetch_workers: 8
snapshot_format: protobuf
log_level: debug
`), 0o644))
	t.Setenv("RECONCILER_CONFIG", path)
	t.Setenv("FETCH_WORKERS", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "America/Toronto", cfg.TZ)
	assert.Equal(t, 15*time.Minute, cfg.OffsetTolerance())
	assert.Equal(t, 2, cfg.FetchWorkers, "environment wins over file")
	assert.Equal(t, "protobuf", cfg.SnapshotFormat)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"format":      {"SNAPSHOT_FORMAT": "parquet"},
		"workers":     {"FETCH_WORKERS": "abc"},
		"zero":        {"OFFSET_TOLERANCE_SEC": "0"},
		"tz":          {"TZ": "Mars/Olympus"},
		"source":      {"SCHEDULE_SOURCE": "s3"},
		"postgres":    {"SCHEDULE_SOURCE": "postgres"},
		"pgx sink":    {"SINK_DRIVER": "pgx"},
		"pushgateway": {"PUSHGATEWAY_URL": "not a url"},
		"pg host":     {"PGHOST": "db.internal"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestReconcileInputsValidatedSeparately(t *testing.T) {
	clearEnv(t)
	t.Setenv("SNAPSHOT_DIR", "")
	t.Setenv("GTFS_DIR", "")

	cfg, err := Read()
	require.NoError(t, err)
	require.NoError(t, cfg.Finalize(), "migrate needs no snapshot or GTFS location")
	assert.Error(t, cfg.ValidateReconcile())

	cfg.SnapshotDir = "/data/vp"
	assert.Error(t, cfg.ValidateReconcile(), "gtfs-dir source needs GTFSDir")
	cfg.GTFSDir = "/data/gtfs"
	assert.NoError(t, cfg.ValidateReconcile())

	cfg.GTFSDir = ""
	cfg.ScheduleSource = "postgres"
	cfg.DatabaseURL = "postgres://db/gtfs"
	assert.NoError(t, cfg.ValidateReconcile())
}

func TestDatabaseURLFromPGVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("CITY", "montreal")
	t.Setenv("PGHOST", "db")
	t.Setenv("PGUSER", "gtfs")
	t.Setenv("PGPASSWORD", "p@ss")
	t.Setenv("SCHEDULE_SOURCE", "postgres")
	t.Setenv("SINK_DRIVER", "pgx")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://gtfs:p%40ss@db:5432/postgres?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, cfg.DatabaseURL, cfg.SinkDSN)
	assert.Equal(t, "montreal", cfg.City)
}

func TestResolveServiceDate(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	// 02:00 UTC on 2024-03-15 is still the 14th in Montreal.
	now := time.Date(2024, time.March, 15, 2, 0, 0, 0, time.UTC)
	d, err := cfg.ResolveServiceDate(now)
	require.NoError(t, err)
	assert.Equal(t, gtfs.ServiceDate{Year: 2024, Month: time.March, Day: 13}, d)

	cfg.ServiceDate = "20231201"
	d, err = cfg.ResolveServiceDate(now)
	require.NoError(t, err)
	assert.Equal(t, "2023-12-01", d.String())
}
