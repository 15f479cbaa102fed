package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gtfs-reconciler/internal/gtfs"
)

type Config struct {
	ServiceDate string         `yaml:"service_date" validate:"omitempty,len=8,numeric"`
	TZ          string         `yaml:"tz" validate:"required"`
	Location    *time.Location `yaml:"-"`

	DayBoundaryToleranceSec int `yaml:"day_boundary_tolerance_sec" validate:"gt=0"`
	OffsetToleranceSec      int `yaml:"offset_tolerance_sec" validate:"gt=0"`

	SnapshotDir    string `yaml:"snapshot_dir" validate:"required"`
	SnapshotFormat string `yaml:"snapshot_format" validate:"oneof=auto protobuf json-gzip"`
	FetchWorkers   int    `yaml:"fetch_workers" validate:"gt=0,lte=64"`
	FetchRetries   int    `yaml:"fetch_retries" validate:"gte=0,lte=10"`

	ScheduleSource string `yaml:"schedule_source" validate:"oneof=gtfs-dir postgres"`
	GTFSDir        string `yaml:"gtfs_dir" validate:"required_if=ScheduleSource gtfs-dir"`
	DatabaseURL    string `yaml:"database_url" validate:"required_if=ScheduleSource postgres"`
	City           string `yaml:"city"`

	SinkDriver string `yaml:"sink_driver" validate:"oneof=pgx sqlite"`
	SinkDSN    string `yaml:"sink_dsn"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject" validate:"required_with=NATSURL"`

	MetricsAddr    string `yaml:"metrics_addr"`
	PushgatewayURL string `yaml:"pushgateway_url" validate:"omitempty,url"`
	LogLevel       string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

func defaults() *Config {
	return &Config{
		TZ:                      "America/Montreal",
		DayBoundaryToleranceSec: 7200,
		OffsetToleranceSec:      1800,
		SnapshotFormat:          "auto",
		FetchWorkers:            4,
		FetchRetries:            3,
		ScheduleSource:          "gtfs-dir",
		SinkDriver:              "sqlite",
		NATSSubject:             "reconciler.runs",
		LogLevel:                "info",
	}
}

// reconcileOnly names the fields only the reconcile command reads.
var reconcileOnly = []string{"SnapshotDir", "GTFSDir"}

// Load reads the configuration and finalizes it.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read builds the configuration from defaults, an optional YAML file named by
// RECONCILER_CONFIG, then the environment (.env included). Later layers win.
// Nothing is validated; apply overrides then call Finalize.
func Read() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("RECONCILER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("SERVICE_DATE", &c.ServiceDate)
	envString("TZ", &c.TZ)
	envString("SNAPSHOT_DIR", &c.SnapshotDir)
	envString("SNAPSHOT_FORMAT", &c.SnapshotFormat)
	envString("SCHEDULE_SOURCE", &c.ScheduleSource)
	envString("GTFS_DIR", &c.GTFSDir)
	envString("SINK_DRIVER", &c.SinkDriver)
	envString("SINK_DSN", &c.SinkDSN)
	envString("NATS_URL", &c.NATSURL)
	envString("NATS_SUBJECT", &c.NATSSubject)
	envString("METRICS_ADDR", &c.MetricsAddr)
	envString("PUSHGATEWAY_URL", &c.PushgatewayURL)
	envString("LOG_LEVEL", &c.LogLevel)

	// City name for dynamic DB resolution
	if v := firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")); v != "" {
		c.City = v
	}

	for key, dst := range map[string]*int{
		"DAY_BOUNDARY_TOLERANCE_SEC": &c.DayBoundaryToleranceSec,
		"OFFSET_TOLERANCE_SEC":       &c.OffsetToleranceSec,
		"FETCH_WORKERS":              &c.FetchWorkers,
		"FETCH_RETRIES":              &c.FetchRetries,
	} {
		if err := envInt(key, dst); err != nil {
			return err
		}
	}

	dsn, err := databaseURL(c.City)
	if err != nil {
		return err
	}
	if dsn != "" {
		c.DatabaseURL = dsn
	}
	return nil
}

// Finalize fills derived fields and validates everything but the
// reconcile inputs, which ValidateReconcile checks.
func (c *Config) Finalize() error {
	c.SnapshotFormat = strings.ToLower(strings.TrimSpace(c.SnapshotFormat))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.SinkDSN == "" {
		switch c.SinkDriver {
		case "sqlite":
			c.SinkDSN = "reconciler.db"
		case "pgx":
			c.SinkDSN = c.DatabaseURL
		}
	}

	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return fmt.Errorf("invalid TZ: %v", err)
	}
	c.Location = loc

	if err := validator.New().StructExcept(c, reconcileOnly...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.SinkDSN == "" {
		return errors.New("SINK_DSN or DATABASE_URL must be set for the pgx sink")
	}
	return nil
}

// ValidateReconcile checks the snapshot and schedule locations a reconcile
// run needs.
func (c *Config) ValidateReconcile() error {
	if err := validator.New().StructPartial(c, reconcileOnly...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ResolveServiceDate returns the configured service date, or yesterday in
// the configured zone when none is set.
func (c *Config) ResolveServiceDate(now time.Time) (gtfs.ServiceDate, error) {
	if c.ServiceDate != "" {
		return gtfs.ParseServiceDate(c.ServiceDate)
	}
	return gtfs.ServiceDateOf(now.In(c.Location)).AddDays(-1), nil
}

func (c *Config) DayBoundaryTolerance() time.Duration {
	return time.Duration(c.DayBoundaryToleranceSec) * time.Second
}

func (c *Config) OffsetTolerance() time.Duration {
	return time.Duration(c.OffsetToleranceSec) * time.Second
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds one from PG* vars.
// It returns "" when neither is configured.
func databaseURL(city string) (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	db := os.Getenv("PGDATABASE")
	// If CITY is provided, default base DB to 'postgres' when PGDATABASE is not set.
	if db == "" && city != "" {
		db = "postgres"
	}
	if db == "" {
		if os.Getenv("PGHOST") != "" {
			return "", errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
		}
		return "", nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = n
	return nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
