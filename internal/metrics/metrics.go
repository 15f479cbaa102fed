package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

type Collector struct {
	reg *prometheus.Registry

	SnapshotsLoaded prometheus.Counter
	SnapshotsFailed prometheus.Counter
	ReportsDecoded  prometheus.Counter

	StageRows     *prometheus.GaugeVec // stage label: scheduled|reports|deduplicated|matched|with_offset|within_tolerance|visits
	VisitsWritten prometheus.Counter
	Segments      prometheus.Counter

	Runs        *prometheus.CounterVec // status label: succeeded|failed
	RunDuration prometheus.Histogram
	LastSuccess prometheus.Gauge // unix seconds

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SnapshotsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_snapshots_loaded_total",
			Help: "Snapshot files decoded.",
		}),
		SnapshotsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_snapshots_failed_total",
			Help: "Snapshot files skipped after retries.",
		}),
		ReportsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_reports_decoded_total",
			Help: "Vehicle position reports read from snapshots.",
		}),
		StageRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reconciler_stage_rows",
			Help: "Rows surviving each pipeline stage in the last run.",
		}, []string{"stage"}),
		VisitsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_visits_written_total",
			Help: "Reconciled stop visits written to the sink.",
		}),
		Segments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_segments_written_total",
			Help: "Stop segments written to the sink.",
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_runs_total",
			Help: "Service-day runs by outcome.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconciler_run_duration_seconds",
			Help:    "Wall time of a service-day run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconciler_last_success_timestamp_seconds",
			Help: "Unix time the last successful run finished.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconciler_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconciler_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.SnapshotsLoaded, c.SnapshotsFailed, c.ReportsDecoded,
		c.StageRows, c.VisitsWritten, c.Segments,
		c.Runs, c.RunDuration, c.LastSuccess,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "err", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}

// Push sends the registry to a Pushgateway under the given job name. Batch
// runs exit before a scrape would see them.
func (c *Collector) Push(url, job string) error {
	return push.New(url, job).Gatherer(c.reg).Push()
}

// SnapshotLoaded and SnapshotFailed satisfy snapshot.Metrics.
func (c *Collector) SnapshotLoaded(reports int) {
	c.SnapshotsLoaded.Inc()
	c.ReportsDecoded.Add(float64(reports))
}

func (c *Collector) SnapshotFailed() { c.SnapshotsFailed.Inc() }

func (c *Collector) ObserveStages(stages map[string]int) {
	for stage, n := range stages {
		c.StageRows.WithLabelValues(stage).Set(float64(n))
	}
}

// ObserveRun records the outcome of a run that finished at end.
func (c *Collector) ObserveRun(status string, d time.Duration, end time.Time) {
	c.Runs.WithLabelValues(status).Inc()
	c.RunDuration.Observe(d.Seconds())
	if status == "succeeded" {
		c.LastSuccess.Set(float64(end.Unix()))
	}
}

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
