package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRunMetrics(t *testing.T) {
	c := NewCollector()

	c.SnapshotLoaded(120)
	c.SnapshotLoaded(80)
	c.SnapshotFailed()
	c.ObserveStages(map[string]int{"reports": 200, "visits": 30})
	end := time.Unix(1710500000, 0)
	c.ObserveRun("succeeded", 42*time.Second, end)
	c.ObserveRun("failed", time.Second, end.Add(time.Hour))
	c.NATSSetConnected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.SnapshotsLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SnapshotsFailed))
	assert.Equal(t, 200.0, testutil.ToFloat64(c.ReportsDecoded))
	assert.Equal(t, 30.0, testutil.ToFloat64(c.StageRows.WithLabelValues("visits")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Runs.WithLabelValues("failed")))
	assert.Equal(t, float64(end.Unix()), testutil.ToFloat64(c.LastSuccess))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSConnected))
}

func TestHandlerExposesRegistry(t *testing.T) {
	c := NewCollector()
	c.SnapshotFailed()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "reconciler_snapshots_failed_total 1"))
}

func TestPush(t *testing.T) {
	var gotPath string
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	c := NewCollector()
	c.ObserveRun("succeeded", time.Second, time.Now())
	require.NoError(t, c.Push(gw.URL, "gtfs_reconciler"))
	assert.Equal(t, "/metrics/job/gtfs_reconciler", gotPath)
}
