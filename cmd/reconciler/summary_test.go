package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"gtfs-reconciler/internal/gtfs"
	"gtfs-reconciler/internal/job"
	"gtfs-reconciler/internal/reconcile"
	"gtfs-reconciler/internal/snapshot"
)

func TestPrintSummary(t *testing.T) {
	color.NoColor = true

	sum := &job.Summary{
		RunID:       "r1",
		ServiceDate: gtfs.ServiceDate{Year: 2024, Month: time.March, Day: 14},
		Status:      "failed",
		Err:         errors.New("reconcile: no vehicle positions"),
		Load:        snapshot.LoadStats{Files: 3, Failed: 1},
		Stats:       reconcile.Stats{Visits: 0},
		Duration:    1500 * time.Millisecond,
	}
	var b strings.Builder
	printSummary(&b, sum)
	out := b.String()

	assert.Contains(t, out, "Service date 2024-03-14  Run r1  Status failed")
	assert.Contains(t, out, "files 3  failed 1")
	assert.Contains(t, out, "took 1.5s")
	assert.Contains(t, out, "Error      reconcile: no vehicle positions")

	b.Reset()
	printSummary(&b, nil)
	assert.Empty(t, b.String())
}
