package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"gtfs-reconciler/internal/job"
)

func printSummary(w io.Writer, sum *job.Summary) {
	if sum == nil {
		return
	}
	var b strings.Builder
	kc := color.New(color.FgCyan)
	vc := color.New(color.FgGreen)
	status := color.New(color.FgGreen, color.Bold).Sprint(sum.Status)
	if sum.Err != nil {
		status = color.New(color.FgRed, color.Bold).Sprint(sum.Status)
	}
	if sum.DryRun {
		status += " (dry run)"
	}

	fmt.Fprintf(&b, "Service date %s  Run %s  Status %s\n",
		kc.Sprint(sum.ServiceDate.String()), kc.Sprint(sum.RunID), status)
	fmt.Fprintf(&b, "  Schedule   rows %s  dropped %s  visits %s\n",
		vc.Sprint(sum.ScheduleRows), vc.Sprint(sum.ScheduleIssues), vc.Sprint(sum.Stats.ScheduledVisits))
	fmt.Fprintf(&b, "  Snapshots  files %s  failed %s  reports %s\n",
		vc.Sprint(sum.Load.Files), failed(sum.Load.Failed), vc.Sprint(sum.Load.Reports))
	fmt.Fprintf(&b, "  Pipeline   dedup %s  matched %s  offset %s  in tolerance %s\n",
		vc.Sprint(sum.Stats.Deduplicated), vc.Sprint(sum.Stats.Matched),
		vc.Sprint(sum.Stats.WithOffset), vc.Sprint(sum.Stats.WithinTolerance))
	fmt.Fprintf(&b, "  Result     visits %s  segments %s  mean offset %s  took %s\n",
		vc.Sprint(sum.Stats.Visits), vc.Sprint(sum.Segments),
		vc.Sprintf("%.1fs", sum.MeanOffset), sum.Duration.Round(time.Millisecond))
	if sum.Err != nil {
		fmt.Fprintf(&b, "  Error      %s\n", color.RedString(sum.Err.Error()))
	}
	_, _ = io.WriteString(w, b.String())
}

func failed(n int) string {
	if n > 0 {
		return color.YellowString("%d", n)
	}
	return color.GreenString("%d", n)
}
