package orchestrator

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/randomizedcoder/go-prefork/internal/metrics"
)

// printExitSummary prints a summary of the supervisor run.
func (o *Orchestrator) printExitSummary() {
	target := 0
	if !o.config.Standalone {
		target = o.supervisor.Options().TargetWorkerCount
	}
	writeExitSummary(o.out, o.metrics.GenerateSummary(), target, o.config.AdminAddr)
}

func writeExitSummary(w io.Writer, summary *metrics.Summary, target int, adminAddr string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                        go-prefork Exit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Run Duration:           %s\n", formatDuration(summary.Duration))
	if target > 0 {
		fmt.Fprintf(w, "Target Workers:         %d\n", target)
	}
	fmt.Fprintf(w, "Peak Live Workers:      %d\n", summary.PeakLiveWorkers)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Lifecycle:")
	fmt.Fprintf(w, "  Total Forks:          %d\n", summary.TotalForks)
	fmt.Fprintf(w, "  Crashes:              %d\n", summary.Crashes())
	fmt.Fprintf(w, "  Heartbeat Timeouts:   %d\n", summary.HeartbeatTimeouts)
	fmt.Fprintf(w, "  Replacements:         %d (%d failed)\n", summary.Replacements, summary.FailedReplacements)
	fmt.Fprintln(w)

	if len(summary.Exits) > 0 {
		fmt.Fprintln(w, "Exits by Reason:")
		reasons := make([]string, 0, len(summary.Exits))
		for reason := range summary.Exits {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			fmt.Fprintf(w, "  %-20s %d\n", reason, summary.Exits[reason])
		}
		fmt.Fprintln(w)
	}

	if summary.UptimeP50 > 0 || summary.UptimeP95 > 0 {
		fmt.Fprintln(w, "Worker Uptime Distribution:")
		fmt.Fprintf(w, "  P50 (median):         %s\n", formatDuration(summary.UptimeP50))
		fmt.Fprintf(w, "  P95:                  %s\n", formatDuration(summary.UptimeP95))
		fmt.Fprintf(w, "  P99:                  %s\n", formatDuration(summary.UptimeP99))
		fmt.Fprintln(w)
	}

	if summary.HeartbeatGapSamples > 0 {
		fmt.Fprintln(w, "Heartbeat Gaps:")
		fmt.Fprintf(w, "  Samples:              %d\n", summary.HeartbeatGapSamples)
		fmt.Fprintf(w, "  P50:                  %s\n", summary.HeartbeatGapP50.Round(time.Millisecond))
		fmt.Fprintf(w, "  P99:                  %s\n", summary.HeartbeatGapP99.Round(time.Millisecond))
		fmt.Fprintln(w)
	}

	if summary.StartupP50 > 0 {
		fmt.Fprintln(w, "Worker Startup:")
		fmt.Fprintf(w, "  P50:                  %s\n", summary.StartupP50.Round(time.Millisecond))
		fmt.Fprintf(w, "  P95:                  %s\n", summary.StartupP95.Round(time.Millisecond))
		fmt.Fprintln(w)
	}

	if adminAddr != "" {
		fmt.Fprintf(w, "Metrics endpoint was: http://%s/metrics\n", adminAddr)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
