package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-prefork/internal/admin"
	"github.com/randomizedcoder/go-prefork/internal/config"
	"github.com/randomizedcoder/go-prefork/internal/metrics"
	"github.com/randomizedcoder/go-prefork/internal/supervisor"
	"github.com/randomizedcoder/go-prefork/internal/tui"
)

func parseClient(command string, args []string) (*config.ClientConfig, int, bool) {
	cc, err := config.ParseClientFlags(command, args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, 0, false
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return nil, 2, false
	}
	return cc, 0, true
}

func clientContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() { cancel(); stop() }
}

func runStatus(args []string) int {
	cc, code, ok := parseClient("status", args)
	if !ok {
		return code
	}
	client := admin.NewClient(cc.AdminAddr, cc.Timeout)

	if cc.Watch {
		model := tui.New(tui.Config{
			Title:      "prefork status",
			AdminAddr:  cc.AdminAddr,
			Source:     client,
			Controller: client,
		})
		if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	ctx, cancel := clientContext(cc.Timeout)
	defer cancel()

	snap, err := client.PoolSnapshot(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	pool, err := metrics.NewScraper(client.BaseURL()+"/metrics", cc.Timeout).Scrape(ctx)
	if err != nil {
		// The snapshot is still worth printing.
		fmt.Fprintf(os.Stderr, "Warning: metrics unavailable: %v\n", err)
	}
	printStatus(os.Stdout, snap, pool)
	return 0
}

func printStatus(w io.Writer, snap supervisor.PoolSnapshot, pool *metrics.PoolMetrics) {
	state := "ready"
	switch {
	case snap.Restarting:
		state = "restarting"
	case snap.Live < snap.Target:
		state = "degraded"
	}
	fmt.Fprintf(w, "Pool:      %d/%d live (%s), %d processes\n", snap.Live, snap.Target, state, snap.Running)
	if pool != nil {
		fmt.Fprintf(w, "Version:   %s\n", pool.Version)
		fmt.Fprintf(w, "Forks:     %d   Crashes: %d   Timeouts: %d   Replacements: %d (%d failed)\n",
			pool.Forks, pool.Exits[supervisor.ExitCrash], pool.HeartbeatTimeouts, pool.Replacements, pool.FailedReplaces)
		if pool.Workers.Reporting > 0 {
			fmt.Fprintf(w, "Traffic:   %.0f open connections, %.0f requests, %.1f MiB resident\n",
				pool.Workers.OpenConnections, pool.Workers.RequestsTotal, pool.Workers.ResidentBytes/(1<<20))
		}
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPID\tSTATE\tLIVE\tADDR\tUPTIME\tHEARTBEAT")
	for _, ws := range snap.Workers {
		hb := "-"
		if age := ws.HeartbeatAge(snap.TakenAt); age > 0 {
			hb = age.Round(time.Millisecond).String()
		}
		state := ws.State
		if ws.KillReason != "" {
			state += ":" + ws.KillReason
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%t\t%s\t%s\t%s\n",
			ws.ID, ws.Pid, state, ws.Live, ws.Addr, ws.Uptime(snap.TakenAt).Round(time.Second), hb)
	}
	tw.Flush()
}

func runRestart(args []string) int {
	cc, code, ok := parseClient("restart", args)
	if !ok {
		return code
	}
	ctx, cancel := clientContext(cc.Timeout)
	defer cancel()

	restarted, err := admin.NewClient(cc.AdminAddr, cc.Timeout).RestartWorkers(ctx, cc.Graceful)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !restarted {
		fmt.Println("A restart is already in progress.")
		return 1
	}
	fmt.Println("Workers restarted.")
	return 0
}

func runShutdown(args []string) int {
	cc, code, ok := parseClient("shutdown", args)
	if !ok {
		return code
	}
	ctx, cancel := clientContext(cc.Timeout)
	defer cancel()

	if err := admin.NewClient(cc.AdminAddr, cc.Timeout).ShutDownWorkers(ctx, cc.Graceful); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println("Supervisor shutting down.")
	return 0
}
