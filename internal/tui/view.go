package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-prefork/internal/supervisor"
)

// =============================================================================
// Summary View
// =============================================================================

func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderPoolSection())
	if m.summary != nil {
		sections = append(sections, m.renderTotalsSection())
	}
	if len(m.snapshot.Workers) > 0 {
		sections = append(sections, m.renderWorkerTable(5))
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Detailed View
// =============================================================================

func (m Model) renderDetailedView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderWorkerTable(0))
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Sections
// =============================================================================

func (m Model) renderHeader() string {
	title := fmt.Sprintf(" %s │ Workers: %d/%d │ Uptime: %s ",
		m.title,
		m.snapshot.Live,
		m.snapshot.Target,
		formatDuration(m.Elapsed()),
	)
	header := headerStyle.Width(m.width).Render(title)
	return lipgloss.JoinVertical(lipgloss.Left, header, " "+GetPoolLabel(m.Status()))
}

func (m Model) renderPoolSection() string {
	var lines []string
	lines = append(lines, sectionHeaderStyle.Render("Pool"))

	barWidth := max(10, min(40, m.width-30))
	lines = append(lines, RenderProgressBar(m.PoolProgress(), barWidth))
	lines = append(lines, RenderKeyValue("Live workers", fmt.Sprintf("%d / %d", m.snapshot.Live, m.snapshot.Target)))
	lines = append(lines, RenderKeyValue("Running processes", fmt.Sprintf("%d", m.snapshot.Running)))

	timeout := "disabled"
	if m.snapshot.WorkerTimeout > 0 {
		timeout = m.snapshot.WorkerTimeout.String()
	}
	lines = append(lines, RenderKeyValue("Heartbeat timeout", timeout))

	if m.listen != "" {
		lines = append(lines, RenderKeyValue("Listening on", m.listen))
	}
	if m.adminAddr != "" {
		lines = append(lines, RenderKeyValue("Admin endpoint", m.adminAddr))
	}
	if m.restartStatus != "" {
		lines = append(lines, RenderKeyValue("Restart", m.restartStatus))
	}
	if m.fetchErr != nil {
		lines = append(lines, statusError.Render("fetch failed: "+m.fetchErr.Error()))
	}

	return boxStyle.Width(m.boxWidth()).Render(strings.Join(lines, "\n"))
}

func (m Model) renderTotalsSection() string {
	s := m.summary
	var lines []string
	lines = append(lines, sectionHeaderStyle.Render("Totals"))

	lines = append(lines, RenderKeyValue("Forks", formatNumber(s.TotalForks)))

	crashes := s.Crashes()
	crashText := valueStyle.Render(formatNumber(crashes))
	if crashes > 0 {
		crashText = statusError.Render(formatNumber(crashes))
	}
	lines = append(lines, labelStyle.Render("Crashes:")+crashText)

	lines = append(lines, RenderKeyValue("Heartbeat timeouts", formatNumber(s.HeartbeatTimeouts)))
	lines = append(lines, RenderKeyValue("Replacements",
		fmt.Sprintf("%s (%s failed)", formatNumber(s.Replacements), formatNumber(s.FailedReplacements))))
	lines = append(lines, RenderKeyValue("Peak live workers", fmt.Sprintf("%d", s.PeakLiveWorkers)))

	if s.HeartbeatGapSamples > 0 {
		lines = append(lines, RenderKeyValue("Heartbeat gap p50/p99",
			fmt.Sprintf("%s / %s", formatAge(s.HeartbeatGapP50), formatAge(s.HeartbeatGapP99))))
	}
	if s.StartupP50 > 0 {
		lines = append(lines, RenderKeyValue("Startup p50/p95",
			fmt.Sprintf("%s / %s", formatAge(s.StartupP50), formatAge(s.StartupP95))))
	}

	return boxStyle.Width(m.boxWidth()).Render(strings.Join(lines, "\n"))
}

// renderWorkerTable lists workers. limit <= 0 shows them all.
func (m Model) renderWorkerTable(limit int) string {
	var lines []string
	lines = append(lines, sectionHeaderStyle.Render("Workers"))

	header := fmt.Sprintf("%-4s %-8s %-17s %-5s %-22s %-9s %s",
		"ID", "PID", "STATE", "LIVE", "ADDR", "UPTIME", "HEARTBEAT")
	lines = append(lines, tableHeaderStyle.Render(header))

	now := m.snapshot.TakenAt
	if now.IsZero() {
		now = time.Now()
	}

	workers := m.snapshot.Workers
	hidden := 0
	if limit > 0 && len(workers) > limit {
		hidden = len(workers) - limit
		workers = workers[:limit]
	}

	for i, w := range workers {
		lines = append(lines, m.renderWorkerRow(i, w, now))
	}
	if hidden > 0 {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("... %d more (press d for all)", hidden)))
	}

	return boxStyle.Width(m.boxWidth()).Render(strings.Join(lines, "\n"))
}

func (m Model) renderWorkerRow(i int, w supervisor.WorkerSnapshot, now time.Time) string {
	rowStyle := tableRowEvenStyle
	if i%2 == 1 {
		rowStyle = tableRowOddStyle
	}

	live := "no"
	if w.Live {
		live = "yes"
	}
	state := w.State
	if w.KillReason != "" {
		state = w.State + ":" + w.KillReason
	}
	addr := w.Addr
	if addr == "" {
		addr = "-"
	}

	row := rowStyle.Render(fmt.Sprintf("%-4d %-8d %-17s %-5s %-22s %-9s ",
		w.ID, w.Pid, truncate(state, 17), live, truncate(addr, 22), formatDuration(w.Uptime(now))))

	age := w.HeartbeatAge(now)
	return row + GetHeartbeatStyle(age, m.snapshot.WorkerTimeout).Render(formatAge(age))
}

func (m Model) renderFooter() string {
	keys := "q quit • d details • f refresh"
	if m.controller != nil {
		keys += " • r restart • R force restart"
	}
	updated := "never"
	if !m.snapshot.TakenAt.IsZero() {
		updated = m.lastUpdate.Format("15:04:05")
	}
	return footerStyle.Render(fmt.Sprintf("%s │ updated %s", keys, updated))
}

func (m Model) boxWidth() int {
	return max(40, m.width-2)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
