package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-prefork/internal/metrics"
	"github.com/randomizedcoder/go-prefork/internal/supervisor"
)

const (
	refreshInterval = 500 * time.Millisecond
	fetchTimeout    = 2 * time.Second
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries a fresh pool snapshot.
type SnapshotMsg struct {
	Snapshot supervisor.PoolSnapshot
	Summary  *metrics.Summary
	Err      error
}

// RestartDoneMsg reports the outcome of a restart requested from the keyboard.
type RestartDoneMsg struct {
	Restarted bool
	Err       error
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Sources
// =============================================================================

// Source provides pool snapshots. It may be the local supervisor or a remote
// admin endpoint.
type Source interface {
	PoolSnapshot(ctx context.Context) (supervisor.PoolSnapshot, error)
}

// SummarySource provides run totals (optional).
type SummarySource interface {
	GenerateSummary() *metrics.Summary
}

// Controller restarts the pool (optional).
type Controller interface {
	RestartWorkers(ctx context.Context, gracefully bool) (bool, error)
}

// SnapshotFunc adapts a local snapshot function to Source.
type SnapshotFunc func() supervisor.PoolSnapshot

// PoolSnapshot implements Source.
func (f SnapshotFunc) PoolSnapshot(context.Context) (supervisor.PoolSnapshot, error) {
	return f(), nil
}

// =============================================================================
// Model
// =============================================================================

// Config holds TUI configuration.
type Config struct {
	Title      string
	Listen     string
	AdminAddr  string
	Source     Source
	Summary    SummarySource
	Controller Controller
}

// Model represents the TUI state.
type Model struct {
	title     string
	listen    string
	adminAddr string

	snapshot     supervisor.PoolSnapshot
	summary      *metrics.Summary
	fetchErr     error
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool

	width  int
	height int

	source     Source
	summarySrc SummarySource
	controller Controller

	restartPending bool
	restartStatus  string

	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	title := cfg.Title
	if title == "" {
		title = "prefork"
	}
	return Model{
		title:      title,
		listen:     cfg.Listen,
		adminAddr:  cfg.AdminAddr,
		source:     cfg.Source,
		summarySrc: cfg.Summary,
		controller: cfg.Controller,
		startTime:  time.Now(),
		lastUpdate: time.Now(),
		width:      80,
		height:     24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd())
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "f":
			return m, m.fetchCmd()
		case "r":
			return m.requestRestart(true)
		case "R":
			return m.requestRestart(false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd())

	case SnapshotMsg:
		m.fetchErr = msg.Err
		if msg.Err == nil {
			m.snapshot = msg.Snapshot
			m.lastUpdate = time.Now()
		}
		if msg.Summary != nil {
			m.summary = msg.Summary
		}
		return m, nil

	case RestartDoneMsg:
		m.restartPending = false
		switch {
		case msg.Err != nil:
			m.restartStatus = "restart failed: " + msg.Err.Error()
		case !msg.Restarted:
			m.restartStatus = "restart already in progress"
		default:
			m.restartStatus = "restart completed at " + time.Now().Format("15:04:05")
		}
		return m, m.fetchCmd()

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.detailedView && len(m.snapshot.Workers) > 0 {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

func (m Model) requestRestart(graceful bool) (tea.Model, tea.Cmd) {
	if m.controller == nil {
		m.restartStatus = "restart not available"
		return m, nil
	}
	if m.restartPending {
		return m, nil
	}
	m.restartPending = true
	m.restartStatus = "restarting..."
	if !graceful {
		m.restartStatus = "restarting (forced)..."
	}
	ctl := m.controller
	return m, func() tea.Msg {
		restarted, err := ctl.RestartWorkers(context.Background(), graceful)
		return RestartDoneMsg{Restarted: restarted, Err: err}
	}
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after refreshInterval.
func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchCmd reads the sources off the update loop.
func (m Model) fetchCmd() tea.Cmd {
	source, summarySrc := m.source, m.summarySrc
	if source == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		snap, err := source.PoolSnapshot(ctx)
		msg := SnapshotMsg{Snapshot: snap, Err: err}
		if summarySrc != nil {
			msg.Summary = summarySrc.GenerateSummary()
		}
		return msg
	}
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// LiveWorkers returns the live worker count.
func (m Model) LiveWorkers() int {
	return m.snapshot.Live
}

// TargetWorkers returns the target worker count.
func (m Model) TargetWorkers() int {
	return m.snapshot.Target
}

// PoolProgress returns live/target (0.0 to 1.0).
func (m Model) PoolProgress() float64 {
	if m.snapshot.Target == 0 {
		return 0
	}
	return min(1.0, float64(m.snapshot.Live)/float64(m.snapshot.Target))
}

// Status returns the pool status shown in the header.
func (m Model) Status() PoolStatus {
	return GetPoolStatus(m.snapshot.Live, m.snapshot.Target, m.snapshot.Restarting)
}

// =============================================================================
// Helpers for external use
// =============================================================================

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatAge formats a short duration for the heartbeat column.
func formatAge(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%d ms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1f s", d.Seconds())
	default:
		return formatDuration(d)
	}
}

// formatNumber formats a number with K/M suffixes.
func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}
