// Package statusview renders a live operator view of the provider router,
// task queue, and main-agent supervisor, either as an interactive TUI or as
// plain text for non-terminal output.
package statusview

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/adamtash/ant-sub002/internal/mainagent"
	"github.com/adamtash/ant-sub002/internal/providers"
	"github.com/adamtash/ant-sub002/internal/taskengine"
)

// Snapshot is a point-in-time read across the three components a status
// view cares about. Callers build one from their own live instances; this
// package has no dependency on how those instances are constructed.
type Snapshot struct {
	Providers  []providers.ProviderStatus
	Lanes      map[taskengine.Lane]taskengine.LaneStats
	Supervisor mainagent.Status
	Uptime     time.Duration
}

// StatusProvider produces a fresh Snapshot on demand, called once per tick
// by the interactive view and once by the plain renderer.
type StatusProvider func() Snapshot

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("70"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Render produces the status view as plain, styled text. Used directly for
// non-interactive output and as the body of the interactive model's View.
func Render(s Snapshot) string {
	var b strings.Builder

	b.WriteString(headingStyle.Render("Providers") + "\n")
	if len(s.Providers) == 0 {
		b.WriteString(dimStyle.Render("  (none registered)") + "\n")
	}
	for _, p := range s.Providers {
		status := okStyle.Render("healthy")
		if p.Tripped {
			status = badStyle.Render(fmt.Sprintf("tripped (%d failures)", p.Failures))
		} else if p.Failures > 0 {
			status = warnStyle.Render(fmt.Sprintf("degraded (%d failures)", p.Failures))
		}
		role := ""
		if p.Default {
			role = " [default]"
		} else if p.InFallback {
			role = " [fallback]"
		}
		b.WriteString(fmt.Sprintf("  %-20s %-8s %-16s %s%s\n", p.ID, p.Type, p.Model, status, role))
	}

	b.WriteString("\n" + headingStyle.Render("Task Queue") + "\n")
	for _, lane := range sortedLanes(s.Lanes) {
		stats := s.Lanes[lane]
		b.WriteString(fmt.Sprintf("  %-12s active %d/%d  pending %d\n", lane, stats.Active, stats.Cap, stats.Pending))
	}

	b.WriteString("\n" + headingStyle.Render("Supervisor") + "\n")
	survival := okStyle.Render("normal")
	if s.Supervisor.SurvivalMode {
		survival = badStyle.Render("SURVIVAL MODE")
	}
	running := "stopped"
	if s.Supervisor.Running {
		running = "running"
	}
	if s.Supervisor.Paused {
		running = "paused"
	}
	b.WriteString(fmt.Sprintf("  state: %s   mode: %s\n", running, survival))
	b.WriteString(fmt.Sprintf("  last health check: %s   last discovery: %s\n",
		formatAgo(s.Supervisor.LastHealthCheckAt), formatAgo(s.Supervisor.LastDiscoveryAt)))
	b.WriteString(dimStyle.Render(fmt.Sprintf("\nuptime %s\n", s.Uptime.Truncate(time.Second))))

	return b.String()
}

func sortedLanes(m map[taskengine.Lane]taskengine.LaneStats) []taskengine.Lane {
	lanes := make([]taskengine.Lane, 0, len(m))
	for l := range m {
		lanes = append(lanes, l)
	}
	sort.Slice(lanes, func(i, j int) bool { return lanes[i] < lanes[j] })
	return lanes
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Truncate(time.Second).String() + " ago"
}

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	return Render(m.snap) + "\n" + dimStyle.Render("press q to quit") + "\n"
}

// Run starts the interactive TUI, blocking until the user quits or ctx is
// cancelled.
func Run(ctx context.Context, provider StatusProvider) error {
	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
