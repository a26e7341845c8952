package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kbtrack/internal/metrics"
	"github.com/raphaelgruber/kbtrack/internal/models"
)

const (
	pollInterval    = time.Second
	refreshInterval = 10 * time.Second
)

// Theme holds the color scheme for the watch display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of ingestion progress across knowledge bases",
	Long: `Opens a push channel per knowledge base and renders their job progress
live. New knowledge bases are picked up automatically; channels for
deleted ones are torn down.`,
	RunE: runWatch,
}

// tickMsg triggers a re-render from the in-memory progress state.
type tickMsg time.Time

// refreshMsg carries a fresh entity listing from the server.
type refreshMsg struct {
	states []models.EntityState
	err    error
}

// refreshDueMsg triggers the next full server refresh.
type refreshDueMsg struct{}

// watchModel is the bubbletea model for the live progress view.
type watchModel struct {
	states   []models.EntityState
	progress progress.Model
	theme    Theme
	err      error
	quitting bool
}

func newWatchModel() watchModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return watchModel{
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init starts the render tick and the first server refresh.
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		refreshCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, refreshCmd()
		}

	case tickMsg:
		// Push frames land in the engine asynchronously; merge them
		// into the last known entity listing on every tick.
		m.states = mergeProgress(m.states, eng.Progress())
		return m, tickCmd()

	case refreshMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.states = msg.states
		return m, refreshTickCmd()

	case refreshDueMsg:
		return m, refreshCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the live display.
func (m watchModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m watchModel) renderContent() string {
	if m.quitting {
		return m.theme.hintStyle().Render("\nChannels closed. Jobs continue on the server.\n")
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Watch failed: %s\n", m.err))
	}
	if len(m.states) == 0 {
		return "Waiting for knowledge bases...\n"
	}

	var b strings.Builder
	for _, st := range m.states {
		b.WriteString(m.renderEntity(st))
		b.WriteByte('\n')
	}
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m watchModel) renderEntity(st models.EntityState) string {
	name := fmt.Sprintf("%-24s", st.KnowledgeBase.Name)

	if st.Progress == nil {
		if st.Settled {
			return fmt.Sprintf("%s %s  %d docs", name,
				m.theme.completedStyle().Render("✓ ready"), st.KnowledgeBase.DocumentCount)
		}
		return fmt.Sprintf("%s %s", name, m.theme.hintStyle().Render("waiting for updates"))
	}

	rec := st.Progress
	switch {
	case rec.Stage == models.StageError:
		reason := rec.Error
		if reason == "" {
			reason = rec.Message
		}
		return fmt.Sprintf("%s %s %s", name, m.theme.errorStyle().Render("✗ error"), reason)
	case rec.Stage.Terminal():
		return fmt.Sprintf("%s %s %s", name,
			m.theme.completedStyle().Render("✓ "+string(rec.Stage)), rec.Message)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", rec.Stage))
	bar := m.progress.ViewAs(float64(rec.ProgressPercent) / 100)
	detail := rec.Message
	if rec.Total > 0 {
		detail = fmt.Sprintf("%d/%d", rec.Current, rec.Total)
		if rec.FileName != "" {
			detail += " " + rec.FileName
		}
	}
	return fmt.Sprintf("%s %s %s", name, status, bar+" "+detail)
}

func (m watchModel) renderFooter() string {
	snap := eng.Metrics().Snapshot()
	stats := fmt.Sprintf("frames: %d accepted / %d stale / %d malformed · channels: %d open",
		snap.Counters[metrics.MessagesAccepted],
		snap.Counters[metrics.MessagesStale],
		snap.Counters[metrics.MessagesMalformed],
		snap.Counters[metrics.ChannelsOpened]-snap.Counters[metrics.ChannelsClosed],
	)
	return m.theme.hintStyle().Render(stats+"  ·  r refresh · q quit") + "\n"
}

// mergeProgress overlays the latest in-memory records onto the last
// known listing without waiting for the next server refresh.
func mergeProgress(states []models.EntityState, records map[string]models.ProgressRecord) []models.EntityState {
	merged := make([]models.EntityState, len(states))
	copy(merged, states)
	seen := make(map[string]struct{}, len(states))

	for i := range merged {
		seen[merged[i].KnowledgeBase.ID] = struct{}{}
		if rec, ok := records[merged[i].KnowledgeBase.ID]; ok {
			merged[i].Progress = &rec
		}
	}

	// Records may exist for entities not yet in the listing, e.g. a
	// knowledge base created from another terminal.
	for id, rec := range records {
		if _, ok := seen[id]; ok {
			continue
		}
		merged = append(merged, models.EntityState{
			KnowledgeBase: models.KnowledgeBase{ID: id, Name: id},
			Progress:      &rec,
		})
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].KnowledgeBase.Name < merged[j].KnowledgeBase.Name
	})
	return merged
}

// refreshCmd lists entities and reconciles push channels.
// Runs as a command to avoid blocking Update().
func refreshCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		states, err := eng.Refresh(ctx)
		return refreshMsg{states: states, err: err}
	}
}

// refreshTickCmd schedules the next full server refresh.
func refreshTickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return refreshDueMsg{}
	})
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	model := newWatchModel()
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("watch UI error: %w", err)
	}

	if m, ok := finalModel.(watchModel); ok && m.err != nil {
		return m.err
	}
	return nil
}
