package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ============================================================================
// Terminal renderer
// ============================================================================
// Fills the terminal with the current light color, the way a phone screen in
// the crowd would, with one status line underneath.
//
// Keys: 1 left, 2 center, 3 right, 4 all, b beat sync, q quit.
// ============================================================================

var (
	tuiStatusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	tuiBeatStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700")).Bold(true)
	tuiWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
)

// snapshotMsg delivers a controller snapshot to the model.
type snapshotMsg Snapshot

// snapshotsClosedMsg means the controller stopped publishing.
type snapshotsClosedMsg struct{}

type tuiModel struct {
	snap   Snapshot
	snaps  <-chan Snapshot
	post   func(Event) bool
	width  int
	height int
}

func newTUIModel(initial Snapshot, snaps <-chan Snapshot, post func(Event) bool) tuiModel {
	return tuiModel{snap: initial, snaps: snaps, post: post, width: 40, height: 12}
}

func waitForSnapshot(ch <-chan Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return snapshotsClosedMsg{}
		}
		return snapshotMsg(s)
	}
}

func (m tuiModel) Init() tea.Cmd {
	return waitForSnapshot(m.snaps)
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case snapshotMsg:
		m.snap = Snapshot(msg)
		return m, waitForSnapshot(m.snaps)

	case snapshotsClosedMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "1":
		m.post(ChangeSection{Section: SectionLeft})
	case "2":
		m.post(ChangeSection{Section: SectionCenter})
	case "3":
		m.post(ChangeSection{Section: SectionRight})
	case "4", "a":
		m.post(ChangeSection{Section: SectionAll})
	case "b":
		m.post(ToggleBeatSync{})
	}
	return m, nil
}

func (m tuiModel) View() string {
	return renderTUI(m.snap, m.width, m.height)
}

// renderTUI draws a width x height screen: a color block and a status line.
func renderTUI(s Snapshot, width, height int) string {
	if width <= 0 {
		width = 40
	}
	if height < 2 {
		height = 2
	}

	block := lipgloss.NewStyle().
		Width(width).
		Height(height - 1).
		Background(lipgloss.Color(s.Color.Hex()))

	var b strings.Builder
	b.WriteString(block.Render(""))
	b.WriteString("\n")
	b.WriteString(statusLine(s))
	return b.String()
}

func statusLine(s Snapshot) string {
	parts := []string{
		tuiStatusStyle.Render(fmt.Sprintf("%s  section:%s  link:%s", s.Color.Hex(), s.Section, s.ConnState)),
	}
	switch {
	case s.BeatSyncUnavailable:
		parts = append(parts, tuiWarnStyle.Render("beat:unavailable"))
	case s.BeatSync:
		parts = append(parts, tuiStatusStyle.Render("beat:on"))
	default:
		parts = append(parts, tuiStatusStyle.Render("beat:off"))
	}
	if s.BeatMode {
		parts = append(parts, tuiBeatStyle.Render("♪"))
	}
	if !s.IsActive {
		parts = append(parts, tuiStatusStyle.Render("idle"))
	}
	return strings.Join(parts, "  ")
}

// runTUI renders until the user quits or ctx is done. A user quit returns nil.
func runTUI(ctx context.Context, ctrl *Controller, snaps <-chan Snapshot) error {
	m := newTUIModel(ctrl.Snapshot(), snaps, ctrl.Post)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
