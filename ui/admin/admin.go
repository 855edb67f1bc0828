package admin

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/fedbridge/db"
	"github.com/deemkeen/fedbridge/domain"
	"github.com/deemkeen/fedbridge/ui/common"
	"github.com/deemkeen/fedbridge/util"
)

var (
	statusStyles = map[string]lipgloss.Style{
		domain.StatusComplete: lipgloss.NewStyle().Foreground(lipgloss.Color(common.COLOR_GREEN)),
		domain.StatusError:    lipgloss.NewStyle().Foreground(lipgloss.Color(common.COLOR_RED)),
		domain.StatusFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color(common.COLOR_RED)),
		domain.StatusIgnored:  lipgloss.NewStyle().Foreground(lipgloss.Color(common.COLOR_DARK_GREY)),
	}

	plainStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(common.COLOR_GREY))
	depthStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(common.COLOR_LIGHTBLUE)).Bold(true)
	emptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(common.COLOR_DARK_GREY)).Italic(true)
)

// Model is the bridge ops console: recent activity with per-object
// status, plus the receive queue depth. Refreshes every few seconds.
type Model struct {
	store      *db.DB
	viewport   viewport.Model
	objects    []domain.Object
	queueDepth int
	width      int
	height     int
}

func InitialModel(store *db.DB, width, height int) Model {
	vp := viewport.New(common.DefaultWindowWidth(width), common.DefaultWindowHeight(height))
	return Model{
		store:    store,
		viewport: vp,
		width:    width,
		height:   height,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(loadState(m.store), refreshTick())
}

type stateLoadedMsg struct {
	objects    []domain.Object
	queueDepth int
}

type refreshMsg struct{}

func loadState(store *db.DB) tea.Cmd {
	return func() tea.Msg {
		objects, err := store.ReadRecentObjects(100)
		if err != nil {
			log.Printf("Ops console: failed to load objects: %v", err)
		}
		depth, err := store.QueueDepth()
		if err != nil {
			log.Printf("Ops console: failed to read queue depth: %v", err)
		}
		return stateLoadedMsg{objects: objects, queueDepth: depth}
	}
}

func refreshTick() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stateLoadedMsg:
		m.objects = msg.objects
		m.queueDepth = msg.queueDepth
		m.viewport.SetContent(m.renderObjects())
		return m, nil

	case refreshMsg:
		return m, tea.Batch(loadState(m.store), refreshTick())

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = common.DefaultWindowWidth(msg.Width)
		m.viewport.Height = common.DefaultWindowHeight(msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "r":
			return m, loadState(m.store)
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(common.CaptionStyle.Render(
		fmt.Sprintf("bridge activity (%d objects)", len(m.objects))))
	s.WriteString("\n")
	s.WriteString(depthStyle.Render(fmt.Sprintf("  receive queue: %d pending", m.queueDepth)))
	s.WriteString("\n\n")
	s.WriteString(m.viewport.View())
	s.WriteString("\n")
	s.WriteString(common.HelpStyle.Render("r: refresh  ↑/↓: scroll  q: quit"))
	return s.String()
}

func (m Model) renderObjects() string {
	if len(m.objects) == 0 {
		return emptyStyle.Render("No bridged activity yet.")
	}

	var s strings.Builder
	for _, obj := range m.objects {
		style, ok := statusStyles[obj.Status]
		if !ok {
			style = plainStyle
		}
		line := fmt.Sprintf("%-8s  %-10s  %-14s  %s",
			obj.Status, obj.Type, orDash(obj.SourceProtocol), truncate(obj.Id, m.viewport.Width-40))
		s.WriteString(style.Render(line))
		s.WriteString("\n")
		s.WriteString(plainStyle.Render("          " + obj.UpdatedAt.Format(util.DateTimeFormat())))
		s.WriteString("\n")
	}
	return s.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, limit int) string {
	if limit < 10 {
		limit = 10
	}
	if len(s) <= limit {
		return s
	}
	return s[:limit-1] + "…"
}
