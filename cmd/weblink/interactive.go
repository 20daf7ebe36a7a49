package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	tabStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB")).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))
)

type viewState int

const (
	stateList viewState = iota
	stateFilter
	stateDetail
)

type interactiveModel struct {
	filename string
	sections []section
	tab      int
	selected int
	offset   int
	height   int
	filter   textinput.Model
	detail   viewport.Model
	state    viewState
}

func newInteractiveModel(filename string, sections []section) *interactiveModel {
	ti := textinput.New()
	ti.Prompt = "/"
	ti.Placeholder = "filter"
	ti.Width = 40
	return &interactiveModel{
		filename: filename,
		sections: sections,
		filter:   ti,
		detail:   viewport.New(80, 20),
		height:   20,
		state:    stateList,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return nil
}

// visible returns the items of the current tab matching the filter.
func (m *interactiveModel) visible() []item {
	items := m.sections[m.tab].items
	q := strings.ToLower(m.filter.Value())
	if q == "" {
		return items
	}
	var out []item
	for _, it := range items {
		if strings.Contains(strings.ToLower(it.title), q) {
			out = append(out, it)
		}
	}
	return out
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = max(msg.Height-6, 3)
		m.detail.Width = msg.Width
		m.detail.Height = m.height
		return m, nil

	case tea.KeyMsg:
		switch m.state {
		case stateFilter:
			return m.updateFilter(msg)
		case stateDetail:
			return m.updateDetail(msg)
		}
		return m.updateList(msg)
	}
	return m, nil
}

func (m *interactiveModel) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.visible())-1 {
			m.selected++
		}
	case "tab", "right", "l":
		m.switchTab(1)
	case "shift+tab", "left", "h":
		m.switchTab(-1)
	case "/":
		m.state = stateFilter
		return m, m.filter.Focus()
	case "enter":
		items := m.visible()
		if m.selected < len(items) {
			m.detail.SetContent(items[m.selected].detail)
			m.detail.GotoTop()
			m.state = stateDetail
		}
	}
	m.scroll()
	return m, nil
}

func (m *interactiveModel) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "enter", "esc":
		if msg.String() == "esc" {
			m.filter.SetValue("")
		}
		m.filter.Blur()
		m.state = stateList
		m.selected, m.offset = 0, 0
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.selected, m.offset = 0, 0
	return m, cmd
}

func (m *interactiveModel) updateDetail(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "esc", "enter":
		m.state = stateList
		return m, nil
	}
	var cmd tea.Cmd
	m.detail, cmd = m.detail.Update(msg)
	return m, cmd
}

func (m *interactiveModel) switchTab(delta int) {
	m.tab = (m.tab + delta + len(m.sections)) % len(m.sections)
	m.selected, m.offset = 0, 0
}

// scroll keeps the selection inside the visible window.
func (m *interactiveModel) scroll() {
	if m.selected < m.offset {
		m.offset = m.selected
	}
	if m.selected >= m.offset+m.height {
		m.offset = m.selected - m.height + 1
	}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("weblink"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	tabs := make([]string, len(m.sections))
	for i, s := range m.sections {
		label := fmt.Sprintf("%s (%d)", s.name, len(s.items))
		if i == m.tab {
			tabs[i] = activeTabStyle.Render(label)
		} else {
			tabs[i] = tabStyle.Render(label)
		}
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tabs...))
	b.WriteString("\n\n")

	if m.state == stateDetail {
		b.WriteString(m.detail.View())
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ scroll • esc back • q quit"))
		return b.String()
	}

	items := m.visible()
	end := min(m.offset+m.height, len(items))
	for i := m.offset; i < end; i++ {
		if i == m.selected {
			b.WriteString(selectedStyle.Render("> " + items[i].title))
		} else {
			b.WriteString("  " + items[i].title)
		}
		b.WriteString("\n")
	}
	if len(items) == 0 {
		b.WriteString(helpStyle.Render("  (nothing matches)"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.state == stateFilter || m.filter.Value() != "" {
		b.WriteString(m.filter.View())
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("↑/↓ select • tab switch • / filter • enter details • q quit"))
	return b.String()
}

func runInteractive(filename string, sections []section) error {
	p := tea.NewProgram(newInteractiveModel(filename, sections), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
