// Package tokenmgr is an interactive picker for the scopes of a new API token.
package tokenmgr

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conductor/internal/auth"
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle   = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

// Scopes lists every scope a token can carry, in display order.
var Scopes = []struct {
	Scope       string
	Description string
}{
	{auth.ScopeAll, "Full administrative access (all scopes)"},
	{auth.ScopeProjectsWrite, "Create projects"},
	{auth.ScopeRunsheetRead, "Read phases, rows, scripts and the action log"},
	{auth.ScopeRunsheetWrite, "Edit the run sheet directly"},
	{auth.ScopeClockWrite, "Run clock commands"},
	{auth.ScopePresenceWrite, "Log in, heartbeat and log out"},
	{auth.ScopeChangesRead, "List submissions and change records"},
	{auth.ScopeChangesWrite, "Submit, accept and decline changes"},
	{auth.ScopeNotifications, "Poll and acknowledge notifications"},
	{auth.ScopeEventsRead, "Subscribe to the push streams"},
}

type item struct {
	scope    string
	desc     string
	selected bool
}

func (i item) Title() string {
	check := "[ ]"
	if i.selected {
		check = "[x]"
	}
	return fmt.Sprintf("%s %s", check, i.scope)
}
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.scope }

// Picker is a bubbletea model; run it with tea.NewProgram and read Selected
// once the program exits.
type Picker struct {
	list     list.Model
	quitting bool
	done     bool
	scopes   []string
}

func (m *Picker) Init() tea.Cmd {
	return nil
}

func (m *Picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit

		case " ": // toggle
			if i, ok := m.list.SelectedItem().(item); ok {
				i.selected = !i.selected
				m.list.SetItem(m.list.Index(), i)
			}
			return m, nil

		case "enter":
			m.done = true
			m.scopes = m.checked()
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m *Picker) checked() []string {
	var selected []string
	for _, li := range m.list.Items() {
		if it, ok := li.(item); ok && it.selected {
			selected = append(selected, it.scope)
		}
	}
	return selected
}

func (m *Picker) View() string {
	if m.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	if m.done {
		return quitTextStyle.Render(fmt.Sprintf("Selected scopes: %s", strings.Join(m.scopes, ", ")))
	}
	return "\n" + m.list.View()
}

// New builds a picker with preselected scopes already ticked.
func New(preselected []string) *Picker {
	items := make([]list.Item, 0, len(Scopes))
	for _, s := range Scopes {
		items = append(items, item{scope: s.Scope, desc: s.Description, selected: slices.Contains(preselected, s.Scope)})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select Scopes (Space to toggle, Enter to confirm)"
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle

	return &Picker{list: l}
}

// Selected is the confirmed scope set; empty when the picker was cancelled.
func (m *Picker) Selected() []string {
	return m.scopes
}

func (m *Picker) Cancelled() bool { return m.quitting }
