package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingLeft(2)
)

const spinnerInterval = 100 * time.Millisecond

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type tickMsg struct{}

type doneMsg struct {
	details []string
	err     error
}

type model struct {
	title   string
	frame   int
	done    bool
	details []string
	err     error
	cancel  context.CancelFunc
}

func (m model) Init() tea.Cmd { return tick() }

func tick() tea.Cmd {
	return tea.Tick(spinnerInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.cancel()
		}
		return m, nil
	case tickMsg:
		if m.done {
			return m, nil
		}
		m.frame = (m.frame + 1) % len(spinnerFrames)
		return m, tick()
	case doneMsg:
		m.done = true
		m.details = msg.details
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	if !m.done {
		fmt.Fprintf(&b, "%s %s\n", spinnerFrames[m.frame], titleStyle.Render(m.title))
		return b.String()
	}
	if m.err != nil {
		fmt.Fprintf(&b, "%s %s\n", failStyle.Render("✗"), titleStyle.Render(m.title))
	} else {
		fmt.Fprintf(&b, "%s %s\n", okStyle.Render("✓"), titleStyle.Render(m.title))
	}
	for _, d := range m.details {
		b.WriteString(detailStyle.Render(d))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(detailStyle.Render(failStyle.Render("error: " + m.err.Error())))
		b.WriteString("\n")
	}
	return b.String()
}

// Run shows a spinner while fn runs and leaves its details on screen.
func Run(title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(model{title: title, cancel: cancel})
	go func() {
		details, err := fn(ctx)
		p.Send(doneMsg{details: details, err: err})
	}()
	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("run ui: %w", err)
	}
	m := final.(model)
	return m.details, m.err
}
