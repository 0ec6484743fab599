package ui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestModelRendersSpinnerUntilDone(t *testing.T) {
	m := model{title: "sessiond check", cancel: func() {}}
	next, cmd := m.Update(tickMsg{})
	if cmd == nil {
		t.Fatal("expected another tick while running")
	}
	running := next.(model)
	if running.frame != 1 || !strings.Contains(running.View(), "sessiond check") {
		t.Fatalf("unexpected running view %q", running.View())
	}

	next, cmd = running.Update(doneMsg{details: []string{"credential round trip: ok"}})
	done := next.(model)
	if cmd == nil {
		t.Fatal("expected quit command once done")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.Quit")
	}
	if view := done.View(); !strings.Contains(view, "credential round trip: ok") || !strings.Contains(view, "✓") {
		t.Fatalf("expected success view with details, got %q", view)
	}
}

func TestModelShowsFailure(t *testing.T) {
	m := model{title: "sessiond check", cancel: func() {}}
	next, _ := m.Update(doneMsg{err: errors.New("redis unreachable")})
	view := next.(model).View()
	if !strings.Contains(view, "✗") || !strings.Contains(view, "redis unreachable") {
		t.Fatalf("expected failure view, got %q", view)
	}
}

func TestModelCancelsOnInterrupt(t *testing.T) {
	cancelled := false
	m := model{title: "sessiond check", cancel: func() { cancelled = true }}
	_, _ = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if !cancelled {
		t.Fatal("expected ctrl+c to cancel the running check")
	}
}
