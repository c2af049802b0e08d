package logoverlay

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/labelpanel/internal/log"
)

func setup(t *testing.T) Model {
	t.Helper()
	lipgloss.SetColorProfile(termenv.Ascii)
	log.InitBuffered(100, log.LevelDebug)
	m := New()
	m.SetSize(120, 40)
	return m
}

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestHiddenByDefault(t *testing.T) {
	m := setup(t)
	require.False(t, m.Visible())
	require.Empty(t, m.View())
	require.Equal(t, "bg", m.Overlay("bg"))
}

func TestIgnoresKeysWhileHidden(t *testing.T) {
	m := setup(t)
	m, cmd := m.Update(key("e"))
	require.Nil(t, cmd)
	require.Equal(t, log.LevelDebug, m.MinLevel())
}

func TestLevelFilter(t *testing.T) {
	m := setup(t)
	log.Debug(log.CatCoord, "debug line")
	log.Error(log.CatCoord, "error line")
	m.Toggle()

	require.Len(t, m.Entries(), 2)

	m, _ = m.Update(key("e"))
	require.Equal(t, log.LevelError, m.MinLevel())
	entries := m.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "error line", entries[0].Message)
}

func TestCategoryFilterCycles(t *testing.T) {
	m := setup(t)
	log.Info(log.CatContext, "derived")
	log.Info(log.CatSession, "queried")
	m.Toggle()

	m, _ = m.Update(key("tab"))
	entries := m.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "derived", entries[0].Message)
	require.Contains(t, m.View(), "Logs [context]")

	m, _ = m.Update(key("tab"))
	entries = m.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "queried", entries[0].Message)
}

func TestClearEmptiesBuffer(t *testing.T) {
	m := setup(t)
	log.Warn(log.CatUI, "noise")
	m.Toggle()

	m, _ = m.Update(key("c"))
	require.Empty(t, m.Entries())
	require.Contains(t, m.View(), "No logs to display")
}

func TestEscClosesAndReports(t *testing.T) {
	m := setup(t)
	m.Toggle()

	m, cmd := m.Update(key("esc"))
	require.False(t, m.Visible())
	require.NotNil(t, cmd)
	require.IsType(t, CloseMsg{}, cmd())
}

func TestOverlayKeepsBackgroundHeight(t *testing.T) {
	m := setup(t)
	log.Info(log.CatAction, "hello")
	m.Toggle()

	bg := strings.TrimSuffix(strings.Repeat(strings.Repeat(".", 120)+"\n", 40), "\n")
	out := m.Overlay(bg)
	require.Len(t, strings.Split(out, "\n"), 40)
	require.Contains(t, out, "hello")
}
