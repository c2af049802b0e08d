// Package logoverlay shows the in-memory log buffer on top of the panel,
// filtered by level and category.
package logoverlay

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/ui/overlay"
	"github.com/zjrosen/labelpanel/internal/ui/styles"
)

const (
	viewportMaxHeight = 25
	viewportMinHeight = 5
	bufferScan        = 10000
)

// categories cycled by the tab key; the empty category means all.
var categories = append([]log.Category{""}, log.Categories()...)

// CloseMsg is sent when the overlay closes itself.
type CloseMsg struct{}

// Model is the log overlay state.
type Model struct {
	visible  bool
	minLevel log.Level
	category int
	width    int
	height   int
	viewport viewport.Model
	ready    bool
}

// New creates a hidden overlay showing every level.
func New() Model {
	return Model{minLevel: log.LevelDebug}
}

// Update handles keys while visible and resizes at any time.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if size, ok := msg.(tea.WindowSizeMsg); ok {
		m.SetSize(size.Width, size.Height)
		return m, nil
	}
	if !m.visible {
		return m, nil
	}
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch key.String() {
	case "c":
		log.ClearBuffer()
	case "d":
		m.minLevel = log.LevelDebug
	case "i":
		m.minLevel = log.LevelInfo
	case "w":
		m.minLevel = log.LevelWarn
	case "e":
		m.minLevel = log.LevelError
	case "tab":
		m.category = (m.category + 1) % len(categories)
	case "j", "down":
		if m.ready {
			m.viewport.ScrollDown(1)
		}
		return m, nil
	case "k", "up":
		if m.ready {
			m.viewport.ScrollUp(1)
		}
		return m, nil
	case "G":
		if m.ready {
			m.viewport.GotoBottom()
		}
		return m, nil
	case "ctrl+x", "esc":
		m.visible = false
		return m, func() tea.Msg { return CloseMsg{} }
	default:
		return m, nil
	}
	m.refresh()
	return m, nil
}

func (m Model) boxWidth() int {
	return max(min(m.width-4, 100), 40)
}

// View renders the overlay box, or nothing when hidden.
func (m Model) View() string {
	if !m.visible {
		return ""
	}
	width := m.boxWidth()

	title := lipgloss.NewStyle().Bold(true).Foreground(styles.OverlayTitleColor).PaddingLeft(1).
		Render("Logs" + m.categoryLabel())
	divider := lipgloss.NewStyle().Foreground(styles.OverlayBorderColor).Render(strings.Repeat("─", width))

	content := m.content(width - 2)
	if m.ready {
		content = m.viewport.View()
	}

	body := strings.Join([]string{title, divider, content, divider, m.hints()}, "\n")
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.OverlayBorderColor).
		Width(width).
		Render(body)
}

func (m Model) categoryLabel() string {
	if c := categories[m.category]; c != "" {
		return fmt.Sprintf(" [%s]", c)
	}
	return ""
}

// Entries returns the buffered entries passing the current filters.
func (m Model) Entries() []log.Entry {
	var out []log.Entry
	cat := categories[m.category]
	for _, e := range log.Recent(bufferScan) {
		if e.Level < m.minLevel || (cat != "" && e.Category != cat) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (m Model) content(width int) string {
	entries := m.Entries()
	if len(entries) == 0 {
		return lipgloss.NewStyle().Foreground(styles.TextMutedColor).Italic(true).Render("No logs to display")
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = colorize(e, width)
	}
	return strings.Join(lines, "\n")
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.content(m.boxWidth() - 2))
}

func colorize(e log.Entry, width int) string {
	line := e.String()
	if ansi.StringWidth(line) > width {
		line = ansi.Truncate(line, width-3, "...")
	}
	var color lipgloss.TerminalColor = styles.TextPrimaryColor
	switch e.Level {
	case log.LevelError:
		color = styles.StatusErrorColor
	case log.LevelWarn:
		color = styles.StatusWarningColor
	case log.LevelInfo:
		color = styles.ToastBorderInfoColor
	case log.LevelDebug:
		color = styles.TextMutedColor
	}
	return lipgloss.NewStyle().Foreground(color).Render(line)
}

func (m Model) hints() string {
	muted := lipgloss.NewStyle().Foreground(styles.TextMutedColor)
	active := lipgloss.NewStyle().Foreground(styles.TextPrimaryColor).Bold(true)

	hints := []string{muted.Render("[c] Clear"), muted.Render("[tab] Category")}
	for _, h := range []struct {
		key   string
		label string
		level log.Level
	}{
		{"d", "Debug", log.LevelDebug},
		{"i", "Info", log.LevelInfo},
		{"w", "Warn", log.LevelWarn},
		{"e", "Error", log.LevelError},
	} {
		style := muted
		if h.level == m.minLevel {
			style = active
		}
		hints = append(hints, style.Render(fmt.Sprintf("[%s] %s", h.key, h.label)))
	}
	return strings.Join(hints, "  ")
}

// Overlay renders the overlay centered on bg, or bg unchanged when hidden.
func (m Model) Overlay(bg string) string {
	if !m.visible {
		return bg
	}
	return overlay.Place(overlay.Config{Width: m.width, Height: m.height, Position: overlay.Center}, m.View(), bg)
}

// Visible reports whether the overlay is shown.
func (m Model) Visible() bool { return m.visible }

// Toggle shows or hides the overlay.
func (m *Model) Toggle() {
	m.visible = !m.visible
	if m.visible {
		m.refresh()
	}
}

// MinLevel returns the current level filter.
func (m Model) MinLevel() log.Level { return m.minLevel }

// SetSize resizes the overlay's viewport.
func (m *Model) SetSize(width, height int) {
	m.width, m.height = width, height
	if width == 0 || height == 0 {
		return
	}
	h := max(min(viewportMaxHeight, height-6), viewportMinHeight)
	m.viewport = viewport.New(m.boxWidth()-2, h)
	m.ready = true
	m.refresh()
}
