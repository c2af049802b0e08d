package annotate

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	zone "github.com/lrstanley/bubblezone"
	"github.com/muesli/reflow/wordwrap"

	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/panel"
	"github.com/zjrosen/labelpanel/internal/ui/overlay"
	"github.com/zjrosen/labelpanel/internal/ui/styles"
)

const toastWidth = 40

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(styles.OverlayTitleColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(styles.TextMutedColor)
	tabStyle     = lipgloss.NewStyle().Foreground(styles.TextMutedColor).Padding(0, 1)
	activeTab    = lipgloss.NewStyle().Bold(true).Foreground(styles.TabActiveColor).Padding(0, 1)
	sectionTitle = lipgloss.NewStyle().Bold(true).Foreground(styles.TextPrimaryColor)
	selectedRow  = lipgloss.NewStyle().Bold(true).Background(styles.SelectionColor)
)

func tabZone(name panel.Name) string { return "tab:" + string(name) }

func segmentZone(id string) string { return "seg:" + id }

// View renders the panel.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	parts := []string{
		m.renderHeader(),
		m.renderTabs(),
		"",
		m.renderBody(),
		"",
		m.renderSegments(),
		"",
		m.renderFooter(),
	}
	view := fitWidth(strings.Join(parts, "\n"), m.width)

	if m.toastVisible {
		view = overlay.Place(overlay.Config{Width: m.width, Height: m.height, Position: overlay.Bottom}, m.renderToast(), view)
	}
	view = m.logs.Overlay(view)
	return zone.Scan(view)
}

func (m Model) renderHeader() string {
	session := m.svc.Coord.Session()
	server := mutedStyle.Render("not connected")
	if session.Connected() {
		name := session.ServerInfo().Name()
		if name == "" {
			name = "connected"
		}
		server = lipgloss.NewStyle().Foreground(styles.StatusSuccessColor).Render(name)
	}
	header := titleStyle.Render(panel.NotifyTitle) + "  " + server
	if m.svc.Settings != nil {
		header += "  " + mutedStyle.Render(m.svc.Settings.ServerURL())
	}
	vc := m.svc.Coord.View()
	return header + "\n" + mutedStyle.Render(fmt.Sprintf("Patient %s  Series %s  %d frames", vc.PatientID, vc.SeriesInstanceUID, vc.FrameCount))
}

func (m Model) renderTabs() string {
	active := m.active()
	tabs := make([]string, 0, len(panel.Names()))
	for i, name := range panel.Names() {
		style := tabStyle
		if name == active {
			style = activeTab
		}
		tabs = append(tabs, zone.Mark(tabZone(name), style.Render(fmt.Sprintf("%d %s", i+1, name.Title()))))
	}
	return strings.Join(tabs, " ")
}

func (m Model) renderBody() string {
	if m.editingURL {
		return m.urlInput.View()
	}

	var active panel.Section
	found := false
	for _, s := range m.svc.Coord.Render() {
		if s.Active {
			active, found = s, true
		}
	}
	if !found {
		return mutedStyle.Render("Select an action tab (1-4)")
	}

	body := sectionTitle.Render(active.Title) + "\n" + active.Body
	switch active.Name {
	case panel.NameOptions:
		if models := m.renderModels(); models != "" {
			body += "\n\n" + models
		}
	case panel.NameSmartEdit:
		body += "\n" + mutedStyle.Render(fmt.Sprintf("Slice %d/%d  Cursor (%d, %d)",
			m.slice+1, m.svc.Coord.View().FrameCount, m.cursorX, m.cursorY))
	}
	return body
}

// renderModels renders the advertised model descriptions as markdown.
func (m Model) renderModels() string {
	md := modelsMarkdown(m.svc.Coord.Session().ServerInfo())
	if md == "" {
		return ""
	}
	if m.markdown == nil {
		return md
	}
	out, err := m.markdown.Render(md)
	if err != nil {
		log.ErrorErr(log.CatUI, "Rendering model descriptions failed", err)
		return md
	}
	return strings.Trim(out, "\n")
}

func modelsMarkdown(info panel.ServerInfo) string {
	var b strings.Builder
	for _, mi := range info.Models() {
		fmt.Fprintf(&b, "## %s\n\n*%s*", mi.Name, mi.Type)
		if len(mi.Labels) > 0 {
			fmt.Fprintf(&b, ", labels: %s", strings.Join(mi.Labels, ", "))
		}
		b.WriteString("\n\n")
		if mi.Description != "" {
			b.WriteString(mi.Description)
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

func (m Model) renderSegments() string {
	segs := m.svc.Segments.Segments()
	lines := []string{sectionTitle.Render(fmt.Sprintf("Segments (%d)", len(segs)))}
	if len(segs) == 0 {
		lines = append(lines, mutedStyle.Render("No segments, press n to add one"))
		return strings.Join(lines, "\n")
	}
	sel, _ := m.svc.Segments.Selected()
	for _, s := range segs {
		row := "  " + s.Label
		if s.ID == sel.ID {
			row = selectedRow.Render("> " + s.Label)
		}
		lines = append(lines, zone.Mark(segmentZone(s.ID), row))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderFooter() string {
	status := m.status
	if m.inFlight > 0 && status == "" {
		status = "Working..."
	}
	help := "1-4 tabs  r run  n/x add/del segment  j/k select  f/b point  [/] slice  m model  u url  ctrl+x logs  q quit"
	if status == "" {
		return mutedStyle.Render(help)
	}
	return status + "\n" + mutedStyle.Render(help)
}

func (m Model) renderToast() string {
	color := styles.KindColor(string(m.toast.Kind))
	body := lipgloss.NewStyle().Bold(true).Foreground(color).Render(m.toast.Title) + "\n" +
		wordwrap.String(m.toast.Message, toastWidth-4)
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(color).
		Padding(0, 1).
		Width(toastWidth).
		Render(body)
}

// fitWidth truncates every line to width; zero leaves lines untouched.
func fitWidth(s string, width int) string {
	if width <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if ansi.StringWidth(l) > width {
			lines[i] = ansi.Truncate(l, width, "…")
		}
	}
	return strings.Join(lines, "\n")
}
